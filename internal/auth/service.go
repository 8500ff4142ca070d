// Package auth issues and validates the tokens that slaves and operators
// present to the master.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrWeakSecret       = errors.New("secret must be at least 32 bytes")
)

// MinSecretLength is the minimum accepted signing secret length.
const MinSecretLength = 32

// Claims identifies the bearer of a validated token.
type Claims struct {
	// Subject is the slave name for slave tokens and a free-form operator
	// name otherwise.
	Subject string    `json:"sub"`
	Role    Role      `json:"role"`
	Exp     time.Time `json:"exp"`
}

// Config holds authentication configuration.
type Config struct {
	Secret      []byte
	TokenExpiry time.Duration
	Issuer      string
}

// Service signs and validates HS256 tokens.
type Service struct {
	secret      []byte
	tokenExpiry time.Duration
	issuer      string
	logger      *slog.Logger
}

// NewService creates a new authentication service.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "buildmaster"
	}
	return &Service{
		secret:      cfg.Secret,
		tokenExpiry: cfg.TokenExpiry,
		issuer:      issuer,
		logger:      logger,
	}, nil
}

// GenerateToken creates a token for subject acting with role. A zero
// TokenExpiry produces tokens that never expire.
func (s *Service) GenerateToken(subject string, role Role) (string, error) {
	if subject == "" {
		return "", ErrMissingClaims
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iss":  s.issuer,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
	}
	if s.tokenExpiry > 0 {
		claims["exp"] = now.Add(s.tokenExpiry).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, ok := mapClaims["sub"].(string)
	if !ok || subject == "" {
		return nil, ErrMissingClaims
	}
	role, _ := mapClaims["role"].(string)
	if !Role(role).Valid() {
		return nil, ErrMissingClaims
	}

	claims := &Claims{Subject: subject, Role: Role(role)}
	if expFloat, ok := mapClaims["exp"].(float64); ok {
		claims.Exp = time.Unix(int64(expFloat), 0)
	}
	return claims, nil
}

// GenerateSecret returns a random secret suitable for signing tokens.
func GenerateSecret() (string, error) {
	bytes := make([]byte, MinSecretLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type contextKey string

const claimsKey contextKey = "auth_claims"

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
