package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/buildmaster/internal/api/errors"
	"github.com/narvanalabs/buildmaster/internal/auth"
)

// tokenQueryParam carries the bearer token for clients that cannot set
// headers, such as browser websockets.
const tokenQueryParam = "access_token"

// AuthMiddleware validates bearer tokens and enforces role permissions.
// With a nil auth service every request is let through.
type AuthMiddleware struct {
	authService *auth.Service
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService: authService,
		logger:      logger,
	}
}

// Authenticate validates the request token and stores its claims in the
// request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.authService == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get(tokenQueryParam)
		}
		if token == "" {
			writeError(w, r, apierrors.NewUnauthorizedError("Missing authentication"))
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			m.logger.Debug("token validation failed", "error", err)
			if errors.Is(err, auth.ErrExpiredToken) {
				writeError(w, r, apierrors.NewUnauthorizedError("Token has expired"))
				return
			}
			writeError(w, r, apierrors.NewUnauthorizedError("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// Require returns a middleware that rejects requests whose token role lacks
// permission.
func (m *AuthMiddleware) Require(permission auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.authService == nil {
				next.ServeHTTP(w, r)
				return
			}

			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, r, apierrors.NewUnauthorizedError("Authentication required"))
				return
			}
			if err := auth.Authorize(claims, permission); err != nil {
				m.logger.Debug("permission denied",
					"subject", claims.Subject,
					"role", claims.Role,
					"permission", permission,
				)
				writeError(w, r, apierrors.NewForbiddenError("Access denied"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err *apierrors.APIError) {
	apierrors.WriteErrorWithRequestID(w, err, middleware.GetReqID(r.Context()))
}
