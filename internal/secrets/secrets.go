// Package secrets seals step secrets with age so that master files can be
// committed without exposing them.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"filippo.io/age"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for sealing.
	ErrNoPublicKey = errors.New("no public key configured for sealing")
	// ErrNoPrivateKey is returned when no private key is configured for opening.
	ErrNoPrivateKey = errors.New("no private key configured for opening")
	// ErrDecryptionFailed is returned when a sealed value cannot be opened.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when sealing fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Service seals and opens secrets. Sealed values are base64 encoded age
// ciphertexts for one X25519 recipient.
type Service struct {
	publicKey  *age.X25519Recipient // for sealing
	privateKey *age.X25519Identity  // for opening, held by the master only
	logger     *slog.Logger
}

// Config holds the keys of the service.
type Config struct {
	// PublicKey is the age recipient, age1...
	PublicKey string
	// PrivateKey is the age identity, AGE-SECRET-KEY-1... The public key is
	// derived from it when PublicKey is empty.
	PrivateKey string
}

// NewService creates a new secrets service. Either key may be empty.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{logger: logger}

	if cfg.PrivateKey != "" {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		svc.privateKey = identity
		svc.publicKey = identity.Recipient()
	}

	if cfg.PublicKey != "" {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		svc.publicKey = recipient
	}

	return svc, nil
}

// Seal encrypts plaintext for the configured public key.
func (s *Service) Seal(plaintext []byte) (string, error) {
	if s.publicKey == nil {
		return "", ErrNoPublicKey
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a value produced by Seal.
func (s *Service) Open(sealed string) ([]byte, error) {
	if s.privateKey == nil {
		return nil, ErrNoPrivateKey
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, fmt.Errorf("%w: not base64: %v", ErrDecryptionFailed, err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// OpenAll opens every value of sealed, keyed like the input. The first
// failure names the offending key.
func (s *Service) OpenAll(sealed map[string]string) (map[string]string, error) {
	if len(sealed) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(sealed))
	for k := range sealed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(sealed))
	for _, k := range keys {
		plaintext, err := s.Open(sealed[k])
		if err != nil {
			s.logger.Error("failed to open secret", "name", k, "error", err)
			return nil, fmt.Errorf("secret %s: %w", k, err)
		}
		out[k] = string(plaintext)
	}
	return out, nil
}

// CanSeal reports whether the service has a public key.
func (s *Service) CanSeal() bool {
	return s.publicKey != nil
}

// CanOpen reports whether the service has a private key.
func (s *Service) CanOpen() bool {
	return s.privateKey != nil
}

// PublicKey returns the configured public key, or empty if not configured.
func (s *Service) PublicKey() string {
	if s.publicKey == nil {
		return ""
	}
	return s.publicKey.String()
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
