package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildmaster/internal/auth"
)

func newAuthService(t *testing.T, expiry time.Duration) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(&auth.Config{
		Secret:      []byte(strings.Repeat("s", 32)),
		TokenExpiry: expiry,
	}, slog.Default())
	if err != nil {
		t.Fatalf("creating auth service: %v", err)
	}
	return svc
}

func protected(m *AuthMiddleware, perm auth.Permission) http.Handler {
	return m.Authenticate(m.Require(perm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFromContext(r.Context())
		w.Write([]byte(claims.Subject))
	})))
}

// A request passes iff it carries a valid token whose role grants the
// required permission.
func TestPropertyRolePermissionEnforced(t *testing.T) {
	svc := newAuthService(t, time.Hour)
	m := NewAuthMiddleware(svc, nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genRole := gen.OneConstOf(auth.RoleSlave, auth.RoleOperator)
	genPerm := gen.OneConstOf(
		auth.PermissionAttach,
		auth.PermissionViewHistory,
		auth.PermissionManageHistory,
		auth.PermissionNotifyChanges,
		auth.PermissionTrigger,
	)

	properties.Property("status follows role permissions", prop.ForAll(
		func(subject string, role auth.Role, perm auth.Permission) bool {
			tok, err := svc.GenerateToken(subject, role)
			if err != nil {
				return false
			}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			rr := httptest.NewRecorder()
			protected(m, perm).ServeHTTP(rr, req)

			if auth.CheckRolePermission(role, perm) == nil {
				return rr.Code == http.StatusOK && rr.Body.String() == subject
			}
			return rr.Code == http.StatusForbidden
		},
		gen.Identifier(),
		genRole,
		genPerm,
	))

	properties.TestingRun(t)
}

func TestAuthenticateRejections(t *testing.T) {
	svc := newAuthService(t, time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "op",
		"role": string(auth.RoleOperator),
		"iss":  "buildmaster",
		"exp":  time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(strings.Repeat("s", 32)))
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing", "", "Missing authentication"},
		{"malformed", "Bearer abc", "Invalid token"},
		{"expired", "Bearer " + expired, "Token has expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			protected(NewAuthMiddleware(svc, nil), auth.PermissionViewHistory).ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if body["code"] != "UNAUTHORIZED" || body["message"] != tt.message {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestNilAuthServiceIsOpen(t *testing.T) {
	m := NewAuthMiddleware(nil, nil)
	h := m.Authenticate(m.Require(auth.PermissionManageHistory)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rr.Code)
	}
}

func TestRecoveryWritesInternalError(t *testing.T) {
	h := Recovery(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["code"] != "INTERNAL_ERROR" {
		t.Errorf("body = %v", body)
	}
	details, _ := body["details"].(map[string]any)
	if id, _ := details["correlation_id"].(string); id == "" {
		t.Errorf("details = %v, want a correlation_id", body["details"])
	}
}

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/v1/projects", http.StatusOK, slog.LevelInfo},
		{"/health", http.StatusOK, slog.LevelDebug},
		{"/health", http.StatusServiceUnavailable, slog.LevelError},
		{"/v1/history/x", http.StatusNotFound, slog.LevelWarn},
		{"/v1/history/x", http.StatusInternalServerError, slog.LevelError},
	}
	for _, tt := range tests {
		if got := requestLevel(tt.path, tt.status); got != tt.want {
			t.Errorf("requestLevel(%s, %d) = %v, want %v", tt.path, tt.status, got, tt.want)
		}
	}
}

func TestRequestLoggerLogsStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/history/missing", nil))

	var line map[string]any
	if err := json.Unmarshal([]byte(buf.String()), &line); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	if line["level"] != "WARN" || line["status"] != float64(404) || line["path"] != "/v1/history/missing" {
		t.Errorf("log line = %v", line)
	}
}
