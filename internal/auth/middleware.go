package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/radio-control/radiocore/internal/audit"
)

// Claims is the verified identity behind a request.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
}

// Roles.
const (
	RoleViewer     = "viewer"
	RoleController = "controller"
)

// Scopes.
const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

// roleScopes are granted to tokens that carry roles but no explicit scopes.
var roleScopes = map[string][]string{
	RoleViewer:     {ScopeRead, ScopeTelemetry},
	RoleController: {ScopeRead, ScopeControl, ScopeTelemetry},
}

// HasScope reports whether the claims grant scope, either explicitly or
// through a role when no scopes were issued.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	if len(c.Scopes) > 0 {
		return slices.Contains(c.Scopes, scope)
	}
	for _, role := range c.Roles {
		if slices.Contains(roleScopes[role], scope) {
			return true
		}
	}
	return false
}

// TokenVerifier turns a bearer token into claims.
type TokenVerifier interface {
	VerifyToken(token string) (*Claims, error)
}

type claimsKey struct{}

// ClaimsFromContext returns the claims stored by RequireAuth, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// Middleware authenticates requests and enforces scopes.
type Middleware struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewMiddleware creates auth middleware backed by verifier.
func NewMiddleware(verifier TokenVerifier) *Middleware {
	return &Middleware{verifier: verifier, logger: slog.Default()}
}

// SetLogger sets the logger for rejected requests.
func (m *Middleware) SetLogger(logger *slog.Logger) {
	m.logger = logger
}

// RequireAuth verifies the bearer token and stores the claims in the
// request context. The token subject becomes the audit user.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			m.logger.InfoContext(r.Context(), "token rejected",
				slog.String("path", r.URL.Path),
				slog.String("reason", err.Error()))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = audit.WithUser(ctx, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}

// RequireScope rejects authenticated requests lacking any of scopes.
func (m *Middleware) RequireScope(scopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			for _, scope := range scopes {
				if !claims.HasScope(scope) {
					writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
					return
				}
			}
			next(w, r)
		}
	}
}

// Protect is RequireAuth followed by RequireScope.
func (m *Middleware) Protect(next http.HandlerFunc, scopes ...string) http.HandlerFunc {
	return m.RequireAuth(m.RequireScope(scopes...)(next))
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// writeError writes the API error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	})
}
