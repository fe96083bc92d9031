package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Claims represents the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
}

// ContextKey is used for storing claims in request context.
type ContextKey string

const (
	ClaimsKey ContextKey = "claims"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

// HealthPath is served without authentication.
const HealthPath = "/api/v1/health"

// ErrForbidden is reported to the reject hook when a valid token lacks a scope.
var ErrForbidden = errors.New("FORBIDDEN")

// RejectFunc observes every request the middleware turns away.
type RejectFunc func(r *http.Request, subject string, err error)

// Middleware handles authentication and authorization.
type Middleware struct {
	verifier *Verifier
	onReject RejectFunc
}

// NewMiddleware creates auth middleware backed by verifier.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// OnReject installs fn; it runs on the request goroutine before the error is written.
func (m *Middleware) OnReject(fn RejectFunc) {
	m.onReject = fn
}

// RequireAuth creates middleware that requires a valid bearer token.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath {
			next(w, r)
			return
		}

		token, err := extractBearerToken(r)
		if err != nil {
			m.unauthorized(w, r, "Authentication required", err)
			return
		}
		if m.verifier == nil {
			m.unauthorized(w, r, "Authentication unavailable", ErrInvalidToken)
			return
		}
		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			m.unauthorized(w, r, "Invalid token", err)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// RequireScope creates middleware that requires all of the given scopes.
func (m *Middleware) RequireScope(requiredScopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromRequest(r)
			if claims == nil {
				m.unauthorized(w, r, "Authentication required", ErrInvalidToken)
				return
			}
			if !claims.HasScopes(requiredScopes...) {
				m.reject(r, claims.Subject, fmt.Errorf("%w: requires %s", ErrForbidden, strings.Join(requiredScopes, ",")))
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}
			next(w, r)
		}
	}
}

func (m *Middleware) unauthorized(w http.ResponseWriter, r *http.Request, message string, err error) {
	m.reject(r, "", err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="pmc"`)
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func (m *Middleware) reject(r *http.Request, subject string, err error) {
	if m.onReject != nil {
		m.onReject(r, subject, err)
	}
}

// HasScopes reports whether the claims carry every scope in required.
func (c *Claims) HasScopes(required ...string) bool {
	if c == nil {
		return false
	}
	for _, s := range required {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// HasRole reports whether the claims carry any of the given roles.
func (c *Claims) HasRole(roles ...string) bool {
	if c == nil {
		return false
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing Authorization header", ErrInvalidToken)
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: invalid Authorization header format", ErrInvalidToken)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	return token, nil
}

// GetClaimsFromRequest extracts claims stored by RequireAuth.
func GetClaimsFromRequest(r *http.Request) *Claims {
	claims, ok := r.Context().Value(ClaimsKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// writeError writes an error response in the API envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	})
}
