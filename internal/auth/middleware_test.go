package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMiddleware(t *testing.T) *Middleware {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	require.NoError(t, err)
	return NewMiddleware(v)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequireAuth(t *testing.T) {
	m := newTestMiddleware(t)
	handler := m.RequireAuth(okHandler)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", HealthPath, "", http.StatusOK},
		{"missing header", "/api/v1/status", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/status", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "/api/v1/status", "Bearer invalid", http.StatusUnauthorized},
		{"valid token", "/api/v1/status", "Bearer " + signHS256(t, viewerClaims()), http.StatusOK},
		{"lowercase scheme", "/api/v1/status", "bearer " + signHS256(t, viewerClaims()), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireAuthErrorEnvelope(t *testing.T) {
	m := newTestMiddleware(t)
	rec := httptest.NewRecorder()
	m.RequireAuth(okHandler)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["result"])
	assert.Equal(t, "UNAUTHORIZED", body["code"])
	assert.NotEmpty(t, body["correlationId"])
}

func TestRejectHook(t *testing.T) {
	m := newTestMiddleware(t)
	type rejection struct {
		subject string
		err     error
	}
	var got []rejection
	m.OnReject(func(r *http.Request, subject string, err error) {
		got = append(got, rejection{subject, err})
	})
	handler := m.RequireAuth(m.RequireScope(ScopeControl)(okHandler))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="pmc"`, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, viewerClaims()))
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.Len(t, got, 2)
	assert.ErrorIs(t, got[0].err, ErrInvalidToken)
	assert.Empty(t, got[0].subject)
	assert.ErrorIs(t, got[1].err, ErrForbidden)
	assert.Equal(t, "user-123", got[1].subject)
}

func TestRequireScope(t *testing.T) {
	m := newTestMiddleware(t)
	handler := m.RequireAuth(m.RequireScope(ScopeControl)(okHandler))

	viewer := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	viewer.Header.Set("Authorization", "Bearer "+signHS256(t, viewerClaims()))
	rec := httptest.NewRecorder()
	handler(rec, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	operatorClaims := jwt.MapClaims{
		"sub":    "admin-456",
		"roles":  []string{RoleOperator},
		"scopes": []string{ScopeRead, ScopeControl, ScopeTelemetry},
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	operator := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	operator.Header.Set("Authorization", "Bearer "+signHS256(t, operatorClaims))
	rec = httptest.NewRecorder()
	handler(rec, operator)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScopeWithoutClaims(t *testing.T) {
	m := newTestMiddleware(t)
	rec := httptest.NewRecorder()
	m.RequireScope(ScopeRead)(okHandler)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClaimsHelpers(t *testing.T) {
	var nilClaims *Claims
	assert.False(t, nilClaims.HasScopes(ScopeRead))
	assert.False(t, nilClaims.HasRole(RoleViewer))

	c := &Claims{Roles: []string{RoleOperator}, Scopes: []string{ScopeRead}}
	assert.True(t, c.HasRole(RoleViewer, RoleOperator))
	assert.False(t, c.HasRole(RoleViewer))
	assert.True(t, c.HasScopes())
}

func TestSubscriberAuthenticator(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	require.NoError(t, err)
	a := NewSubscriberAuthenticator(v)

	id, err := a.Authenticate(context.Background(), signHS256(t, viewerClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.Subject)
	assert.True(t, id.HasScope(ScopeTelemetry))

	readOnly := viewerClaims()
	readOnly["scopes"] = []string{ScopeRead}
	_, err = a.Authenticate(context.Background(), signHS256(t, readOnly))
	assert.ErrorIs(t, err, ErrInvalidToken)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Authenticate(ctx, signHS256(t, viewerClaims()))
	assert.ErrorIs(t, err, context.Canceled)
}
