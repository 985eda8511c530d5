package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asierdev/annovault/internal/auth/audit"
	"github.com/asierdev/annovault/internal/auth/models"
	"github.com/asierdev/annovault/internal/auth/service"
	"github.com/asierdev/annovault/internal/auth/store"
	"github.com/asierdev/annovault/internal/auth/validation"
)

func newGate(t *testing.T) (*Gate, *service.Service) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := service.NewService(s, audit.NewRecorder(s, zap.NewNop()), nil, service.Config{
		JWTSecret:      []byte("test-secret"),
		PasswordPolicy: validation.Policy{MinLength: 4},
	}, zap.NewNop())

	return NewGate(svc, NewIPRateLimiter(1000, 1000), zap.NewNop()), svc
}

func loginToken(t *testing.T, svc *service.Service, username string) string {
	t.Helper()

	_, err := svc.CreateUser(context.Background(), username, "swordfish", false)
	require.NoError(t, err)

	res, err := svc.Login(context.Background(), service.LoginInput{
		Username: username,
		Password: "swordfish",
		IP:       "10.0.0.1",
	})
	require.NoError(t, err)
	return res.Token
}

func echoIdentity(t *testing.T) (http.Handler, *models.Identity) {
	captured := &models.Identity{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		*captured = *id
		w.WriteHeader(http.StatusOK)
	}), captured
}

func TestAuthenticateHappyPath(t *testing.T) {
	gate, svc := newGate(t)
	token := loginToken(t, svc, "alice")

	handler, captured := echoIdentity(t)
	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	gate.Authenticate(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", captured.Account.Username)
	assert.False(t, captured.Admin)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAuthenticateRejections(t *testing.T) {
	gate, svc := newGate(t)
	loginToken(t, svc, "alice")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic YWxpY2U6cHc="},
		{"unknown token", "Bearer not-a-real-token"},
		{"empty token", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/projects", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			gate.Authenticate(next).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())
		})
	}
}

func TestAuthenticateIPRateLimit(t *testing.T) {
	gate, svc := newGate(t)
	gate.limiter = NewIPRateLimiter(1, 2)
	token := loginToken(t, svc, "alice")

	handler, _ := echoIdentity(t)
	wrapped := gate.Authenticate(handler)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/projects", nil)
		req.RemoteAddr = "192.0.2.1:4444"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		last = rec.Code
	}

	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRequireAdmin(t *testing.T) {
	gate, svc := newGate(t)

	_, err := svc.CreateAdmin(context.Background(), "root", "swordfish", false)
	require.NoError(t, err)
	res, err := svc.Login(context.Background(), service.LoginInput{Username: "root", Password: "swordfish"})
	require.NoError(t, err)

	userToken := loginToken(t, svc, "alice")

	handler := gate.Authenticate(gate.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	adminReq := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	adminReq.Header.Set("Authorization", "Bearer "+res.Token)
	adminRec := httptest.NewRecorder()
	handler.ServeHTTP(adminRec, adminReq)
	assert.Equal(t, http.StatusOK, adminRec.Code)

	userReq := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	userReq.Header.Set("Authorization", "Bearer "+userToken)
	userRec := httptest.NewRecorder()
	handler.ServeHTTP(userRec, userReq)
	assert.Equal(t, http.StatusForbidden, userRec.Code)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer abc123")

	token, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc123", token)
}
