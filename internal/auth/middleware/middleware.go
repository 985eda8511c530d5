// Package middleware is the request authentication gate: it resolves a
// bearer credential to an identity and installs it in the request context,
// or rejects without revealing which check failed.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	autherr "github.com/asierdev/annovault/internal/auth"
	"github.com/asierdev/annovault/internal/auth/models"
	"github.com/asierdev/annovault/internal/auth/service"
)

type contextKey string

const identityKey contextKey = "identity"

// IdentityFrom retrieves the identity the gate resolved for this request.
func IdentityFrom(ctx context.Context) (*models.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*models.Identity)
	return id, ok
}

// WithIdentity is used by tests to seed a request context.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ClientIP strips the port from RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteError emits the uniform JSON error body.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// IPRateLimiter keeps one token bucket per client address in front of the
// credential checks, so anonymous hammering is shed before any store access.
type IPRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

func NewIPRateLimiter(requestsPerSecond float64, burst int) *IPRateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = 10
	}
	if burst == 0 {
		burst = 30
	}

	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *IPRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

type Gate struct {
	auth    *service.Service
	limiter *IPRateLimiter
	logger  *zap.Logger
}

func NewGate(auth *service.Service, limiter *IPRateLimiter, logger *zap.Logger) *Gate {
	if limiter == nil {
		limiter = NewIPRateLimiter(10, 30)
	}
	return &Gate{auth: auth, limiter: limiter, logger: logger}
}

// Authenticate wraps next so only requests carrying a live session token get
// through. Regular users and administrators resolve through the same token
// lookup; administrators simply carry no device binding to re-check. Every
// resolution failure maps to the same generic 401 except rate limiting,
// which is a 429.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.Allow(ClientIP(r)) {
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		token, ok := BearerToken(r)
		if !ok {
			WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		start := time.Now()
		identity, err := g.auth.VerifyRequest(r.Context(), token, ClientIP(r), r.UserAgent(), r.URL.Path, start)
		if err != nil {
			switch {
			case errors.Is(err, autherr.ErrRateLimited):
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			case errors.Is(err, autherr.ErrTokenNotFound),
				errors.Is(err, autherr.ErrTokenExpired),
				errors.Is(err, autherr.ErrAccountLocked):
				WriteError(w, http.StatusUnauthorized, "authentication required")
			default:
				g.logger.Error("request verification failed", zap.Error(err))
				WriteError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")

		ctx := WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin allows only administrator identities past. It must run inside
// Authenticate.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok || !identity.Admin {
			WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
