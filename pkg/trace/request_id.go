// Package trace tags every request with a unique ID so log lines and audit
// entries from one request can be correlated.
package trace

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

type RequestID struct{}

func WithRequestID() *RequestID {
	return &RequestID{}
}

// Middleware assigns a UUID to the request, exposes it in the X-Request-ID
// response header and stores it in the context.
func (ri *RequestID) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request's ID, or "" when the middleware did not
// run.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
