package middleware

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asierdev/annovault/pkg/trace"
)

// LoggingMiddleware emits one structured entry per request. Paths under an
// excluded prefix are skipped so high-volume image traffic can be kept out
// of the main log.
type LoggingMiddleware struct {
	logger       *zap.Logger
	excludePaths []string
}

type LoggingOption func(*LoggingMiddleware)

func WithExcludePaths(paths []string) LoggingOption {
	return func(l *LoggingMiddleware) {
		l.excludePaths = paths
	}
}

func NewLoggingMiddleware(logger *zap.Logger, opts ...LoggingOption) *LoggingMiddleware {
	lm := &LoggingMiddleware{logger: logger}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

func (l *LoggingMiddleware) excluded(path string) bool {
	for _, prefix := range l.excludePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (l *LoggingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", clientIP(r)),
			zap.String("user_agent", r.UserAgent()),
			zap.Int64("response_size", sw.length),
		}
		if id := trace.GetRequestID(r.Context()); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}

		switch {
		case sw.status >= 500:
			l.logger.Error("request failed", fields...)
		case sw.status >= 400:
			l.logger.Warn("request rejected", fields...)
		default:
			l.logger.Info("request completed", fields...)
		}
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		return ip[:colon]
	}
	return ip
}
