// Package middleware holds the HTTP middleware applied in front of the
// mux: request logging, security headers and CORS. Authentication has its
// own gate under internal/auth/middleware.
package middleware

import "net/http"

// Middleware wraps a handler with additional behavior.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// Chain applies middleware in the order they were added: the first added
// is the outermost wrapper.
type Chain struct {
	middlewares []Middleware
}

func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

func (c *Chain) Use(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

func (c *Chain) Then(final http.Handler) http.Handler {
	if final == nil {
		final = http.DefaultServeMux
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		final = c.middlewares[i].Middleware(final)
	}
	return final
}

// statusWriter captures the status code and body size for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
	length int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.length += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
