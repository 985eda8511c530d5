// Package images serves protected workspace images. Delivery is gated by
// capability tokens alone: possession of a valid token grants the single
// object it names, regardless of session state. The grant endpoint sits
// behind the session gate and mints tokens for authenticated callers.
package images

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	autherr "github.com/asierdev/annovault/internal/auth"
	"github.com/asierdev/annovault/internal/auth/capability"
	"github.com/asierdev/annovault/internal/auth/middleware"
)

type Handler struct {
	caps   *capability.Service
	store  ObjectStore
	logger *zap.Logger
}

func NewHandler(caps *capability.Service, store ObjectStore, logger *zap.Logger) *Handler {
	return &Handler{caps: caps, store: store, logger: logger}
}

type GrantRequest struct {
	Key string `json:"key"`
}

type GrantResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Serve handles GET /images/{token}. The token is the entire trailing path
// segment; query-string delivery is deliberately not supported so tokens
// never land in referrer headers.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/images/")
	if token == "" || strings.Contains(token, "/") {
		middleware.WriteError(w, http.StatusNotFound, "not found")
		return
	}

	key, err := h.caps.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, autherr.ErrCapabilityExpired):
			middleware.WriteError(w, http.StatusForbidden, "token expired")
		default:
			middleware.WriteError(w, http.StatusForbidden, "invalid token")
		}
		return
	}

	obj, err := h.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("object fetch failed", zap.String("key", key), zap.Error(err))
		middleware.WriteError(w, http.StatusBadGateway, "storage unavailable")
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Cache-Control", "no-store, must-revalidate, private")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self'")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}

	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("image stream interrupted", zap.String("key", key), zap.Error(err))
	}
}

// Grant handles POST /images/grant and mints a capability token for the
// requested resource key. Routing must place it behind the session gate.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.caps.Issue(req.Key)
	if err != nil {
		h.logger.Error("capability issuance failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GrantResponse{
		Token:     token,
		URL:       "/images/" + token,
		ExpiresAt: time.Now().Add(capability.TTL),
	})
}
