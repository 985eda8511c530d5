package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	autherr "github.com/asierdev/annovault/internal/auth"
	"github.com/asierdev/annovault/internal/auth/audit"
	"github.com/asierdev/annovault/internal/auth/middleware"
	"github.com/asierdev/annovault/internal/auth/models"
	"github.com/asierdev/annovault/internal/auth/service"
	"github.com/asierdev/annovault/internal/auth/store"
)

type AuthHandler struct {
	auth     *service.Service
	recorder *audit.Recorder
	logger   *zap.Logger
}

func NewAuthHandler(auth *service.Service, recorder *audit.Recorder, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, recorder: recorder, logger: logger}
}

type LoginRequest struct {
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	DeviceInfo models.DeviceInfo `json:"deviceInfo"`
}

type LoginResponse struct {
	Token         string    `json:"token"`
	Expiry        time.Time `json:"expiry"`
	Role          string    `json:"role"`
	RedirectTo    string    `json:"redirectTo"`
	DeviceChanged bool      `json:"deviceChanged,omitempty"`
}

type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Role  string `json:"role"`
}

type CreateAccountRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	OfficeTier bool   `json:"officeTier,omitempty"`
	SuperAdmin bool   `json:"superAdmin,omitempty"`
}

type UnlockRequest struct {
	Username string `json:"username"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.auth.Login(r.Context(), service.LoginInput{
		Username:  req.Username,
		Password:  req.Password,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		Device:    req.DeviceInfo,
	})
	if err != nil {
		switch {
		case errors.Is(err, autherr.ErrAccountLocked):
			middleware.WriteError(w, http.StatusForbidden, "account is locked")
		case errors.Is(err, autherr.ErrInvalidCredentials):
			middleware.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, autherr.ErrConflict):
			middleware.WriteError(w, http.StatusConflict, "login conflict, retry")
		default:
			h.logger.Error("login failed", zap.Error(err))
			middleware.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:         result.Token,
		Expiry:        result.Expiry,
		Role:          string(result.Role),
		RedirectTo:    result.RedirectTo,
		DeviceChanged: result.DeviceChanged,
	})
}

// Verify resolves the bearer token and reports the caller's role. The body
// may carry device info; it is accepted for audit symmetry with login but
// takes no part in binding decisions.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	identity, err := h.auth.VerifyRequest(r.Context(), token, middleware.ClientIP(r), r.UserAgent(), r.URL.Path, time.Now())
	if err != nil {
		h.writeVerifyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Role: string(identity.Account.Role)})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	result, err := h.auth.Refresh(r.Context(), token, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeVerifyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:      result.Token,
		Expiry:     result.Expiry,
		Role:       string(result.Role),
		RedirectTo: result.RedirectTo,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.auth.Logout(r.Context(), token, middleware.ClientIP(r), r.UserAgent()); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Unlock is the administrative path out of the locked state.
func (h *AuthHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.auth.Unlock(r.Context(), req.Username, middleware.ClientIP(r), r.UserAgent()); err != nil {
		if errors.Is(err, autherr.ErrAccountNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.Error("unlock failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "account unlocked"})
}

// CreateAccount provisions a user or administrator.
func (h *AuthHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch models.Role(req.Role) {
	case models.RoleAdmin:
		_, err = h.auth.CreateAdmin(r.Context(), req.Username, req.Password, req.SuperAdmin)
	case models.RoleUser, "":
		_, err = h.auth.CreateUser(r.Context(), req.Username, req.Password, req.OfficeTier)
	default:
		middleware.WriteError(w, http.StatusBadRequest, "unknown role")
		return
	}

	if err != nil {
		if errors.Is(err, autherr.ErrUsernameTaken) {
			middleware.WriteError(w, http.StatusConflict, "username already exists")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// AuditQuery serves the operator read side of the audit trail.
// Filters arrive as query parameters: account_id, kinds (comma separated),
// from, to (RFC 3339), ip, project_id, limit, offset.
func (h *AuthHandler) AuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.recorder.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	var f store.AuditFilter
	q := r.URL.Query()

	var err error
	if v := q.Get("account_id"); v != "" {
		if f.AccountID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, errors.New("invalid account_id")
		}
	}
	if v := q.Get("kinds"); v != "" {
		for _, k := range strings.Split(v, ",") {
			f.Kinds = append(f.Kinds, models.EventKind(strings.TrimSpace(k)))
		}
	}
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("invalid from timestamp")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("invalid to timestamp")
		}
	}
	f.IP = q.Get("ip")
	if v := q.Get("project_id"); v != "" {
		if f.ProjectID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, errors.New("invalid project_id")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, errors.New("invalid limit")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, errors.New("invalid offset")
		}
	}

	return f, nil
}

func (h *AuthHandler) writeVerifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, autherr.ErrRateLimited):
		middleware.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, autherr.ErrTokenNotFound), errors.Is(err, autherr.ErrTokenExpired):
		middleware.WriteError(w, http.StatusUnauthorized, "authentication required")
	default:
		h.logger.Error("token verification failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
