// Package service owns login, logout, refresh, device-binding enforcement,
// failed-attempt counting and account locking. It orchestrates the hasher,
// the fingerprint engine and the store, and emits the security audit trail.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/asierdev/annovault/internal/alerts"
	autherr "github.com/asierdev/annovault/internal/auth"
	"github.com/asierdev/annovault/internal/auth/audit"
	"github.com/asierdev/annovault/internal/auth/fingerprint"
	"github.com/asierdev/annovault/internal/auth/hashing"
	"github.com/asierdev/annovault/internal/auth/models"
	"github.com/asierdev/annovault/internal/auth/store"
	"github.com/asierdev/annovault/internal/auth/validation"
)

const lockReason = "too many failed attempts"

// Config holds the tunables of the session and lockout manager.
type Config struct {
	JWTSecret        []byte        // Secret key used for signing session token strings.
	SessionTTL       time.Duration // Lifetime of a session token.
	LockoutThreshold int           // Failed logins before the account locks.
	RateWindow       time.Duration // Length of the fixed rate-limit window.
	RateLimit        int           // Requests allowed inside one window.
	ActivityKeep     int           // Activity-history entries retained per account.
	PasswordPolicy   validation.Policy
}

func (c *Config) applyDefaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.LockoutThreshold == 0 {
		c.LockoutThreshold = 5
	}
	if c.RateWindow == 0 {
		c.RateWindow = time.Minute
	}
	if c.RateLimit == 0 {
		c.RateLimit = 100
	}
	if c.ActivityKeep == 0 {
		c.ActivityKeep = 100
	}
	if c.PasswordPolicy.MinLength == 0 {
		c.PasswordPolicy = validation.DefaultPolicy()
	}
}

type Service struct {
	store    *store.SQLiteStore
	recorder *audit.Recorder
	alerter  alerts.Alerter
	config   Config
	logger   *zap.Logger
}

func NewService(s *store.SQLiteStore, recorder *audit.Recorder, alerter alerts.Alerter, cfg Config, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	if alerter == nil {
		alerter = &alerts.NoopAlerter{}
	}

	return &Service{
		store:    s,
		recorder: recorder,
		alerter:  alerter,
		config:   cfg,
		logger:   logger,
	}
}

func (s *Service) Config() Config {
	return s.config
}

// LoginInput carries everything a login request declares.
type LoginInput struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
	Device    models.DeviceInfo
}

// LoginResult is what a successful login or refresh hands back.
type LoginResult struct {
	Token         string
	Expiry        time.Time
	Role          models.Role
	RedirectTo    string
	DeviceChanged bool
}

// Login authenticates input against the account store.
//
// An unknown username burns the same key derivation as a wrong password and
// returns the identical error, so callers cannot probe for account
// existence. Locked accounts reject regardless of password correctness.
// Wrong passwords bump the failed counter; crossing the threshold locks the
// account until an administrator unlocks it. On success the device binding
// is installed or replaced (replacement is audited as DEVICE_CHANGE and
// alerted, not rejected) and a fresh session token supersedes any prior one.
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	account, err := s.store.GetByUsername(ctx, input.Username)
	if err != nil {
		if errors.Is(err, autherr.ErrAccountNotFound) {
			hashing.BurnVerify(input.Password)
			s.recorder.Record(models.AuditEntry{
				Kind:      models.EventLoginFailed,
				IP:        input.IP,
				UserAgent: input.UserAgent,
				Detail:    "unknown username",
			})
			return nil, autherr.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("account lookup: %w", err)
	}

	if account.Locked {
		s.recorder.Record(models.AuditEntry{
			AccountID: account.ID,
			Kind:      models.EventLoginFailed,
			IP:        input.IP,
			UserAgent: input.UserAgent,
			Detail:    "account locked",
		})
		return nil, autherr.ErrAccountLocked
	}

	if !hashing.Verify(input.Password, account.PasswordHash, account.PasswordSalt) {
		return nil, s.handleFailedPassword(ctx, account, input)
	}

	return s.completeLogin(ctx, account, input)
}

func (s *Service) handleFailedPassword(ctx context.Context, account *models.Account, input LoginInput) error {
	attempts, lockedNow, err := s.store.RecordLoginFailure(ctx, account.ID, s.config.LockoutThreshold, lockReason)
	if err != nil {
		s.logger.Error("failed-attempt accounting failed",
			zap.String("username", account.Username),
			zap.Error(err))
	}

	s.recorder.Record(models.AuditEntry{
		AccountID: account.ID,
		Kind:      models.EventLoginFailed,
		IP:        input.IP,
		UserAgent: input.UserAgent,
		Detail:    fmt.Sprintf("wrong password, attempt %d", attempts),
	})

	if lockedNow {
		s.recorder.Record(models.AuditEntry{
			AccountID: account.ID,
			Kind:      models.EventAccountLocked,
			IP:        input.IP,
			UserAgent: input.UserAgent,
			Detail:    lockReason,
		})

		if err := s.alerter.AccountLocked(account.Username, input.IP, attempts); err != nil {
			s.logger.Error("lockout alert failed",
				zap.String("username", account.Username),
				zap.Error(err))
		}
	}

	return autherr.ErrInvalidCredentials
}

func (s *Service) completeLogin(ctx context.Context, account *models.Account, input LoginInput) (*LoginResult, error) {
	// Device binding applies to regular users only; administrators are
	// identified by password and token alone.
	var device *models.DeviceBinding
	deviceChanged := false
	if account.Role == models.RoleUser {
		fp := fingerprint.Compute(input.Device)
		deviceChanged = account.Device != nil && account.Device.Fingerprint != fp
		device = &models.DeviceBinding{
			Fingerprint: fp,
			UserAgent:   input.UserAgent,
			IP:          input.IP,
			LastSeenAt:  time.Now(),
			Descriptor:  input.Device.Descriptor,
		}
	}

	token, expiry, err := s.issueToken(account)
	if err != nil {
		return nil, fmt.Errorf("token issuance: %w", err)
	}

	// The conditional update below is guarded on the account version;
	// losing a race against a concurrent login means retrying against
	// fresh state so token and binding never interleave.
	grant := store.SessionGrant{Token: token, Expiry: expiry, Device: device}
	ok, err := s.store.IssueSession(ctx, account.ID, account.Version, grant)
	if err != nil {
		return nil, fmt.Errorf("session issuance: %w", err)
	}
	for attempt := 0; !ok && attempt < 3; attempt++ {
		account, err = s.store.GetByID(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("session issuance: %w", err)
		}
		if account.Locked {
			return nil, autherr.ErrAccountLocked
		}
		if device != nil {
			deviceChanged = account.Device != nil && account.Device.Fingerprint != device.Fingerprint
		}
		ok, err = s.store.IssueSession(ctx, account.ID, account.Version, grant)
		if err != nil {
			return nil, fmt.Errorf("session issuance: %w", err)
		}
	}
	if !ok {
		return nil, autherr.ErrConflict
	}

	detail := ""
	if fingerprint.IsAutomatedClient(input.UserAgent) {
		detail = "automated client signature"
	}

	if deviceChanged {
		s.recorder.Record(models.AuditEntry{
			AccountID: account.ID,
			Kind:      models.EventDeviceChange,
			IP:        input.IP,
			UserAgent: input.UserAgent,
			Detail:    "trusted device replaced",
		})

		if err := s.alerter.DeviceChanged(account.Username, input.IP, input.UserAgent, time.Now()); err != nil {
			s.logger.Error("device-change alert failed",
				zap.String("username", account.Username),
				zap.Error(err))
		}
	}

	s.recorder.Record(models.AuditEntry{
		AccountID: account.ID,
		Kind:      models.EventLoginSuccess,
		IP:        input.IP,
		UserAgent: input.UserAgent,
		Detail:    detail,
	})

	return &LoginResult{
		Token:         token,
		Expiry:        expiry,
		Role:          account.Role,
		RedirectTo:    redirectFor(account.Role),
		DeviceChanged: deviceChanged,
	}, nil
}

func redirectFor(role models.Role) string {
	if role == models.RoleAdmin {
		return "/admin"
	}
	return "/workspace"
}

// VerifyRequest resolves token to an identity, enforces the per-account
// fixed-window rate limit and appends the request to the account's bounded
// activity history. The device fingerprint captured at login is not
// recomputed here.
func (s *Service) VerifyRequest(ctx context.Context, token, ip, userAgent, endpoint string, start time.Time) (*models.Identity, error) {
	account, err := s.store.GetBySessionToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if account.SessionExpiry == nil || time.Now().After(*account.SessionExpiry) {
		return nil, autherr.ErrTokenExpired
	}

	count, _, err := s.store.BumpRateWindow(ctx, account.ID, s.config.RateWindow)
	if err != nil {
		return nil, fmt.Errorf("rate accounting: %w", err)
	}
	if count > s.config.RateLimit {
		s.recorder.Record(models.AuditEntry{
			AccountID: account.ID,
			Kind:      models.EventRateLimitExceeded,
			IP:        ip,
			UserAgent: userAgent,
			Endpoint:  endpoint,
			Detail:    fmt.Sprintf("%d requests in window", count),
		})
		return nil, autherr.ErrRateLimited
	}

	if err := s.store.AppendActivity(ctx, &models.ActivityEntry{
		AccountID:  account.ID,
		Endpoint:   endpoint,
		IP:         ip,
		UserAgent:  userAgent,
		ResponseMS: time.Since(start),
	}, s.config.ActivityKeep); err != nil {
		s.logger.Warn("activity append failed",
			zap.Int64("account_id", account.ID),
			zap.Error(err))
	}

	if account.Role == models.RoleUser {
		if err := s.store.TouchDevice(ctx, account.ID); err != nil {
			s.logger.Warn("device touch failed", zap.Int64("account_id", account.ID), zap.Error(err))
		}
	}

	return &models.Identity{Account: account, Admin: account.Role == models.RoleAdmin}, nil
}

// Logout clears the session holding token. Logging out an already cleared
// token is a no-op success.
func (s *Service) Logout(ctx context.Context, token, ip, userAgent string) error {
	account, err := s.store.ClearSession(ctx, token)
	if err != nil {
		if errors.Is(err, autherr.ErrTokenNotFound) {
			return nil
		}
		return err
	}

	s.recorder.Record(models.AuditEntry{
		AccountID: account.ID,
		Kind:      models.EventUserLogout,
		IP:        ip,
		UserAgent: userAgent,
	})
	return nil
}

// Refresh exchanges a still-valid token for a fresh one. The swap is guarded
// on the old token value, so at no point are both tokens valid.
func (s *Service) Refresh(ctx context.Context, token, ip, userAgent string) (*LoginResult, error) {
	account, err := s.store.GetBySessionToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if account.SessionExpiry == nil || time.Now().After(*account.SessionExpiry) {
		return nil, autherr.ErrTokenExpired
	}

	newToken, expiry, err := s.issueToken(account)
	if err != nil {
		return nil, fmt.Errorf("token issuance: %w", err)
	}

	ok, err := s.store.SwapSession(ctx, token, newToken, expiry)
	if err != nil {
		return nil, fmt.Errorf("session swap: %w", err)
	}
	if !ok {
		// Someone else replaced or cleared the token since we resolved it.
		return nil, autherr.ErrTokenNotFound
	}

	s.recorder.Record(models.AuditEntry{
		AccountID: account.ID,
		Kind:      models.EventTokenRefresh,
		IP:        ip,
		UserAgent: userAgent,
	})

	return &LoginResult{
		Token:      newToken,
		Expiry:     expiry,
		Role:       account.Role,
		RedirectTo: redirectFor(account.Role),
	}, nil
}

// Unlock clears an account's lock state and failed counter. Administrative
// action is the only path out of the locked state.
func (s *Service) Unlock(ctx context.Context, username, ip, userAgent string) error {
	account, err := s.store.Unlock(ctx, username)
	if err != nil {
		return err
	}

	s.recorder.Record(models.AuditEntry{
		AccountID: account.ID,
		Kind:      models.EventAccountUnlocked,
		IP:        ip,
		UserAgent: userAgent,
	})
	return nil
}

// CreateUser provisions a regular-user account.
func (s *Service) CreateUser(ctx context.Context, username, password string, officeTier bool) (*models.Account, error) {
	return s.createAccount(ctx, username, password, models.RoleUser, officeTier, false)
}

// CreateAdmin provisions an administrator account.
func (s *Service) CreateAdmin(ctx context.Context, username, password string, superAdmin bool) (*models.Account, error) {
	return s.createAccount(ctx, username, password, models.RoleAdmin, false, superAdmin)
}

func (s *Service) createAccount(ctx context.Context, username, password string, role models.Role, officeTier, superAdmin bool) (*models.Account, error) {
	if username == "" {
		return nil, fmt.Errorf("username must not be empty")
	}

	validator := validation.NewValidator(s.config.PasswordPolicy)
	if err := validator.Validate(password, username); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}

	digest, salt, err := hashing.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("password hashing: %w", err)
	}

	account := &models.Account{
		Username:     username,
		PasswordHash: digest,
		PasswordSalt: salt,
		Role:         role,
		OfficeTier:   officeTier,
		SuperAdmin:   superAdmin,
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	return account, nil
}

// issueToken builds a signed session token string. The store row remains the
// authority on which single token is live; the signature adds tamper
// evidence and carries role and expiry for the client.
func (s *Service) issueToken(account *models.Account) (string, time.Time, error) {
	expiry := time.Now().Add(s.config.SessionTTL)

	claims := jwt.MapClaims{
		"sub":  account.ID,
		"name": account.Username,
		"role": string(account.Role),
		"jti":  uuid.NewString(),
		"exp":  expiry.Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
	if err != nil {
		return "", time.Time{}, err
	}

	return token, expiry, nil
}
