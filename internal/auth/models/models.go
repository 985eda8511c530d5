package models

import (
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is a login-capable identity, either a regular user or an
// administrator. At most one non-expired session token exists per account;
// issuing a new one replaces the prior one. Version guards conditional
// updates so concurrent logins cannot interleave token and device state.
type Account struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	PasswordHash   string     `json:"-"`
	PasswordSalt   string     `json:"-"`
	Role           Role       `json:"role"`
	SessionToken   *string    `json:"-"`
	SessionExpiry  *time.Time `json:"session_expiry,omitempty"`
	Locked         bool       `json:"locked"`
	LockReason     string     `json:"lock_reason,omitempty"`
	FailedAttempts int        `json:"-"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	Device         *DeviceBinding
	RateWindow     *RateWindow
	// OfficeTier marks regular users with office-level privileges.
	OfficeTier bool `json:"office_tier,omitempty"`
	// SuperAdmin marks administrators with elevated rights.
	SuperAdmin bool      `json:"super_admin,omitempty"`
	Version    int64     `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeviceBinding records the single device currently trusted for a regular
// user's session. Replaced wholesale on login from a new device, never merged.
type DeviceBinding struct {
	Fingerprint string    `json:"fingerprint"`
	UserAgent   string    `json:"user_agent"`
	IP          string    `json:"ip"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Descriptor  string    `json:"descriptor,omitempty"`
}

// RateWindow is a fixed-window request counter owned by an account.
// The counter restarts at 1 when a read discovers ResetsAt has passed.
type RateWindow struct {
	Count    int       `json:"count"`
	ResetsAt time.Time `json:"resets_at"`
}

// DeviceInfo carries the client-declared characteristics a fingerprint is
// derived from. The user agent travels alongside for audit annotation but
// never enters the fingerprint input.
type DeviceInfo struct {
	Platform   string `json:"platform"`
	Screen     string `json:"screen"`
	Language   string `json:"language"`
	Timezone   string `json:"timezone"`
	Descriptor string `json:"descriptor,omitempty"`
}

// EventKind enumerates security audit event kinds.
type EventKind string

const (
	EventLoginSuccess      EventKind = "LOGIN_SUCCESS"
	EventLoginFailed       EventKind = "LOGIN_FAILED"
	EventAccountLocked     EventKind = "ACCOUNT_LOCKED"
	EventAccountUnlocked   EventKind = "ACCOUNT_UNLOCKED"
	EventDeviceChange      EventKind = "DEVICE_CHANGE"
	EventRateLimitExceeded EventKind = "RATE_LIMIT_EXCEEDED"
	EventUserLogout        EventKind = "USER_LOGOUT"
	EventTokenRefresh      EventKind = "TOKEN_REFRESH"
)

// AuditEntry is one append-only record in the security audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Kind      EventKind `json:"kind"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	ProjectID *int64    `json:"project_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityEntry is one row of an account's bounded request history.
type ActivityEntry struct {
	ID         int64         `json:"id"`
	AccountID  int64         `json:"account_id"`
	Endpoint   string        `json:"endpoint"`
	IP         string        `json:"ip"`
	UserAgent  string        `json:"user_agent"`
	ResponseMS time.Duration `json:"response_ms"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Identity is the tagged variant handlers receive from the authentication
// gate: exactly one resolved account plus its trust domain.
type Identity struct {
	Account *Account
	Admin   bool
}
