package autherr

import "errors"

var (
	// ErrInvalidCredentials is returned when a login carries a wrong password
	// or an unknown username. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned when an account is locked, regardless of
	// password correctness. Only an administrative unlock clears it.
	ErrAccountLocked = errors.New("account is locked")
	// ErrTokenExpired is returned when a session token exists but its expiry has passed.
	ErrTokenExpired = errors.New("session token has expired")
	// ErrTokenNotFound is returned when no account holds the presented session token.
	ErrTokenNotFound = errors.New("session token not found")
	// ErrRateLimited is returned when an account exceeds its request budget
	// inside the current rate window.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrDeviceMismatch is reserved for deployments that reject logins from an
	// unbound device instead of rebinding. The default policy rebinds.
	ErrDeviceMismatch = errors.New("device fingerprint mismatch")
	// ErrUsernameTaken is returned when provisioning an account with a username
	// that already exists.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrAccountNotFound is returned when an account record is not in the store.
	ErrAccountNotFound = errors.New("account not found")
	// ErrCapabilityInvalid is returned when a resource capability token fails
	// signature verification or carries a malformed payload.
	ErrCapabilityInvalid = errors.New("invalid capability token")
	// ErrCapabilityExpired is returned when a capability token is past its TTL.
	ErrCapabilityExpired = errors.New("capability token has expired")
	// ErrConflict is returned when a conditional update loses a race and
	// retries are exhausted.
	ErrConflict = errors.New("concurrent modification")
)
