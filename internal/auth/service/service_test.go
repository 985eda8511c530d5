package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	autherr "github.com/asierdev/annovault/internal/auth"
	"github.com/asierdev/annovault/internal/auth/audit"
	"github.com/asierdev/annovault/internal/auth/models"
	"github.com/asierdev/annovault/internal/auth/store"
	"github.com/asierdev/annovault/internal/auth/validation"
)

// fakeAlerter records notifications instead of sending mail.
type fakeAlerter struct {
	mu      sync.Mutex
	locked  []string
	changed []string
}

func (f *fakeAlerter) AccountLocked(username, ip string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, username)
	return nil
}

func (f *fakeAlerter) DeviceChanged(username, ip, userAgent string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, username)
	return nil
}

type fixture struct {
	svc      *Service
	store    *store.SQLiteStore
	recorder *audit.Recorder
	alerter  *fakeAlerter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if cfg.JWTSecret == nil {
		cfg.JWTSecret = []byte("test-secret")
	}
	if cfg.PasswordPolicy.MinLength == 0 {
		cfg.PasswordPolicy = validation.Policy{MinLength: 4}
	}

	recorder := audit.NewRecorder(s, zap.NewNop())
	alerter := &fakeAlerter{}
	return &fixture{
		svc:      NewService(s, recorder, alerter, cfg, zap.NewNop()),
		store:    s,
		recorder: recorder,
		alerter:  alerter,
	}
}

func deviceA() models.DeviceInfo {
	return models.DeviceInfo{Platform: "Linux", Screen: "1920x1080", Language: "en", Timezone: "UTC"}
}

func deviceB() models.DeviceInfo {
	return models.DeviceInfo{Platform: "Win32", Screen: "1366x768", Language: "de", Timezone: "Europe/Berlin"}
}

func login(t *testing.T, f *fixture, username, password string, dev models.DeviceInfo) (*LoginResult, error) {
	t.Helper()
	return f.svc.Login(context.Background(), LoginInput{
		Username:  username,
		Password:  password,
		IP:        "10.0.0.1",
		UserAgent: "Mozilla/5.0 Firefox/120.0",
		Device:    dev,
	})
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	res, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, models.RoleUser, res.Role)
	assert.Equal(t, "/workspace", res.RedirectTo)
	assert.False(t, res.DeviceChanged)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), res.Expiry, 5*time.Second)

	// First login binds the device.
	account, err := f.store.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, account.Device)
}

func TestLoginUnknownUserIndistinguishable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	_, errUnknown := login(t, f, "nobody", "swordfish", deviceA())
	_, errWrongPw := login(t, f, "alice", "wrong", deviceA())

	assert.ErrorIs(t, errUnknown, autherr.ErrInvalidCredentials)
	assert.ErrorIs(t, errWrongPw, autherr.ErrInvalidCredentials)
}

func TestLockoutScenario(t *testing.T) {
	f := newFixture(t, Config{LockoutThreshold: 5})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	// Five wrong passwords lock the account.
	for i := 0; i < 5; i++ {
		_, err := login(t, f, "alice", "wrong", deviceA())
		assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	}

	// Attempt six with the correct password still fails.
	_, err = login(t, f, "alice", "swordfish", deviceA())
	assert.ErrorIs(t, err, autherr.ErrAccountLocked)

	f.recorder.Flush()
	lockedEvents, err := f.recorder.Query(ctx, store.AuditFilter{Kinds: []models.EventKind{models.EventAccountLocked}})
	require.NoError(t, err)
	assert.Len(t, lockedEvents, 1)
	assert.Equal(t, []string{"alice"}, f.alerter.locked)

	// Administrative unlock restores access and resets the counter.
	require.NoError(t, f.svc.Unlock(ctx, "alice", "10.0.0.9", "admin-console"))

	_, err = login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)

	account, err := f.store.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, account.FailedAttempts)
	assert.False(t, account.Locked)
}

func TestDeviceChangeRebinds(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	resA, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)
	assert.False(t, resA.DeviceChanged)

	// Device B overwrites the binding and is flagged.
	resB, err := login(t, f, "alice", "swordfish", deviceB())
	require.NoError(t, err)
	assert.True(t, resB.DeviceChanged)

	// B again is the known device.
	resB2, err := login(t, f, "alice", "swordfish", deviceB())
	require.NoError(t, err)
	assert.False(t, resB2.DeviceChanged)

	f.recorder.Flush()
	changes, err := f.recorder.Query(ctx, store.AuditFilter{Kinds: []models.EventKind{models.EventDeviceChange}})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	assert.Equal(t, []string{"alice"}, f.alerter.changed)
}

func TestSessionReplacement(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	first, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)

	second, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	// The superseded token no longer resolves.
	_, err = f.svc.VerifyRequest(ctx, first.Token, "10.0.0.1", "ua", "/projects", time.Now())
	assert.ErrorIs(t, err, autherr.ErrTokenNotFound)

	_, err = f.svc.VerifyRequest(ctx, second.Token, "10.0.0.1", "ua", "/projects", time.Now())
	require.NoError(t, err)
}

func TestRefreshInvalidatesOldToken(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	res, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)

	refreshed, err := f.svc.Refresh(ctx, res.Token, "10.0.0.1", "ua")
	require.NoError(t, err)
	require.NotEqual(t, res.Token, refreshed.Token)

	_, err = f.svc.VerifyRequest(ctx, res.Token, "10.0.0.1", "ua", "/projects", time.Now())
	assert.ErrorIs(t, err, autherr.ErrTokenNotFound)

	identity, err := f.svc.VerifyRequest(ctx, refreshed.Token, "10.0.0.1", "ua", "/projects", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Account.Username)

	// Refreshing the dead token fails.
	_, err = f.svc.Refresh(ctx, res.Token, "10.0.0.1", "ua")
	assert.ErrorIs(t, err, autherr.ErrTokenNotFound)
}

func TestVerifyRequestExpiredToken(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	res, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)

	// Force the stored expiry into the past.
	_, err = f.store.SwapSession(ctx, res.Token, res.Token, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = f.svc.VerifyRequest(ctx, res.Token, "10.0.0.1", "ua", "/projects", time.Now())
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)

	_, err = f.svc.Refresh(ctx, res.Token, "10.0.0.1", "ua")
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)
}

func TestVerifyRequestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 3, RateWindow: time.Minute})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	res, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.svc.VerifyRequest(ctx, res.Token, "10.0.0.1", "ua", "/projects", time.Now())
		require.NoError(t, err)
	}

	_, err = f.svc.VerifyRequest(ctx, res.Token, "10.0.0.1", "ua", "/projects", time.Now())
	assert.ErrorIs(t, err, autherr.ErrRateLimited)

	f.recorder.Flush()
	events, err := f.recorder.Query(ctx, store.AuditFilter{Kinds: []models.EventKind{models.EventRateLimitExceeded}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLogoutIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	res, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, res.Token, "10.0.0.1", "ua"))
	_, err = f.svc.VerifyRequest(ctx, res.Token, "10.0.0.1", "ua", "/projects", time.Now())
	assert.ErrorIs(t, err, autherr.ErrTokenNotFound)

	// Second logout is a no-op success.
	require.NoError(t, f.svc.Logout(ctx, res.Token, "10.0.0.1", "ua"))
}

func TestAdminLoginSkipsDeviceBinding(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateAdmin(ctx, "root", "swordfish", true)
	require.NoError(t, err)

	res, err := login(t, f, "root", "swordfish", deviceA())
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, res.Role)
	assert.Equal(t, "/admin", res.RedirectTo)
	assert.False(t, res.DeviceChanged)

	account, err := f.store.GetByUsername(ctx, "root")
	require.NoError(t, err)
	assert.Nil(t, account.Device)
	assert.True(t, account.SuperAdmin)

	identity, err := f.svc.VerifyRequest(ctx, res.Token, "10.0.0.1", "ua", "/admin/audit", time.Now())
	require.NoError(t, err)
	assert.True(t, identity.Admin)
}

func TestCreateUserValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "a", false)
	assert.ErrorIs(t, err, validation.ErrPasswordTooShort)

	_, err = f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	_, err = f.svc.CreateUser(ctx, "alice", "swordfish", false)
	assert.ErrorIs(t, err, autherr.ErrUsernameTaken)
}

func TestVerifyRequestAppendsActivity(t *testing.T) {
	f := newFixture(t, Config{ActivityKeep: 2})
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, "alice", "swordfish", false)
	require.NoError(t, err)

	res, err := login(t, f, "alice", "swordfish", deviceA())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := f.svc.VerifyRequest(ctx, res.Token, "10.0.0.1", "ua", "/projects", time.Now())
		require.NoError(t, err)
	}

	account, err := f.store.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	entries, err := f.store.RecentActivity(ctx, account.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "/projects", entries[0].Endpoint)
}
