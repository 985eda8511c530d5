// Package store is the durable home of accounts, device bindings, rate
// windows, the security audit trail and bounded activity history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	autherr "github.com/asierdev/annovault/internal/auth"
	"github.com/asierdev/annovault/internal/auth/models"
)

// Schema for the SQLite database. The device binding, session token and
// rate window live inline on the account row so login and rate accounting
// are single-row conditional updates.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    password_salt TEXT NOT NULL,
    role TEXT NOT NULL,
    session_token TEXT,
    session_expiry DATETIME,
    locked INTEGER NOT NULL DEFAULT 0,
    lock_reason TEXT NOT NULL DEFAULT '',
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_at DATETIME,
    device_fingerprint TEXT,
    device_user_agent TEXT,
    device_ip TEXT,
    device_last_seen DATETIME,
    device_descriptor TEXT,
    rate_count INTEGER NOT NULL DEFAULT 0,
    rate_resets_at DATETIME,
    office_tier INTEGER NOT NULL DEFAULT 0,
    super_admin INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    endpoint TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    project_id INTEGER,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    endpoint TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    response_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (account_id) REFERENCES accounts (id)
);

CREATE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username);
CREATE INDEX IF NOT EXISTS idx_accounts_session_token ON accounts(session_token);
CREATE INDEX IF NOT EXISTS idx_audit_entries_account_id ON audit_entries(account_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_created_at ON audit_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_activity_log_account_id ON activity_log(account_id);
`

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path, enables foreign keys and
// ensures the schema exists. The handle is injected into each component and
// closed at shutdown; nothing in the repository reaches for it as a global.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const accountColumns = `
    id, username, password_hash, password_salt, role,
    session_token, session_expiry, locked, lock_reason,
    failed_attempts, last_attempt_at,
    device_fingerprint, device_user_agent, device_ip, device_last_seen, device_descriptor,
    rate_count, rate_resets_at, office_tier, super_admin, version,
    created_at, updated_at`

func scanAccount(row *sql.Row) (*models.Account, error) {
	var (
		a          models.Account
		token      sql.NullString
		expiry     sql.NullTime
		lastAtt    sql.NullTime
		devFP      sql.NullString
		devUA      sql.NullString
		devIP      sql.NullString
		devSeen    sql.NullTime
		devDesc    sql.NullString
		rateCount  int
		rateResets sql.NullTime
	)

	err := row.Scan(
		&a.ID, &a.Username, &a.PasswordHash, &a.PasswordSalt, &a.Role,
		&token, &expiry, &a.Locked, &a.LockReason,
		&a.FailedAttempts, &lastAtt,
		&devFP, &devUA, &devIP, &devSeen, &devDesc,
		&rateCount, &rateResets, &a.OfficeTier, &a.SuperAdmin, &a.Version,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, autherr.ErrAccountNotFound
		}
		return nil, err
	}

	if token.Valid {
		a.SessionToken = &token.String
	}
	if expiry.Valid {
		a.SessionExpiry = &expiry.Time
	}
	if lastAtt.Valid {
		a.LastAttemptAt = &lastAtt.Time
	}
	if devFP.Valid && devFP.String != "" {
		a.Device = &models.DeviceBinding{
			Fingerprint: devFP.String,
			UserAgent:   devUA.String,
			IP:          devIP.String,
			LastSeenAt:  devSeen.Time,
			Descriptor:  devDesc.String,
		}
	}
	if rateResets.Valid {
		a.RateWindow = &models.RateWindow{Count: rateCount, ResetsAt: rateResets.Time}
	}

	return &a, nil
}

// CreateAccount inserts a new account. A duplicate username surfaces as
// autherr.ErrUsernameTaken.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *models.Account) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO accounts (
            username, password_hash, password_salt, role,
            office_tier, super_admin, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, a.Username, a.PasswordHash, a.PasswordSalt, a.Role,
		a.OfficeTier, a.SuperAdmin, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return autherr.ErrUsernameTaken
		}
		return err
	}

	a.ID, err = res.LastInsertId()
	a.CreatedAt, a.UpdatedAt = now, now
	return err
}

func isUniqueViolation(err error) bool {
	// modernc/sqlite reports constraint violations by message; there is no
	// exported error type to match on.
	return err != nil && strings.Contains(err.Error(), "constraint")
}

// GetByUsername retrieves an account by username.
func (s *SQLiteStore) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username))
}

// GetByID retrieves an account by id.
func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

// GetBySessionToken resolves the account currently holding token. A token
// held by no account maps to autherr.ErrTokenNotFound.
func (s *SQLiteStore) GetBySessionToken(ctx context.Context, token string) (*models.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE session_token = ?`, token))
	if errors.Is(err, autherr.ErrAccountNotFound) {
		return nil, autherr.ErrTokenNotFound
	}
	return a, err
}

// RecordLoginFailure bumps the failed-attempt counter and, when the counter
// crosses threshold, transitions the account to locked with reason. Returns
// the new counter value and whether this call locked the account.
func (s *SQLiteStore) RecordLoginFailure(ctx context.Context, id int64, threshold int, reason string) (int, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        UPDATE accounts SET
            failed_attempts = failed_attempts + 1,
            last_attempt_at = ?,
            locked = CASE WHEN failed_attempts + 1 >= ? THEN 1 ELSE locked END,
            lock_reason = CASE WHEN failed_attempts + 1 >= ? THEN ? ELSE lock_reason END,
            updated_at = ?
        WHERE id = ?
        RETURNING failed_attempts, locked
    `, time.Now(), threshold, threshold, reason, time.Now(), id)

	var attempts int
	var locked bool
	if err := row.Scan(&attempts, &locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, autherr.ErrAccountNotFound
		}
		return 0, false, err
	}

	return attempts, locked && attempts >= threshold, nil
}

// SessionGrant carries everything a successful login writes in one shot.
type SessionGrant struct {
	Token  string
	Expiry time.Time
	Device *models.DeviceBinding // nil for administrators
}

// IssueSession installs a new session token, resets the failed counter and
// replaces the device binding, all in a single conditional update guarded on
// the account version. Two logins racing for the same account cannot
// interleave: the loser matches zero rows and the caller retries against
// fresh state.
func (s *SQLiteStore) IssueSession(ctx context.Context, id, version int64, grant SessionGrant) (bool, error) {
	now := time.Now()

	var (
		devFP, devUA, devIP, devDesc interface{}
		devSeen                      interface{}
	)
	if grant.Device != nil {
		devFP, devUA, devIP = grant.Device.Fingerprint, grant.Device.UserAgent, grant.Device.IP
		devSeen, devDesc = grant.Device.LastSeenAt, grant.Device.Descriptor
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE accounts SET
            session_token = ?,
            session_expiry = ?,
            failed_attempts = 0,
            last_attempt_at = ?,
            device_fingerprint = CASE WHEN ? IS NOT NULL THEN ? ELSE device_fingerprint END,
            device_user_agent = CASE WHEN ? IS NOT NULL THEN ? ELSE device_user_agent END,
            device_ip = CASE WHEN ? IS NOT NULL THEN ? ELSE device_ip END,
            device_last_seen = CASE WHEN ? IS NOT NULL THEN ? ELSE device_last_seen END,
            device_descriptor = CASE WHEN ? IS NOT NULL THEN ? ELSE device_descriptor END,
            version = version + 1,
            updated_at = ?
        WHERE id = ? AND version = ?
    `, grant.Token, grant.Expiry, now,
		devFP, devFP, devUA, devUA, devIP, devIP, devSeen, devSeen, devDesc, devDesc,
		now, id, version)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n == 1, err
}

// SwapSession atomically replaces oldToken with a fresh token and expiry.
// The guard on the old token value leaves no window where both are valid.
func (s *SQLiteStore) SwapSession(ctx context.Context, oldToken, newToken string, expiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE accounts SET
            session_token = ?,
            session_expiry = ?,
            version = version + 1,
            updated_at = ?
        WHERE session_token = ?
    `, newToken, expiry, time.Now(), oldToken)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n == 1, err
}

// ClearSession drops the session matching token. Clearing a token nobody
// holds is a no-op, which makes logout idempotent.
func (s *SQLiteStore) ClearSession(ctx context.Context, token string) (*models.Account, error) {
	a, err := s.GetBySessionToken(ctx, token)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
        UPDATE accounts SET
            session_token = NULL,
            session_expiry = NULL,
            version = version + 1,
            updated_at = ?
        WHERE session_token = ?
    `, time.Now(), token)
	return a, err
}

// BumpRateWindow performs the fixed-window accounting for one request in a
// single statement: if the window has lapsed the counter restarts at 1 with
// a new reset time, otherwise it increments. Returns the count inside the
// current window. Atomic per account, so concurrent requests never lose
// updates.
func (s *SQLiteStore) BumpRateWindow(ctx context.Context, id int64, window time.Duration) (int, time.Time, error) {
	now := time.Now()
	resetAt := now.Add(window)

	row := s.db.QueryRowContext(ctx, `
        UPDATE accounts SET
            rate_count = CASE WHEN rate_resets_at IS NULL OR rate_resets_at <= ? THEN 1 ELSE rate_count + 1 END,
            rate_resets_at = CASE WHEN rate_resets_at IS NULL OR rate_resets_at <= ? THEN ? ELSE rate_resets_at END
        WHERE id = ?
        RETURNING rate_count, rate_resets_at
    `, now, now, resetAt, id)

	var count int
	var resets time.Time
	if err := row.Scan(&count, &resets); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, time.Time{}, autherr.ErrAccountNotFound
		}
		return 0, time.Time{}, err
	}

	return count, resets, nil
}

// TouchDevice refreshes the bound device's last-seen timestamp.
func (s *SQLiteStore) TouchDevice(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE accounts SET device_last_seen = ? WHERE id = ? AND device_fingerprint IS NOT NULL
    `, time.Now(), id)
	return err
}

// Unlock clears lock state and the failed counter. Only an explicit
// administrative action goes through here.
func (s *SQLiteStore) Unlock(ctx context.Context, username string) (*models.Account, error) {
	a, err := s.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
        UPDATE accounts SET
            locked = 0,
            lock_reason = '',
            failed_attempts = 0,
            version = version + 1,
            updated_at = ?
        WHERE id = ?
    `, time.Now(), a.ID)
	return a, err
}

// CountAccounts reports how many accounts exist; used by startup bootstrap.
func (s *SQLiteStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

// AppendActivity records one request in the account's activity history and
// prunes the history down to the most recent keep entries.
func (s *SQLiteStore) AppendActivity(ctx context.Context, e *models.ActivityEntry, keep int) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO activity_log (account_id, endpoint, ip, user_agent, response_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `, e.AccountID, e.Endpoint, e.IP, e.UserAgent, e.ResponseMS.Milliseconds(), time.Now())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
        DELETE FROM activity_log
        WHERE account_id = ?
        AND id NOT IN (
            SELECT id FROM activity_log
            WHERE account_id = ?
            ORDER BY id DESC
            LIMIT ?
        )
    `, e.AccountID, e.AccountID, keep)
	return err
}

// RecentActivity returns the account's activity history, newest first.
func (s *SQLiteStore) RecentActivity(ctx context.Context, accountID int64) ([]models.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, account_id, endpoint, ip, user_agent, response_ms, created_at
        FROM activity_log
        WHERE account_id = ?
        ORDER BY id DESC
    `, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Endpoint, &e.IP, &e.UserAgent, &ms, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ResponseMS = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// InsertAudit appends one entry to the security audit trail. Entries are
// never mutated or deleted by this layer.
func (s *SQLiteStore) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	var projectID interface{}
	if e.ProjectID != nil {
		projectID = *e.ProjectID
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_entries (account_id, kind, ip, user_agent, endpoint, detail, project_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, e.AccountID, e.Kind, e.IP, e.UserAgent, e.Endpoint, e.Detail, projectID, time.Now())
	return err
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	AccountID int64
	Kinds     []models.EventKind
	From      time.Time
	To        time.Time
	IP        string
	ProjectID int64
	Limit     int
	Offset    int
}

// QueryAudit returns audit entries matching filter, newest first.
func (s *SQLiteStore) QueryAudit(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error) {
	query := `SELECT id, account_id, kind, ip, user_agent, endpoint, detail, project_id, created_at
        FROM audit_entries WHERE 1=1`
	var args []interface{}

	if f.AccountID != 0 {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if len(f.Kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(",?", len(f.Kinds)-1) + `)`
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.To)
	}
	if f.IP != "" {
		query += ` AND ip = ?`
		args = append(args, f.IP)
	}
	if f.ProjectID != 0 {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var projectID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.IP, &e.UserAgent,
			&e.Endpoint, &e.Detail, &projectID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = &projectID.Int64
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
