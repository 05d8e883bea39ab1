// Package store persists Bay's control-plane state in SQLite, following the
// teacher's WAL + busy_timeout + retry-on-busy idiom (internal/store in
// sandkasten) generalized from one sessions table to the sandbox/session/
// workspace/idempotency schema (SPEC_FULL.md section 6).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Sandbox is the persisted row for a sandbox aggregate (spec.md section 4.4).
type Sandbox struct {
	ID               string
	Owner            string
	ProfileID        string
	WorkspaceID      string
	CurrentSessionID string
	ExpiresAt        time.Time
	IdleExpiresAt    time.Time
	LastActiveAt     time.Time
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// Session is the persisted row for a runtime session backing a sandbox
// (spec.md section 4.3).
type Session struct {
	ID            string
	SandboxID     string
	RuntimeType   string
	ProfileID     string
	ContainerID   string
	Endpoint      string
	DesiredState  string
	ObservedState string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Workspace is the persisted row for a storage volume, owned directly by a
// caller or implicitly managed on behalf of a sandbox (spec.md section 4.2).
type Workspace struct {
	ID                 string
	Owner              string
	Managed            bool
	ManagedBySandboxID string
	DriverRef          string
	SizeLimitMB        int64
	CreatedAt          time.Time
}

// IdempotencyKey is the persisted row backing IdempotencyService.Check/Save
// (spec.md section 4.6).
type IdempotencyKey struct {
	Owner              string
	Key                string
	RequestFingerprint string
	ResponseSnapshot   []byte
	StatusCode         int
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sandboxes (
	id                  TEXT PRIMARY KEY,
	owner               TEXT NOT NULL,
	profile_id          TEXT NOT NULL,
	workspace_id        TEXT NOT NULL,
	current_session_id  TEXT NOT NULL DEFAULT '',
	expires_at          DATETIME NOT NULL,
	idle_expires_at     DATETIME NOT NULL,
	last_active_at      DATETIME NOT NULL,
	created_at          DATETIME NOT NULL,
	deleted_at          DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_owner_id ON sandboxes(owner, id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_sandboxes_expires_at ON sandboxes(expires_at) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_sandboxes_idle_expires_at ON sandboxes(idle_expires_at) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	sandbox_id      TEXT NOT NULL,
	runtime_type    TEXT NOT NULL,
	profile_id      TEXT NOT NULL,
	container_id    TEXT NOT NULL DEFAULT '',
	endpoint        TEXT NOT NULL DEFAULT '',
	desired_state   TEXT NOT NULL,
	observed_state  TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_sandbox_id ON sessions(sandbox_id);

CREATE TABLE IF NOT EXISTS workspaces (
	id                     TEXT PRIMARY KEY,
	owner                  TEXT NOT NULL,
	managed                INTEGER NOT NULL DEFAULT 0,
	managed_by_sandbox_id  TEXT NOT NULL DEFAULT '',
	driver_ref             TEXT NOT NULL,
	size_limit_mb          INTEGER NOT NULL DEFAULT 0,
	created_at             DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	owner               TEXT NOT NULL,
	key                  TEXT NOT NULL,
	request_fingerprint  TEXT NOT NULL,
	response_snapshot    BLOB,
	status_code          INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL,
	expires_at           DATETIME NOT NULL,
	PRIMARY KEY (owner, key)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys(expires_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// Store is Bay's SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// New opens the store at dbPath, applying schema migrations. maxOpenConns
// controls the connection pool size (0 = DefaultMaxOpenConns).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- sandboxes ---

func (s *Store) CreateSandbox(sb *Sandbox) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sandboxes (id, owner, profile_id, workspace_id, current_session_id, expires_at, idle_expires_at, last_active_at, created_at, deleted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			sb.ID, sb.Owner, sb.ProfileID, sb.WorkspaceID, sb.CurrentSessionID,
			sb.ExpiresAt.UTC(), sb.IdleExpiresAt.UTC(), sb.LastActiveAt.UTC(), sb.CreatedAt.UTC(),
		)
		return err
	})
}

func (s *Store) GetSandbox(owner, id string) (*Sandbox, error) {
	row := s.db.QueryRow(
		`SELECT id, owner, profile_id, workspace_id, current_session_id, expires_at, idle_expires_at, last_active_at, created_at, deleted_at
		 FROM sandboxes WHERE owner = ? AND id = ? AND deleted_at IS NULL`, owner, id,
	)
	return scanSandbox(row)
}

// ListSandboxes returns up to limit sandboxes owned by owner with id > afterID,
// ordered by id (keyset pagination per spec.md section 6.1).
func (s *Store) ListSandboxes(owner string, afterID string, limit int) ([]*Sandbox, error) {
	rows, err := s.db.Query(
		`SELECT id, owner, profile_id, workspace_id, current_session_id, expires_at, idle_expires_at, last_active_at, created_at, deleted_at
		 FROM sandboxes WHERE owner = ? AND id > ? AND deleted_at IS NULL ORDER BY id ASC LIMIT ?`,
		owner, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// ListAllSandboxes returns every non-deleted sandbox regardless of owner,
// for reaper reconciliation at startup.
func (s *Store) ListAllSandboxes() ([]*Sandbox, error) {
	rows, err := s.db.Query(
		`SELECT id, owner, profile_id, workspace_id, current_session_id, expires_at, idle_expires_at, last_active_at, created_at, deleted_at
		 FROM sandboxes WHERE deleted_at IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing all sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

// ListSandboxesPastIdle returns non-deleted sandboxes whose idle_expires_at
// has passed, for the reaper's idle sweep.
func (s *Store) ListSandboxesPastIdle(now time.Time) ([]*Sandbox, error) {
	rows, err := s.db.Query(
		`SELECT id, owner, profile_id, workspace_id, current_session_id, expires_at, idle_expires_at, last_active_at, created_at, deleted_at
		 FROM sandboxes WHERE deleted_at IS NULL AND idle_expires_at <= ?`, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing idle-expired sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

// ListSandboxesPastTTL returns non-deleted sandboxes whose expires_at
// (absolute TTL) has passed, for the reaper's hard-expiry sweep.
func (s *Store) ListSandboxesPastTTL(now time.Time) ([]*Sandbox, error) {
	rows, err := s.db.Query(
		`SELECT id, owner, profile_id, workspace_id, current_session_id, expires_at, idle_expires_at, last_active_at, created_at, deleted_at
		 FROM sandboxes WHERE deleted_at IS NULL AND expires_at <= ?`, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing ttl-expired sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

func (s *Store) UpdateSandboxCurrentSession(id, sessionID string) error {
	return s.execChecked(id,
		`UPDATE sandboxes SET current_session_id = ? WHERE id = ?`, sessionID, id)
}

// ClearSandboxSession clears current_session_id and idle_expires_at
// together, for Stop (spec.md section 4.4): a stopped sandbox has no
// running compute to idle out, so its idle deadline is cleared rather than
// left stale until the next EnsureRunning sets a fresh one.
func (s *Store) ClearSandboxSession(id string) error {
	return s.execChecked(id,
		`UPDATE sandboxes SET current_session_id = '', idle_expires_at = ? WHERE id = ?`,
		time.Time{}.UTC(), id)
}

func (s *Store) UpdateSandboxKeepalive(id string, lastActiveAt, idleExpiresAt time.Time) error {
	return s.execChecked(id,
		`UPDATE sandboxes SET last_active_at = ?, idle_expires_at = ? WHERE id = ?`,
		lastActiveAt.UTC(), idleExpiresAt.UTC(), id)
}

// SoftDeleteSandbox marks a sandbox deleted without removing its row,
// matching spec.md's soft-delete requirement for sandboxes.
func (s *Store) SoftDeleteSandbox(id string, deletedAt time.Time) error {
	return s.execChecked(id,
		`UPDATE sandboxes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, deletedAt.UTC(), id)
}

func scanSandbox(row scannable) (*Sandbox, error) {
	var sb Sandbox
	var currentSessionID sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(
		&sb.ID, &sb.Owner, &sb.ProfileID, &sb.WorkspaceID, &currentSessionID,
		&sb.ExpiresAt, &sb.IdleExpiresAt, &sb.LastActiveAt, &sb.CreatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sandbox: %w", err)
	}
	sb.CurrentSessionID = currentSessionID.String
	if deletedAt.Valid {
		t := deletedAt.Time
		sb.DeletedAt = &t
	}
	return &sb, nil
}

func scanSandboxRows(rows *sql.Rows) ([]*Sandbox, error) {
	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// --- sessions ---

func (s *Store) CreateSession(sess *Session) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, sandbox_id, runtime_type, profile_id, container_id, endpoint, desired_state, observed_state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.SandboxID, sess.RuntimeType, sess.ProfileID, sess.ContainerID, sess.Endpoint,
			sess.DesiredState, sess.ObservedState, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
		)
		return err
	})
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, sandbox_id, runtime_type, profile_id, container_id, endpoint, desired_state, observed_state, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

func (s *Store) GetSessionBySandbox(sandboxID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, sandbox_id, runtime_type, profile_id, container_id, endpoint, desired_state, observed_state, created_at, updated_at
		 FROM sessions WHERE sandbox_id = ? ORDER BY created_at DESC LIMIT 1`, sandboxID,
	)
	return scanSession(row)
}

func (s *Store) UpdateSessionState(id, containerID, endpoint, desiredState, observedState string) error {
	return s.execChecked(id,
		`UPDATE sessions SET container_id = ?, endpoint = ?, desired_state = ?, observed_state = ?, updated_at = ? WHERE id = ?`,
		containerID, endpoint, desiredState, observedState, time.Now().UTC(), id)
}

func (s *Store) UpdateSessionObservedState(id, observedState string) error {
	return s.execChecked(id,
		`UPDATE sessions SET observed_state = ?, updated_at = ? WHERE id = ?`,
		observedState, time.Now().UTC(), id)
}

func (s *Store) DeleteSession(id string) error {
	return s.execChecked(id, `DELETE FROM sessions WHERE id = ?`, id)
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.SandboxID, &sess.RuntimeType, &sess.ProfileID, &sess.ContainerID, &sess.Endpoint,
		&sess.DesiredState, &sess.ObservedState, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// --- workspaces ---

func (s *Store) CreateWorkspace(ws *Workspace) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO workspaces (id, owner, managed, managed_by_sandbox_id, driver_ref, size_limit_mb, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ws.ID, ws.Owner, ws.Managed, ws.ManagedBySandboxID, ws.DriverRef, ws.SizeLimitMB, ws.CreatedAt.UTC(),
		)
		return err
	})
}

func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	row := s.db.QueryRow(
		`SELECT id, owner, managed, managed_by_sandbox_id, driver_ref, size_limit_mb, created_at
		 FROM workspaces WHERE id = ?`, id,
	)
	return scanWorkspace(row)
}

// DeleteWorkspace hard-deletes a workspace row (spec.md: workspaces are
// hard-deleted, unlike the soft-deleted sandboxes aggregate).
func (s *Store) DeleteWorkspace(id string) error {
	return s.execChecked(id, `DELETE FROM workspaces WHERE id = ?`, id)
}

func scanWorkspace(row scannable) (*Workspace, error) {
	var ws Workspace
	err := row.Scan(
		&ws.ID, &ws.Owner, &ws.Managed, &ws.ManagedBySandboxID, &ws.DriverRef, &ws.SizeLimitMB, &ws.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}
	return &ws, nil
}

// --- idempotency keys ---

// SaveIdempotencyKey atomically inserts an idempotency key record, returning
// (false, nil) with no error if a concurrent writer already holds the row
// (resolved by INSERT ... ON CONFLICT DO NOTHING, decided in SPEC_FULL.md
// section 10 to avoid a check-then-insert race between two first requests
// sharing the same key).
func (s *Store) SaveIdempotencyKey(k *IdempotencyKey) (bool, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`INSERT INTO idempotency_keys (owner, key, request_fingerprint, response_snapshot, status_code, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (owner, key) DO NOTHING`,
			k.Owner, k.Key, k.RequestFingerprint, k.ResponseSnapshot, k.StatusCode, k.CreatedAt.UTC(), k.ExpiresAt.UTC(),
		)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("inserting idempotency key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// GetIdempotencyKey returns the stored record for (owner, key), or
// ErrNotFound if absent. A record found expired is deleted on the spot
// (spec.md section 4.6: "expires_at <= now -> delete row, return null")
// rather than left for the next reaper sweep, so a retry of the same key
// after TTL expiry is treated as a fresh request instead of colliding with
// the stale row in SaveIdempotencyKey's INSERT ... ON CONFLICT.
func (s *Store) GetIdempotencyKey(owner, key string) (*IdempotencyKey, error) {
	row := s.db.QueryRow(
		`SELECT owner, key, request_fingerprint, response_snapshot, status_code, created_at, expires_at
		 FROM idempotency_keys WHERE owner = ? AND key = ?`,
		owner, key,
	)
	var k IdempotencyKey
	err := row.Scan(&k.Owner, &k.Key, &k.RequestFingerprint, &k.ResponseSnapshot, &k.StatusCode, &k.CreatedAt, &k.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning idempotency key: %w", err)
	}
	if !k.ExpiresAt.After(time.Now().UTC()) {
		if _, delErr := s.db.Exec(`DELETE FROM idempotency_keys WHERE owner = ? AND key = ?`, owner, key); delErr != nil {
			return nil, fmt.Errorf("deleting expired idempotency key: %w", delErr)
		}
		return nil, ErrNotFound
	}
	return &k, nil
}

// UpdateIdempotencyResponse fills in the response snapshot once the
// in-flight request this key guards has completed.
func (s *Store) UpdateIdempotencyResponse(owner, key string, statusCode int, snapshot []byte) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`UPDATE idempotency_keys SET status_code = ?, response_snapshot = ? WHERE owner = ? AND key = ?`,
			statusCode, snapshot, owner, key,
		)
		return err
	})
}

// DeleteExpiredIdempotencyKeys purges rows whose TTL has passed, called
// periodically by the reaper (spec.md section 4.6's lazy-TTL cleanup).
func (s *Store) DeleteExpiredIdempotencyKeys(now time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM idempotency_keys WHERE expires_at <= ?`, now.UTC())
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("deleting expired idempotency keys: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// --- shared helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func (s *Store) execChecked(id string, query string, args ...any) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(query, args...)
		return e
	})
	if err != nil {
		return fmt.Errorf("executing update: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
