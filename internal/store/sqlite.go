package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore using SQLite, WAL mode, and
// optimistic-locking compare-and-swap on session status (§3 ownership rule).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the relay's SQLite database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// DB exposes the shared connection so the journal package can append to the
// same database without a second pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sandbox_type TEXT NOT NULL,
		image_ref TEXT NOT NULL,
		worker_url TEXT,
		base_secret_ref TEXT,
		idle_timeout_secs INTEGER NOT NULL DEFAULT 0,
		resource_tier TEXT NOT NULL DEFAULT 'small',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		sandbox_provider_key TEXT,
		sandbox_provider_id TEXT,
		environment_id TEXT NOT NULL,
		image_digest TEXT,
		repo_id TEXT,
		repo_path TEXT,
		branch_name TEXT,
		repo_full_name TEXT,
		model_provider TEXT,
		model_id TEXT,
		system_prompt TEXT,
		first_user_message TEXT,
		name TEXT,
		native_tools_enabled INTEGER NOT NULL DEFAULT 0,
		extensions_stale INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_env ON sessions(environment_id);

	CREATE TABLE IF NOT EXISTS journal_events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS clients (
		session_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_kind TEXT NOT NULL,
		native_tools INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS secrets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		env_var_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		ciphertext BLOB NOT NULL,
		key_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withRetry retries fn on SQLite contention errors with exponential backoff,
// classified via shared.IsSQLiteConflictError.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// --- sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	const q = `INSERT INTO sessions (
		id, mode, status, sandbox_provider_key, sandbox_provider_id, environment_id,
		image_digest, repo_id, repo_path, branch_name, repo_full_name,
		model_provider, model_id, system_prompt, first_user_message, name,
		native_tools_enabled, extensions_stale, created_at, last_activity_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	return withRetry(ctx, 5, 100*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, q,
			sess.ID, string(sess.Mode), string(sess.Status), sess.SandboxProviderKey, sess.SandboxProviderID, sess.EnvironmentID,
			sess.ImageDigest, sess.RepoID, sess.RepoPath, sess.BranchName, sess.RepoFullName,
			sess.ModelProvider, sess.ModelID, sess.SystemPrompt, sess.FirstUserMessage, sess.Name,
			boolToInt(sess.NativeToolsEnabled), boolToInt(sess.ExtensionsStale), sess.CreatedAt.Unix(), sess.LastActivityAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var mode, status string
	var providerKey, providerID, imageDigest, repoID, repoPath, branch, repoFull sql.NullString
	var modelProvider, modelID, systemPrompt, firstMsg, name sql.NullString
	var nativeTools, extStale int64
	var createdAt, lastActivity int64

	err := row.Scan(
		&sess.ID, &mode, &status, &providerKey, &providerID, &sess.EnvironmentID,
		&imageDigest, &repoID, &repoPath, &branch, &repoFull,
		&modelProvider, &modelID, &systemPrompt, &firstMsg, &name,
		&nativeTools, &extStale, &createdAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}
	sess.Mode = domain.SessionMode(mode)
	sess.Status = domain.SessionStatus(status)
	sess.SandboxProviderKey = providerKey.String
	sess.SandboxProviderID = providerID.String
	sess.ImageDigest = imageDigest.String
	sess.RepoID = repoID.String
	sess.RepoPath = repoPath.String
	sess.BranchName = branch.String
	sess.RepoFullName = repoFull.String
	sess.ModelProvider = modelProvider.String
	sess.ModelID = modelID.String
	sess.SystemPrompt = systemPrompt.String
	sess.FirstUserMessage = firstMsg.String
	sess.Name = name.String
	sess.NativeToolsEnabled = nativeTools != 0
	sess.ExtensionsStale = extStale != 0
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivity, 0)
	return &sess, nil
}

const sessionColumns = `id, mode, status, sandbox_provider_key, sandbox_provider_id, environment_id,
		image_digest, repo_id, repo_path, branch_name, repo_full_name,
		model_provider, model_id, system_prompt, first_user_message, name,
		native_tools_enabled, extensions_stale, created_at, last_activity_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession writes every mutable column, optionally compare-and-swapping
// on the row's current status (optimistic locking against concurrent
// transitions from the idle watcher and the engine).
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session, expectedStatus domain.SessionStatus) error {
	q := `UPDATE sessions SET status=?, sandbox_provider_key=?, sandbox_provider_id=?, image_digest=?,
		repo_path=?, branch_name=?, repo_full_name=?, model_provider=?, model_id=?, system_prompt=?,
		first_user_message=?, name=?, native_tools_enabled=?, extensions_stale=?, last_activity_at=?
		WHERE id=?`
	args := []any{
		string(sess.Status), sess.SandboxProviderKey, sess.SandboxProviderID, sess.ImageDigest,
		sess.RepoPath, sess.BranchName, sess.RepoFullName, sess.ModelProvider, sess.ModelID, sess.SystemPrompt,
		sess.FirstUserMessage, sess.Name, boolToInt(sess.NativeToolsEnabled), boolToInt(sess.ExtensionsStale), sess.LastActivityAt.Unix(),
		sess.ID,
	}
	if expectedStatus != "" {
		q += ` AND status = ?`
		args = append(args, string(expectedStatus))
	}

	return withRetry(ctx, 5, 100*time.Millisecond, func() error {
		result, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			if expectedStatus != "" {
				return fmt.Errorf("optimistic lock failed: session %s status is not %s", sess.ID, expectedStatus)
			}
			return fmt.Errorf("session not found: %s", sess.ID)
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM journal_events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete journal events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete clients: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// --- environments ---

func (s *SQLiteStore) CreateEnvironment(ctx context.Context, e *domain.Environment) error {
	const q = `INSERT INTO environments (id, name, sandbox_type, image_ref, worker_url, base_secret_ref,
		idle_timeout_secs, resource_tier, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`
	_, err := s.db.ExecContext(ctx, q, e.ID, e.Name, e.SandboxType, e.ImageRef, e.WorkerURL, e.BaseSecretRef,
		e.IdleTimeoutSecs, string(e.ResourceTier), e.CreatedAt.Unix(), e.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	return nil
}

func scanEnvironment(row interface{ Scan(...any) error }) (*domain.Environment, error) {
	var e domain.Environment
	var tier string
	var workerURL, baseSecretRef sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&e.ID, &e.Name, &e.SandboxType, &e.ImageRef, &workerURL, &baseSecretRef,
		&e.IdleTimeoutSecs, &tier, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.WorkerURL = workerURL.String
	e.BaseSecretRef = baseSecretRef.String
	e.ResourceTier = domain.ResourceTier(tier)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

const envColumns = `id, name, sandbox_type, image_ref, worker_url, base_secret_ref, idle_timeout_secs, resource_tier, created_at, updated_at`

func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE id = ?`, id)
	e, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan environment: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]*domain.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+envColumns+` FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()
	var out []*domain.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, e *domain.Environment) error {
	const q = `UPDATE environments SET name=?, sandbox_type=?, image_ref=?, worker_url=?, base_secret_ref=?,
		idle_timeout_secs=?, resource_tier=?, updated_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, q, e.Name, e.SandboxType, e.ImageRef, e.WorkerURL, e.BaseSecretRef,
		e.IdleTimeoutSecs, string(e.ResourceTier), e.UpdatedAt.Unix(), e.ID)
	if err != nil {
		return fmt.Errorf("update environment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountSessionsForEnvironment(ctx context.Context, environmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE environment_id = ? AND status != 'archived'`, environmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions for environment: %w", err)
	}
	return n, nil
}

// --- clients ---

func (s *SQLiteStore) UpsertClient(ctx context.Context, c *domain.ClientRegistration) error {
	const q = `INSERT INTO clients (session_id, client_id, client_kind, native_tools) VALUES (?,?,?,?)
		ON CONFLICT(session_id, client_id) DO UPDATE SET client_kind=excluded.client_kind, native_tools=excluded.native_tools`
	_, err := s.db.ExecContext(ctx, q, c.SessionID, c.ClientID, string(c.ClientKind), boolToInt(c.Capabilities.NativeTools))
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetClientsForSession(ctx context.Context, sessionID string) ([]*domain.ClientRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, client_id, client_kind, native_tools FROM clients WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()
	var out []*domain.ClientRegistration
	for rows.Next() {
		var c domain.ClientRegistration
		var kind string
		var nativeTools int64
		if err := rows.Scan(&c.SessionID, &c.ClientID, &kind, &nativeTools); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		c.ClientKind = domain.ClientKind(kind)
		c.Capabilities.NativeTools = nativeTools != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteClient(ctx context.Context, sessionID, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE session_id = ? AND client_id = ?`, sessionID, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

// --- secrets ---

func (s *SQLiteStore) UpsertSecret(ctx context.Context, sec *domain.Secret) error {
	const q = `INSERT INTO secrets (id, name, env_var_name, kind, enabled, ciphertext, key_version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, env_var_name=excluded.env_var_name, kind=excluded.kind,
			enabled=excluded.enabled, ciphertext=excluded.ciphertext, key_version=excluded.key_version, updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q, sec.ID, sec.Name, sec.EnvVarName, string(sec.Kind), boolToInt(sec.Enabled),
		sec.Ciphertext, sec.KeyVersion, sec.CreatedAt.Unix(), sec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert secret: %w", err)
	}
	return nil
}

func scanSecret(row interface{ Scan(...any) error }) (*domain.Secret, error) {
	var sec domain.Secret
	var kind string
	var enabled int64
	var createdAt, updatedAt int64
	err := row.Scan(&sec.ID, &sec.Name, &sec.EnvVarName, &kind, &enabled, &sec.Ciphertext, &sec.KeyVersion, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sec.Kind = domain.SecretKind(kind)
	sec.Enabled = enabled != 0
	sec.CreatedAt = time.Unix(createdAt, 0)
	sec.UpdatedAt = time.Unix(updatedAt, 0)
	return &sec, nil
}

const secretColumns = `id, name, env_var_name, kind, enabled, ciphertext, key_version, created_at, updated_at`

func (s *SQLiteStore) GetSecret(ctx context.Context, id string) (*domain.Secret, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = ?`, id)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan secret: %w", err)
	}
	return sec, nil
}

func (s *SQLiteStore) ListSecrets(ctx context.Context) ([]*domain.Secret, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+secretColumns+` FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()
	var out []*domain.Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scan secret row: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}
