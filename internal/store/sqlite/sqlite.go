// Package sqlite implements the store.Store repository contract on top of
// a single SQLite file, written with modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sessiond/sessiond/internal/store"
	"github.com/sessiond/sessiond/model"
)

const timeLayout = time.RFC3339Nano

// Store is a store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL with
	// concurrent goroutines; reads and writes share the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                    TEXT PRIMARY KEY,
			title                 TEXT NOT NULL DEFAULT '',
			repo_path             TEXT NOT NULL,
			display_name          TEXT NOT NULL DEFAULT '',
			base_branch           TEXT NOT NULL DEFAULT '',
			branch                TEXT NOT NULL DEFAULT '',
			model                 TEXT NOT NULL DEFAULT '',
			reasoning_effort      TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL DEFAULT 'created',
			sandbox_status        TEXT NOT NULL DEFAULT 'pending',
			container_handle      TEXT NOT NULL DEFAULT '',
			worktree_path         TEXT NOT NULL DEFAULT '',
			agent_session_handle  TEXT NOT NULL DEFAULT '',
			spawn_failure_count   INTEGER NOT NULL DEFAULT 0,
			last_spawn_failure_at TEXT NOT NULL DEFAULT '',
			last_spawn_error      TEXT NOT NULL DEFAULT '',
			last_heartbeat        TEXT NOT NULL DEFAULT '',
			last_activity         TEXT NOT NULL DEFAULT '',
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			content          TEXT NOT NULL DEFAULT '',
			source           TEXT NOT NULL DEFAULT '',
			model            TEXT NOT NULL DEFAULT '',
			reasoning_effort TEXT NOT NULL DEFAULT '',
			attachments      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			created_at       TEXT NOT NULL,
			started_at       TEXT NOT NULL DEFAULT '',
			completed_at     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_status ON messages(session_id, status);
		CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS events (
			id         TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, type);

		CREATE TABLE IF NOT EXISTS artifacts (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			url        TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);

		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS secrets (
			key        TEXT NOT NULL,
			scope      TEXT NOT NULL,
			value      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (key, scope)
		);
		CREATE INDEX IF NOT EXISTS idx_secrets_scope ON secrets(scope);
	`)
	return err
}

// DB exposes the underlying handle for components that need direct access
// (e.g. a future memory/retrieval feature, mirroring the teacher's
// sqliteStore.DB() accessor).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Sessions ---

func (s *Store) CreateSession(sess *model.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = model.SessionCreated
	}
	if sess.SandboxStatus == "" {
		sess.SandboxStatus = model.SandboxPending
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, repo_path, display_name, base_branch, status, sandbox_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.RepoPath, sess.DisplayName, sess.BaseBranch,
		sess.Status, sess.SandboxStatus, fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(sessionSelect+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(f store.SessionFilter) (model.Page[*model.Session], error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := sessionSelect
	args := []any{}
	where := []string{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Cursor != "" {
		where = append(where, "updated_at < ?")
		args = append(args, f.Cursor)
	}
	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return model.Page[*model.Session]{}, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return model.Page[*model.Session]{}, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return model.Page[*model.Session]{}, err
	}

	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}
	page := model.Page[*model.Session]{Items: sessions, HasMore: hasMore}
	if hasMore {
		page.Cursor = fmtTime(sessions[len(sessions)-1].UpdatedAt)
	}
	return page, nil
}

func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "messages", "artifacts"} {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", table), id); err != nil {
			return fmt.Errorf("deleting %s for session: %w", table, err)
		}
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) touchSession(query string, args ...any) error {
	args = append(args, fmtTime(time.Now().UTC()))
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSessionStatus(id string, status model.SessionStatus) error {
	return s.touchSession(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, string(status), id)
}

func (s *Store) UpdateSessionSandboxStatus(id string, status model.SandboxStatus) error {
	return s.touchSession(`UPDATE sessions SET sandbox_status = ?, updated_at = ? WHERE id = ?`, string(status), id)
}

func (s *Store) UpdateSessionContainer(id, containerHandle, worktreePath string) error {
	return s.touchSession(
		`UPDATE sessions SET container_handle = ?, worktree_path = ?, updated_at = ? WHERE id = ?`,
		containerHandle, worktreePath, id,
	)
}

func (s *Store) UpdateSessionBranch(id, branch string) error {
	return s.touchSession(`UPDATE sessions SET branch = ?, updated_at = ? WHERE id = ?`, branch, id)
}

func (s *Store) UpdateSessionModel(id, modelName, reasoningEffort string) error {
	return s.touchSession(
		`UPDATE sessions SET model = ?, reasoning_effort = ?, updated_at = ? WHERE id = ?`,
		modelName, reasoningEffort, id,
	)
}

func (s *Store) UpdateSessionHeartbeat(id string) error {
	now := fmtTime(time.Now().UTC())
	return s.touchSession(`UPDATE sessions SET last_heartbeat = ?, updated_at = ? WHERE id = ?`, now, id)
}

func (s *Store) UpdateSessionActivity(id string) error {
	now := fmtTime(time.Now().UTC())
	return s.touchSession(`UPDATE sessions SET last_activity = ?, updated_at = ? WHERE id = ?`, now, id)
}

func (s *Store) UpdateSessionAgentHandle(id, handle string) error {
	return s.touchSession(`UPDATE sessions SET agent_session_handle = ?, updated_at = ? WHERE id = ?`, handle, id)
}

func (s *Store) IncrementSpawnFailure(id string, errMsg string) error {
	now := fmtTime(time.Now().UTC())
	return s.touchSession(
		`UPDATE sessions SET spawn_failure_count = spawn_failure_count + 1,
			last_spawn_failure_at = ?, last_spawn_error = ?, updated_at = ? WHERE id = ?`,
		now, errMsg, id,
	)
}

func (s *Store) ResetSpawnFailure(id string) error {
	return s.touchSession(
		`UPDATE sessions SET spawn_failure_count = 0, last_spawn_error = '', updated_at = ? WHERE id = ?`,
		id,
	)
}

const sessionSelect = `SELECT id, title, repo_path, display_name, base_branch, branch, model,
	reasoning_effort, status, sandbox_status, container_handle, worktree_path,
	agent_session_handle, spawn_failure_count, last_spawn_failure_at, last_spawn_error,
	last_heartbeat, last_activity, created_at, updated_at
	FROM sessions`

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	return scanSessionInto(row)
}

func scanSessionRows(rows *sql.Rows) (*model.Session, error) {
	return scanSessionInto(rows)
}

func scanSessionInto(row scannable) (*model.Session, error) {
	var sess model.Session
	var lastSpawnFailureAt, lastHeartbeat, lastActivity, createdAt, updatedAt string
	err := row.Scan(
		&sess.ID, &sess.Title, &sess.RepoPath, &sess.DisplayName, &sess.BaseBranch, &sess.Branch,
		&sess.Model, &sess.ReasoningEffort, &sess.Status, &sess.SandboxStatus, &sess.ContainerHandle,
		&sess.WorktreePath, &sess.AgentSessionHandle, &sess.SpawnFailureCount, &lastSpawnFailureAt,
		&sess.LastSpawnError, &lastHeartbeat, &lastActivity, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.LastSpawnFailureAt = parseTime(lastSpawnFailureAt)
	sess.LastHeartbeat = parseTime(lastHeartbeat)
	sess.LastActivity = parseTime(lastActivity)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// --- Messages ---

func (s *Store) CreateMessage(m *model.Message) error {
	m.CreatedAt = time.Now().UTC()
	if m.Status == "" {
		m.Status = model.MessagePending
	}
	res, err := s.db.Exec(
		`INSERT INTO messages (session_id, content, source, model, reasoning_effort, attachments, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Content, m.Source, m.Model, m.ReasoningEffort, string(m.Attachments), m.Status, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

const messageSelect = `SELECT id, session_id, content, source, model, reasoning_effort,
	attachments, status, created_at, started_at, completed_at FROM messages`

func (s *Store) GetNextPendingMessage(sessionID string) (*model.Message, error) {
	row := s.db.QueryRow(
		messageSelect+` WHERE session_id = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		sessionID, model.MessagePending,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *Store) GetProcessingMessage(sessionID string) (*model.Message, error) {
	row := s.db.QueryRow(
		messageSelect+` WHERE session_id = ? AND status = ? LIMIT 1`,
		sessionID, model.MessageProcessing,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *Store) UpdateMessageToProcessing(id int64) error {
	now := fmtTime(time.Now().UTC())
	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, started_at = ? WHERE id = ?`,
		model.MessageProcessing, now, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateMessageCompletion(id int64, status model.MessageStatus) error {
	now := fmtTime(time.Now().UTC())
	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, completed_at = ? WHERE id = ?`,
		status, now, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) ListMessages(sessionID string, f store.MessageFilter) (model.Page[*model.Message], error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := messageSelect + ` WHERE session_id = ?`
	args := []any{sessionID}
	if f.Cursor != "" {
		query += ` AND id < ?`
		args = append(args, f.Cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return model.Page[*model.Message]{}, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return model.Page[*model.Message]{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return model.Page[*model.Message]{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	page := model.Page[*model.Message]{Items: msgs, HasMore: hasMore}
	if hasMore {
		page.Cursor = fmt.Sprintf("%d", msgs[len(msgs)-1].ID)
	}
	return page, nil
}

func (s *Store) CountMessages(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func scanMessage(row scannable) (*model.Message, error) {
	var m model.Message
	var attachments, startedAt, completedAt, createdAt string
	err := row.Scan(
		&m.ID, &m.SessionID, &m.Content, &m.Source, &m.Model, &m.ReasoningEffort,
		&attachments, &m.Status, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if attachments != "" {
		m.Attachments = []byte(attachments)
	}
	m.CreatedAt = parseTime(createdAt)
	m.StartedAt = parseTime(startedAt)
	m.CompletedAt = parseTime(completedAt)
	return &m, nil
}

// --- Events ---

func (s *Store) CreateEvent(e *model.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO events (id, session_id, type, payload, message_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Type, string(e.Payload), e.MessageID, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating event: %w", err)
	}
	return nil
}

// UpsertEvent replaces the payload, message_id and created_at of a
// coalescable event (token/execution_complete), keyed by its synthetic id.
// If the caller did not already resolve the coalescing key, it is computed
// here from e.Type and e.MessageID.
func (s *Store) UpsertEvent(e *model.Event) error {
	if e.ID == "" {
		if key, ok := model.CoalesceKey(e.Type, e.MessageID); ok {
			e.ID = key
		} else {
			e.ID = uuid.New().String()
		}
	}
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO events (id, session_id, type, payload, message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, id) DO UPDATE SET
			payload = excluded.payload,
			message_id = excluded.message_id,
			created_at = excluded.created_at`,
		e.ID, e.SessionID, e.Type, string(e.Payload), e.MessageID, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting event: %w", err)
	}
	return nil
}

const eventSelect = `SELECT id, session_id, type, payload, message_id, created_at FROM events`

// GetEventsForReplay returns the tail of the ordered, non-heartbeat event
// sequence (at most limit events), delivered in ascending (created_at, id)
// order — the initial view handed to a newly subscribed client.
func (s *Store) GetEventsForReplay(sessionID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(
		eventSelect+` WHERE session_id = ? AND type != ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, model.EventTypeHeartbeat, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(events)
	return events, nil
}

// GetEventsHistoryPage returns events strictly older than cursor, excluding
// heartbeats, ascending on (created_at, id), with has_more.
func (s *Store) GetEventsHistoryPage(sessionID string, cursor store.Cursor, limit int) (model.Page[*model.Event], error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.Query(
		eventSelect+` WHERE session_id = ? AND type != ?
			AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, model.EventTypeHeartbeat, cursor.Time, cursor.Time, cursor.ID, limit+1,
	)
	if err != nil {
		return model.Page[*model.Event]{}, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return model.Page[*model.Event]{}, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return model.Page[*model.Event]{}, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	reverse(events)

	page := model.Page[*model.Event]{Items: events, HasMore: hasMore}
	if len(events) > 0 {
		oldest := events[0]
		page.Cursor = fmtTime(oldest.CreatedAt) + "|" + oldest.ID
	}
	return page, nil
}

func (s *Store) ListEvents(sessionID string, eventType string) ([]*model.Event, error) {
	query := eventSelect + ` WHERE session_id = ?`
	args := []any{sessionID}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var payload, createdAt string
	if err := row.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &e.MessageID, &createdAt); err != nil {
		return nil, err
	}
	if payload != "" {
		e.Payload = []byte(payload)
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// --- Artifacts ---

func (s *Store) CreateArtifact(a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, session_id, type, url, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Type, a.URL, string(a.Metadata), fmtTime(a.CreatedAt),
	)
	return err
}

func (s *Store) ListArtifacts(sessionID string) ([]*model.Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, url, metadata, created_at FROM artifacts WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		var a model.Artifact
		var metadata, createdAt string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &a.URL, &metadata, &createdAt); err != nil {
			return nil, err
		}
		if metadata != "" {
			a.Metadata = []byte(metadata)
		}
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// --- Settings ---

func (s *Store) GetSetting(key string) (*model.Setting, error) {
	var v model.Setting
	var updatedAt string
	err := s.db.QueryRow(`SELECT key, value, updated_at FROM settings WHERE key = ?`, key).
		Scan(&v.Key, &v.Value, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

func (s *Store) PutSetting(v *model.Setting) error {
	v.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		v.Key, v.Value, fmtTime(v.UpdatedAt),
	)
	return err
}

// --- Secrets ---

func (s *Store) GetSecret(key, scope string) (*model.Secret, error) {
	var sec model.Secret
	var createdAt, updatedAt string
	err := s.db.QueryRow(
		`SELECT key, scope, value, created_at, updated_at FROM secrets WHERE key = ? AND scope = ?`,
		key, scope,
	).Scan(&sec.Key, &sec.Scope, &sec.Value, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sec.CreatedAt = parseTime(createdAt)
	sec.UpdatedAt = parseTime(updatedAt)
	return &sec, nil
}

func (s *Store) ListSecrets(scope string) ([]*model.Secret, error) {
	rows, err := s.db.Query(
		`SELECT key, scope, value, created_at, updated_at FROM secrets WHERE scope = ? ORDER BY key ASC`,
		scope,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*model.Secret
	for rows.Next() {
		var sec model.Secret
		var createdAt, updatedAt string
		if err := rows.Scan(&sec.Key, &sec.Scope, &sec.Value, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sec.CreatedAt = parseTime(createdAt)
		sec.UpdatedAt = parseTime(updatedAt)
		secrets = append(secrets, &sec)
	}
	return secrets, rows.Err()
}

func (s *Store) PutSecret(sec *model.Secret) error {
	now := time.Now().UTC()
	sec.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO secrets (key, scope, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key, scope) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		sec.Key, sec.Scope, sec.Value, fmtTime(now), fmtTime(now),
	)
	return err
}

func (s *Store) DeleteSecret(key, scope string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE key = ? AND scope = ?`, key, scope)
	return err
}

// --- helpers ---

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func reverse(events []*model.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
