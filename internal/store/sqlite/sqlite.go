// Package sqlite is the default embedded Store backend, built on
// modernc.org/sqlite (pure Go, no cgo). The schema and transaction
// idioms follow internal/memory/backend/sqlitevec/backend.go from the
// teacher repo: a single *sql.DB, prepared DDL run once at Open,
// explicit transactions with deferred rollback-if-not-committed, and
// INSERT ... ON CONFLICT ... DO UPDATE for upserts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS session_settings (
	session_id TEXT PRIMARY KEY,
	override_model TEXT
);

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_text TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	turn_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_steps_turn ON steps(turn_id);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	seq INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	turn_id TEXT,
	step_id TEXT,
	ts REAL NOT NULL,
	type TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);

CREATE TABLE IF NOT EXISTS session_seq (
	session_id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_policies (
	tool_name TEXT PRIMARY KEY,
	policy TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS permission_mode (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	mode TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS permission_requests (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	input BLOB,
	status TEXT NOT NULL,
	scope TEXT,
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_permreq_session ON permission_requests(session_id);
CREATE INDEX IF NOT EXISTS idx_permreq_status ON permission_requests(status);

CREATE TABLE IF NOT EXISTS file_changes (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	path TEXT NOT NULL,
	diff TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS file_versions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	path TEXT NOT NULL,
	idx INTEGER NOT NULL,
	content BLOB NOT NULL,
	note TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fileversions_session_path ON file_versions(session_id, path, idx);

CREATE TABLE IF NOT EXISTS context_items (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	title TEXT NOT NULL,
	content_ref TEXT NOT NULL,
	pinned INTEGER NOT NULL,
	summary TEXT,
	summary_sha256 TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contextitems_session ON context_items(session_id);
`

// Store implements store.Store on top of a *sql.DB.
type Store struct {
	db *sql.DB
}

// Open creates or migrates the sqlite database at path and returns a
// ready Store. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; keep it simple and avoid SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO permission_mode (id, mode) VALUES (1, ?)`, string(models.ModeAsk)); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed permission mode: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess := &models.Session{}
	var status string
	if err := row.Scan(&sess.ID, &sess.Title, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, status, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var status string
		if err := rows.Scan(&sess.ID, &sess.Title, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = models.SessionStatus(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, status = ?, updated_at = ? WHERE id = ?`,
		sess.Title, string(sess.Status), sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Cascade: a session exclusively owns turns/steps/events/versions/
	// changes/permission requests/context items.
	stmts := []string{
		`DELETE FROM session_settings WHERE session_id = ?`,
		`DELETE FROM steps WHERE turn_id IN (SELECT id FROM turns WHERE session_id = ?)`,
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM events WHERE session_id = ?`,
		`DELETE FROM session_seq WHERE session_id = ?`,
		`DELETE FROM permission_requests WHERE session_id = ?`,
		`DELETE FROM file_changes WHERE session_id = ?`,
		`DELETE FROM file_versions WHERE session_id = ?`,
		`DELETE FROM context_items WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetSessionSettings(ctx context.Context, sessionID string) (*models.SessionSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, override_model FROM session_settings WHERE session_id = ?`, sessionID)
	set := &models.SessionSettings{}
	var override sql.NullString
	if err := row.Scan(&set.SessionID, &override); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get session settings: %w", err)
	}
	set.OverrideModel = override.String
	return set, nil
}

func (s *Store) UpsertSessionSettings(ctx context.Context, set *models.SessionSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_settings (session_id, override_model) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET override_model = excluded.override_model`,
		set.SessionID, sql.NullString{String: set.OverrideModel, Valid: set.OverrideModel != ""})
	if err != nil {
		return fmt.Errorf("upsert session settings: %w", err)
	}
	return nil
}

func (s *Store) DeleteSessionSettings(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_settings WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session settings: %w", err)
	}
	return nil
}

// --- Turns ---

func (s *Store) CreateTurn(ctx context.Context, t *models.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, user_text, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.SessionID, t.UserText, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (s *Store) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_text, created_at FROM turns WHERE id = ?`, id)
	t := &models.Turn{}
	if err := row.Scan(&t.ID, &t.SessionID, &t.UserText, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_text, created_at FROM turns WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	var out []*models.Turn
	for rows.Next() {
		t := &models.Turn{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserText, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Steps ---

func (s *Store) CreateStep(ctx context.Context, st *models.Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, turn_id, idx, status, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, st.TurnID, st.Idx, string(st.Status), st.StartedAt, nullTime(st.FinishedAt))
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, st *models.Step) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, finished_at = ? WHERE id = ?`,
		string(st.Status), nullTime(st.FinishedAt), st.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, turnID string) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, idx, status, started_at, finished_at FROM steps WHERE turn_id = ? ORDER BY idx ASC`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []*models.Step
	for rows.Next() {
		st := &models.Step{}
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&st.ID, &st.TurnID, &st.Idx, &status, &st.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Status = models.StepStatus(status)
		if finished.Valid {
			st.FinishedAt = finished.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent allocates the global id and per-session seq and inserts
// the row in one transaction. db.SetMaxOpenConns(1) means this
// connection pool never runs two transactions at once, so the
// transaction alone (no extra application-level lock) is enough to
// keep global id order well-defined across concurrent sessions (§4.3,
// §4.8's testable global-id-strictly-increases property).
func (s *Store) AppendEvent(ctx context.Context, d store.EventDraft) (*models.Event, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM events`).Scan(&id); err != nil {
		return nil, fmt.Errorf("next global id: %w", err)
	}

	var seq int64
	row := tx.QueryRowContext(ctx, `SELECT seq FROM session_seq WHERE session_id = ?`, d.SessionID)
	switch err := row.Scan(&seq); {
	case err == sql.ErrNoRows:
		seq = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_seq (session_id, seq) VALUES (?, ?)`, d.SessionID, seq); err != nil {
			return nil, fmt.Errorf("seed session seq: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read session seq: %w", err)
	default:
		seq++
		if _, err := tx.ExecContext(ctx, `UPDATE session_seq SET seq = ? WHERE session_id = ?`, seq, d.SessionID); err != nil {
			return nil, fmt.Errorf("advance session seq: %w", err)
		}
	}

	e := &models.Event{
		ID: id, Seq: seq, SessionID: d.SessionID, TurnID: d.TurnID, StepID: d.StepID,
		Ts: d.Ts, Type: d.Type, Payload: d.Payload, RawPayload: payload,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, seq, session_id, turn_id, step_id, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Seq, e.SessionID, nullString(e.TurnID), nullString(e.StepID), e.Ts, string(e.Type), payload,
	); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return e, nil
}

func (s *Store) EventsSince(ctx context.Context, sessionID string, sinceID int64) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, session_id, turn_id, step_id, ts, type, payload FROM events
		 WHERE session_id = ? AND id > ? ORDER BY id ASC`, sessionID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) EventsSinceSeq(ctx context.Context, sessionID string, sinceSeq int64) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, session_id, turn_id, step_id, ts, type, payload FROM events
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC`, sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("events since seq: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var out []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var turnID, stepID sql.NullString
		var typ string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.SessionID, &turnID, &stepID, &e.Ts, &typ, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TurnID = turnID.String
		e.StepID = stepID.String
		e.Type = models.EventType(typ)
		e.RawPayload = payload
		if decoded, err := models.DecodePayload(e.Type, payload); err == nil {
			e.Payload = decoded
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Tool policy / permission mode ---

func (s *Store) GetToolPolicy(ctx context.Context, name string) (*models.ToolPolicy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT tool_name, policy FROM tool_policies WHERE tool_name = ?`, name)
	p := &models.ToolPolicy{}
	var policy string
	if err := row.Scan(&p.ToolName, &policy); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get tool policy: %w", err)
	}
	p.Policy = models.ToolPolicyDecision(policy)
	return p, nil
}

func (s *Store) ListToolPolicies(ctx context.Context) ([]*models.ToolPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name, policy FROM tool_policies ORDER BY tool_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tool policies: %w", err)
	}
	defer rows.Close()
	var out []*models.ToolPolicy
	for rows.Next() {
		p := &models.ToolPolicy{}
		var policy string
		if err := rows.Scan(&p.ToolName, &policy); err != nil {
			return nil, fmt.Errorf("scan tool policy: %w", err)
		}
		p.Policy = models.ToolPolicyDecision(policy)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertToolPolicy(ctx context.Context, p *models.ToolPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_policies (tool_name, policy) VALUES (?, ?)
		 ON CONFLICT(tool_name) DO UPDATE SET policy = excluded.policy`,
		p.ToolName, string(p.Policy))
	if err != nil {
		return fmt.Errorf("upsert tool policy: %w", err)
	}
	return nil
}

func (s *Store) GetPermissionMode(ctx context.Context) (models.PermissionGlobalMode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT mode FROM permission_mode WHERE id = 1`)
	var mode string
	if err := row.Scan(&mode); err != nil {
		return "", fmt.Errorf("get permission mode: %w", err)
	}
	return models.PermissionGlobalMode(mode), nil
}

func (s *Store) SetPermissionMode(ctx context.Context, mode models.PermissionGlobalMode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_mode (id, mode) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET mode = excluded.mode`, string(mode))
	if err != nil {
		return fmt.Errorf("set permission mode: %w", err)
	}
	return nil
}

// --- Permission requests ---

func (s *Store) CreatePermissionRequest(ctx context.Context, r *models.PermissionRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_requests (id, session_id, turn_id, step_id, tool_name, input, status, scope, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.TurnID, r.StepID, r.ToolName, r.Input, string(r.Status), nullString(string(r.Scope)), r.CreatedAt, nullTime(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("create permission request: %w", err)
	}
	return nil
}

func (s *Store) GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, turn_id, step_id, tool_name, input, status, scope, created_at, resolved_at
		 FROM permission_requests WHERE id = ?`, id)
	return scanPermissionRequest(row)
}

func scanPermissionRequest(row *sql.Row) (*models.PermissionRequest, error) {
	r := &models.PermissionRequest{}
	var status, scope sql.NullString
	var resolved sql.NullTime
	if err := row.Scan(&r.ID, &r.SessionID, &r.TurnID, &r.StepID, &r.ToolName, &r.Input, &status, &scope, &r.CreatedAt, &resolved); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan permission request: %w", err)
	}
	r.Status = models.PermissionRequestStatus(status.String)
	r.Scope = models.PermissionScope(scope.String)
	if resolved.Valid {
		r.ResolvedAt = resolved.Time
	}
	return r, nil
}

func (s *Store) ListPendingPermissionRequests(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, step_id, tool_name, input, status, scope, created_at, resolved_at
		 FROM permission_requests WHERE session_id = ? AND status = ? ORDER BY created_at ASC`,
		sessionID, string(models.PermissionPending))
	if err != nil {
		return nil, fmt.Errorf("list pending permission requests: %w", err)
	}
	defer rows.Close()
	var out []*models.PermissionRequest
	for rows.Next() {
		r := &models.PermissionRequest{}
		var status, scope sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&r.ID, &r.SessionID, &r.TurnID, &r.StepID, &r.ToolName, &r.Input, &status, &scope, &r.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan permission request: %w", err)
		}
		r.Status = models.PermissionRequestStatus(status.String)
		r.Scope = models.PermissionScope(scope.String)
		if resolved.Valid {
			r.ResolvedAt = resolved.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ResolvePermissionRequest(ctx context.Context, id string, status models.PermissionRequestStatus, scope models.PermissionScope, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests SET status = ?, scope = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), string(scope), resolvedAt, id, string(models.PermissionPending))
	if err != nil {
		return fmt.Errorf("resolve permission request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) ExpirePendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM permission_requests WHERE status = ? AND created_at < ?`,
		string(models.PermissionPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expiring permission requests: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expiring id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.ResolvePermissionRequest(ctx, id, models.PermissionExpired, models.ScopeOnce, time.Now()); err != nil && err != store.ErrConflict {
			return nil, fmt.Errorf("expire permission request %s: %w", id, err)
		}
	}
	return ids, nil
}

// --- Files ---

func (s *Store) CreateFileChange(ctx context.Context, c *models.FileChange) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_changes (id, session_id, turn_id, step_id, path, diff, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.TurnID, c.StepID, c.Path, c.Diff, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create file change: %w", err)
	}
	return nil
}

func (s *Store) CreateFileVersion(ctx context.Context, v *models.FileVersion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_versions (id, session_id, path, idx, content, note, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, v.Path, v.Idx, v.Content, nullString(v.Note), v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create file version: %w", err)
	}
	return nil
}

// NextFileVersionIdx returns the next dense idx for (sessionID, path).
// It does not itself serialize concurrent callers for the same path —
// two overlapping calls can both read the same MAX(idx) before either
// inserts. Density and collision-freedom for concurrent writers to one
// path is the sandbox layer's job: FS.lockPath (§5) holds a per-path
// mutex around the whole snapshot-allocate-insert sequence, so this
// query only ever runs one at a time per path in practice.
func (s *Store) NextFileVersionIdx(ctx context.Context, sessionID, path string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), 0) + 1 FROM file_versions WHERE session_id = ? AND path = ?`, sessionID, path)
	var idx int
	if err := row.Scan(&idx); err != nil {
		return 0, fmt.Errorf("next file version idx: %w", err)
	}
	return idx, nil
}

func (s *Store) ListFileVersions(ctx context.Context, sessionID, path string) ([]*models.FileVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, path, idx, note, created_at FROM file_versions
		 WHERE session_id = ? AND path = ? ORDER BY idx ASC`, sessionID, path)
	if err != nil {
		return nil, fmt.Errorf("list file versions: %w", err)
	}
	defer rows.Close()
	var out []*models.FileVersion
	for rows.Next() {
		v := &models.FileVersion{}
		var note sql.NullString
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Path, &v.Idx, &note, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file version: %w", err)
		}
		v.Note = note.String
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetFileVersion(ctx context.Context, id string) (*models.FileVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, path, idx, content, note, created_at FROM file_versions WHERE id = ?`, id)
	v := &models.FileVersion{}
	var note sql.NullString
	if err := row.Scan(&v.ID, &v.SessionID, &v.Path, &v.Idx, &v.Content, &note, &v.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get file version: %w", err)
	}
	v.Note = note.String
	return v, nil
}

func (s *Store) LatestFileVersion(ctx context.Context, sessionID, path string) (*models.FileVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, path, idx, content, note, created_at FROM file_versions
		 WHERE session_id = ? AND path = ? ORDER BY idx DESC LIMIT 1`, sessionID, path)
	v := &models.FileVersion{}
	var note sql.NullString
	if err := row.Scan(&v.ID, &v.SessionID, &v.Path, &v.Idx, &v.Content, &note, &v.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("latest file version: %w", err)
	}
	v.Note = note.String
	return v, nil
}

// --- Context items ---

func (s *Store) CreateContextItem(ctx context.Context, c *models.ContextItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO context_items (id, session_id, kind, title, content_ref, pinned, summary, summary_sha256, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, string(c.Kind), c.Title, c.ContentRef, boolToInt(c.Pinned), nullString(c.Summary), nullString(c.SummarySHA256), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create context item: %w", err)
	}
	return nil
}

func (s *Store) GetContextItem(ctx context.Context, id string) (*models.ContextItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, kind, title, content_ref, pinned, summary, summary_sha256, created_at
		 FROM context_items WHERE id = ?`, id)
	return scanContextItem(row)
}

func scanContextItem(row *sql.Row) (*models.ContextItem, error) {
	c := &models.ContextItem{}
	var kind string
	var pinned int
	var summary, sha sql.NullString
	if err := row.Scan(&c.ID, &c.SessionID, &kind, &c.Title, &c.ContentRef, &pinned, &summary, &sha, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan context item: %w", err)
	}
	c.Kind = models.ContextItemKind(kind)
	c.Pinned = pinned != 0
	c.Summary = summary.String
	c.SummarySHA256 = sha.String
	return c, nil
}

func (s *Store) ListContextItems(ctx context.Context, sessionID string) ([]*models.ContextItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, title, content_ref, pinned, summary, summary_sha256, created_at
		 FROM context_items WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list context items: %w", err)
	}
	defer rows.Close()
	var out []*models.ContextItem
	for rows.Next() {
		c := &models.ContextItem{}
		var kind string
		var pinned int
		var summary, sha sql.NullString
		if err := rows.Scan(&c.ID, &c.SessionID, &kind, &c.Title, &c.ContentRef, &pinned, &summary, &sha, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context item: %w", err)
		}
		c.Kind = models.ContextItemKind(kind)
		c.Pinned = pinned != 0
		c.Summary = summary.String
		c.SummarySHA256 = sha.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateContextItem(ctx context.Context, c *models.ContextItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE context_items SET title = ?, pinned = ?, summary = ?, summary_sha256 = ? WHERE id = ?`,
		c.Title, boolToInt(c.Pinned), nullString(c.Summary), nullString(c.SummarySHA256), c.ID)
	if err != nil {
		return fmt.Errorf("update context item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteContextItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM context_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete context item: %w", err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
