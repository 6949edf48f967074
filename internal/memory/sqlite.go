package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed persistence layer for sessions, messages,
// user profiles, and the capability audit trail.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the database at dbPath and runs migrations.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	-- Sessions (conversation threads)
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	-- Messages
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		interrupted BOOLEAN NOT NULL DEFAULT FALSE,
		compacted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_compacted ON messages(session_id, compacted);

	-- Users (long-term profile tier)
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT '',
		preferences TEXT NOT NULL DEFAULT '{}',
		response_detail TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	-- Capability invocations (structured, queryable audit trail)
	CREATE TABLE IF NOT EXISTS capability_calls (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		capability TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		is_error BOOLEAN,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms INTEGER,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_capability_calls_session ON capability_calls(session_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_capability_calls_message ON capability_calls(message_id);
	CREATE INDEX IF NOT EXISTS idx_capability_calls_name ON capability_calls(capability);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so feature providers can manage
// their own tables in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Sessions

// CreateSession creates a new session owned by userID.
func (s *Store) CreateSession(ctx context.Context, userID string) (*Session, error) {
	now := time.Now()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), userID, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Session{
		ID:        id.String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetSession loads a session and enforces ownership: a session that
// exists but belongs to another user yields ErrSessionAccess.
func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, summary, created_at, updated_at
		FROM sessions WHERE id = ?
	`, sessionID)

	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Summary, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.UserID != userID {
		return nil, ErrSessionAccess
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE session_id = ?
	`, sessionID).Scan(&sess.MessageCount)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	return &sess, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.title, s.summary, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		WHERE s.user_id = ?
		ORDER BY s.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Summary,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and, via foreign keys, its messages
// and audit records. Ownership is enforced the same way as GetSession.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if _, err := s.GetSession(ctx, sessionID, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SetTitle updates the session title.
func (s *Store) SetTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now(), sessionID)
	return err
}

// SetSummary replaces the rolling summary. The summary is a single
// evolving blob, never an append-only log.
func (s *Store) SetSummary(ctx context.Context, sessionID, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?
	`, summary, time.Now(), sessionID)
	return err
}

// Messages

// AddMessage appends a message to a session, assigning the next
// session-scoped sequence number atomically.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string, interrupted bool) (*Message, error) {
	now := time.Now()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?
	`, sessionID).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, interrupted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), sessionID, seq, role, content, interrupted, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ? WHERE id = ?
	`, now, sessionID)
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Message{
		ID:          id.String(),
		SessionID:   sessionID,
		Seq:         seq,
		Role:        role,
		Content:     content,
		Interrupted: interrupted,
		CreatedAt:   now,
	}, nil
}

// Messages returns all messages of a session in conversation order,
// with the capability invocations of each assistant turn attached.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	messages, err := s.queryMessages(ctx, `
		SELECT id, session_id, seq, role, content, interrupted, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}

	calls, err := s.CapabilityCalls(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return messages, nil
	}

	byMessage := make(map[string][]CapabilityCall)
	for _, c := range calls {
		if c.MessageID != "" {
			byMessage[c.MessageID] = append(byMessage[c.MessageID], c)
		}
	}
	for i := range messages {
		messages[i].CapabilityCalls = byMessage[messages[i].ID]
	}
	return messages, nil
}

// ActiveMessages returns the messages not yet folded into the rolling
// summary, in conversation order.
func (s *Store) ActiveMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, session_id, seq, role, content, interrupted, created_at
		FROM messages WHERE session_id = ? AND compacted = FALSE
		ORDER BY seq ASC
	`, sessionID)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.Interrupted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkCompacted flags messages as folded into the rolling summary so
// later loads and compactions skip them.
func (s *Store) MarkCompacted(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET compacted = TRUE WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mark compacted: %w", err)
		}
	}
	return tx.Commit()
}

// Profiles

// GetProfile loads the long-term profile for a user. A user with no
// stored profile yields ErrNotFound; callers treat that as an empty
// profile, not a failure.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, preferences, response_detail, updated_at
		FROM users WHERE id = ?
	`, userID)

	var p Profile
	var prefsJSON string
	err := row.Scan(&p.UserID, &p.FullName, &prefsJSON, &p.ResponseDetail, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	if err := json.Unmarshal([]byte(prefsJSON), &p.Preferences); err != nil {
		s.logger.Warn("malformed preferences JSON, ignoring", "user_id", userID, "error", err)
		p.Preferences = nil
	}
	return &p, nil
}

// UpsertProfile stores the long-term profile for a user.
func (s *Store) UpsertProfile(ctx context.Context, p *Profile) error {
	prefs := p.Preferences
	if prefs == nil {
		prefs = map[string]string{}
	}
	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, full_name, preferences, response_detail, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			preferences = excluded.preferences,
			response_detail = excluded.response_detail,
			updated_at = excluded.updated_at
	`, p.UserID, p.FullName, string(prefsJSON), p.ResponseDetail, time.Now())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Capability audit trail. These implement the executor's Auditor
// interface; failures are logged and swallowed because audit records
// must never fail a turn.

// RecordCapabilityCall inserts the audit row for a starting invocation.
func (s *Store) RecordCapabilityCall(ctx context.Context, sessionID, callID, name string, args map[string]any) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO capability_calls (id, session_id, capability, arguments, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, callID, sessionID, name, string(argsJSON), time.Now())
	if err != nil {
		s.logger.Warn("record capability call failed", "call_id", callID, "error", err)
	}
}

// CompleteCapabilityCall fills in the result columns for an invocation.
func (s *Store) CompleteCapabilityCall(ctx context.Context, callID, result string, isError bool, duration time.Duration) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE capability_calls
		SET result = ?, is_error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, result, isError, time.Now(), duration.Milliseconds(), callID)
	if err != nil {
		s.logger.Warn("complete capability call failed", "call_id", callID, "error", err)
	}
}

// AttachCapabilityCalls ties the session's not-yet-attached audit
// records to the assistant message that concluded their turn. Called
// once per turn at persist time; earlier turns' records were already
// claimed, so only this turn's remain unattached.
func (s *Store) AttachCapabilityCalls(ctx context.Context, sessionID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE capability_calls SET message_id = ?
		WHERE session_id = ? AND message_id = ''
	`, messageID, sessionID)
	if err != nil {
		return fmt.Errorf("attach capability calls: %w", err)
	}
	return nil
}

// CapabilityCalls returns the audit records for a session, oldest first.
func (s *Store) CapabilityCalls(ctx context.Context, sessionID string) ([]CapabilityCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_id, capability, arguments, COALESCE(result, ''), COALESCE(is_error, FALSE),
		       started_at, completed_at, COALESCE(duration_ms, 0)
		FROM capability_calls WHERE session_id = ?
		ORDER BY started_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query capability calls: %w", err)
	}
	defer rows.Close()

	var calls []CapabilityCall
	for rows.Next() {
		var c CapabilityCall
		if err := rows.Scan(&c.ID, &c.SessionID, &c.MessageID, &c.Capability, &c.Arguments, &c.Result,
			&c.IsError, &c.StartedAt, &c.CompletedAt, &c.DurationMS); err != nil {
			return nil, fmt.Errorf("scan capability call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CapabilityCall is one audit record.
type CapabilityCall struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"-"`
	MessageID   string       `json:"-"`
	Capability  string       `json:"capability"`
	Arguments   string       `json:"arguments"`
	Result      string       `json:"result,omitempty"`
	IsError     bool         `json:"is_error"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt sql.NullTime `json:"completed_at,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
}

// Stats returns store-level counters for the ops surface.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var sessions, messages, calls int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capability_calls`).Scan(&calls)

	return map[string]any{
		"sessions":         sessions,
		"messages":         messages,
		"capability_calls": calls,
		"storage":          "sqlite",
	}
}
