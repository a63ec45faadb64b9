// Package history is the durable record of sessions and their messages.
// It owns a SQLite database plus an FTS5 index over message content. The
// index is maintained explicitly inside the same transaction as each row
// write, so search always reflects exactly the committed set of messages.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("not found")

// Session is one persisted session record.
type Session struct {
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	BackendSessionID  string    `json:"backend_session_id,omitempty"`
	State             string    `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccessedAt    time.Time `json:"last_accessed_at"`
	TotalInputTokens  int       `json:"total_input_tokens"`
	TotalOutputTokens int       `json:"total_output_tokens"`
	MessageCount      int       `json:"message_count"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// Message is one durable unit of session content. IDs are assigned by the
// store at insert time and are strictly increasing, so id order is insertion
// order within and across sessions.
type Message struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	ToolName     string    `json:"tool_name,omitempty"`
	ToolID       string    `json:"tool_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Source       string    `json:"source,omitempty"`
}

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolUse    = "tool_use"
	RoleToolResult = "tool_result"
)

// ResumeInfo is what a caller needs to reattach to a persisted session.
// State is reported as stored; resuming a Finished or Failed session never
// reactivates it — the caller decides what to do with the handle.
type ResumeInfo struct {
	SessionID        string `json:"session_id"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
	State            string `json:"state"`
}

// Store wraps the SQLite database connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the history database at path.
// If path is empty, ~/.threadline/history.db is used.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir := filepath.Join(home, ".threadline")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path = filepath.Join(dir, "history.db")
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema. The FTS index is an ordinary fts5 table keyed
// by messages.id via rowid; it is written in the same transaction as the
// messages row rather than through triggers, so any transactional engine
// would do.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		backend_session_id TEXT,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL,
		total_input_tokens INTEGER NOT NULL DEFAULT 0,
		total_output_tokens INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK(role IN ('user', 'assistant', 'tool_use', 'tool_result')),
		content TEXT NOT NULL,
		tool_name TEXT,
		tool_id TEXT,
		created_at DATETIME NOT NULL,
		input_tokens INTEGER,
		output_tokens INTEGER,
		source TEXT NOT NULL DEFAULT 'live'
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_accessed ON sessions(last_accessed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// ftsSchema lives behind the sqlite_fts5 build tag; see fts5.go.
	if _, err := s.db.Exec(ftsSchema); err != nil {
		return fmt.Errorf("failed to create search index: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// CreateSession persists a new session record.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, backend_session_id, state, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, nullable(sess.BackendSessionID), sess.State,
		sess.CreatedAt.UTC(), sess.LastAccessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// AppendMessage inserts one message and its FTS entry atomically, bumps the
// session's message count, and returns the message with its assigned id.
// The caller must not broadcast the corresponding event until this returns.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Source == "" {
		msg.Source = "live"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tool_name, tool_id, created_at, input_tokens, output_tokens, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, nullable(msg.ToolName), nullable(msg.ToolID),
		msg.CreatedAt.UTC(), nullableInt(msg.InputTokens), nullableInt(msg.OutputTokens), msg.Source,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages_fts (rowid, content) VALUES (?, ?)`, id, msg.Content); err != nil {
		return nil, fmt.Errorf("failed to index message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + 1, last_accessed_at = ?
		WHERE id = ?`, time.Now().UTC(), msg.SessionID); err != nil {
		return nil, fmt.Errorf("failed to update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	out := *msg
	out.ID = id
	return &out, nil
}

// UpdateMessageContent replaces a message's content and re-indexes it.
func (s *Store) UpdateMessageContent(ctx context.Context, id int64, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("failed to deindex message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages_fts (rowid, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("failed to reindex message: %w", err)
	}
	return tx.Commit()
}

// UpdateSessionState records a state transition. errorMessage is persisted
// only for failed sessions; pass "" otherwise.
func (s *Store) UpdateSessionState(ctx context.Context, id, state, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, error_message = ?, last_accessed_at = ?
		WHERE id = ?`, state, nullable(errorMessage), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionName renames a session.
func (s *Store) UpdateSessionName(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET name = ?, last_accessed_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBackendSessionID records the backend's handle for a session so it can be
// resumed later.
func (s *Store) SetBackendSessionID(ctx context.Context, id, backendID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET backend_session_id = ?, last_accessed_at = ? WHERE id = ?`,
		backendID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set backend session id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUsage adds a turn's token usage to the session's running totals.
// Counters only ever grow.
func (s *Store) UpdateUsage(ctx context.Context, id string, inputTokens, outputTokens int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			last_accessed_at = ?
		WHERE id = ?`, inputTokens, outputTokens, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session, its messages, and their index entries in
// one transaction. Deleting an absent session returns ErrNotFound.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages_fts WHERE rowid IN (SELECT id FROM messages WHERE session_id = ?)`,
		id); err != nil {
		return fmt.Errorf("failed to deindex session messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetSession retrieves a session by id. The read bumps last_accessed_at.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, id)
	return sess, nil
}

func (s *Store) getSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, backend_session_id, state, created_at, last_accessed_at,
		       total_input_tokens, total_output_tokens, message_count, error_message
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// MessageFilter narrows and pages a GetMessages read.
type MessageFilter struct {
	Role   string
	Limit  int
	Offset int
}

// GetMessages returns a session's messages in ascending id order plus the
// total count matching the filter before pagination.
func (s *Store) GetMessages(ctx context.Context, sessionID string, f MessageFilter) ([]*Message, int, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, 0, err
	}

	where := "session_id = ?"
	args := []any{sessionID}
	if f.Role != "" {
		where += " AND role = ?"
		args = append(args, f.Role)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_name, tool_id, created_at, input_tokens, output_tokens, source
		FROM messages WHERE `+where+` ORDER BY id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var toolName, toolID, source sql.NullString
		var in, out sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&toolName, &toolID, &m.CreatedAt, &in, &out, &source); err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ToolName = toolName.String
		m.ToolID = toolID.String
		m.Source = source.String
		m.InputTokens = int(in.Int64)
		m.OutputTokens = int(out.Int64)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	s.touch(ctx, sessionID)
	return msgs, total, nil
}

// ResumeSession returns the persisted handle needed to reattach a live
// session. It never mutates state: a Finished or Failed session stays
// terminal and the caller decides whether to start fresh.
func (s *Store) ResumeSession(ctx context.Context, id string) (*ResumeInfo, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, id)
	return &ResumeInfo{
		SessionID:        sess.ID,
		BackendSessionID: sess.BackendSessionID,
		State:            sess.State,
	}, nil
}

// touch bumps last_accessed_at. Best-effort: a failed touch never fails the
// read that triggered it.
func (s *Store) touch(ctx context.Context, id string) {
	_, _ = s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var sess Session
	var backendID, errMsg sql.NullString
	if err := scan(&sess.ID, &sess.Name, &backendID, &sess.State,
		&sess.CreatedAt, &sess.LastAccessedAt,
		&sess.TotalInputTokens, &sess.TotalOutputTokens,
		&sess.MessageCount, &errMsg); err != nil {
		return nil, err
	}
	sess.BackendSessionID = backendID.String
	sess.ErrorMessage = errMsg.String
	return &sess, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
