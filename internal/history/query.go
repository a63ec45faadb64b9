package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SessionFilter narrows, sorts, and pages a ListSessions read.
// Zero values mean "no constraint".
type SessionFilter struct {
	// Query is a full-text query matched against message content.
	Query string
	// Name matches sessions whose name contains the value.
	Name string
	// State matches the session's lifecycle state exactly.
	State string
	// Tool matches sessions with at least one tool_use of this tool.
	Tool string
	// MinTokens matches sessions whose combined token total is at least this.
	MinTokens int
	// After/Before bound created_at.
	After  time.Time
	Before time.Time

	SortBy string // created_at | last_accessed_at | message_count | total_tokens
	Desc   bool

	Limit  int
	Offset int
}

// SessionSummary is one row of a ListSessions result.
type SessionSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	MessageCount   int       `json:"message_count"`
	TotalTokens    int       `json:"total_tokens"`
	Preview        string    `json:"preview,omitempty"`
}

const previewLength = 120

// Sort keys accepted by ListSessions, mapped to ORDER BY expressions.
// Anything else falls back to created_at.
var sortColumns = map[string]string{
	"created_at":       "created_at",
	"last_accessed_at": "last_accessed_at",
	"message_count":    "message_count",
	"total_tokens":     "total_input_tokens + total_output_tokens",
}

// ListSessions returns session summaries matching the filter plus the total
// match count before pagination.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*SessionSummary, int, error) {
	var conds []string
	var args []any

	// An all-whitespace query would compile to an empty MATCH expression,
	// which fts5 rejects; treat it as no filter.
	if q := strings.TrimSpace(f.Query); q != "" {
		conds = append(conds, `id IN (
			SELECT m.session_id FROM messages m
			WHERE m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?))`)
		args = append(args, ftsQuery(q))
	}
	if f.Name != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+f.Name+"%")
	}
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.Tool != "" {
		conds = append(conds, `id IN (
			SELECT session_id FROM messages WHERE role = 'tool_use' AND tool_name = ?)`)
		args = append(args, f.Tool)
	}
	if f.MinTokens > 0 {
		conds = append(conds, "total_input_tokens + total_output_tokens >= ?")
		args = append(args, f.MinTokens)
	}
	if !f.After.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.After.UTC())
	}
	if !f.Before.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Before.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	orderCol, ok := sortColumns[f.SortBy]
	if !ok {
		orderCol = "created_at"
	}
	direction := "ASC"
	if f.Desc {
		direction = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, state, created_at, last_accessed_at, message_count,
		       total_input_tokens + total_output_tokens,
		       (SELECT content FROM messages WHERE session_id = sessions.id AND role = 'user' ORDER BY id ASC LIMIT 1)
		FROM sessions%s ORDER BY %s %s, id ASC LIMIT ? OFFSET ?`, where, orderCol, direction), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var preview sql.NullString
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.State, &sum.CreatedAt,
			&sum.LastAccessedAt, &sum.MessageCount, &sum.TotalTokens, &preview); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session summary: %w", err)
		}
		sum.Preview = truncate(preview.String, previewLength)
		out = append(out, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ftsQuery quotes each whitespace-separated term so user input cannot inject
// FTS5 query syntax. Terms are ANDed, which is fts5's default.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
