package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/hermes/pkg/models"
)

// SearchOptions narrows a full-text transcript search.
type SearchOptions struct {
	Query  string
	Source models.Source
	Role   models.Role
	Limit  int
	Offset int
}

// SearchResult is one full-text match. Snippet is the matched region with
// the hit terms wrapped in >>> <<< markers; Before and After carry one
// adjacent message each for context, when one exists.
type SearchResult struct {
	MessageID int64
	SessionID string
	Source    models.Source
	Role      models.Role
	Timestamp time.Time
	Snippet   string
	Before    *ContextLine
	After     *ContextLine
}

// ContextLine is a message adjacent to a search hit, clipped for display.
type ContextLine struct {
	Role    models.Role
	Content string
}

const (
	defaultSearchLimit = 20
	snippetTokens      = 12
	maxContextChars    = 240
)

// SearchMessages runs a ranked full-text search over non-mirror message
// content. The raw query is rewritten into quoted terms so user input can
// never trip the MATCH parser.
func (s *Store) SearchMessages(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	query := ftsQuery(opts.Query)
	if query == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	q := fmt.Sprintf(`
		SELECT m.id, m.session_id, m.role, m.timestamp, sess.source,
		       snippet(messages_fts, 0, '>>>', '<<<', '…', %d)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN sessions sess ON sess.id = m.session_id
		WHERE messages_fts MATCH ?`, snippetTokens)
	args := []any{query}
	if opts.Source != "" {
		q += ` AND sess.source = ?`
		args = append(args, string(opts.Source))
	}
	if opts.Role != "" {
		q += ` AND m.role = ?`
		args = append(args, string(opts.Role))
	}
	q += ` ORDER BY rank LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	results, err := s.collectMatches(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	// Context rows are fetched after the match cursor is fully drained; the
	// pool has a single connection and nested queries would wedge it.
	for i := range results {
		results[i].Before = s.adjacentMessage(ctx, results[i].SessionID, results[i].MessageID, false)
		results[i].After = s.adjacentMessage(ctx, results[i].SessionID, results[i].MessageID, true)
	}
	return results, nil
}

func (s *Store) collectMatches(ctx context.Context, query string, args ...any) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var (
			r            SearchResult
			role, source string
			ts           int64
		)
		if err := rows.Scan(&r.MessageID, &r.SessionID, &role, &ts, &source, &r.Snippet); err != nil {
			return nil, err
		}
		r.Role = models.Role(role)
		r.Source = models.Source(source)
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// adjacentMessage returns the nearest non-mirror message on one side of the
// hit, or nil at a transcript boundary.
func (s *Store) adjacentMessage(ctx context.Context, sessionID string, msgID int64, after bool) *ContextLine {
	q := `SELECT role, content FROM messages
		WHERE session_id = ? AND id < ? AND mirror = 0 ORDER BY id DESC LIMIT 1`
	if after {
		q = `SELECT role, content FROM messages
		WHERE session_id = ? AND id > ? AND mirror = 0 ORDER BY id ASC LIMIT 1`
	}
	var role, content string
	err := s.db.QueryRowContext(ctx, q, sessionID, msgID).Scan(&role, &content)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("search context lookup failed", "session_id", sessionID, "error", err)
		}
		return nil
	}
	return &ContextLine{Role: models.Role(role), Content: clip(content, maxContextChars)}
}

// ftsQuery rewrites free text into an FTS5 query: each whitespace-separated
// term becomes a quoted string with embedded quotes doubled, joined by the
// implicit AND.
func ftsQuery(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
