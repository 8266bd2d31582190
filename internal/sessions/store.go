// Package sessions persists conversations and their transcripts in a local
// SQLite database with a full-text index over message content.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/pkg/models"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Store wraps the SQLite database holding sessions and messages. All
// goroutines serialize through a single connection, which eliminates
// SQLITE_BUSY errors from concurrent writers; WAL keeps the file readable
// by outside tooling while the store is open.
type Store struct {
	db            *sql.DB
	logger        *slog.Logger
	transcriptDir string
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger used for warnings and migration
// notices.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTranscriptDir enables JSONL transcript files under dir, one per
// session, so transcripts stay greppable without sqlite tooling. Transcript
// writes are best-effort: failures are logged, never returned.
func WithTranscriptDir(dir string) Option {
	return func(s *Store) { s.transcriptDir = dir }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the session database at path and brings
// the schema up to date.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(context.Background(), db, s.logger); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row. StartedAt defaults to now.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now()
	}
	var cfg, parent any
	if len(sess.ModelConfig) > 0 {
		cfg = string(sess.ModelConfig)
	}
	if sess.ParentSessionID != "" {
		parent = sess.ParentSessionID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, source, user_id, model, model_config, system_prompt, parent_session_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Source), sess.UserID, sess.Model, cfg,
		sess.SystemPrompt, parent, sess.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

const sessionCols = `id, source, user_id, model, model_config, system_prompt,
	parent_session_id, started_at, ended_at, end_reason,
	message_count, tool_call_count, input_tokens, output_tokens`

// GetSession returns the session with the given id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// EndSession marks the session ended with the given reason. Ending an
// already-ended session is a no-op; the original reason is kept.
func (s *Store) EndSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		s.now().UnixMilli(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AppendMessage inserts one transcript entry and bumps the session's message
// and tool-call counters in the same transaction. Mirror copies are stored
// but excluded from counters and from the full-text index. The assigned id
// is returned and also written back to msg.ID.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	if msg.SessionID == "" {
		return 0, errors.New("message session id is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	id, err := insertMessage(ctx, tx, msg)
	if err != nil {
		return 0, err
	}
	if !msg.Mirror {
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions SET message_count = message_count + 1, tool_call_count = tool_call_count + ?
			WHERE id = ?`,
			len(msg.ToolCalls), msg.SessionID,
		)
		if err != nil {
			return 0, fmt.Errorf("bump session counters: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	msg.ID = id
	s.transcriptAppend(msg)
	return id, nil
}

// insertMessage writes the message row and, for non-mirror messages, the
// matching full-text row keyed by the same id.
func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) (int64, error) {
	toolCalls, err := encodeJSON(msg.ToolCalls)
	if err != nil {
		return 0, fmt.Errorf("encode tool calls: %w", err)
	}
	codex, err := encodeJSON(msg.CodexReasoningItems)
	if err != nil {
		return 0, fmt.Errorf("encode reasoning items: %w", err)
	}
	var reasoning any
	if len(msg.ReasoningDetails) > 0 {
		reasoning = string(msg.ReasoningDetails)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tool_call_id, tool_name, tool_calls,
			timestamp, token_count, finish_reason, reasoning_details, codex_reasoning, mirror)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Content, msg.ToolCallID, msg.ToolName, toolCalls,
		msg.Timestamp.UnixMilli(), msg.TokenCount, string(msg.FinishReason), reasoning, codex,
		boolToInt(msg.Mirror),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	if !msg.Mirror {
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages_fts (rowid, content) VALUES (?, ?)`, id, msg.Content); err != nil {
			return 0, fmt.Errorf("index message: %w", err)
		}
	}
	return id, nil
}

// GetMessages returns the session transcript ordered by (timestamp, id).
// Rows that fail to decode are skipped with a warning rather than aborting
// the read.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt message row", "session_id", sessionID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages %s: %w", sessionID, err)
	}
	return out, nil
}

// RewriteTranscript atomically replaces the session transcript: every
// existing message (and its full-text row) is deleted, the given messages
// are re-appended with fresh ids, and the session counters are recomputed.
// Used by undo and retry, and by the context compressor.
func (s *Store) RewriteTranscript(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rewrite: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSessionMessages(ctx, tx, sessionID); err != nil {
		return err
	}
	var count, toolCalls int
	written := make([]models.Message, 0, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		msg.SessionID = sessionID
		if msg.Timestamp.IsZero() {
			msg.Timestamp = s.now()
		}
		id, err := insertMessage(ctx, tx, &msg)
		if err != nil {
			return err
		}
		msg.ID = id
		written = append(written, msg)
		if !msg.Mirror {
			count++
			toolCalls += len(msg.ToolCalls)
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = ?, tool_call_count = ? WHERE id = ?`,
		count, toolCalls, sessionID,
	)
	if err != nil {
		return fmt.Errorf("reset session counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rewrite: %w", err)
	}
	s.transcriptRewrite(sessionID, written)
	return nil
}

// ClearMessages drops the whole transcript and zeroes the counters.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	return s.RewriteTranscript(ctx, sessionID, nil)
}

// deleteSessionMessages removes a session's messages together with their
// full-text rows. The FTS delete must run first while the message ids still
// exist.
func deleteSessionMessages(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM messages_fts WHERE rowid IN (SELECT id FROM messages WHERE session_id = ?)`, sessionID)
	if err != nil {
		return fmt.Errorf("unindex messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// DeleteSession removes the session and its transcript, reporting whether a
// row existed. Children of the deleted session keep running with their
// parent link cleared.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSessionMessages(ctx, tx, id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	if n > 0 {
		s.transcriptRemove(id)
	}
	return n > 0, nil
}

// PruneSessions deletes ended sessions whose end time is older than the
// given number of days, optionally restricted to one source. Active
// sessions are never touched regardless of age. Returns the number of
// sessions removed.
func (s *Store) PruneSessions(ctx context.Context, olderThanDays int, source models.Source) (int, error) {
	cutoff := s.now().AddDate(0, 0, -olderThanDays).UnixMilli()

	q := `SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`
	args := []any{cutoff}
	if source != "" {
		q += ` AND source = ?`
		args = append(args, string(source))
	}
	ids, err := s.collectIDs(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if err := deleteSessionMessages(ctx, tx, id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("prune session %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	for _, id := range ids {
		s.transcriptRemove(id)
	}
	return len(ids), nil
}

// SessionFilter narrows SearchSessions results.
type SessionFilter struct {
	Source     models.Source
	ActiveOnly bool
	Limit      int
	Offset     int
}

const defaultSessionLimit = 50

// SearchSessions lists sessions newest-first.
func (s *Store) SearchSessions(ctx context.Context, f SessionFilter) ([]*models.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	q := `SELECT ` + sessionCols + ` FROM sessions`
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.ActiveOnly {
		where = append(where, "ended_at IS NULL")
	}
	for i, cond := range where {
		if i == 0 {
			q += " WHERE " + cond
		} else {
			q += " AND " + cond
		}
	}
	q += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt session row", "error", err)
			continue
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	return out, nil
}

// AddUsage accumulates provider-reported token usage onto the session.
func (s *Store) AddUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?
		WHERE id = ?`,
		inputTokens, outputTokens, sessionID,
	)
	if err != nil {
		return fmt.Errorf("add usage %s: %w", sessionID, err)
	}
	return nil
}

// CountActive returns the number of sessions that have not ended.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// collectIDs runs a single-column id query and drains it fully before
// returning. With one connection in the pool, callers must never hold an
// open cursor while issuing further statements.
func (s *Store) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const messageCols = `id, session_id, role, content, tool_call_id, tool_name, tool_calls,
	timestamp, token_count, finish_reason, reasoning_details, codex_reasoning, mirror`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		sess        models.Session
		source      string
		cfg, parent sql.NullString
		started     int64
		ended       sql.NullInt64
	)
	err := row.Scan(
		&sess.ID, &source, &sess.UserID, &sess.Model, &cfg, &sess.SystemPrompt,
		&parent, &started, &ended, &sess.EndReason,
		&sess.MessageCount, &sess.ToolCallCount, &sess.InputTokens, &sess.OutputTokens,
	)
	if err != nil {
		return nil, err
	}
	sess.Source = models.Source(source)
	if cfg.Valid && cfg.String != "" {
		sess.ModelConfig = json.RawMessage(cfg.String)
	}
	if parent.Valid {
		sess.ParentSessionID = parent.String
	}
	sess.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		sess.EndedAt = time.UnixMilli(ended.Int64)
	}
	return &sess, nil
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		msg                  models.Message
		role, finish         string
		toolCalls, reasoning sql.NullString
		codex                sql.NullString
		ts                   int64
		mirror               int
	)
	err := row.Scan(
		&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.ToolCallID, &msg.ToolName, &toolCalls,
		&ts, &msg.TokenCount, &finish, &reasoning, &codex, &mirror,
	)
	if err != nil {
		return models.Message{}, err
	}
	msg.Role = models.Role(role)
	msg.FinishReason = models.FinishReason(finish)
	msg.Timestamp = time.UnixMilli(ts)
	msg.Mirror = mirror != 0
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return models.Message{}, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if codex.Valid && codex.String != "" {
		if err := json.Unmarshal([]byte(codex.String), &msg.CodexReasoningItems); err != nil {
			return models.Message{}, fmt.Errorf("decode reasoning items: %w", err)
		}
	}
	// Reasoning payloads round-trip as raw bytes so the provider sees them
	// unchanged on the next request.
	if reasoning.Valid && reasoning.String != "" {
		msg.ReasoningDetails = json.RawMessage(reasoning.String)
	}
	return msg, nil
}

// encodeJSON marshals v for a nullable TEXT column, mapping empty slices to
// NULL.
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case []models.ToolCall:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.ReasoningItem:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
