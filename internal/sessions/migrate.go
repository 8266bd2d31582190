package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Schema migrations are sequential integers tracked in PRAGMA user_version.
// Each migration runs in its own transaction; a database reporting a version
// newer than this build knows is refused rather than silently downgraded.
type migration struct {
	version int
	ddl     []string
}

var migrations = []migration{
	{
		version: 1,
		ddl: []string{
			`CREATE TABLE sessions (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				model TEXT NOT NULL DEFAULT '',
				model_config TEXT,
				system_prompt TEXT NOT NULL DEFAULT '',
				parent_session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
				started_at INTEGER NOT NULL,
				ended_at INTEGER,
				end_reason TEXT NOT NULL DEFAULT '',
				message_count INTEGER NOT NULL DEFAULT 0,
				tool_call_count INTEGER NOT NULL DEFAULT 0,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX sessions_source_started ON sessions (source, started_at)`,
			`CREATE INDEX sessions_ended ON sessions (ended_at)`,
			`CREATE TABLE messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				tool_call_id TEXT NOT NULL DEFAULT '',
				tool_name TEXT NOT NULL DEFAULT '',
				tool_calls TEXT,
				timestamp INTEGER NOT NULL,
				token_count INTEGER NOT NULL DEFAULT 0,
				finish_reason TEXT NOT NULL DEFAULT '',
				reasoning_details TEXT,
				codex_reasoning TEXT,
				mirror INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX messages_session ON messages (session_id, timestamp, id)`,
			`CREATE VIRTUAL TABLE messages_fts USING fts5(content)`,
		},
	},
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	for i, m := range migrations {
		if m.version != i+1 {
			return fmt.Errorf("migration list is out of order at version %d", m.version)
		}
	}

	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("session db schema version %d is newer than this build supports (max %d)", current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, ddl := range m.ddl {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.version, err)
		}
		logger.Info("session schema migrated", "version", m.version)
	}
	return nil
}
