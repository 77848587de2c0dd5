// Package db persists finished task history in Postgres.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

// Open connects to the Postgres database at url (a postgres:// URL or a
// key=value connection string) and verifies the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_history (
		task_id VARCHAR(64) PRIMARY KEY,
		url TEXT NOT NULL,
		canonical_url TEXT NOT NULL,
		platform VARCHAR(32) NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		requested_format_id VARCHAR(128) NOT NULL,
		state VARCHAR(16) NOT NULL,
		resolved_strategy VARCHAR(32) NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		object_key TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		finished_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_finished_at ON task_history(finished_at DESC);
	CREATE INDEX IF NOT EXISTS idx_task_history_state ON task_history(state);
	`

	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
