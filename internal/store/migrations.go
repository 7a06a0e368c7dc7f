package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		participant_a TEXT NOT NULL,
		participant_b TEXT NOT NULL,
		text TEXT NOT NULL,
		client_time TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS unread_counters (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		unread BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_unread_counters_user ON unread_counters (user_id)`,
}

// RunMigrations applies the PostgreSQL schema. Every statement is idempotent.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect for migrations: %w", err)
	}
	defer conn.Close(ctx)

	for i, stmt := range postgresMigrations {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
