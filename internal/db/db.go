package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Database struct {
	Pool *pgxpool.Pool
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Database{Pool: pool}, nil
}

func (d *Database) Close() {
	d.Pool.Close()
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

	// pair_key is "direct:<lo>:<hi>" or "content:<content_id>:<lo>:<hi>" and
	// NULL for groups; the unique index is what makes GetOrCreate idempotent.
	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            kind VARCHAR(16) NOT NULL CHECK (kind IN ('direct', 'group', 'content_linked')),
            title TEXT NOT NULL DEFAULT '',
            linked_content_id TEXT,
            pair_key TEXT UNIQUE,
            created_by BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            last_message_at TIMESTAMPTZ,
            archived BOOLEAN NOT NULL DEFAULT false
        )`,

	`CREATE TABLE IF NOT EXISTS participants (
            conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            role VARCHAR(8) NOT NULL CHECK (role IN ('admin', 'member')),
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            left_at TIMESTAMPTZ,
            last_read_at TIMESTAMPTZ,
            PRIMARY KEY (conversation_id, user_id)
        )`,

	`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id) WHERE left_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id BIGINT NOT NULL,
            content TEXT NOT NULL,
            kind VARCHAR(16) NOT NULL DEFAULT 'text' CHECK (kind IN ('text', 'media_ref')),
            created_at TIMESTAMPTZ NOT NULL,
            edited_at TIMESTAMPTZ,
            deleted_at TIMESTAMPTZ
        )`,

	`CREATE INDEX IF NOT EXISTS messages_page_idx ON messages (conversation_id, created_at DESC, id DESC)`,
}
