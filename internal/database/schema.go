package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		tier TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		rate_limit_per_minute INTEGER NOT NULL,
		rate_limit_per_day INTEGER NOT NULL,
		permissions TEXT[] NOT NULL DEFAULT '{}',
		expires_at TIMESTAMPTZ,
		usage_today INTEGER NOT NULL DEFAULT 0,
		usage_this_minute INTEGER NOT NULL DEFAULT 0,
		last_request_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_ledger (
		api_key TEXT NOT NULL,
		date DATE NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		endpoints JSONB NOT NULL DEFAULT '{}',
		last_request_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (api_key, date)
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		api_key_id UUID,
		request_id TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		capability TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL,
		response_time_ms INTEGER NOT NULL,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS request_logs_api_key_id_idx ON request_logs (api_key_id, created_at)`,
}

// Migrate creates the tables the gateway needs if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
