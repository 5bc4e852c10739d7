package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/lib/pq"
)

const apiKeyColumns = `id, key, name, tier, status, rate_limit_per_minute, rate_limit_per_day, permissions,
		expires_at, usage_today, usage_this_minute, last_request_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		apiKey        models.APIKey
		expiresAt     sql.NullTime
		lastRequestAt sql.NullTime
	)

	err := row.Scan(
		&apiKey.ID,
		&apiKey.Key,
		&apiKey.Name,
		&apiKey.Tier,
		&apiKey.Status,
		&apiKey.RateLimits.RequestsPerMinute,
		&apiKey.RateLimits.RequestsPerDay,
		pq.Array(&apiKey.Permissions),
		&expiresAt,
		&apiKey.Usage.Today,
		&apiKey.Usage.ThisMinute,
		&lastRequestAt,
		&apiKey.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		apiKey.ExpiresAt = &t
	}
	if lastRequestAt.Valid {
		t := lastRequestAt.Time
		apiKey.Usage.LastRequestAt = &t
	}

	return &apiKey, nil
}

// GetAPIKeyByKey returns nil, nil when no key matches
func (db *DB) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key = $1`

	apiKey, err := scanAPIKey(db.q(ctx).QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return apiKey, nil
}

func (db *DB) GetAPIKeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	apiKey, err := scanAPIKey(db.q(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return apiKey, nil
}

func (db *DB) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	query := `
		INSERT INTO api_keys (key, name, tier, status, rate_limit_per_minute, rate_limit_per_day, permissions, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = time.Now()
	}
	if apiKey.Permissions == nil {
		apiKey.Permissions = []string{}
	}

	err := db.q(ctx).QueryRowContext(
		ctx,
		query,
		apiKey.Key,
		apiKey.Name,
		apiKey.Tier,
		apiKey.Status,
		apiKey.RateLimits.RequestsPerMinute,
		apiKey.RateLimits.RequestsPerDay,
		pq.Array(apiKey.Permissions),
		apiKey.ExpiresAt,
		apiKey.CreatedAt,
	).Scan(&apiKey.ID)

	if err != nil {
		return fmt.Errorf("couldn't create API key: %w", err)
	}

	return nil
}

func (db *DB) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`

	rows, err := db.q(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("couldn't list API keys: %w", err)
	}
	defer rows.Close()

	apiKeys := []models.APIKey{}
	for rows.Next() {
		apiKey, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		apiKeys = append(apiKeys, *apiKey)
	}

	return apiKeys, rows.Err()
}

// UpdateStatus moves a key to status. Revoked keys cannot leave the revoked state.
func (db *DB) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) (*models.APIKey, error) {
	var updated *models.APIKey

	err := db.inTx(ctx, func(q querier) error {
		apiKey, err := scanAPIKey(q.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("database error: %w", err)
		}

		if err := apiKey.CanTransitionTo(status); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}

		if _, err := q.ExecContext(ctx, `UPDATE api_keys SET status = $2 WHERE id = $1`, id, status); err != nil {
			return fmt.Errorf("couldn't update API key status: %w", err)
		}

		apiKey.Status = status
		updated = apiKey
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// UpdateRateLimits replaces the limits frozen on a key
func (db *DB) UpdateRateLimits(ctx context.Context, id uuid.UUID, limits models.RateLimits) (*models.APIKey, error) {
	result, err := db.q(ctx).ExecContext(ctx,
		`UPDATE api_keys SET rate_limit_per_minute = $2, rate_limit_per_day = $3 WHERE id = $1`,
		id, limits.RequestsPerMinute, limits.RequestsPerDay,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't update API key limits: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return db.GetAPIKeyByID(ctx, id)
}

// RecordUsage counts one admitted request. The per-minute and daily counters
// are reset in the same statement when their window has passed, so concurrent
// admissions never lose increments.
func (db *DB) RecordUsage(ctx context.Context, key, capability string, at time.Time) error {
	at = at.UTC()

	return db.inTx(ctx, func(q querier) error {
		result, err := q.ExecContext(ctx, `
			UPDATE api_keys SET
				usage_this_minute = CASE
					WHEN last_request_at IS NOT NULL AND $2::timestamptz - last_request_at <= interval '60 seconds'
					THEN usage_this_minute + 1 ELSE 1 END,
				usage_today = CASE
					WHEN last_request_at IS NOT NULL AND (last_request_at AT TIME ZONE 'UTC')::date = $3::date
					THEN usage_today + 1 ELSE 1 END,
				last_request_at = $2
			WHERE key = $1
		`, key, at, models.LedgerDate(at))
		if err != nil {
			return fmt.Errorf("couldn't record usage: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO usage_ledger (api_key, date, request_count, endpoints, last_request_at)
			VALUES ($1, $2, 1, jsonb_build_object($3::text, 1), $4)
			ON CONFLICT (api_key, date) DO UPDATE SET
				request_count = usage_ledger.request_count + 1,
				endpoints = usage_ledger.endpoints || jsonb_build_object($3::text, COALESCE((usage_ledger.endpoints->>$3::text)::int, 0) + 1),
				last_request_at = GREATEST(usage_ledger.last_request_at, EXCLUDED.last_request_at)
		`, key, models.LedgerDate(at), capability, at)
		if err != nil {
			return fmt.Errorf("couldn't update usage ledger: %w", err)
		}

		return nil
	})
}

func (db *DB) GetUsageLedger(ctx context.Context, key, date string) (*models.UsageLedgerEntry, error) {
	var (
		entry     models.UsageLedgerEntry
		endpoints []byte
	)

	err := db.q(ctx).QueryRowContext(ctx, `
		SELECT api_key, to_char(date, 'YYYY-MM-DD'), request_count, endpoints, last_request_at
		FROM usage_ledger
		WHERE api_key = $1 AND date = $2
	`, key, date).Scan(&entry.Key, &entry.Date, &entry.RequestCount, &endpoints, &entry.LastRequestAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	entry.Endpoints = make(map[string]int)
	if err := json.Unmarshal(endpoints, &entry.Endpoints); err != nil {
		return nil, fmt.Errorf("corrupt ledger endpoints: %w", err)
	}

	return &entry, nil
}
