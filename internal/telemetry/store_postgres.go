package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists events to a usage_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the table if needed. The pool's lifecycle
// belongs to the caller.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_events (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			cached BOOLEAN NOT NULL DEFAULT FALSE,
			fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
			job_id TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_events_timestamp ON usage_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_usage_events_user_id ON usage_events(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_usage_events_model ON usage_events(model)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// WriteBatch inserts events, using a transaction for larger batches.
func (s *PostgresStore) WriteBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	if len(events) < 10 {
		return s.insertEach(ctx, events)
	}
	return s.insertTx(ctx, events)
}

const insertEventSQL = `
	INSERT INTO usage_events (id, request_id, user_id, timestamp, model, provider,
		prompt_tokens, output_tokens, total_tokens, cost, latency_ms,
		cached, fallback_used, job_id, error_type)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO NOTHING
`

func (s *PostgresStore) insertEach(ctx context.Context, events []*Event) error {
	var errs []error

	for _, e := range events {
		_, err := s.pool.Exec(ctx, insertEventSQL,
			e.ID, e.RequestID, e.UserID, e.Timestamp, e.Model, e.Provider,
			e.PromptTokens, e.OutputTokens, e.TotalTokens, e.Cost, e.LatencyMs,
			e.Cached, e.FallbackUsed, e.JobID, e.ErrorType)
		if err != nil {
			slog.Warn("failed to insert usage event", "error", err, "id", e.ID)
			errs = append(errs, fmt.Errorf("insert %s: %w", e.ID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to insert %d of %d usage events: %w", len(errs), len(events), errors.Join(errs...))
	}
	return nil
}

func (s *PostgresStore) insertTx(ctx context.Context, events []*Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var errs []error

	for _, e := range events {
		_, err = tx.Exec(ctx, insertEventSQL,
			e.ID, e.RequestID, e.UserID, e.Timestamp, e.Model, e.Provider,
			e.PromptTokens, e.OutputTokens, e.TotalTokens, e.Cost, e.LatencyMs,
			e.Cached, e.FallbackUsed, e.JobID, e.ErrorType)
		if err != nil {
			slog.Warn("failed to insert usage event in batch", "error", err, "id", e.ID)
			errs = append(errs, fmt.Errorf("insert %s: %w", e.ID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to insert %d of %d usage events: %w", len(errs), len(events), errors.Join(errs...))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is managed by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
