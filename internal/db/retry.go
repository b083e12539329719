package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coni04123/unicx-integration/internal/models"
)

const envelopeColumns = `
	id, topic, subscription, payload, last_error, retry_count, max_retries,
	next_retry_at, status, created_at, updated_at`

func scanEnvelope(row pgx.Row) (models.RetryEnvelope, error) {
	var e models.RetryEnvelope
	err := row.Scan(
		&e.ID, &e.Topic, &e.Subscription, &e.Payload, &e.LastError, &e.RetryCount, &e.MaxRetries,
		&e.NextRetryAt, &e.Status, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// CreateEnvelope persists a new PENDING retry envelope.
func (d *DB) CreateEnvelope(ctx context.Context, e models.RetryEnvelope) error {
	query := `
	INSERT INTO retry_envelopes (
		id, topic, subscription, payload, last_error, retry_count, max_retries, next_retry_at, status
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := d.Pool.Exec(ctx, query,
		e.ID, e.Topic, e.Subscription, e.Payload, e.LastError, e.RetryCount, e.MaxRetries, e.NextRetryAt, e.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create retry envelope: %w", err)
	}
	return nil
}

// GetEnvelope fetches one envelope by id.
func (d *DB) GetEnvelope(ctx context.Context, id string) (models.RetryEnvelope, error) {
	query := `SELECT` + envelopeColumns + ` FROM retry_envelopes WHERE id = $1`
	e, err := scanEnvelope(d.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RetryEnvelope{}, ErrNotFound
	}
	if err != nil {
		return models.RetryEnvelope{}, fmt.Errorf("failed to get retry envelope %s: %w", id, err)
	}
	return e, nil
}

// CompleteEnvelope marks a successful attempt. Terminal states stay put.
func (d *DB) CompleteEnvelope(ctx context.Context, id string) error {
	query := `
	UPDATE retry_envelopes SET status = 'COMPLETED', updated_at = now()
	WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`
	if _, err := d.Pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to complete retry envelope %s: %w", id, err)
	}
	return nil
}

// BumpEnvelopeRetry records a failed attempt and schedules the next one.
func (d *DB) BumpEnvelopeRetry(ctx context.Context, id, lastError string, nextRetryAt time.Time) (models.RetryEnvelope, error) {
	query := `
	UPDATE retry_envelopes SET
		retry_count = retry_count + 1,
		last_error = $2,
		next_retry_at = $3,
		status = 'PENDING',
		updated_at = now()
	WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
	RETURNING` + envelopeColumns

	e, err := scanEnvelope(d.Pool.QueryRow(ctx, query, id, lastError, nextRetryAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RetryEnvelope{}, ErrNotFound
	}
	if err != nil {
		return models.RetryEnvelope{}, fmt.Errorf("failed to bump retry envelope %s: %w", id, err)
	}
	return e, nil
}

// FailEnvelope moves an envelope to its terminal FAILED state.
func (d *DB) FailEnvelope(ctx context.Context, id, lastError string) error {
	query := `
	UPDATE retry_envelopes SET status = 'FAILED', last_error = $2, updated_at = now()
	WHERE id = $1 AND status <> 'COMPLETED'`
	if _, err := d.Pool.Exec(ctx, query, id, lastError); err != nil {
		return fmt.Errorf("failed to fail retry envelope %s: %w", id, err)
	}
	return nil
}
