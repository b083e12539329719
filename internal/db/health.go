package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coni04123/unicx-integration/internal/models"
)

const healthColumns = `
	id, session_id, tenant_id, check_type, result, response_time_ms,
	consecutive_failures, alert_triggered, alert_id, error_detail, checked_at`

func scanHealthCheck(row pgx.Row) (models.HealthCheckRecord, error) {
	var r models.HealthCheckRecord
	err := row.Scan(
		&r.ID, &r.SessionID, &r.TenantID, &r.CheckType, &r.Result, &r.ResponseTime,
		&r.ConsecutiveFailures, &r.AlertTriggered, &r.AlertID, &r.ErrorDetail, &r.CheckedAt,
	)
	return r, err
}

// InsertHealthCheck appends one probe result.
func (d *DB) InsertHealthCheck(ctx context.Context, r models.HealthCheckRecord) error {
	query := `
	INSERT INTO health_checks (
		id, session_id, tenant_id, check_type, result, response_time_ms,
		consecutive_failures, alert_triggered, alert_id, error_detail, checked_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := d.Pool.Exec(ctx, query,
		r.ID, r.SessionID, r.TenantID, r.CheckType, r.Result, r.ResponseTime,
		r.ConsecutiveFailures, r.AlertTriggered, r.AlertID, r.ErrorDetail, r.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health check: %w", err)
	}
	return nil
}

// LatestHealthCheck returns the most recent record for a session.
func (d *DB) LatestHealthCheck(ctx context.Context, sessionID string) (models.HealthCheckRecord, error) {
	query := `SELECT` + healthColumns + ` FROM health_checks WHERE session_id = $1 ORDER BY checked_at DESC LIMIT 1`
	r, err := scanHealthCheck(d.Pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.HealthCheckRecord{}, ErrNotFound
	}
	if err != nil {
		return models.HealthCheckRecord{}, fmt.Errorf("failed to get latest health check for %s: %w", sessionID, err)
	}
	return r, nil
}

// StampHealthCheckAlert links a record to the alert it triggered. Records are
// otherwise immutable after creation.
func (d *DB) StampHealthCheckAlert(ctx context.Context, recordID, alertID string) error {
	query := `UPDATE health_checks SET alert_triggered = true, alert_id = $2 WHERE id = $1`
	if _, err := d.Pool.Exec(ctx, query, recordID, alertID); err != nil {
		return fmt.Errorf("failed to stamp alert on health check %s: %w", recordID, err)
	}
	return nil
}

// ListHealthChecks returns a session's recent probe history.
func (d *DB) ListHealthChecks(ctx context.Context, sessionID string, limit int) ([]models.HealthCheckRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + healthColumns + ` FROM health_checks WHERE session_id = $1 ORDER BY checked_at DESC LIMIT $2`
	rows, err := d.Pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list health checks for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var list []models.HealthCheckRecord
	for rows.Next() {
		r, err := scanHealthCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}
		list = append(list, r)
	}
	return list, rows.Err()
}
