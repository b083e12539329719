package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coni04123/unicx-integration/internal/models"
)

const alertColumns = `
	id, type, severity, status, session_id, user_id, entity_id, tenant_id, description,
	occurrence_count, first_occurred_at, last_occurred_at, resolved_at, resolved_by,
	resolution_note, created_at, updated_at`

func scanAlert(row pgx.Row) (models.Alert, error) {
	var a models.Alert
	err := row.Scan(
		&a.ID, &a.Type, &a.Severity, &a.Status, &a.SessionID, &a.UserID, &a.EntityID, &a.TenantID, &a.Description,
		&a.OccurrenceCount, &a.FirstOccurredAt, &a.LastOccurredAt, &a.ResolvedAt, &a.ResolvedBy,
		&a.ResolutionNote, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAlert inserts a new OPEN alert.
func (d *DB) CreateAlert(ctx context.Context, a models.Alert) error {
	query := `
	INSERT INTO alerts (
		id, type, severity, status, session_id, user_id, entity_id, tenant_id, description,
		occurrence_count, first_occurred_at, last_occurred_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := d.Pool.Exec(ctx, query,
		a.ID, a.Type, a.Severity, a.Status, a.SessionID, a.UserID, a.EntityID, a.TenantID, a.Description,
		a.OccurrenceCount, a.FirstOccurredAt, a.LastOccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// GetOpenAlert returns the single OPEN alert of the given type for a session.
func (d *DB) GetOpenAlert(ctx context.Context, sessionID string, alertType models.AlertType) (models.Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts WHERE session_id = $1 AND type = $2 AND status = 'OPEN'`
	a, err := scanAlert(d.Pool.QueryRow(ctx, query, sessionID, alertType))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, ErrNotFound
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("failed to get open alert for %s: %w", sessionID, err)
	}
	return a, nil
}

// GetAlert fetches one alert by id.
func (d *DB) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(d.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, ErrNotFound
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return a, nil
}

// TouchAlert records another occurrence of an existing OPEN alert.
func (d *DB) TouchAlert(ctx context.Context, id, description string) error {
	query := `
	UPDATE alerts SET
		occurrence_count = occurrence_count + 1,
		last_occurred_at = now(),
		description = $2,
		updated_at = now()
	WHERE id = $1 AND status = 'OPEN'`

	tag, err := d.Pool.Exec(ctx, query, id, description)
	if err != nil {
		return fmt.Errorf("failed to touch alert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveOpenAlerts closes every OPEN alert of the given types for a session
// and returns the alerts it resolved.
func (d *DB) ResolveOpenAlerts(ctx context.Context, sessionID string, types []models.AlertType, note string) ([]models.Alert, error) {
	set := make([]string, len(types))
	for i, t := range types {
		set[i] = string(t)
	}

	query := `
	UPDATE alerts SET
		status = 'RESOLVED',
		resolved_at = now(),
		resolved_by = 'system',
		resolution_note = $3,
		updated_at = now()
	WHERE session_id = $1 AND type = ANY($2) AND status = 'OPEN'
	RETURNING` + alertColumns

	rows, err := d.Pool.Query(ctx, query, sessionID, set, note)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alerts for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var resolved []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolved alert: %w", err)
		}
		resolved = append(resolved, a)
	}
	return resolved, rows.Err()
}

// UpdateAlertStatus performs an operator status change (acknowledge, resolve,
// dismiss).
func (d *DB) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, actor, note string) error {
	query := `
	UPDATE alerts SET
		status = $2,
		resolved_at = CASE WHEN $2 IN ('RESOLVED', 'DISMISSED') THEN now() ELSE resolved_at END,
		resolved_by = $3,
		resolution_note = $4,
		updated_at = now()
	WHERE id = $1`

	tag, err := d.Pool.Exec(ctx, query, id, status, actor, note)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlerts returns alerts for a tenant, optionally filtered by status, with
// pagination.
func (d *DB) ListAlerts(ctx context.Context, tenantID string, status models.AlertStatus, limit, offset int) ([]models.Alert, int, error) {
	where := " WHERE tenant_id = $1"
	args := []interface{}{tenantID}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := d.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM alerts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT%s FROM alerts%s ORDER BY last_occurred_at DESC LIMIT $%d OFFSET $%d",
		alertColumns, where, len(args)-1, len(args))

	rows, err := d.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var list []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		list = append(list, a)
	}
	return list, total, rows.Err()
}
