package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coni04123/unicx-integration/internal/models"
)

const sessionColumns = `
	session_id, user_id, entity_id, entity_path, tenant_id, status,
	COALESCE(pairing_code, ''), pairing_code_image, pairing_code_issued_at, pairing_code_expires_at,
	phone_number, display_name, native_id,
	connected_at, disconnected_at, last_activity_at,
	messages_sent, messages_received, messages_delivered, messages_failed,
	last_error, created_at, updated_at`

func scanSession(row pgx.Row) (models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.SessionID, &s.UserID, &s.EntityID, &s.EntityPath, &s.TenantID, &s.Status,
		&s.PairingCode, &s.PairingCodeImage, &s.PairingCodeIssuedAt, &s.PairingCodeExpires,
		&s.PhoneNumber, &s.DisplayName, &s.NativeID,
		&s.ConnectedAt, &s.DisconnectedAt, &s.LastActivityAt,
		&s.MessagesSent, &s.MessagesReceived, &s.MessagesDelivered, &s.MessagesFailed,
		&s.LastError, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// UpsertSession inserts a session in CONNECTING or, when the record already
// exists, refreshes its entity path, tenant and timestamp without duplicating.
func (d *DB) UpsertSession(ctx context.Context, s models.Session) (models.Session, error) {
	query := `
	INSERT INTO sessions (session_id, user_id, entity_id, entity_path, tenant_id, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	ON CONFLICT (session_id) DO UPDATE SET
		user_id = EXCLUDED.user_id,
		entity_id = EXCLUDED.entity_id,
		entity_path = EXCLUDED.entity_path,
		tenant_id = EXCLUDED.tenant_id,
		updated_at = now()
	RETURNING` + sessionColumns

	stored, err := scanSession(d.Pool.QueryRow(ctx, query,
		s.SessionID, s.UserID, s.EntityID, s.EntityPath, s.TenantID, s.Status))
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to upsert session: %w", err)
	}
	return stored, nil
}

// GetSession fetches one session by id.
func (d *DB) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE session_id = $1`
	s, err := scanSession(d.Pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return s, nil
}

// ListSessionsByStatus returns every session whose status is in the given set.
func (d *DB) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE status = ANY($1) ORDER BY session_id`
	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}

	rows, err := d.Pool.Query(ctx, query, set)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ListSessionsByUser returns every session owned by a user.
func (d *DB) ListSessionsByUser(ctx context.Context, userID string) ([]models.Session, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE user_id = $1 ORDER BY session_id`
	rows, err := d.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// UpdateSessionStatus writes a status transition together with its side
// columns in one statement.
func (d *DB) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, lastError string) error {
	query := `
	UPDATE sessions SET
		status = $2,
		last_error = $3,
		connected_at = CASE WHEN $2 = 'READY' THEN now() ELSE connected_at END,
		disconnected_at = CASE WHEN $2 IN ('DISCONNECTED', 'FAILED') THEN now() ELSE disconnected_at END,
		pairing_code = CASE WHEN $2 = 'PAIRING_REQUIRED' THEN pairing_code ELSE NULL END,
		pairing_code_image = CASE WHEN $2 = 'PAIRING_REQUIRED' THEN pairing_code_image ELSE NULL END,
		pairing_code_issued_at = CASE WHEN $2 = 'PAIRING_REQUIRED' THEN pairing_code_issued_at ELSE NULL END,
		pairing_code_expires_at = CASE WHEN $2 = 'PAIRING_REQUIRED' THEN pairing_code_expires_at ELSE NULL END,
		updated_at = now()
	WHERE session_id = $1`

	tag, err := d.Pool.Exec(ctx, query, sessionID, status, lastError)
	if err != nil {
		return fmt.Errorf("failed to update session %s status: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPairingCode stores a freshly issued pairing code and its rendered image.
func (d *DB) SetPairingCode(ctx context.Context, sessionID, code string, image []byte, issuedAt, expiresAt time.Time) error {
	query := `
	UPDATE sessions SET
		status = 'PAIRING_REQUIRED',
		pairing_code = $2,
		pairing_code_image = $3,
		pairing_code_issued_at = $4,
		pairing_code_expires_at = $5,
		updated_at = now()
	WHERE session_id = $1`

	tag, err := d.Pool.Exec(ctx, query, sessionID, code, image, issuedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set pairing code for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReady records the external account identity and clears the pairing code.
func (d *DB) SetReady(ctx context.Context, sessionID, phone, displayName, nativeID string) error {
	query := `
	UPDATE sessions SET
		status = 'READY',
		phone_number = $2,
		display_name = $3,
		native_id = $4,
		pairing_code = NULL,
		pairing_code_image = NULL,
		pairing_code_issued_at = NULL,
		pairing_code_expires_at = NULL,
		connected_at = now(),
		last_activity_at = now(),
		last_error = '',
		updated_at = now()
	WHERE session_id = $1`

	tag, err := d.Pool.Exec(ctx, query, sessionID, phone, displayName, nativeID)
	if err != nil {
		return fmt.Errorf("failed to mark session %s ready: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSessionCounter bumps one of the message counters atomically.
// Allowed columns: messages_sent, messages_received, messages_delivered,
// messages_failed.
func (d *DB) IncrementSessionCounter(ctx context.Context, sessionID, counter string) error {
	switch counter {
	case "messages_sent", "messages_received", "messages_delivered", "messages_failed":
	default:
		return fmt.Errorf("unknown session counter %q", counter)
	}

	query := fmt.Sprintf(
		`UPDATE sessions SET %s = %s + 1, last_activity_at = now(), updated_at = now() WHERE session_id = $1`,
		counter, counter)
	if _, err := d.Pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to increment %s for session %s: %w", counter, sessionID, err)
	}
	return nil
}

// TouchSessionActivity refreshes last_activity_at.
func (d *DB) TouchSessionActivity(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET last_activity_at = now(), updated_at = now() WHERE session_id = $1`
	if _, err := d.Pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return nil
}
