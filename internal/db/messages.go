package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coni04123/unicx-integration/internal/models"
)

const messageColumns = `
	id, external_id, session_id, direction, from_raw, from_normalized, to_raw, to_normalized,
	type, content, media_ref, delivery_status, conversation_id, entity_path, tenant_id,
	is_external_sender, sender_user_id, sender_name, sender_avatar, quoted, ts, created_at, updated_at`

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	var quoted []byte
	err := row.Scan(
		&m.ID, &m.ExternalID, &m.SessionID, &m.Direction, &m.FromRaw, &m.FromNormalized, &m.ToRaw, &m.ToNormalized,
		&m.Type, &m.Content, &m.MediaRef, &m.DeliveryStatus, &m.ConversationID, &m.EntityPath, &m.TenantID,
		&m.IsExternalSender, &m.SenderUserID, &m.SenderName, &m.SenderAvatar, &quoted, &m.Timestamp, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return models.Message{}, err
	}
	if len(quoted) > 0 {
		if err := json.Unmarshal(quoted, &m.Quoted); err != nil {
			return models.Message{}, fmt.Errorf("failed to decode quoted message: %w", err)
		}
	}
	return m, nil
}

// InsertMessage stores a message, keyed by its external id. Re-delivery of the
// same external event is a no-op; the returned bool reports whether a row was
// actually inserted.
func (d *DB) InsertMessage(ctx context.Context, m models.Message) (bool, error) {
	var quoted []byte
	if m.Quoted != nil {
		var err error
		quoted, err = json.Marshal(m.Quoted)
		if err != nil {
			return false, fmt.Errorf("failed to encode quoted message: %w", err)
		}
	}

	query := `
	INSERT INTO messages (
		id, external_id, session_id, direction, from_raw, from_normalized, to_raw, to_normalized,
		type, content, media_ref, delivery_status, conversation_id, entity_path, tenant_id,
		is_external_sender, sender_user_id, sender_name, sender_avatar, quoted, ts
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21
	)
	ON CONFLICT (external_id) DO NOTHING`

	tag, err := d.Pool.Exec(ctx, query,
		m.ID, m.ExternalID, m.SessionID, m.Direction, m.FromRaw, m.FromNormalized, m.ToRaw, m.ToNormalized,
		m.Type, m.Content, m.MediaRef, m.DeliveryStatus, m.ConversationID, m.EntityPath, m.TenantID,
		m.IsExternalSender, m.SenderUserID, m.SenderName, m.SenderAvatar, quoted, m.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetMessageByExternalID fetches one message by its external idempotency key.
func (d *DB) GetMessageByExternalID(ctx context.Context, externalID string) (models.Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE external_id = $1`
	m, err := scanMessage(d.Pool.QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message %s: %w", externalID, err)
	}
	return m, nil
}

// UpdateDeliveryStatus sets the delivery status of the message matching the
// external id and returns the updated record.
func (d *DB) UpdateDeliveryStatus(ctx context.Context, externalID string, status models.DeliveryStatus) (models.Message, error) {
	query := `
	UPDATE messages SET delivery_status = $2, updated_at = now()
	WHERE external_id = $1
	RETURNING` + messageColumns

	m, err := scanMessage(d.Pool.QueryRow(ctx, query, externalID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to update delivery status for %s: %w", externalID, err)
	}
	return m, nil
}

// ListMessages applies the filter and returns one page of messages plus the
// total match count.
func (d *DB) ListMessages(ctx context.Context, f models.MessageFilter) ([]models.Message, int, error) {
	where := " WHERE tenant_id = $1"
	args := []interface{}{f.TenantID}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		where += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.SessionID != "" {
		add("session_id", f.SessionID)
	}
	if f.ConversationID != "" {
		add("conversation_id", f.ConversationID)
	}
	if f.Direction != "" {
		add("direction", f.Direction)
	}
	if f.Status != "" {
		add("delivery_status", f.Status)
	}
	if f.Type != "" {
		add("type", f.Type)
	}
	if f.Address != "" {
		args = append(args, f.Address)
		where += fmt.Sprintf(" AND (from_normalized = $%d OR to_normalized = $%d)", len(args), len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		where += fmt.Sprintf(" AND ts <= $%d", len(args))
	}

	var total int
	if err := d.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM messages"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf("SELECT%s FROM messages%s ORDER BY ts DESC LIMIT $%d OFFSET $%d",
		messageColumns, where, len(args)-1, len(args))

	rows, err := d.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var list []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		list = append(list, m)
	}
	return list, total, rows.Err()
}

// ListConversations aggregates the tenant's messages by conversation id.
func (d *DB) ListConversations(ctx context.Context, tenantID string) ([]models.Conversation, error) {
	query := `
	SELECT DISTINCT ON (conversation_id)
		conversation_id, session_id, tenant_id, ts, content,
		COUNT(*) OVER (PARTITION BY conversation_id)
	FROM messages
	WHERE tenant_id = $1
	ORDER BY conversation_id, ts DESC`

	rows, err := d.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var list []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ConversationID, &c.SessionID, &c.TenantID, &c.LastMessageAt, &c.LastContent, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
