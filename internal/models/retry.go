package models

import (
	"encoding/json"
	"time"
)

// RetryStatus is the processing state of a retry envelope. FAILED is terminal:
// the envelope is dead-lettered and never re-processed automatically.
type RetryStatus string

const (
	RetryPending    RetryStatus = "PENDING"
	RetryProcessing RetryStatus = "PROCESSING"
	RetryCompleted  RetryStatus = "COMPLETED"
	RetryFailed     RetryStatus = "FAILED"
)

// RetryEnvelope is one deferred unit of work in the dead-letter queue. The
// payload is opaque to the queue; RetryCount never exceeds MaxRetries.
type RetryEnvelope struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	Subscription string          `json:"subscription"`
	Payload      json.RawMessage `json:"payload"`
	LastError    string          `json:"last_error"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	Status       RetryStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PairingNotificationPayload resumes a failed pairing-code notification.
type PairingNotificationPayload struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	EntityID  string    `json:"entity_id"`
	TenantID  string    `json:"tenant_id"`
}

// PairingRegeneratePayload resumes a failed pairing-code regeneration.
type PairingRegeneratePayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	TenantID  string `json:"tenant_id"`
}

// AlertNotificationPayload resumes a failed operator alert notification.
type AlertNotificationPayload struct {
	AlertID   string `json:"alert_id"`
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}
