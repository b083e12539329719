package models

import "time"

// AlertType classifies the incident behind an alert.
type AlertType string

const (
	AlertConnectionLost AlertType = "connection_lost"
	AlertAccountBlocked AlertType = "account_blocked"
	AlertPairingExpired AlertType = "pairing_expired"
)

// AlertSeverity ranks operator urgency.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus is the operator-facing incident state.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
	AlertDismissed    AlertStatus = "DISMISSED"
)

// Alert is an operator-facing incident. At most one OPEN alert of a given
// type exists per session: repeated failures update the existing one
// (OccurrenceCount++) instead of creating another.
type Alert struct {
	ID              string        `json:"id"`
	Type            AlertType     `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Status          AlertStatus   `json:"status"`
	SessionID       string        `json:"session_id"`
	UserID          string        `json:"user_id"`
	EntityID        string        `json:"entity_id"`
	TenantID        string        `json:"tenant_id"`
	Description     string        `json:"description"`
	OccurrenceCount int           `json:"occurrence_count"`
	FirstOccurredAt time.Time     `json:"first_occurred_at"`
	LastOccurredAt  time.Time     `json:"last_occurred_at"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy      string        `json:"resolved_by,omitempty"`
	ResolutionNote  string        `json:"resolution_note,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
