package models

import "time"

// EventType classifies broadcast events.
type EventType string

const (
	EventStatus  EventType = "status"
	EventPairing EventType = "pairing"
	EventHealth  EventType = "health"
)

// Event is the fan-out payload pushed to subscribers. Delivery is one-way and
// best-effort: there is no replay or backlog guarantee.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
