package models

import "time"

// SessionStatus is the lifecycle state of one external-account connection.
type SessionStatus string

const (
	StatusDisconnected    SessionStatus = "DISCONNECTED"
	StatusConnecting      SessionStatus = "CONNECTING"
	StatusPairingRequired SessionStatus = "PAIRING_REQUIRED"
	StatusAuthenticated   SessionStatus = "AUTHENTICATED"
	StatusReady           SessionStatus = "READY"
	StatusFailed          SessionStatus = "FAILED"
)

// Transitions lists the allowed status edges. FAILED and DISCONNECTED are
// reachable from every non-terminal state; DISCONNECTED is restartable.
var Transitions = map[SessionStatus][]SessionStatus{
	StatusDisconnected:    {StatusConnecting, StatusFailed},
	StatusConnecting:      {StatusPairingRequired, StatusAuthenticated, StatusReady, StatusDisconnected, StatusFailed},
	StatusPairingRequired: {StatusAuthenticated, StatusReady, StatusDisconnected, StatusFailed},
	StatusAuthenticated:   {StatusReady, StatusDisconnected, StatusFailed},
	StatusReady:           {StatusDisconnected, StatusFailed},
	StatusFailed:          {StatusConnecting, StatusDisconnected},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one external chat-protocol account connection and its persisted
// lifecycle state. Sessions are never hard-deleted; disconnection is a status
// change.
type Session struct {
	SessionID           string        `json:"session_id"`
	UserID              string        `json:"user_id"`
	EntityID            string        `json:"entity_id"`
	EntityPath          []string      `json:"entity_path"`
	TenantID            string        `json:"tenant_id"`
	Status              SessionStatus `json:"status"`
	PairingCode         string        `json:"pairing_code,omitempty"`
	PairingCodeImage    []byte        `json:"pairing_code_image,omitempty"`
	PairingCodeIssuedAt *time.Time    `json:"pairing_code_issued_at,omitempty"`
	PairingCodeExpires  *time.Time    `json:"pairing_code_expires_at,omitempty"`
	PhoneNumber         string        `json:"phone_number,omitempty"`
	DisplayName         string        `json:"display_name,omitempty"`
	NativeID            string        `json:"native_id,omitempty"`
	ConnectedAt         *time.Time    `json:"connected_at,omitempty"`
	DisconnectedAt      *time.Time    `json:"disconnected_at,omitempty"`
	LastActivityAt      *time.Time    `json:"last_activity_at,omitempty"`
	MessagesSent        int64         `json:"messages_sent"`
	MessagesReceived    int64         `json:"messages_received"`
	MessagesDelivered   int64         `json:"messages_delivered"`
	MessagesFailed      int64         `json:"messages_failed"`
	LastError           string        `json:"last_error,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// PairingCodeValid reports whether the session holds a non-expired pairing code.
func (s *Session) PairingCodeValid(now time.Time) bool {
	return s.Status == StatusPairingRequired && s.PairingCode != "" &&
		s.PairingCodeExpires != nil && now.Before(*s.PairingCodeExpires)
}
