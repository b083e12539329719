// Package protocol abstracts the external messaging network behind a
// capability interface so the lifecycle manager never depends on the
// browser-automation runtime directly.
package protocol

import (
	"context"
	"time"
)

// ConnectionState is the client's last known link state.
type ConnectionState string

const (
	StateUnknown      ConnectionState = "UNKNOWN"
	StateConnecting   ConnectionState = "CONNECTING"
	StatePairing      ConnectionState = "PAIRING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// AccountInfo is the external account identity reported once the link is up.
type AccountInfo struct {
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
	NativeID    string `json:"native_id"`
}

// IncomingMessage is one raw protocol message before normalization.
type IncomingMessage struct {
	ExternalID       string    `json:"external_id"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	FromMe           bool      `json:"from_me"`
	IsGroup          bool      `json:"is_group"`
	GroupName        string    `json:"group_name,omitempty"`
	SenderName       string    `json:"sender_name,omitempty"`
	SenderAvatar     string    `json:"sender_avatar,omitempty"`
	HasMedia         bool      `json:"has_media"`
	MediaID          string    `json:"media_id,omitempty"`
	MimeType         string    `json:"mime_type,omitempty"`
	QuotedExternalID string    `json:"quoted_external_id,omitempty"`
}

// Ack is a delivery acknowledgement for a previously seen message.
type Ack struct {
	ExternalID string `json:"external_id"`
	Code       int    `json:"code"`
}

// Handlers receives protocol events. Within one session events are delivered
// in order; a nil field means the event is ignored.
type Handlers struct {
	OnPairingCode   func(code string)
	OnReady         func(info AccountInfo)
	OnAuthenticated func()
	OnAuthFailure   func(msg string)
	OnDisconnected  func(reason string)
	OnMessage       func(msg IncomingMessage)
	OnAck           func(ack Ack)
}

// Client is one live connection to the external messaging network.
type Client interface {
	// Initialize starts the connection and begins event delivery. It fails
	// fast when no automation runtime is available.
	Initialize(ctx context.Context) error
	// SendMessage sends a text message to the given address and returns the
	// external message id assigned by the network.
	SendMessage(ctx context.Context, to, content string) (string, error)
	// DownloadMedia fetches the raw bytes of a media payload by its id.
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
	// State reports the last known connection state.
	State() ConnectionState
	// Logout performs a best-effort graceful sign-out.
	Logout(ctx context.Context) error
	// Destroy forcibly tears the connection down and releases resources.
	Destroy(ctx context.Context) error
}

// Factory builds a Client for a session and binds its event handlers.
type Factory func(sessionID string, h Handlers) (Client, error)
