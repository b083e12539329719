package models

import "time"

// MessageDirection distinguishes inbound protocol traffic from messages the
// platform sent.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// MessageType is the normalized content kind.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeOther    MessageType = "other"
)

// DeliveryStatus is the last known delivery state of an outbound message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryRead      DeliveryStatus = "READ"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// DeliveryStatusFromAck maps the protocol's numeric acknowledgement code to a
// delivery status. Unknown codes map to PENDING.
func DeliveryStatusFromAck(ack int) DeliveryStatus {
	switch ack {
	case 1:
		return DeliverySent
	case 2:
		return DeliveryDelivered
	case 3, 4:
		return DeliveryRead
	case -1:
		return DeliveryFailed
	default:
		return DeliveryPending
	}
}

// QuotedMessage is a denormalized summary of a replied-to message, embedded so
// the UI can render the quote without a join.
type QuotedMessage struct {
	ExternalID string      `json:"external_id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	Sender     string      `json:"sender"`
}

// Message is one normalized inbound/outbound protocol message. ExternalID is
// the idempotency key: re-delivery of the same external event never creates a
// second record.
type Message struct {
	ID               string           `json:"id"`
	ExternalID       string           `json:"external_id"`
	SessionID        string           `json:"session_id"`
	Direction        MessageDirection `json:"direction"`
	FromRaw          string           `json:"from_raw"`
	FromNormalized   string           `json:"from_normalized"`
	ToRaw            string           `json:"to_raw"`
	ToNormalized     string           `json:"to_normalized"`
	Type             MessageType      `json:"type"`
	Content          string           `json:"content"`
	MediaRef         string           `json:"media_ref,omitempty"`
	DeliveryStatus   DeliveryStatus   `json:"delivery_status"`
	ConversationID   string           `json:"conversation_id"`
	EntityPath       []string         `json:"entity_path"`
	TenantID         string           `json:"tenant_id"`
	IsExternalSender bool             `json:"is_external_sender"`
	SenderUserID     string           `json:"sender_user_id,omitempty"`
	SenderName       string           `json:"sender_name,omitempty"`
	SenderAvatar     string           `json:"sender_avatar,omitempty"`
	Quoted           *QuotedMessage   `json:"quoted,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// MessageFilter narrows message reads; zero values mean "any".
type MessageFilter struct {
	TenantID       string
	SessionID      string
	ConversationID string
	Direction      MessageDirection
	Status         DeliveryStatus
	Type           MessageType
	Address        string
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// Conversation is an aggregate over messages sharing a conversation id.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	TenantID       string    `json:"tenant_id"`
	LastMessageAt  time.Time `json:"last_message_at"`
	LastContent    string    `json:"last_content"`
	MessageCount   int64     `json:"message_count"`
}
