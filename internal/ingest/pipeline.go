// Package ingest normalizes and persists protocol messages: deduplication,
// sender identity resolution, conversation grouping, reply linkage, and media
// offload.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/protocol"
)

// MessageStore is the persistence surface the pipeline needs; *db.DB
// satisfies it.
type MessageStore interface {
	InsertMessage(ctx context.Context, m models.Message) (bool, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (models.Message, error)
	UpdateDeliveryStatus(ctx context.Context, externalID string, status models.DeliveryStatus) (models.Message, error)
	IncrementSessionCounter(ctx context.Context, sessionID, counter string) error
}

// UserDirectory resolves a normalized address to a registered platform user.
type UserDirectory interface {
	FindUserByAddress(ctx context.Context, address, tenantID string) (models.User, error)
}

// Storage is the blob-storage collaborator; only proxy references are kept.
type Storage interface {
	Upload(ctx context.Context, data []byte, name, mimeType, folder string) (string, error)
}

// MediaSource downloads a media payload from the protocol layer. The live
// protocol client satisfies it.
type MediaSource interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

// Pipeline ingests inbound/outbound protocol messages for all sessions.
type Pipeline struct {
	store   MessageStore
	users   UserDirectory
	storage Storage
	logger  *logging.Logger
	folder  string
}

func NewPipeline(store MessageStore, users UserDirectory, storage Storage, logger *logging.Logger, mediaFolder string) *Pipeline {
	return &Pipeline{
		store:   store,
		users:   users,
		storage: storage,
		logger:  logger,
		folder:  mediaFolder,
	}
}

// NormalizeAddress reduces a raw protocol address to canonical form: the part
// before any protocol suffix, with a leading + for purely numeric addresses.
func NormalizeAddress(raw string) string {
	addr := raw
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if addr[0] != '+' && isDigits(addr) {
		addr = "+" + addr
	}
	return addr
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// HandleIncoming normalizes one protocol event and persists it exactly once.
// Re-delivery of an already-seen external id is skipped silently.
func (p *Pipeline) HandleIncoming(ctx context.Context, sess models.Session, media MediaSource, raw protocol.IncomingMessage) error {
	if raw.ExternalID == "" {
		return fmt.Errorf("message without external id on session %s", sess.SessionID)
	}

	// dedupe before doing any expensive work
	if _, err := p.store.GetMessageByExternalID(ctx, raw.ExternalID); err == nil {
		p.logger.Debugf("Duplicate message %s on session %s, skipping", raw.ExternalID, sess.SessionID)
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	direction := models.DirectionInbound
	if raw.FromMe {
		direction = models.DirectionOutbound
	}

	m := models.Message{
		ID:             uuid.New().String(),
		ExternalID:     raw.ExternalID,
		SessionID:      sess.SessionID,
		Direction:      direction,
		FromRaw:        raw.From,
		FromNormalized: NormalizeAddress(raw.From),
		ToRaw:          raw.To,
		ToNormalized:   NormalizeAddress(raw.To),
		Type:           messageType(raw.Type),
		Content:        raw.Content,
		DeliveryStatus: models.DeliveryPending,
		ConversationID: conversationID(sess, raw),
		EntityPath:     sess.EntityPath,
		TenantID:       sess.TenantID,
		Timestamp:      raw.Timestamp,
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if direction == models.DirectionInbound {
		p.resolveSender(ctx, &m, raw)
	} else {
		m.DeliveryStatus = models.DeliverySent
	}

	// reply linkage: embed a denormalized summary of the quoted message
	if raw.QuotedExternalID != "" {
		quoted, err := p.store.GetMessageByExternalID(ctx, raw.QuotedExternalID)
		if err == nil {
			m.Quoted = &models.QuotedMessage{
				ExternalID: quoted.ExternalID,
				Content:    quoted.Content,
				Type:       quoted.Type,
				Sender:     quoted.SenderName,
			}
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}
	}

	if raw.HasMedia && raw.MediaID != "" {
		if err := p.offloadMedia(ctx, &m, media, raw); err != nil {
			// the message is still worth keeping without its media
			p.logger.Errorf("Media offload failed for message %s: %v", raw.ExternalID, err)
		}
	}

	inserted, err := p.store.InsertMessage(ctx, m)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	counter := "messages_received"
	if direction == models.DirectionOutbound {
		counter = "messages_sent"
	}
	return p.store.IncrementSessionCounter(ctx, sess.SessionID, counter)
}

// RecordOutbound persists a message the platform itself sent.
func (p *Pipeline) RecordOutbound(ctx context.Context, sess models.Session, externalID, to, content string) error {
	m := models.Message{
		ID:             uuid.New().String(),
		ExternalID:     externalID,
		SessionID:      sess.SessionID,
		Direction:      models.DirectionOutbound,
		FromRaw:        sess.NativeID,
		FromNormalized: NormalizeAddress(sess.NativeID),
		ToRaw:          to,
		ToNormalized:   NormalizeAddress(to),
		Type:           models.MessageTypeText,
		Content:        content,
		DeliveryStatus: models.DeliverySent,
		ConversationID: NormalizeAddress(to),
		EntityPath:     sess.EntityPath,
		TenantID:       sess.TenantID,
		Timestamp:      time.Now(),
	}

	inserted, err := p.store.InsertMessage(ctx, m)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return p.store.IncrementSessionCounter(ctx, sess.SessionID, "messages_sent")
}

// HandleAck maps a numeric acknowledgement code onto the matching message and
// the owning session's counters. Acks for unknown messages are ignored.
func (p *Pipeline) HandleAck(ctx context.Context, sess models.Session, ack protocol.Ack) error {
	status := models.DeliveryStatusFromAck(ack.Code)

	if _, err := p.store.UpdateDeliveryStatus(ctx, ack.ExternalID, status); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Debugf("Ack for unknown message %s on session %s", ack.ExternalID, sess.SessionID)
			return nil
		}
		return err
	}

	switch status {
	case models.DeliveryDelivered, models.DeliveryRead:
		return p.store.IncrementSessionCounter(ctx, sess.SessionID, "messages_delivered")
	case models.DeliveryFailed:
		return p.store.IncrementSessionCounter(ctx, sess.SessionID, "messages_failed")
	}
	return nil
}

// resolveSender tags the message with a registered user or marks the sender
// external with best-effort display metadata.
func (p *Pipeline) resolveSender(ctx context.Context, m *models.Message, raw protocol.IncomingMessage) {
	user, err := p.users.FindUserByAddress(ctx, m.FromNormalized, m.TenantID)
	if err == nil {
		m.IsExternalSender = false
		m.SenderUserID = user.ID
		m.SenderName = strings.TrimSpace(user.FirstName + " " + user.LastName)
		return
	}
	if !errors.Is(err, db.ErrNotFound) {
		p.logger.Errorf("Sender lookup failed for %s: %v", m.FromNormalized, err)
	}
	m.IsExternalSender = true
	m.SenderName = raw.SenderName
	m.SenderAvatar = raw.SenderAvatar
}

func (p *Pipeline) offloadMedia(ctx context.Context, m *models.Message, media MediaSource, raw protocol.IncomingMessage) error {
	if media == nil {
		return fmt.Errorf("no media source for session %s", m.SessionID)
	}
	data, mimeType, err := media.DownloadMedia(ctx, raw.MediaID)
	if err != nil {
		return fmt.Errorf("failed to download media %s: %w", raw.MediaID, err)
	}
	if mimeType == "" {
		mimeType = raw.MimeType
	}

	ref, err := p.storage.Upload(ctx, data, raw.ExternalID, mimeType, p.folder)
	if err != nil {
		return fmt.Errorf("failed to upload media %s: %w", raw.MediaID, err)
	}
	m.MediaRef = ref
	return nil
}

// conversationID groups by protocol group name for group messages, otherwise
// by the counterpart address.
func conversationID(sess models.Session, raw protocol.IncomingMessage) string {
	if raw.IsGroup && raw.GroupName != "" {
		return raw.GroupName
	}
	counterpart := raw.From
	if raw.FromMe {
		counterpart = raw.To
	}
	return NormalizeAddress(counterpart)
}

func messageType(t string) models.MessageType {
	switch t {
	case "chat", "text", "":
		return models.MessageTypeText
	case "image", "sticker":
		return models.MessageTypeImage
	case "video":
		return models.MessageTypeVideo
	case "audio", "ptt":
		return models.MessageTypeAudio
	case "document":
		return models.MessageTypeDocument
	default:
		return models.MessageTypeOther
	}
}
