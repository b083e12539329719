// Package session drives the per-account connection state machine from first
// pairing through disconnection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coni04123/unicx-integration/internal/dlq"
	"github.com/coni04123/unicx-integration/internal/events"
	"github.com/coni04123/unicx-integration/internal/ingest"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/platform"
	"github.com/coni04123/unicx-integration/internal/protocol"
	"github.com/coni04123/unicx-integration/internal/registry"
	"github.com/coni04123/unicx-integration/pkg/qr"
)

// ErrInvalidTransition is returned when a status change is not an allowed
// state-machine edge.
var ErrInvalidTransition = errors.New("invalid session status transition")

// ErrNoPairingCode is returned when no valid pairing code is available.
var ErrNoPairingCode = errors.New("no valid pairing code for session")

// SessionStore is the persistence surface the manager needs; *db.DB
// satisfies it.
type SessionStore interface {
	UpsertSession(ctx context.Context, s models.Session) (models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, lastError string) error
	SetPairingCode(ctx context.Context, sessionID, code string, image []byte, issuedAt, expiresAt time.Time) error
	SetReady(ctx context.Context, sessionID, phone, displayName, nativeID string) error
}

// UserStore resolves user records for out-of-band notification.
type UserStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

// EntityResolver is the entity-hierarchy collaborator.
type EntityResolver interface {
	Resolve(ctx context.Context, entityID string) (platform.EntityInfo, error)
}

// Enqueuer defers failed side effects to the retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload interface{}, cause error, opts dlq.Options) (models.RetryEnvelope, error)
}

// PairingNotifier delivers a pairing code out-of-band. Best-effort only.
type PairingNotifier func(to, code string, expiresAt time.Time) error

// Config tunes the manager.
type Config struct {
	PairingTTL         time.Duration
	EmailNotify        bool
	MaxRetries         int
	RetryDelay         time.Duration
	PairingNotifyTopic string
	PairingRegenTopic  string
	Subscription       string
	SettleDelay        time.Duration
}

// Manager owns every live connection's lifecycle. All lifecycle operations
// for one session id serialize on the registry's per-session lock.
type Manager struct {
	store    SessionStore
	users    UserStore
	reg      *registry.Registry
	events   *events.Broadcaster
	pipeline *ingest.Pipeline
	entities EntityResolver
	queue    Enqueuer
	clients  protocol.Factory
	notify   PairingNotifier
	logger   *logging.Logger
	cfg      Config

	now   func() time.Time
	sleep func(time.Duration)

	mu      sync.Mutex
	regen   map[string]bool // sessions with an explicit regeneration pending
}

func NewManager(
	store SessionStore,
	users UserStore,
	reg *registry.Registry,
	broadcaster *events.Broadcaster,
	pipeline *ingest.Pipeline,
	entities EntityResolver,
	queue Enqueuer,
	clients protocol.Factory,
	notify PairingNotifier,
	logger *logging.Logger,
	cfg Config,
) *Manager {
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = 5 * time.Minute
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	return &Manager{
		store:    store,
		users:    users,
		reg:      reg,
		events:   broadcaster,
		pipeline: pipeline,
		entities: entities,
		queue:    queue,
		clients:  clients,
		notify:   notify,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		sleep:    time.Sleep,
		regen:    make(map[string]bool),
	}
}

// CreateSession registers (or refreshes) a session record and always
// (re)initializes its live connection handle. Initialization failures mark
// the session FAILED and are propagated to the caller.
func (m *Manager) CreateSession(ctx context.Context, sessionID, userID, actorID, entityID, tenantID string) (models.Session, error) {
	unlock := m.reg.Lock(sessionID)
	defer unlock()

	info, err := m.entities.Resolve(ctx, entityID)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to resolve entity %s: %w", entityID, err)
	}
	if info.TenantID != "" {
		tenantID = info.TenantID
	}

	sess, err := m.store.UpsertSession(ctx, models.Session{
		SessionID:  sessionID,
		UserID:     userID,
		EntityID:   entityID,
		EntityPath: info.AncestorIDPath,
		TenantID:   tenantID,
		Status:     models.StatusConnecting,
	})
	if err != nil {
		return models.Session{}, err
	}

	// a pre-existing record restarts through DISCONNECTED -> CONNECTING
	if sess.Status != models.StatusConnecting {
		if models.CanTransition(sess.Status, models.StatusDisconnected) {
			if err := m.transition(ctx, &sess, models.StatusDisconnected, ""); err != nil {
				return models.Session{}, err
			}
		}
		if err := m.transition(ctx, &sess, models.StatusConnecting, ""); err != nil {
			return models.Session{}, err
		}
	}

	if err := m.initHandle(ctx, sess); err != nil {
		_ = m.store.UpdateSessionStatus(ctx, sessionID, models.StatusFailed, err.Error())
		sess.Status = models.StatusFailed
		m.publishStatus(sess, nil)
		return sess, err
	}

	m.logger.Infof("Session %s created by %s (tenant=%s)", sessionID, actorID, tenantID)
	return sess, nil
}

// initHandle replaces any previous live client and starts a fresh one.
// Callers must hold the per-session lock.
func (m *Manager) initHandle(ctx context.Context, sess models.Session) error {
	client, err := m.clients(sess.SessionID, m.handlersFor(sess.SessionID))
	if err != nil {
		return fmt.Errorf("failed to build protocol client for %s: %w", sess.SessionID, err)
	}

	if old := m.reg.Put(sess.SessionID, client); old != nil {
		_ = old.Destroy(ctx)
	}

	if err := client.Initialize(ctx); err != nil {
		m.reg.Remove(sess.SessionID)
		return fmt.Errorf("failed to initialize session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (m *Manager) handlersFor(sessionID string) protocol.Handlers {
	return protocol.Handlers{
		OnPairingCode:   func(code string) { m.onPairingCode(sessionID, code) },
		OnReady:         func(info protocol.AccountInfo) { m.onReady(sessionID, info) },
		OnAuthenticated: func() { m.onAuthenticated(sessionID) },
		OnAuthFailure:   func(msg string) { m.onAuthFailure(sessionID, msg) },
		OnDisconnected:  func(reason string) { m.onDisconnected(sessionID, reason) },
		OnMessage:       func(msg protocol.IncomingMessage) { m.onMessage(sessionID, msg) },
		OnAck:           func(ack protocol.Ack) { m.onAck(sessionID, ack) },
	}
}

// transition validates and persists a status change.
func (m *Manager) transition(ctx context.Context, sess *models.Session, to models.SessionStatus, lastError string) error {
	if !models.CanTransition(sess.Status, to) {
		return fmt.Errorf("%w: %s -> %s for session %s", ErrInvalidTransition, sess.Status, to, sess.SessionID)
	}
	if err := m.store.UpdateSessionStatus(ctx, sess.SessionID, to, lastError); err != nil {
		return err
	}
	sess.Status = to
	sess.LastError = lastError
	return nil
}

// onPairingCode renders and stores a fresh pairing code, moves the session to
// PAIRING_REQUIRED, and emits a pairing event. Regenerations additionally
// notify the user out-of-band; a notification failure is deferred to the
// retry queue, never propagated.
func (m *Manager) onPairingCode(sessionID, code string) {
	ctx := context.Background()
	unlock := m.reg.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Pairing code for unknown session %s: %v", sessionID, err)
		return
	}
	if sess.Status != models.StatusPairingRequired && !models.CanTransition(sess.Status, models.StatusPairingRequired) {
		m.logger.Warnf("Ignoring pairing code in status %s for session %s", sess.Status, sessionID)
		return
	}

	image, err := qr.RenderPNG(code)
	if err != nil {
		m.logger.Errorf("Failed to render pairing code for session %s: %v", sessionID, err)
		image = nil
	}

	issuedAt := m.now()
	expiresAt := issuedAt.Add(m.cfg.PairingTTL)
	if err := m.store.SetPairingCode(ctx, sessionID, code, image, issuedAt, expiresAt); err != nil {
		m.logger.Errorf("Failed to store pairing code for session %s: %v", sessionID, err)
		return
	}
	sess.Status = models.StatusPairingRequired
	sess.PairingCode = code

	m.events.Publish(models.Event{
		Type:      models.EventPairing,
		SessionID: sessionID,
		UserID:    sess.UserID,
		Data:      map[string]any{"expires_at": expiresAt},
		Timestamp: m.now(),
	})

	m.mu.Lock()
	isRegen := m.regen[sessionID]
	delete(m.regen, sessionID)
	m.mu.Unlock()

	if isRegen && m.cfg.EmailNotify {
		m.notifyPairing(ctx, sess, code, expiresAt)
	}
	m.logger.Infof("Session %s awaiting pairing (expires %s)", sessionID, expiresAt.Format(time.RFC3339))
}

func (m *Manager) notifyPairing(ctx context.Context, sess models.Session, code string, expiresAt time.Time) {
	user, err := m.users.GetUser(ctx, sess.UserID)
	if err != nil {
		m.logger.Errorf("Cannot notify user %s for session %s: %v", sess.UserID, sess.SessionID, err)
		return
	}

	if err := m.notify(user.Email, code, expiresAt); err != nil {
		m.logger.Errorf("Pairing notification for session %s failed, deferring: %v", sess.SessionID, err)
		payload := models.PairingNotificationPayload{
			SessionID: sess.SessionID,
			UserID:    sess.UserID,
			Email:     user.Email,
			Code:      code,
			ExpiresAt: expiresAt,
			EntityID:  sess.EntityID,
			TenantID:  sess.TenantID,
		}
		if _, qerr := m.queue.Enqueue(ctx, payload, err, dlq.Options{
			Topic:        m.cfg.PairingNotifyTopic,
			Subscription: m.cfg.Subscription,
			MaxRetries:   m.cfg.MaxRetries,
			RetryDelay:   m.cfg.RetryDelay,
		}); qerr != nil {
			m.logger.Errorf("Failed to defer pairing notification for session %s: %v", sess.SessionID, qerr)
		}
	}
}

// onReady records the external account identity, clears the pairing code, and
// moves the session to READY.
func (m *Manager) onReady(sessionID string, info protocol.AccountInfo) {
	ctx := context.Background()
	unlock := m.reg.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Ready event for unknown session %s: %v", sessionID, err)
		return
	}
	if !models.CanTransition(sess.Status, models.StatusReady) {
		m.logger.Warnf("Ignoring ready event in status %s for session %s", sess.Status, sessionID)
		return
	}

	if err := m.store.SetReady(ctx, sessionID, info.PhoneNumber, info.DisplayName, info.NativeID); err != nil {
		m.logger.Errorf("Failed to mark session %s ready: %v", sessionID, err)
		return
	}
	sess.Status = models.StatusReady
	m.publishStatus(sess, map[string]any{"phone_number": info.PhoneNumber})
	m.logger.Infof("Session %s ready as %s", sessionID, info.PhoneNumber)
}

func (m *Manager) onAuthenticated(sessionID string) {
	ctx := context.Background()
	unlock := m.reg.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Auth event for unknown session %s: %v", sessionID, err)
		return
	}
	if err := m.transition(ctx, &sess, models.StatusAuthenticated, ""); err != nil {
		m.logger.Warnf("Ignoring auth event for session %s: %v", sessionID, err)
		return
	}
	m.publishStatus(sess, nil)
}

// onDisconnected and onAuthFailure recover steady-state protocol faults into
// a status transition; they never crash the process.
func (m *Manager) onDisconnected(sessionID, reason string) {
	m.degrade(sessionID, models.StatusDisconnected, reason)
}

func (m *Manager) onAuthFailure(sessionID, msg string) {
	m.degrade(sessionID, models.StatusFailed, msg)
}

func (m *Manager) degrade(sessionID string, to models.SessionStatus, detail string) {
	ctx := context.Background()
	unlock := m.reg.Lock(sessionID)
	defer unlock()

	if client, ok := m.reg.Remove(sessionID); ok {
		_ = client.Destroy(ctx)
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Degrade event for unknown session %s: %v", sessionID, err)
		return
	}
	if err := m.transition(ctx, &sess, to, detail); err != nil {
		m.logger.Warnf("Ignoring degrade to %s for session %s: %v", to, sessionID, err)
		return
	}
	m.publishStatus(sess, map[string]any{"reason": detail})
	m.logger.Warnf("Session %s degraded to %s: %s", sessionID, to, detail)
}

func (m *Manager) onMessage(sessionID string, msg protocol.IncomingMessage) {
	ctx := context.Background()
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Message on unknown session %s: %v", sessionID, err)
		return
	}

	var media ingest.MediaSource
	if client, ok := m.reg.Get(sessionID); ok {
		media = client
	}
	if err := m.pipeline.HandleIncoming(ctx, sess, media, msg); err != nil {
		m.logger.Errorf("Failed to ingest message %s on session %s: %v", msg.ExternalID, sessionID, err)
	}
}

func (m *Manager) onAck(sessionID string, ack protocol.Ack) {
	ctx := context.Background()
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Ack on unknown session %s: %v", sessionID, err)
		return
	}
	if err := m.pipeline.HandleAck(ctx, sess, ack); err != nil {
		m.logger.Errorf("Failed to apply ack %s on session %s: %v", ack.ExternalID, sessionID, err)
	}
}

func (m *Manager) publishStatus(sess models.Session, extra map[string]any) {
	data := map[string]any{"status": string(sess.Status)}
	for k, v := range extra {
		data[k] = v
	}
	m.events.Publish(models.Event{
		Type:      models.EventStatus,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Data:      data,
		Timestamp: m.now(),
	})
}

// GetStatus returns the persisted session record.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (models.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// GetPairingCode returns the current pairing artifact, or ErrNoPairingCode
// when none is valid.
func (m *Manager) GetPairingCode(ctx context.Context, sessionID string) (models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if !sess.PairingCodeValid(m.now()) {
		return models.Session{}, ErrNoPairingCode
	}
	return sess, nil
}

// RegeneratePairingCode tears the handle down and restarts it to force a
// fresh code. Failures are deferred to the retry queue; the caller still gets
// the current persisted status.
func (m *Manager) RegeneratePairingCode(ctx context.Context, sessionID string) (models.Session, error) {
	unlock := m.reg.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}

	m.mu.Lock()
	m.regen[sessionID] = true
	m.mu.Unlock()

	if err := m.initHandle(ctx, sess); err != nil {
		m.logger.Errorf("Pairing regeneration for session %s failed, deferring: %v", sessionID, err)
		user, uerr := m.users.GetUser(ctx, sess.UserID)
		email := ""
		if uerr == nil {
			email = user.Email
		}
		payload := models.PairingRegeneratePayload{
			SessionID: sessionID,
			UserID:    sess.UserID,
			Email:     email,
			TenantID:  sess.TenantID,
		}
		if _, qerr := m.queue.Enqueue(ctx, payload, err, dlq.Options{
			Topic:        m.cfg.PairingRegenTopic,
			Subscription: m.cfg.Subscription,
			MaxRetries:   m.cfg.MaxRetries,
			RetryDelay:   m.cfg.RetryDelay,
		}); qerr != nil {
			m.logger.Errorf("Failed to defer pairing regeneration for session %s: %v", sessionID, qerr)
		}
	}
	return sess, nil
}

// SendMessage sends text through a live session and records the outbound
// message.
func (m *Manager) SendMessage(ctx context.Context, sessionID, to, content string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	client, ok := m.reg.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("session %s has no live connection", sessionID)
	}

	externalID, err := client.SendMessage(ctx, to, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message on session %s: %w", sessionID, err)
	}
	if err := m.pipeline.RecordOutbound(ctx, sess, externalID, to, content); err != nil {
		m.logger.Errorf("Failed to record outbound message %s: %v", externalID, err)
	}
	return externalID, nil
}

// Disconnect signs out and tears down the handle. Every step tolerates
// failure independently; the session always ends DISCONNECTED, with waits
// between steps so the automation runtime can release its resources.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	unlock := m.reg.Lock(sessionID)
	defer unlock()

	client, _ := m.reg.Remove(sessionID)
	if client != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := client.Logout(logoutCtx); err != nil {
			m.logger.Warnf("Graceful sign-out failed for session %s: %v", sessionID, err)
		}
		cancel()
		m.sleep(m.cfg.SettleDelay)

		if err := client.Destroy(ctx); err != nil {
			m.logger.Warnf("Teardown failed for session %s: %v", sessionID, err)
		}
		m.sleep(m.cfg.SettleDelay)
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.StatusDisconnected {
		return nil
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, models.StatusDisconnected, ""); err != nil {
		return err
	}
	sess.Status = models.StatusDisconnected
	m.publishStatus(sess, nil)
	m.logger.Infof("Session %s disconnected", sessionID)
	return nil
}

// ReconnectActiveSessions re-establishes handles for every session that was
// READY or AUTHENTICATED when the process last stopped. One session's failure
// never aborts the sweep.
func (m *Manager) ReconnectActiveSessions(ctx context.Context) error {
	sessions, err := m.store.ListSessionsByStatus(ctx, models.StatusReady, models.StatusAuthenticated)
	if err != nil {
		return fmt.Errorf("failed to list sessions for reconnection: %w", err)
	}

	var failures int
	for _, sess := range sessions {
		unlock := m.reg.Lock(sess.SessionID)
		if err := m.initHandle(ctx, sess); err != nil {
			failures++
			m.logger.Errorf("Reconnection failed for session %s: %v", sess.SessionID, err)
			_ = m.store.UpdateSessionStatus(ctx, sess.SessionID, models.StatusFailed, err.Error())
		} else {
			m.logger.Infof("Reconnected session %s", sess.SessionID)
		}
		unlock()
	}

	m.logger.Infof("Reconnection sweep finished: %d sessions, %d failures", len(sessions), failures)
	return nil
}
