package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/dlq"
	"github.com/coni04123/unicx-integration/internal/events"
	"github.com/coni04123/unicx-integration/internal/ingest"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/platform"
	"github.com/coni04123/unicx-integration/internal/protocol"
	"github.com/coni04123/unicx-integration/internal/registry"
)

var testNow = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

type fakeSessionStore struct {
	sessions map[string]models.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]models.Session)}
}

func (s *fakeSessionStore) UpsertSession(ctx context.Context, in models.Session) (models.Session, error) {
	if existing, ok := s.sessions[in.SessionID]; ok {
		existing.EntityID = in.EntityID
		existing.EntityPath = in.EntityPath
		existing.TenantID = in.TenantID
		s.sessions[in.SessionID] = existing
		return existing, nil
	}
	in.CreatedAt = testNow
	s.sessions[in.SessionID] = in
	return in, nil
}

func (s *fakeSessionStore) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, db.ErrNotFound
	}
	return sess, nil
}

func (s *fakeSessionStore) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	var out []models.Session
	for _, sess := range s.sessions {
		for _, st := range statuses {
			if sess.Status == st {
				out = append(out, sess)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeSessionStore) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, lastError string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return db.ErrNotFound
	}
	sess.Status = status
	sess.LastError = lastError
	s.sessions[sessionID] = sess
	return nil
}

func (s *fakeSessionStore) SetPairingCode(ctx context.Context, sessionID, code string, image []byte, issuedAt, expiresAt time.Time) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return db.ErrNotFound
	}
	sess.Status = models.StatusPairingRequired
	sess.PairingCode = code
	sess.PairingCodeImage = image
	sess.PairingCodeIssuedAt = &issuedAt
	sess.PairingCodeExpires = &expiresAt
	s.sessions[sessionID] = sess
	return nil
}

func (s *fakeSessionStore) SetReady(ctx context.Context, sessionID, phone, displayName, nativeID string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return db.ErrNotFound
	}
	sess.Status = models.StatusReady
	sess.PhoneNumber = phone
	sess.DisplayName = displayName
	sess.NativeID = nativeID
	sess.PairingCode = ""
	sess.PairingCodeImage = nil
	s.sessions[sessionID] = sess
	return nil
}

type fakeUserStore struct{ users map[string]models.User }

func (s *fakeUserStore) GetUser(ctx context.Context, id string) (models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return models.User{}, db.ErrNotFound
	}
	return u, nil
}

type fakeResolver struct{ err error }

func (r *fakeResolver) Resolve(ctx context.Context, entityID string) (platform.EntityInfo, error) {
	if r.err != nil {
		return platform.EntityInfo{}, r.err
	}
	return platform.EntityInfo{AncestorIDPath: []string{"root", entityID}, TenantID: "tenant-1"}, nil
}

type fakeEnqueuer struct {
	payloads []interface{}
	opts     []dlq.Options
}

func (q *fakeEnqueuer) Enqueue(ctx context.Context, payload interface{}, cause error, opts dlq.Options) (models.RetryEnvelope, error) {
	q.payloads = append(q.payloads, payload)
	q.opts = append(q.opts, opts)
	return models.RetryEnvelope{ID: "env-1"}, nil
}

type fakeClient struct {
	initErr    error
	logoutErr  error
	destroyErr error
	sendErr    error

	initialized int
	logouts     int
	destroys    int
	sent        []string
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.initialized++
	return c.initErr
}
func (c *fakeClient) SendMessage(ctx context.Context, to, content string) (string, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, to+":"+content)
	return fmt.Sprintf("ext-%d", len(c.sent)), nil
}
func (c *fakeClient) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("no media in tests")
}
func (c *fakeClient) State() protocol.ConnectionState { return protocol.StateConnected }
func (c *fakeClient) Logout(ctx context.Context) error {
	c.logouts++
	return c.logoutErr
}
func (c *fakeClient) Destroy(ctx context.Context) error {
	c.destroys++
	return c.destroyErr
}

// testRig wires a manager around fakes; handlers are captured per session so
// tests can drive protocol events.
type testRig struct {
	manager  *Manager
	store    *fakeSessionStore
	reg      *registry.Registry
	queue    *fakeEnqueuer
	events   *events.Broadcaster
	handlers map[string]protocol.Handlers
	clients  map[string]*fakeClient
	initErr  map[string]error

	notified    []string
	notifyErr   error
}

type nopMessageStore struct{ inserted []models.Message }

func (s *nopMessageStore) InsertMessage(ctx context.Context, m models.Message) (bool, error) {
	s.inserted = append(s.inserted, m)
	return true, nil
}
func (s *nopMessageStore) GetMessageByExternalID(ctx context.Context, externalID string) (models.Message, error) {
	return models.Message{}, db.ErrNotFound
}
func (s *nopMessageStore) UpdateDeliveryStatus(ctx context.Context, externalID string, status models.DeliveryStatus) (models.Message, error) {
	return models.Message{}, db.ErrNotFound
}
func (s *nopMessageStore) IncrementSessionCounter(ctx context.Context, sessionID, counter string) error {
	return nil
}

type nopDirectory struct{}

func (nopDirectory) FindUserByAddress(ctx context.Context, address, tenantID string) (models.User, error) {
	return models.User{}, db.ErrNotFound
}

type nopStorage struct{}

func (nopStorage) Upload(ctx context.Context, data []byte, name, mimeType, folder string) (string, error) {
	return "proxy://" + name, nil
}

func newTestRig() *testRig {
	rig := &testRig{
		store:    newFakeSessionStore(),
		reg:      registry.New(),
		queue:    &fakeEnqueuer{},
		handlers: make(map[string]protocol.Handlers),
		clients:  make(map[string]*fakeClient),
		initErr:  make(map[string]error),
	}
	logger := logging.NewNop()
	rig.events = events.NewBroadcaster(logger)
	pipeline := ingest.NewPipeline(&nopMessageStore{}, nopDirectory{}, nopStorage{}, logger, "chat-media")

	factory := protocol.Factory(func(sessionID string, h protocol.Handlers) (protocol.Client, error) {
		client := &fakeClient{initErr: rig.initErr[sessionID]}
		rig.handlers[sessionID] = h
		rig.clients[sessionID] = client
		return client, nil
	})
	notify := func(to, code string, expiresAt time.Time) error {
		if rig.notifyErr != nil {
			return rig.notifyErr
		}
		rig.notified = append(rig.notified, to+":"+code)
		return nil
	}
	users := &fakeUserStore{users: map[string]models.User{
		"user-1": {ID: "user-1", Email: "user1@example.com"},
	}}

	rig.manager = NewManager(rig.store, users, rig.reg, rig.events, pipeline, &fakeResolver{}, rig.queue, factory, notify, logger, Config{
		PairingTTL:         5 * time.Minute,
		EmailNotify:        true,
		MaxRetries:         3,
		RetryDelay:         time.Minute,
		PairingNotifyTopic: "integration.retry.pairing-notify",
		PairingRegenTopic:  "integration.retry.pairing-regen",
		Subscription:       "test",
	})
	rig.manager.now = func() time.Time { return testNow }
	rig.manager.sleep = func(time.Duration) {}
	return rig
}

func (r *testRig) create(t *testing.T, sessionID string) models.Session {
	t.Helper()
	sess, err := r.manager.CreateSession(context.Background(), sessionID, "user-1", "actor-1", "entity-1", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func TestCreateSessionInitializesHandle(t *testing.T) {
	rig := newTestRig()
	sess := rig.create(t, "sess-1")

	if sess.Status != models.StatusConnecting {
		t.Errorf("expected CONNECTING, got %s", sess.Status)
	}
	if sess.TenantID != "tenant-1" || len(sess.EntityPath) != 2 {
		t.Errorf("expected tenant and entity path from resolver, got %+v", sess)
	}
	if _, ok := rig.reg.Get("sess-1"); !ok {
		t.Error("expected a live handle in the registry")
	}
	if rig.clients["sess-1"].initialized != 1 {
		t.Error("expected the client to be initialized once")
	}
}

func TestCreateSessionInitFailure(t *testing.T) {
	rig := newTestRig()
	rig.initErr["sess-1"] = errors.New("no browser binary found")

	_, err := rig.manager.CreateSession(context.Background(), "sess-1", "user-1", "actor-1", "entity-1", "")
	if err == nil {
		t.Fatal("expected initialization error")
	}
	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
	if _, ok := rig.reg.Get("sess-1"); ok {
		t.Error("expected no live handle after failed initialization")
	}
}

func TestPairingCodeFlow(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")

	sub := rig.events.Subscribe("user-1", 8)
	defer sub.Cancel()

	rig.handlers["sess-1"].OnPairingCode("PAIR-CODE-1")

	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusPairingRequired {
		t.Fatalf("expected PAIRING_REQUIRED, got %s", got.Status)
	}
	if got.PairingCode != "PAIR-CODE-1" {
		t.Errorf("unexpected pairing code: %s", got.PairingCode)
	}
	if len(got.PairingCodeImage) == 0 {
		t.Error("expected a rendered pairing image")
	}
	wantExpiry := testNow.Add(5 * time.Minute)
	if got.PairingCodeExpires == nil || !got.PairingCodeExpires.Equal(wantExpiry) {
		t.Errorf("expected expiry %v, got %v", wantExpiry, got.PairingCodeExpires)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != models.EventPairing || ev.SessionID != "sess-1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Error("expected a pairing event")
	}

	// initial pairing must not notify out-of-band
	if len(rig.notified) != 0 {
		t.Errorf("expected no notification for initial pairing, got %v", rig.notified)
	}
}

func TestPairingCodeLookup(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.handlers["sess-1"].OnPairingCode("PAIR-CODE-1")

	sess, err := rig.manager.GetPairingCode(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetPairingCode failed: %v", err)
	}
	if sess.PairingCode != "PAIR-CODE-1" {
		t.Errorf("unexpected code: %s", sess.PairingCode)
	}

	// past expiry the code is gone
	rig.manager.now = func() time.Time { return testNow.Add(6 * time.Minute) }
	if _, err := rig.manager.GetPairingCode(context.Background(), "sess-1"); !errors.Is(err, ErrNoPairingCode) {
		t.Errorf("expected ErrNoPairingCode, got %v", err)
	}
}

func TestReadyFlow(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.handlers["sess-1"].OnPairingCode("PAIR-CODE-1")
	rig.handlers["sess-1"].OnAuthenticated()
	rig.handlers["sess-1"].OnReady(protocol.AccountInfo{
		PhoneNumber: "+15550001111", DisplayName: "Work Phone", NativeID: "15550001111@c.net",
	})

	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusReady {
		t.Fatalf("expected READY, got %s", got.Status)
	}
	if got.PhoneNumber != "+15550001111" || got.NativeID != "15550001111@c.net" {
		t.Errorf("identity not recorded: %+v", got)
	}
	if got.PairingCode != "" {
		t.Error("expected pairing code cleared on ready")
	}
}

func TestReadyIgnoredAfterDisconnect(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	if err := rig.manager.Disconnect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	rig.handlers["sess-1"].OnReady(protocol.AccountInfo{PhoneNumber: "+15550001111"})
	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusDisconnected {
		t.Errorf("expected ready event to be ignored, status is %s", got.Status)
	}
}

func TestDisconnectAlwaysEndsDisconnected(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	client := rig.clients["sess-1"]
	client.logoutErr = errors.New("sign-out timed out")
	client.destroyErr = errors.New("process already gone")

	if err := rig.manager.Disconnect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusDisconnected {
		t.Errorf("expected DISCONNECTED, got %s", got.Status)
	}
	if client.logouts != 1 || client.destroys != 1 {
		t.Errorf("expected logout and destroy to be attempted, got %d/%d", client.logouts, client.destroys)
	}
	if _, ok := rig.reg.Get("sess-1"); ok {
		t.Error("expected handle removed from registry")
	}
}

func TestDisconnectWithoutHandle(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.reg.Remove("sess-1")

	if err := rig.manager.Disconnect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusDisconnected {
		t.Errorf("expected DISCONNECTED, got %s", got.Status)
	}
}

func TestDegradeOnProtocolDisconnect(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.handlers["sess-1"].OnPairingCode("PAIR-CODE-1")
	rig.handlers["sess-1"].OnReady(protocol.AccountInfo{PhoneNumber: "+15550001111"})

	rig.handlers["sess-1"].OnDisconnected("connection dropped")
	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusDisconnected {
		t.Errorf("expected DISCONNECTED, got %s", got.Status)
	}
	if got.LastError != "connection dropped" {
		t.Errorf("expected reason recorded, got %q", got.LastError)
	}
	if _, ok := rig.reg.Get("sess-1"); ok {
		t.Error("expected handle removed after disconnect event")
	}
}

func TestAuthFailureMarksFailed(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.handlers["sess-1"].OnAuthFailure("account banned")

	got, _ := rig.store.GetSession(context.Background(), "sess-1")
	if got.Status != models.StatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
	if got.LastError != "account banned" {
		t.Errorf("expected detail recorded, got %q", got.LastError)
	}
}

func TestRegenerationNotifiesOutOfBand(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.handlers["sess-1"].OnPairingCode("PAIR-CODE-1")

	if _, err := rig.manager.RegeneratePairingCode(context.Background(), "sess-1"); err != nil {
		t.Fatalf("RegeneratePairingCode failed: %v", err)
	}
	rig.handlers["sess-1"].OnPairingCode("PAIR-CODE-2")

	if len(rig.notified) != 1 || rig.notified[0] != "user1@example.com:PAIR-CODE-2" {
		t.Errorf("expected one regeneration notification, got %v", rig.notified)
	}
}

func TestRegenerationNotificationFailureIsDeferred(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.notifyErr = errors.New("smtp unavailable")

	if _, err := rig.manager.RegeneratePairingCode(context.Background(), "sess-1"); err != nil {
		t.Fatalf("RegeneratePairingCode failed: %v", err)
	}
	rig.handlers["sess-1"].OnPairingCode("PAIR-CODE-2")

	if len(rig.queue.payloads) != 1 {
		t.Fatalf("expected one deferred payload, got %d", len(rig.queue.payloads))
	}
	payload, ok := rig.queue.payloads[0].(models.PairingNotificationPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", rig.queue.payloads[0])
	}
	if payload.Code != "PAIR-CODE-2" || payload.Email != "user1@example.com" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if rig.queue.opts[0].Topic != "integration.retry.pairing-notify" {
		t.Errorf("unexpected topic: %s", rig.queue.opts[0].Topic)
	}
}

func TestRegenerationInitFailureIsDeferred(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")
	rig.initErr["sess-1"] = errors.New("browser crashed")

	if _, err := rig.manager.RegeneratePairingCode(context.Background(), "sess-1"); err != nil {
		t.Fatalf("expected regeneration failure to be swallowed, got %v", err)
	}
	if len(rig.queue.payloads) != 1 {
		t.Fatalf("expected one deferred payload, got %d", len(rig.queue.payloads))
	}
	if _, ok := rig.queue.payloads[0].(models.PairingRegeneratePayload); !ok {
		t.Fatalf("unexpected payload type %T", rig.queue.payloads[0])
	}
}

func TestSendMessage(t *testing.T) {
	rig := newTestRig()
	rig.create(t, "sess-1")

	externalID, err := rig.manager.SendMessage(context.Background(), "sess-1", "15550002222@c.net", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if externalID == "" {
		t.Error("expected an external id")
	}
	if len(rig.clients["sess-1"].sent) != 1 {
		t.Errorf("expected one message through the client, got %d", len(rig.clients["sess-1"].sent))
	}

	rig.reg.Remove("sess-1")
	if _, err := rig.manager.SendMessage(context.Background(), "sess-1", "x", "y"); err == nil {
		t.Error("expected an error without a live connection")
	}
}

func TestReconnectActiveSessionsIsolation(t *testing.T) {
	rig := newTestRig()
	for _, id := range []string{"sess-ok", "sess-bad", "sess-idle"} {
		rig.store.sessions[id] = models.Session{SessionID: id, UserID: "user-1", Status: models.StatusDisconnected}
	}
	ok := rig.store.sessions["sess-ok"]
	ok.Status = models.StatusReady
	rig.store.sessions["sess-ok"] = ok
	bad := rig.store.sessions["sess-bad"]
	bad.Status = models.StatusAuthenticated
	rig.store.sessions["sess-bad"] = bad
	rig.initErr["sess-bad"] = errors.New("browser missing")

	if err := rig.manager.ReconnectActiveSessions(context.Background()); err != nil {
		t.Fatalf("ReconnectActiveSessions failed: %v", err)
	}

	if _, ok := rig.reg.Get("sess-ok"); !ok {
		t.Error("expected sess-ok to be reconnected")
	}
	got, _ := rig.store.GetSession(context.Background(), "sess-bad")
	if got.Status != models.StatusFailed {
		t.Errorf("expected sess-bad FAILED, got %s", got.Status)
	}
	if _, ok := rig.reg.Get("sess-idle"); ok {
		t.Error("expected DISCONNECTED session to stay idle")
	}
}
