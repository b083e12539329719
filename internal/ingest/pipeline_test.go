package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/protocol"
)

type fakeMessageStore struct {
	byExternalID map[string]models.Message
	counters     map[string]int
	inserted     []models.Message
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		byExternalID: make(map[string]models.Message),
		counters:     make(map[string]int),
	}
}

func (s *fakeMessageStore) InsertMessage(ctx context.Context, m models.Message) (bool, error) {
	if _, ok := s.byExternalID[m.ExternalID]; ok {
		return false, nil
	}
	s.byExternalID[m.ExternalID] = m
	s.inserted = append(s.inserted, m)
	return true, nil
}

func (s *fakeMessageStore) GetMessageByExternalID(ctx context.Context, externalID string) (models.Message, error) {
	m, ok := s.byExternalID[externalID]
	if !ok {
		return models.Message{}, db.ErrNotFound
	}
	return m, nil
}

func (s *fakeMessageStore) UpdateDeliveryStatus(ctx context.Context, externalID string, status models.DeliveryStatus) (models.Message, error) {
	m, ok := s.byExternalID[externalID]
	if !ok {
		return models.Message{}, db.ErrNotFound
	}
	m.DeliveryStatus = status
	s.byExternalID[externalID] = m
	return m, nil
}

func (s *fakeMessageStore) IncrementSessionCounter(ctx context.Context, sessionID, counter string) error {
	s.counters[counter]++
	return nil
}

type fakeDirectory struct {
	users map[string]models.User // keyed by address
}

func (d *fakeDirectory) FindUserByAddress(ctx context.Context, address, tenantID string) (models.User, error) {
	u, ok := d.users[address]
	if !ok {
		return models.User{}, db.ErrNotFound
	}
	return u, nil
}

type fakeStorage struct {
	uploads int
	fail    bool
}

func (s *fakeStorage) Upload(ctx context.Context, data []byte, name, mimeType, folder string) (string, error) {
	if s.fail {
		return "", fmt.Errorf("storage unavailable")
	}
	s.uploads++
	return "proxy://" + name, nil
}

type fakeMedia struct{ fail bool }

func (m *fakeMedia) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	if m.fail {
		return nil, "", fmt.Errorf("download failed")
	}
	return []byte("bytes"), "image/jpeg", nil
}

func testSession() models.Session {
	return models.Session{
		SessionID:  "sess-1",
		UserID:     "user-1",
		TenantID:   "tenant-1",
		EntityPath: []string{"root", "dept"},
		NativeID:   "15550001111@c.net",
	}
}

func newTestPipeline(store *fakeMessageStore, dir *fakeDirectory, storage *fakeStorage) *Pipeline {
	if dir == nil {
		dir = &fakeDirectory{users: map[string]models.User{}}
	}
	if storage == nil {
		storage = &fakeStorage{}
	}
	return NewPipeline(store, dir, storage, logging.NewNop(), "chat-media")
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"15550001111@c.net":  "+15550001111",
		"+15550001111":       "+15550001111",
		"15550001111":        "+15550001111",
		"group-abc@g.net":    "group-abc",
		"":                   "",
		"  ":                 "",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleIncomingPersistsOnce(t *testing.T) {
	store := newFakeMessageStore()
	p := newTestPipeline(store, nil, nil)
	sess := testSession()

	msg := protocol.IncomingMessage{
		ExternalID: "ext-1",
		From:       "15550002222@c.net",
		To:         sess.NativeID,
		Type:       "chat",
		Content:    "hello",
		Timestamp:  time.Now(),
	}
	if err := p.HandleIncoming(context.Background(), sess, nil, msg); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	// redelivery of the same external id must be a silent no-op
	if err := p.HandleIncoming(context.Background(), sess, nil, msg); err != nil {
		t.Fatalf("HandleIncoming redelivery failed: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(store.inserted))
	}
	got := store.inserted[0]
	if got.Direction != models.DirectionInbound {
		t.Errorf("expected INBOUND, got %s", got.Direction)
	}
	if got.FromNormalized != "+15550002222" {
		t.Errorf("unexpected normalized sender: %s", got.FromNormalized)
	}
	if got.ConversationID != "+15550002222" {
		t.Errorf("unexpected conversation id: %s", got.ConversationID)
	}
	if got.TenantID != "tenant-1" || len(got.EntityPath) != 2 {
		t.Error("expected tenant and entity path stamped from the session")
	}
	if store.counters["messages_received"] != 1 {
		t.Errorf("expected messages_received=1, got %d", store.counters["messages_received"])
	}
}

func TestHandleIncomingSenderResolution(t *testing.T) {
	store := newFakeMessageStore()
	dir := &fakeDirectory{users: map[string]models.User{
		"+15550002222": {ID: "user-9", FirstName: "Dana", LastName: "Reyes"},
	}}
	p := newTestPipeline(store, dir, nil)
	sess := testSession()

	known := protocol.IncomingMessage{ExternalID: "ext-known", From: "15550002222@c.net", To: sess.NativeID}
	unknown := protocol.IncomingMessage{ExternalID: "ext-unknown", From: "15550009999@c.net", To: sess.NativeID, SenderName: "Stranger"}
	if err := p.HandleIncoming(context.Background(), sess, nil, known); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	if err := p.HandleIncoming(context.Background(), sess, nil, unknown); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	k := store.byExternalID["ext-known"]
	if k.IsExternalSender || k.SenderUserID != "user-9" || k.SenderName != "Dana Reyes" {
		t.Errorf("registered sender not resolved: %+v", k)
	}
	u := store.byExternalID["ext-unknown"]
	if !u.IsExternalSender || u.SenderUserID != "" || u.SenderName != "Stranger" {
		t.Errorf("external sender not tagged: %+v", u)
	}
}

func TestHandleIncomingGroupConversation(t *testing.T) {
	store := newFakeMessageStore()
	p := newTestPipeline(store, nil, nil)

	msg := protocol.IncomingMessage{
		ExternalID: "ext-g", From: "15550002222@c.net", To: "group-abc@g.net",
		IsGroup: true, GroupName: "Ops Team",
	}
	if err := p.HandleIncoming(context.Background(), testSession(), nil, msg); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	if got := store.byExternalID["ext-g"].ConversationID; got != "Ops Team" {
		t.Errorf("expected group conversation id, got %q", got)
	}
}

func TestHandleIncomingReplyLinkage(t *testing.T) {
	store := newFakeMessageStore()
	p := newTestPipeline(store, nil, nil)
	sess := testSession()

	orig := protocol.IncomingMessage{ExternalID: "ext-orig", From: "15550002222@c.net", Content: "original", SenderName: "Alex"}
	if err := p.HandleIncoming(context.Background(), sess, nil, orig); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	reply := protocol.IncomingMessage{ExternalID: "ext-reply", From: "15550003333@c.net", Content: "reply", QuotedExternalID: "ext-orig"}
	if err := p.HandleIncoming(context.Background(), sess, nil, reply); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	got := store.byExternalID["ext-reply"]
	if got.Quoted == nil {
		t.Fatal("expected quoted summary to be embedded")
	}
	if got.Quoted.ExternalID != "ext-orig" || got.Quoted.Content != "original" {
		t.Errorf("unexpected quoted summary: %+v", got.Quoted)
	}

	// quoting a message we never saw keeps the reply without a quote
	dangling := protocol.IncomingMessage{ExternalID: "ext-dangling", From: "15550003333@c.net", QuotedExternalID: "ext-missing"}
	if err := p.HandleIncoming(context.Background(), sess, nil, dangling); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	if store.byExternalID["ext-dangling"].Quoted != nil {
		t.Error("expected no quote for unknown quoted message")
	}
}

func TestHandleIncomingMediaOffload(t *testing.T) {
	store := newFakeMessageStore()
	storage := &fakeStorage{}
	p := newTestPipeline(store, nil, storage)

	msg := protocol.IncomingMessage{
		ExternalID: "ext-m", From: "15550002222@c.net", Type: "image",
		HasMedia: true, MediaID: "media-1",
	}
	if err := p.HandleIncoming(context.Background(), testSession(), &fakeMedia{}, msg); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	got := store.byExternalID["ext-m"]
	if got.MediaRef != "proxy://ext-m" {
		t.Errorf("expected proxy reference, got %q", got.MediaRef)
	}
	if got.Type != models.MessageTypeImage {
		t.Errorf("expected image type, got %s", got.Type)
	}
}

func TestHandleIncomingMediaFailureKeepsMessage(t *testing.T) {
	store := newFakeMessageStore()
	p := newTestPipeline(store, nil, nil)

	msg := protocol.IncomingMessage{
		ExternalID: "ext-mf", From: "15550002222@c.net", Type: "image",
		HasMedia: true, MediaID: "media-1",
	}
	if err := p.HandleIncoming(context.Background(), testSession(), &fakeMedia{fail: true}, msg); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	got, ok := store.byExternalID["ext-mf"]
	if !ok {
		t.Fatal("expected message to be kept despite media failure")
	}
	if got.MediaRef != "" {
		t.Errorf("expected empty media ref, got %q", got.MediaRef)
	}
}

func TestRecordOutbound(t *testing.T) {
	store := newFakeMessageStore()
	p := newTestPipeline(store, nil, nil)

	if err := p.RecordOutbound(context.Background(), testSession(), "ext-out", "15550002222@c.net", "hi"); err != nil {
		t.Fatalf("RecordOutbound failed: %v", err)
	}
	got := store.byExternalID["ext-out"]
	if got.Direction != models.DirectionOutbound || got.DeliveryStatus != models.DeliverySent {
		t.Errorf("unexpected outbound record: %+v", got)
	}
	if store.counters["messages_sent"] != 1 {
		t.Errorf("expected messages_sent=1, got %d", store.counters["messages_sent"])
	}
}

func TestHandleAck(t *testing.T) {
	store := newFakeMessageStore()
	p := newTestPipeline(store, nil, nil)
	sess := testSession()

	if err := p.RecordOutbound(context.Background(), sess, "ext-out", "15550002222@c.net", "hi"); err != nil {
		t.Fatalf("RecordOutbound failed: %v", err)
	}

	if err := p.HandleAck(context.Background(), sess, protocol.Ack{ExternalID: "ext-out", Code: 2}); err != nil {
		t.Fatalf("HandleAck failed: %v", err)
	}
	if got := store.byExternalID["ext-out"].DeliveryStatus; got != models.DeliveryDelivered {
		t.Errorf("expected DELIVERED, got %s", got)
	}
	if store.counters["messages_delivered"] != 1 {
		t.Errorf("expected messages_delivered=1, got %d", store.counters["messages_delivered"])
	}

	if err := p.HandleAck(context.Background(), sess, protocol.Ack{ExternalID: "ext-out", Code: -1}); err != nil {
		t.Fatalf("HandleAck failed: %v", err)
	}
	if store.counters["messages_failed"] != 1 {
		t.Errorf("expected messages_failed=1, got %d", store.counters["messages_failed"])
	}

	// acks for unknown messages are ignored
	if err := p.HandleAck(context.Background(), sess, protocol.Ack{ExternalID: "ext-unknown", Code: 2}); err != nil {
		t.Fatalf("expected unknown ack to be ignored, got %v", err)
	}
}
