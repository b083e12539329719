package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
)

var testNow = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

type fakeEnvelopeStore struct {
	envs map[string]models.RetryEnvelope
}

func newFakeEnvelopeStore() *fakeEnvelopeStore {
	return &fakeEnvelopeStore{envs: make(map[string]models.RetryEnvelope)}
}

func (s *fakeEnvelopeStore) CreateEnvelope(ctx context.Context, e models.RetryEnvelope) error {
	e.CreatedAt = testNow
	s.envs[e.ID] = e
	return nil
}

func (s *fakeEnvelopeStore) GetEnvelope(ctx context.Context, id string) (models.RetryEnvelope, error) {
	e, ok := s.envs[id]
	if !ok {
		return models.RetryEnvelope{}, db.ErrNotFound
	}
	return e, nil
}

func (s *fakeEnvelopeStore) CompleteEnvelope(ctx context.Context, id string) error {
	e, ok := s.envs[id]
	if !ok {
		return db.ErrNotFound
	}
	e.Status = models.RetryCompleted
	s.envs[id] = e
	return nil
}

func (s *fakeEnvelopeStore) BumpEnvelopeRetry(ctx context.Context, id, lastError string, nextRetryAt time.Time) (models.RetryEnvelope, error) {
	e, ok := s.envs[id]
	if !ok {
		return models.RetryEnvelope{}, db.ErrNotFound
	}
	e.RetryCount++
	e.LastError = lastError
	e.NextRetryAt = nextRetryAt
	s.envs[id] = e
	return e, nil
}

func (s *fakeEnvelopeStore) FailEnvelope(ctx context.Context, id, lastError string) error {
	e, ok := s.envs[id]
	if !ok {
		return db.ErrNotFound
	}
	e.Status = models.RetryFailed
	e.LastError = lastError
	s.envs[id] = e
	return nil
}

type fakeWriter struct{ messages []kafka.Message }

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

type fakeFetcher struct {
	queue     []kafka.Message
	committed []kafka.Message
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.queue) == 0 {
		return kafka.Message{}, context.Canceled
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeFetcher) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func newTestQueue(store *fakeEnvelopeStore, writer *fakeWriter) *Queue {
	return &Queue{
		store:    store,
		logger:   logging.NewNop(),
		writerFn: func(topic string) Writer { return writer },
		now:      func() time.Time { return testNow },
	}
}

func newTestProcessor(store *fakeEnvelopeStore, fetcher *fakeFetcher, retry, dead *fakeWriter, handler Handler) *Processor {
	return &Processor{
		store:      store,
		logger:     logging.NewNop(),
		fetcher:    fetcher,
		retryWrite: retry,
		deadWrite:  dead,
		handler:    handler,
		now:        func() time.Time { return testNow },
		pause:      func(context.Context, time.Duration) {},
	}
}

func wireFor(t *testing.T, envelopeID string) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(wireMessage{EnvelopeID: envelopeID, Error: "initial failure"})
	if err != nil {
		t.Fatalf("marshal wire message: %v", err)
	}
	return kafka.Message{Key: []byte(envelopeID), Value: raw}
}

func TestEnqueuePersistsAndForwards(t *testing.T) {
	store := newFakeEnvelopeStore()
	writer := &fakeWriter{}
	q := newTestQueue(store, writer)

	env, err := q.Enqueue(context.Background(), models.PairingNotificationPayload{SessionID: "sess-1"},
		errors.New("smtp unavailable"), Options{Topic: "t", Subscription: "s", MaxRetries: 3, RetryDelay: time.Minute})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stored := store.envs[env.ID]
	if stored.Status != models.RetryPending {
		t.Errorf("expected PENDING, got %s", stored.Status)
	}
	if stored.RetryCount != 0 || stored.MaxRetries != 3 {
		t.Errorf("unexpected retry bookkeeping: %+v", stored)
	}
	if !stored.NextRetryAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("expected next retry at now+delay, got %v", stored.NextRetryAt)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 wire message, got %d", len(writer.messages))
	}
	var wire wireMessage
	if err := json.Unmarshal(writer.messages[0].Value, &wire); err != nil {
		t.Fatalf("unmarshal wire message: %v", err)
	}
	if wire.EnvelopeID != env.ID || wire.Error != "smtp unavailable" {
		t.Errorf("unexpected wire message: %+v", wire)
	}
}

func TestProcessorCompletesEnvelope(t *testing.T) {
	store := newFakeEnvelopeStore()
	env := models.RetryEnvelope{ID: "env-1", MaxRetries: 3, NextRetryAt: testNow.Add(-time.Second), Status: models.RetryPending}
	store.envs[env.ID] = env

	var handled int
	p := newTestProcessor(store, &fakeFetcher{}, &fakeWriter{}, &fakeWriter{}, func(ctx context.Context, payload json.RawMessage) error {
		handled++
		return nil
	})

	if err := p.handleMessage(context.Background(), wireFor(t, "env-1")); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if handled != 1 {
		t.Errorf("expected 1 handler call, got %d", handled)
	}
	if store.envs["env-1"].Status != models.RetryCompleted {
		t.Errorf("expected COMPLETED, got %s", store.envs["env-1"].Status)
	}
}

func TestProcessorRedeliversWhenNotDue(t *testing.T) {
	store := newFakeEnvelopeStore()
	store.envs["env-1"] = models.RetryEnvelope{ID: "env-1", MaxRetries: 3, NextRetryAt: testNow.Add(time.Minute), Status: models.RetryPending}

	retry := &fakeWriter{}
	var handled int
	p := newTestProcessor(store, &fakeFetcher{}, retry, &fakeWriter{}, func(ctx context.Context, payload json.RawMessage) error {
		handled++
		return nil
	})
	var paused []time.Duration
	p.pause = func(_ context.Context, d time.Duration) { paused = append(paused, d) }

	if err := p.handleMessage(context.Background(), wireFor(t, "env-1")); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if handled != 0 {
		t.Error("expected the handler to be skipped before the retry is due")
	}
	if len(retry.messages) != 1 {
		t.Errorf("expected the wire message to be put back, got %d writes", len(retry.messages))
	}
	// the hold is capped so a long backoff never stalls the consumer
	if len(paused) != 1 || paused[0] != maxRedeliverPause {
		t.Errorf("expected one capped pause of %v, got %v", maxRedeliverPause, paused)
	}

	store.envs["env-1"] = models.RetryEnvelope{ID: "env-1", MaxRetries: 3, NextRetryAt: testNow.Add(2 * time.Second), Status: models.RetryPending}
	paused = nil
	if err := p.handleMessage(context.Background(), wireFor(t, "env-1")); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if len(paused) != 1 || paused[0] != 2*time.Second {
		t.Errorf("expected a pause for the remaining backoff, got %v", paused)
	}
}

func TestProcessorExhaustsRetryBudget(t *testing.T) {
	store := newFakeEnvelopeStore()
	store.envs["env-1"] = models.RetryEnvelope{
		ID: "env-1", MaxRetries: 3, CreatedAt: testNow.Add(-time.Minute),
		NextRetryAt: testNow.Add(-time.Second), Status: models.RetryPending,
	}

	retry := &fakeWriter{}
	dead := &fakeWriter{}
	var handled int
	p := newTestProcessor(store, &fakeFetcher{}, retry, dead, func(ctx context.Context, payload json.RawMessage) error {
		handled++
		return errors.New("still failing")
	})

	// advance the clock past each backoff so every delivery is due
	current := testNow
	p.now = func() time.Time { return current }

	msg := wireFor(t, "env-1")
	for i := 0; i < 3; i++ {
		if err := p.handleMessage(context.Background(), msg); err != nil {
			t.Fatalf("handleMessage attempt %d failed: %v", i+1, err)
		}
		current = current.Add(10 * time.Minute)
	}

	if handled != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", handled)
	}
	env := store.envs["env-1"]
	if env.Status != models.RetryFailed {
		t.Errorf("expected FAILED after exhaustion, got %s", env.Status)
	}
	if env.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", env.RetryCount)
	}
	// first two failures redeliver, the third dead-letters
	if len(retry.messages) != 2 {
		t.Errorf("expected 2 redeliveries, got %d", len(retry.messages))
	}
	if len(dead.messages) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dead.messages))
	}
	var gotReason bool
	for _, h := range dead.messages[0].Headers {
		if h.Key == "reason" && string(h.Value) == "retry budget exhausted" {
			gotReason = true
		}
	}
	if !gotReason {
		t.Error("expected a reason header on the dead-lettered message")
	}

	// a terminal envelope is never re-processed
	if err := p.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage on terminal envelope failed: %v", err)
	}
	if handled != 3 {
		t.Errorf("expected no further attempts on a terminal envelope, got %d", handled)
	}
}

func TestProcessorSkipsMissingEnvelope(t *testing.T) {
	p := newTestProcessor(newFakeEnvelopeStore(), &fakeFetcher{}, &fakeWriter{}, &fakeWriter{}, func(ctx context.Context, payload json.RawMessage) error {
		t.Fatal("handler must not run for a missing envelope")
		return nil
	})
	if err := p.handleMessage(context.Background(), wireFor(t, "env-missing")); err != nil {
		t.Fatalf("expected missing envelope to be acknowledged and skipped, got %v", err)
	}
}

func TestProcessorSkipsMalformedMessage(t *testing.T) {
	p := newTestProcessor(newFakeEnvelopeStore(), &fakeFetcher{}, &fakeWriter{}, &fakeWriter{}, nil)
	if err := p.handleMessage(context.Background(), kafka.Message{Value: []byte("not json")}); err != nil {
		t.Fatalf("expected malformed message to be skipped, got %v", err)
	}
}

func TestRunCommitsSettledMessages(t *testing.T) {
	store := newFakeEnvelopeStore()
	store.envs["env-1"] = models.RetryEnvelope{ID: "env-1", MaxRetries: 3, NextRetryAt: testNow.Add(-time.Second), Status: models.RetryPending}

	fetcher := &fakeFetcher{queue: []kafka.Message{wireFor(t, "env-1")}}
	p := newTestProcessor(store, fetcher, &fakeWriter{}, &fakeWriter{}, func(ctx context.Context, payload json.RawMessage) error {
		return nil
	})

	p.Run(context.Background()) // returns once the fetcher drains

	if len(fetcher.committed) != 1 {
		t.Errorf("expected the settled message to be committed, got %d", len(fetcher.committed))
	}
}
