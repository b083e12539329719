// Package events fans session/pairing/health events out to subscribers.
// Delivery is one-way and best-effort: slow or absent subscribers never block
// producers.
package events

import (
	"sync"
	"time"

	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
)

// Subscription is one caller's event stream. Close it with Cancel when done.
type Subscription struct {
	C      chan models.Event
	userID string // empty subscribes to everything
	id     int
	b      *Broadcaster
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.b.remove(s.id)
}

// Broadcaster is a multi-consumer, non-blocking publish primitive.
type Broadcaster struct {
	logger *logging.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

func NewBroadcaster(logger *logging.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[int]*Subscription),
	}
}

// Subscribe registers a stream. A non-empty userID filters to that user's
// sessions; buffer bounds how far a slow consumer may lag before events are
// dropped for it.
func (b *Broadcaster) Subscribe(userID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		C:      make(chan models.Event, buffer),
		userID: userID,
		id:     b.nextID,
		b:      b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.C)
	}
}

// Publish delivers an event to every matching subscriber without blocking;
// events to a full subscriber channel are dropped.
func (b *Broadcaster) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			b.logger.Warnf("dropping %s event for slow subscriber %d", ev.Type, sub.id)
		}
	}
}

// SubscriberCount reports the number of attached streams.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
