// Package dlq is the persisted retry / dead-letter queue: fallible side
// effects are captured as retry envelopes and replayed through Kafka instead
// of failing the operation that triggered them.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
)

// EnvelopeStore is the persistence surface the queue needs; *db.DB satisfies it.
type EnvelopeStore interface {
	CreateEnvelope(ctx context.Context, e models.RetryEnvelope) error
	GetEnvelope(ctx context.Context, id string) (models.RetryEnvelope, error)
	CompleteEnvelope(ctx context.Context, id string) error
	BumpEnvelopeRetry(ctx context.Context, id, lastError string, nextRetryAt time.Time) (models.RetryEnvelope, error)
	FailEnvelope(ctx context.Context, id, lastError string) error
}

// Writer is the producing half of the wire broker; *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// wireMessage is what actually travels on the broker: the envelope id plus an
// error summary. The payload itself stays in the store.
type wireMessage struct {
	EnvelopeID string `json:"envelope_id"`
	Error      string `json:"error"`
}

// Options describes where and how a deferred unit of work is retried.
type Options struct {
	Topic        string
	Subscription string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Queue persists retry envelopes and forwards their wire messages.
type Queue struct {
	store    EnvelopeStore
	logger   *logging.Logger
	writerFn func(topic string) Writer
	now      func() time.Time
}

// NewQueue builds a queue producing through the given brokers.
func NewQueue(store EnvelopeStore, logger *logging.Logger, brokers []string) *Queue {
	return &Queue{
		store:  store,
		logger: logger,
		writerFn: func(topic string) Writer {
			return &kafka.Writer{
				Addr:     kafka.TCP(brokers...),
				Topic:    topic,
				Balancer: &kafka.LeastBytes{},
			}
		},
		now: time.Now,
	}
}

// Enqueue captures a failed side effect: it persists a PENDING envelope and
// forwards a wire message to the target topic. The payload is opaque to the
// queue.
func (q *Queue) Enqueue(ctx context.Context, payload interface{}, cause error, opts Options) (models.RetryEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.RetryEnvelope{}, fmt.Errorf("failed to encode retry payload: %w", err)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	env := models.RetryEnvelope{
		ID:           uuid.New().String(),
		Topic:        opts.Topic,
		Subscription: opts.Subscription,
		Payload:      raw,
		LastError:    errText,
		RetryCount:   0,
		MaxRetries:   opts.MaxRetries,
		NextRetryAt:  q.now().Add(opts.RetryDelay),
		Status:       models.RetryPending,
	}
	if err := q.store.CreateEnvelope(ctx, env); err != nil {
		return models.RetryEnvelope{}, err
	}

	wire, err := json.Marshal(wireMessage{EnvelopeID: env.ID, Error: errText})
	if err != nil {
		return models.RetryEnvelope{}, fmt.Errorf("failed to encode wire message: %w", err)
	}
	msg := kafka.Message{Key: []byte(env.ID), Value: wire}
	if err := q.writerFn(opts.Topic).WriteMessages(ctx, msg); err != nil {
		return models.RetryEnvelope{}, fmt.Errorf("failed to forward retry envelope %s: %w", env.ID, err)
	}

	q.logger.Infof("Enqueued retry envelope %s on %s (max_retries=%d)", env.ID, opts.Topic, opts.MaxRetries)
	return env, nil
}
