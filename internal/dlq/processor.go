package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
)

// Handler resumes one deferred unit of work from its stored payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Fetcher is the consuming half of the wire broker; *kafka.Reader satisfies it.
// The broker's consumer-group/commit semantics stand in for peek-lock: a
// message is only committed once its outcome is settled.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Processor pulls wire messages for one (topic, subscription) pair and drives
// the retry state machine of their envelopes.
type Processor struct {
	store      EnvelopeStore
	logger     *logging.Logger
	fetcher    Fetcher
	retryWrite Writer // same topic, for redelivery (abandon)
	deadWrite  Writer // native dead-letter sink
	handler    Handler
	now        func() time.Time
	pause      func(ctx context.Context, d time.Duration)
}

// maxRedeliverPause caps how long a not-yet-due delivery is held before it is
// produced back to the topic.
const maxRedeliverPause = 5 * time.Second

func waitPause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// NewProcessor builds a processor consuming topic under the subscription's
// consumer group.
func NewProcessor(store EnvelopeStore, logger *logging.Logger, brokers []string, topic, subscription string, handler Handler) *Processor {
	return &Processor{
		store:  store,
		logger: logger,
		fetcher: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  subscription,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
		}),
		retryWrite: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}},
		deadWrite:  &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic + ".dlq", Balancer: &kafka.LeastBytes{}},
		handler:    handler,
		now:        time.Now,
		pause:      waitPause,
	}
}

// Run consumes until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		msg, err := p.fetcher.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Errorf("Fetch wire message failed: %v", err)
			continue
		}

		if err := p.handleMessage(ctx, msg); err != nil {
			p.logger.Errorf("Handle wire message failed: %v", err)
			continue // leave uncommitted for broker redelivery
		}
		if err := p.fetcher.CommitMessages(ctx, msg); err != nil {
			p.logger.Errorf("Commit wire message failed: %v", err)
		}
	}
}

// Close releases the underlying reader.
func (p *Processor) Close() error {
	return p.fetcher.Close()
}

// handleMessage settles one wire message. A nil return means the message may
// be committed: the envelope completed, was redelivered, was dead-lettered, or
// did not exist.
func (p *Processor) handleMessage(ctx context.Context, msg kafka.Message) error {
	var wire wireMessage
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		p.logger.Errorf("Malformed wire message, skipping: %v", err)
		return nil
	}

	env, err := p.store.GetEnvelope(ctx, wire.EnvelopeID)
	if errors.Is(err, db.ErrNotFound) {
		// acknowledge-and-skip: nothing to resume
		p.logger.Warnf("Envelope %s missing, skipping", wire.EnvelopeID)
		return nil
	}
	if err != nil {
		return err
	}

	// terminal envelopes are never re-processed
	if env.Status == models.RetryCompleted || env.Status == models.RetryFailed {
		return nil
	}

	// not due yet: hold this delivery briefly, then put the message back and
	// acknowledge it
	if remaining := env.NextRetryAt.Sub(p.now()); remaining > 0 {
		p.pause(ctx, min(remaining, maxRedeliverPause))
		return p.redeliver(ctx, msg)
	}

	if err := p.handler(ctx, env.Payload); err != nil {
		return p.settleFailure(ctx, env, msg, err)
	}
	return p.store.CompleteEnvelope(ctx, env.ID)
}

func (p *Processor) settleFailure(ctx context.Context, env models.RetryEnvelope, msg kafka.Message, cause error) error {
	delay := env.NextRetryAt.Sub(env.CreatedAt)
	if delay <= 0 {
		delay = time.Minute
	}

	bumped, err := p.store.BumpEnvelopeRetry(ctx, env.ID, cause.Error(), p.now().Add(delay))
	if err != nil {
		return err
	}

	if bumped.RetryCount >= bumped.MaxRetries {
		if err := p.store.FailEnvelope(ctx, env.ID, cause.Error()); err != nil {
			return err
		}
		dead := kafka.Message{
			Key:   msg.Key,
			Value: msg.Value,
			Headers: []kafka.Header{
				{Key: "reason", Value: []byte("retry budget exhausted")},
				{Key: "description", Value: []byte(cause.Error())},
			},
		}
		if err := p.deadWrite.WriteMessages(ctx, dead); err != nil {
			return fmt.Errorf("failed to dead-letter envelope %s: %w", env.ID, err)
		}
		p.logger.Errorf("Envelope %s dead-lettered after %d attempts: %v", env.ID, bumped.RetryCount, cause)
		return nil
	}

	p.logger.Warnf("Envelope %s attempt %d/%d failed, redelivering: %v", env.ID, bumped.RetryCount, bumped.MaxRetries, cause)
	return p.redeliver(ctx, msg)
}

// redeliver abandons the current delivery by producing the wire message back
// to its topic.
func (p *Processor) redeliver(ctx context.Context, msg kafka.Message) error {
	if err := p.retryWrite.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value}); err != nil {
		return fmt.Errorf("failed to redeliver wire message: %w", err)
	}
	return nil
}
