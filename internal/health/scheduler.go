// Package health runs the periodic supervision sweep over every session and
// turns sustained failures into operator alerts.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/dlq"
	"github.com/coni04123/unicx-integration/internal/events"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/protocol"
)

// Store is the persistence surface the scheduler needs; *db.DB satisfies it.
type Store interface {
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)

	InsertHealthCheck(ctx context.Context, r models.HealthCheckRecord) error
	LatestHealthCheck(ctx context.Context, sessionID string) (models.HealthCheckRecord, error)
	StampHealthCheckAlert(ctx context.Context, recordID, alertID string) error

	CreateAlert(ctx context.Context, a models.Alert) error
	GetOpenAlert(ctx context.Context, sessionID string, alertType models.AlertType) (models.Alert, error)
	TouchAlert(ctx context.Context, id, description string) error
	ResolveOpenAlerts(ctx context.Context, sessionID string, types []models.AlertType, note string) ([]models.Alert, error)
}

// Handles exposes the live connection map; *registry.Registry satisfies it.
type Handles interface {
	Get(sessionID string) (protocol.Client, bool)
}

// Enqueuer defers failed operator notifications to the retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload interface{}, cause error, opts dlq.Options) (models.RetryEnvelope, error)
}

// Notifier pushes an alert to the operator channel. Best-effort.
type Notifier func(ctx context.Context, alert models.Alert) error

// Config tunes the supervision sweep.
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	MaxConnectionAge time.Duration
	PairingMaxAge    time.Duration
	AlertTopic       string
	Subscription     string
	MaxRetries       int
	RetryDelay       time.Duration
}

// alertTypes are the incident classes the sweep manages; recovery resolves
// all of them at once.
var alertTypes = []models.AlertType{
	models.AlertConnectionLost,
	models.AlertAccountBlocked,
	models.AlertPairingExpired,
}

// Scheduler probes every supervised session on a fixed interval. One
// session's failure never aborts a sweep.
type Scheduler struct {
	store  Store
	reg    Handles
	events *events.Broadcaster
	queue  Enqueuer
	notify Notifier
	logger *logging.Logger
	cfg    Config

	now func() time.Time
}

func NewScheduler(store Store, reg Handles, broadcaster *events.Broadcaster, queue Enqueuer, notify Notifier, logger *logging.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxConnectionAge <= 0 {
		cfg.MaxConnectionAge = 24 * time.Hour
	}
	if cfg.PairingMaxAge <= 0 {
		cfg.PairingMaxAge = 10 * time.Minute
	}
	return &Scheduler{
		store:  store,
		reg:    reg,
		events: broadcaster,
		queue:  queue,
		notify: notify,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce probes every supervised session once.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	sessions, err := s.store.ListSessionsByStatus(ctx,
		models.StatusConnecting, models.StatusPairingRequired,
		models.StatusAuthenticated, models.StatusReady,
		models.StatusFailed, models.StatusDisconnected,
	)
	if err != nil {
		s.logger.Errorf("Health sweep failed to list sessions: %v", err)
		return
	}

	for _, sess := range sessions {
		if _, err := s.checkOne(ctx, sess, models.CheckTypeScheduled); err != nil {
			s.logger.Errorf("Health check failed for session %s: %v", sess.SessionID, err)
		}
	}
	s.logger.Debugf("Health sweep finished: %d sessions", len(sessions))
}

// CheckSession runs one manual probe.
func (s *Scheduler) CheckSession(ctx context.Context, sessionID string) (models.HealthCheckRecord, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.HealthCheckRecord{}, err
	}
	return s.checkOne(ctx, sess, models.CheckTypeManual)
}

// CheckSessionsForUser runs manual probes over all of one user's sessions.
func (s *Scheduler) CheckSessionsForUser(ctx context.Context, userID string) ([]models.HealthCheckRecord, error) {
	sessions, err := s.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	records := make([]models.HealthCheckRecord, 0, len(sessions))
	for _, sess := range sessions {
		r, err := s.checkOne(ctx, sess, models.CheckTypeManual)
		if err != nil {
			s.logger.Errorf("Health check failed for session %s: %v", sess.SessionID, err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// checkOne evaluates the ordered probes for one session, appends the record,
// and reconciles alerts.
func (s *Scheduler) checkOne(ctx context.Context, sess models.Session, checkType models.CheckType) (models.HealthCheckRecord, error) {
	started := s.now()
	result, alertType, detail := s.evaluate(sess)

	record := models.HealthCheckRecord{
		ID:           uuid.New().String(),
		SessionID:    sess.SessionID,
		TenantID:     sess.TenantID,
		CheckType:    checkType,
		Result:       result,
		ResponseTime: s.now().Sub(started).Milliseconds(),
		ErrorDetail:  detail,
		CheckedAt:    s.now(),
	}

	// the failure streak is carried from the previous record
	prev, err := s.store.LatestHealthCheck(ctx, sess.SessionID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return models.HealthCheckRecord{}, err
	}
	switch result {
	case models.CheckFailed:
		record.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	case models.CheckWarning:
		record.ConsecutiveFailures = prev.ConsecutiveFailures
	}

	if err := s.store.InsertHealthCheck(ctx, record); err != nil {
		return models.HealthCheckRecord{}, err
	}

	switch result {
	case models.CheckSuccess:
		if err := s.resolveAlerts(ctx, sess); err != nil {
			return record, err
		}
	case models.CheckFailed:
		if record.ConsecutiveFailures >= s.cfg.FailureThreshold {
			if err := s.raiseAlert(ctx, sess, &record, alertType, models.SeverityCritical, detail); err != nil {
				return record, err
			}
		}
	case models.CheckWarning:
		if err := s.raiseAlert(ctx, sess, &record, alertType, models.SeverityWarning, detail); err != nil {
			return record, err
		}
	}

	s.events.Publish(models.Event{
		Type:      models.EventHealth,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Data: map[string]any{
			"result":               string(record.Result),
			"consecutive_failures": record.ConsecutiveFailures,
			"detail":               detail,
		},
		Timestamp: s.now(),
	})
	return record, nil
}

// evaluate applies the ordered probes; the first finding wins.
func (s *Scheduler) evaluate(sess models.Session) (models.CheckResult, models.AlertType, string) {
	switch sess.Status {
	case models.StatusFailed:
		detail := sess.LastError
		if detail == "" {
			detail = "session is in FAILED status"
		}
		return models.CheckFailed, models.AlertAccountBlocked, detail
	case models.StatusDisconnected:
		// operator-requested teardowns leave last_error empty; only an
		// unexpected drop counts as a failure
		if sess.LastError == "" {
			return models.CheckSuccess, "", ""
		}
		return models.CheckFailed, models.AlertConnectionLost, sess.LastError
	}

	if sess.Status == models.StatusReady || sess.Status == models.StatusAuthenticated {
		if _, ok := s.reg.Get(sess.SessionID); !ok {
			return models.CheckFailed, models.AlertConnectionLost,
				fmt.Sprintf("session is %s but has no live connection handle", sess.Status)
		}
		if sess.ConnectedAt != nil && s.now().Sub(*sess.ConnectedAt) > s.cfg.MaxConnectionAge {
			return models.CheckWarning, models.AlertConnectionLost,
				fmt.Sprintf("connection older than %s, re-pairing recommended", s.cfg.MaxConnectionAge)
		}
	}

	if sess.Status == models.StatusPairingRequired &&
		sess.PairingCodeIssuedAt != nil &&
		s.now().Sub(*sess.PairingCodeIssuedAt) > s.cfg.PairingMaxAge {
		return models.CheckWarning, models.AlertPairingExpired,
			fmt.Sprintf("pairing has been outstanding for more than %s", s.cfg.PairingMaxAge)
	}

	return models.CheckSuccess, "", ""
}

// raiseAlert opens a new alert or records another occurrence of the existing
// OPEN one, stamps the triggering record, and notifies the operator for new
// incidents.
func (s *Scheduler) raiseAlert(ctx context.Context, sess models.Session, record *models.HealthCheckRecord, alertType models.AlertType, severity models.AlertSeverity, detail string) error {
	existing, err := s.store.GetOpenAlert(ctx, sess.SessionID, alertType)
	if err == nil {
		if err := s.store.TouchAlert(ctx, existing.ID, detail); err != nil {
			return err
		}
		record.AlertTriggered = true
		record.AlertID = existing.ID
		return s.store.StampHealthCheckAlert(ctx, record.ID, existing.ID)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	alert := models.Alert{
		ID:              uuid.New().String(),
		Type:            alertType,
		Severity:        severity,
		Status:          models.AlertOpen,
		SessionID:       sess.SessionID,
		UserID:          sess.UserID,
		EntityID:        sess.EntityID,
		TenantID:        sess.TenantID,
		Description:     detail,
		OccurrenceCount: 1,
		FirstOccurredAt: s.now(),
		LastOccurredAt:  s.now(),
	}
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return err
	}
	record.AlertTriggered = true
	record.AlertID = alert.ID
	if err := s.store.StampHealthCheckAlert(ctx, record.ID, alert.ID); err != nil {
		return err
	}

	s.logger.Warnf("Alert %s (%s) opened for session %s: %s", alert.ID, alertType, sess.SessionID, detail)
	s.notifyOperator(ctx, alert)
	return nil
}

// resolveAlerts closes every OPEN alert for a recovered session.
func (s *Scheduler) resolveAlerts(ctx context.Context, sess models.Session) error {
	resolved, err := s.store.ResolveOpenAlerts(ctx, sess.SessionID, alertTypes, "recovered")
	if err != nil {
		return err
	}
	for _, a := range resolved {
		s.logger.Infof("Alert %s (%s) auto-resolved for session %s", a.ID, a.Type, sess.SessionID)
		s.notifyOperator(ctx, a)
	}
	return nil
}

// notifyOperator is best-effort: a failed push is deferred to the retry
// queue, never propagated into the sweep.
func (s *Scheduler) notifyOperator(ctx context.Context, alert models.Alert) {
	if s.notify == nil {
		return
	}
	err := s.notify(ctx, alert)
	if err == nil {
		return
	}

	s.logger.Errorf("Operator notification for alert %s failed, deferring: %v", alert.ID, err)
	payload := models.AlertNotificationPayload{
		AlertID:   alert.ID,
		SessionID: alert.SessionID,
		Summary:   fmt.Sprintf("%s [%s]: %s", alert.Type, alert.Status, alert.Description),
	}
	if _, qerr := s.queue.Enqueue(ctx, payload, err, dlq.Options{
		Topic:        s.cfg.AlertTopic,
		Subscription: s.cfg.Subscription,
		MaxRetries:   s.cfg.MaxRetries,
		RetryDelay:   s.cfg.RetryDelay,
	}); qerr != nil {
		s.logger.Errorf("Failed to defer notification for alert %s: %v", alert.ID, qerr)
	}
}
