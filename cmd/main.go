package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coni04123/unicx-integration/internal/api"
	"github.com/coni04123/unicx-integration/internal/config"
	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/dlq"
	"github.com/coni04123/unicx-integration/internal/events"
	"github.com/coni04123/unicx-integration/internal/health"
	"github.com/coni04123/unicx-integration/internal/ingest"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/platform"
	"github.com/coni04123/unicx-integration/internal/protocol"
	"github.com/coni04123/unicx-integration/internal/providers"
	"github.com/coni04123/unicx-integration/internal/registry"
	"github.com/coni04123/unicx-integration/internal/session"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Migrate and connect to database
	if err := db.Migrate(ctx, cfg.DB.DSN); err != nil {
		logger.Errorf("Failed to run migrations: %v", err)
		log.Fatalf("Database migration failed: %v", err)
	}
	dbConn, err := db.New(cfg.DB.DSN)
	if err != nil {
		logger.Errorf("Failed to connect to database: %v", err)
		log.Fatalf("Database connection failed: %v", err)
	}
	defer dbConn.Close()

	reg := registry.New()
	broadcaster := events.NewBroadcaster(logger)
	queue := dlq.NewQueue(dbConn, logger, cfg.Kafka.Brokers)

	entities := platform.NewEntityClient(cfg.Entity.BaseURL, cfg.Entity.SystemEntityID)
	storage := platform.NewStorageClient(cfg.Storage.BaseURL)
	pipeline := ingest.NewPipeline(dbConn, dbConn, storage, logger, cfg.Storage.Folder)

	factory := protocol.Factory(func(sessionID string, h protocol.Handlers) (protocol.Client, error) {
		return protocol.NewBridgeClient(sessionID, cfg.Protocol.BrowserPath, cfg.Protocol.DataDir, h)
	})
	notifyPairing := func(to, code string, expiresAt time.Time) error {
		return providers.SendPairingEmail(cfg, to, code, expiresAt)
	}

	pairingNotifyTopic := cfg.Kafka.RetryTopic + ".pairing-notify"
	pairingRegenTopic := cfg.Kafka.RetryTopic + ".pairing-regen"
	alertTopic := cfg.Kafka.RetryTopic + ".alerts"

	manager := session.NewManager(dbConn, dbConn, reg, broadcaster, pipeline, entities, queue, factory, notifyPairing, logger, session.Config{
		PairingTTL:         cfg.Pairing.CodeTTL,
		EmailNotify:        cfg.Pairing.EmailNotify,
		MaxRetries:         cfg.Retry.MaxRetries,
		RetryDelay:         cfg.Retry.Delay,
		PairingNotifyTopic: pairingNotifyTopic,
		PairingRegenTopic:  pairingRegenTopic,
		Subscription:       cfg.Kafka.GroupID,
	})

	var notifyAlert health.Notifier
	if cfg.Telegram.NotifyOnAlerts {
		notifyAlert = func(ctx context.Context, alert models.Alert) error {
			return providers.SendAlertTelegram(ctx, cfg, logger, alert)
		}
	}
	checker := health.NewScheduler(dbConn, reg, broadcaster, queue, notifyAlert, logger, health.Config{
		Interval:         cfg.Health.Interval,
		FailureThreshold: cfg.Health.FailureThreshold,
		MaxConnectionAge: cfg.Health.MaxConnectionAge,
		PairingMaxAge:    cfg.Pairing.MaxAge,
		AlertTopic:       alertTopic,
		Subscription:     cfg.Kafka.GroupID,
		MaxRetries:       cfg.Retry.MaxRetries,
		RetryDelay:       cfg.Retry.Delay,
	})

	// Retry processors replay deferred side effects
	processors := []*dlq.Processor{
		dlq.NewProcessor(dbConn, logger, cfg.Kafka.Brokers, pairingNotifyTopic, cfg.Kafka.GroupID,
			func(ctx context.Context, payload json.RawMessage) error {
				var p models.PairingNotificationPayload
				if err := json.Unmarshal(payload, &p); err != nil {
					return err
				}
				if time.Now().After(p.ExpiresAt) {
					logger.Warnf("Pairing code for session %s expired before notification, dropping", p.SessionID)
					return nil
				}
				return providers.SendPairingEmail(cfg, p.Email, p.Code, p.ExpiresAt)
			}),
		dlq.NewProcessor(dbConn, logger, cfg.Kafka.Brokers, pairingRegenTopic, cfg.Kafka.GroupID,
			func(ctx context.Context, payload json.RawMessage) error {
				var p models.PairingRegeneratePayload
				if err := json.Unmarshal(payload, &p); err != nil {
					return err
				}
				_, err := manager.RegeneratePairingCode(ctx, p.SessionID)
				return err
			}),
		dlq.NewProcessor(dbConn, logger, cfg.Kafka.Brokers, alertTopic, cfg.Kafka.GroupID,
			func(ctx context.Context, payload json.RawMessage) error {
				var p models.AlertNotificationPayload
				if err := json.Unmarshal(payload, &p); err != nil {
					return err
				}
				alert, err := dbConn.GetAlert(ctx, p.AlertID)
				if err != nil {
					if errors.Is(err, db.ErrNotFound) {
						return nil
					}
					return err
				}
				return providers.SendAlertTelegram(ctx, cfg, logger, alert)
			}),
	}
	for _, p := range processors {
		go p.Run(ctx)
	}

	// Re-establish handles for sessions that were live before the restart
	go func() {
		if err := manager.ReconnectActiveSessions(ctx); err != nil {
			logger.Errorf("Reconnection sweep failed: %v", err)
		}
	}()

	go checker.Run(ctx)

	// Start API server
	router := api.NewRouter(dbConn, manager, checker, broadcaster, logger, cfg)
	server := &http.Server{Addr: cfg.API.Port, Handler: router}
	go func() {
		logger.Infof("Starting API server on %s", cfg.API.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Infof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API server shutdown failed: %v", err)
	}
	for _, p := range processors {
		if err := p.Close(); err != nil {
			logger.Errorf("Processor shutdown failed: %v", err)
		}
	}
	for _, id := range reg.SessionIDs() {
		if client, ok := reg.Remove(id); ok {
			_ = client.Destroy(shutdownCtx)
		}
	}
	logger.Infof("Shutdown complete")
}
