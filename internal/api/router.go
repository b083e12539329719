package api

import (
	"github.com/gin-gonic/gin"

	"github.com/coni04123/unicx-integration/internal/config"
	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/events"
	"github.com/coni04123/unicx-integration/internal/health"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/session"
)

func NewRouter(db *db.DB, manager *session.Manager, checker *health.Scheduler, broadcaster *events.Broadcaster, logger *logging.Logger, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	h := NewHandler(db, manager, checker, broadcaster, logger)
	api := r.Group(cfg.API.BasePath)
	{
		// Sessions
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions/:id/status", h.GetSessionStatus)
		api.GET("/sessions/:id/pairing-code", h.GetPairingCode)
		api.POST("/sessions/:id/pairing-code/regenerate", h.RegeneratePairingCode)
		api.POST("/sessions/:id/disconnect", h.DisconnectSession)
		api.POST("/sessions/:id/messages", h.SendMessage)
		api.GET("/sessions/:id/health-checks", h.GetHealthChecks)

		// Messages
		api.GET("/messages", h.ListMessages)
		api.GET("/conversations", h.ListConversations)

		// Health supervision
		api.POST("/health-checks/trigger", h.TriggerHealthCheck)

		// Alerts
		api.GET("/alerts", h.ListAlerts)
		api.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
		api.POST("/alerts/:id/resolve", h.ResolveAlert)
	}

	r.GET("/ws/events", h.StreamEvents)
	r.GET("/health", h.Liveness)
	return r
}
