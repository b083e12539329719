package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coni04123/unicx-integration/internal/db"
	"github.com/coni04123/unicx-integration/internal/events"
	"github.com/coni04123/unicx-integration/internal/health"
	"github.com/coni04123/unicx-integration/internal/logging"
	"github.com/coni04123/unicx-integration/internal/models"
	"github.com/coni04123/unicx-integration/internal/session"
)

type Handler struct {
	db          *db.DB
	manager     *session.Manager
	checker     *health.Scheduler
	broadcaster *events.Broadcaster
	logger      *logging.Logger
}

func NewHandler(db *db.DB, manager *session.Manager, checker *health.Scheduler, broadcaster *events.Broadcaster, logger *logging.Logger) *Handler {
	return &Handler{db: db, manager: manager, checker: checker, broadcaster: broadcaster, logger: logger}
}

type createSessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	EntityID  string `json:"entity_id" binding:"required"`
	TenantID  string `json:"tenant_id"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid request body for session: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	actor := c.GetHeader("X-Actor-ID")
	if actor == "" {
		actor = req.UserID
	}

	sess, err := h.manager.CreateSession(c.Request.Context(), req.SessionID, req.UserID, actor, req.EntityID, req.TenantID)
	if err != nil {
		h.logger.Errorf("Failed to create session %s: %v", req.SessionID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to initialize session", "session": sess})
		return
	}

	h.logger.Infof("Created session: %s", sess.SessionID)
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSessionStatus(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.manager.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Errorf("Failed to get session %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetPairingCode(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.manager.GetPairingCode(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNoPairingCode) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No valid pairing code; regenerate to get a new one"})
			return
		}
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Errorf("Failed to get pairing code for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get pairing code"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.SessionID,
		"code":       sess.PairingCode,
		"image":      sess.PairingCodeImage,
		"issued_at":  sess.PairingCodeIssuedAt,
		"expires_at": sess.PairingCodeExpires,
	})
}

func (h *Handler) RegeneratePairingCode(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.manager.RegeneratePairingCode(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Errorf("Failed to regenerate pairing code for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to regenerate pairing code"})
		return
	}

	h.logger.Infof("Pairing regeneration requested for session: %s", id)
	c.JSON(http.StatusAccepted, sess)
}

func (h *Handler) DisconnectSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Disconnect(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Errorf("Failed to disconnect session %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to disconnect session"})
		return
	}

	h.logger.Infof("Disconnected session: %s", id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": models.StatusDisconnected})
}

type sendMessageRequest struct {
	To      string `json:"to" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	id := c.Param("id")
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid request body for message: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	externalID, err := h.manager.SendMessage(c.Request.Context(), id, req.To, req.Content)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Errorf("Failed to send message on session %s: %v", id, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send message"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session_id": id, "external_id": externalID})
}

func (h *Handler) GetHealthChecks(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.Query("limit"))

	records, err := h.db.ListHealthChecks(c.Request.Context(), id, limit)
	if err != nil {
		h.logger.Errorf("Failed to list health checks for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list health checks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "checks": records})
}

func (h *Handler) ListMessages(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	filter := models.MessageFilter{
		TenantID:       tenantID,
		SessionID:      c.Query("session_id"),
		ConversationID: c.Query("conversation_id"),
		Direction:      models.MessageDirection(c.Query("direction")),
		Status:         models.DeliveryStatus(c.Query("status")),
		Type:           models.MessageType(c.Query("type")),
		Address:        c.Query("address"),
	}
	if t, err := time.Parse(time.RFC3339, c.Query("since")); err == nil {
		filter.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, c.Query("until")); err == nil {
		filter.Until = &t
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	messages, total, err := h.db.ListMessages(c.Request.Context(), filter)
	if err != nil {
		h.logger.Errorf("Failed to list messages: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": total})
}

func (h *Handler) ListConversations(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	conversations, err := h.db.ListConversations(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Errorf("Failed to list conversations for tenant %s: %v", tenantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

type triggerHealthCheckRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (h *Handler) TriggerHealthCheck(c *gin.Context) {
	var req triggerHealthCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid request body for health check: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	switch {
	case req.SessionID != "":
		record, err := h.checker.CheckSession(c.Request.Context(), req.SessionID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
				return
			}
			h.logger.Errorf("Manual health check failed for %s: %v", req.SessionID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Health check failed"})
			return
		}
		c.JSON(http.StatusOK, record)
	case req.UserID != "":
		records, err := h.checker.CheckSessionsForUser(c.Request.Context(), req.UserID)
		if err != nil {
			h.logger.Errorf("Manual health checks failed for user %s: %v", req.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Health checks failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"checks": records})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id or user_id is required"})
	}
}

func (h *Handler) ListAlerts(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	status := models.AlertStatus(c.Query("status"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	alerts, total, err := h.db.ListAlerts(c.Request.Context(), tenantID, status, limit, offset)
	if err != nil {
		h.logger.Errorf("Failed to list alerts for tenant %s: %v", tenantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": total})
}

type alertActionRequest struct {
	Actor string `json:"actor" binding:"required"`
	Note  string `json:"note"`
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	h.updateAlert(c, models.AlertAcknowledged)
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	h.updateAlert(c, models.AlertResolved)
}

func (h *Handler) updateAlert(c *gin.Context, status models.AlertStatus) {
	id := c.Param("id")
	var req alertActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid request body for alert action: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.db.UpdateAlertStatus(c.Request.Context(), id, status, req.Actor, req.Note); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
			return
		}
		h.logger.Errorf("Failed to update alert %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update alert"})
		return
	}

	alert, err := h.db.GetAlert(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
		return
	}
	h.logger.Infof("Alert %s moved to %s by %s", id, status, req.Actor)
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"subscribers": h.broadcaster.SubscriberCount(),
	})
}
