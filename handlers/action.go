package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/services"
)

// APIKeyVerifier checks machine credentials on the action callback.
type APIKeyVerifier interface {
	Verify(ctx context.Context, id, secret string) (bool, error)
}

// ActionHandler serves the one-tap callback links embedded in interactive
// notifications. A request is authorized either by the signed action token
// from the notification, or by an API key for integrations acting on a
// user's behalf. The effect is identical to the authenticated HTTP action.
type ActionHandler struct {
	issuer    *services.ActionTokenIssuer
	keys      APIKeyVerifier
	incidents *db.IncidentStore
	engine    *services.EscalationEngine
	audit     services.AuditSink
	logger    *logrus.Logger
}

func NewActionHandler(issuer *services.ActionTokenIssuer, keys APIKeyVerifier, incidents *db.IncidentStore, engine *services.EscalationEngine, audit services.AuditSink, logger *logrus.Logger) *ActionHandler {
	return &ActionHandler{issuer: issuer, keys: keys, incidents: incidents, engine: engine, audit: audit, logger: logger}
}

type apiKeyActionRequest struct {
	IncidentID string `json:"incident_id" binding:"required"`
	UserID     string `json:"user_id" binding:"required"`
}

// HandleAction serves GET/POST /api/actions/:action.
func (h *ActionHandler) HandleAction(c *gin.Context) {
	action := c.Param("action")
	if action != services.ActionAcknowledge && action != services.ActionResolve {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown action"})
		return
	}

	incidentID, userID, ok := h.authorize(c, action)
	if !ok {
		return
	}

	before, err := h.incidents.GetByID(c.Request.Context(), incidentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incident", "details": err.Error()})
		return
	}
	if before == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}

	var incident *db.Incident
	switch action {
	case services.ActionAcknowledge:
		incident, err = h.incidents.Acknowledge(c.Request.Context(), incidentID, userID)
	case services.ActionResolve:
		incident, err = h.incidents.Resolve(c.Request.Context(), incidentID, userID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply action", "details": err.Error()})
		return
	}
	if before.IsOpen() {
		h.engine.Stop(c.Request.Context(), before)
	}

	h.audit.Record(c.Request.Context(), db.AuditEvent{
		Action:       "incident." + action,
		ResourceType: "incident",
		ResourceID:   incidentID,
		Metadata:     map[string]interface{}{"user_id": userID, "via": "notification_action"},
	})
	c.JSON(http.StatusOK, gin.H{"incident": incident})
}

// authorize resolves the acting user and incident from either a signed token
// or an API key. It writes the error response itself on failure.
func (h *ActionHandler) authorize(c *gin.Context, action string) (incidentID, userID string, ok bool) {
	if token := c.Query("token"); token != "" {
		claims, err := h.issuer.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired action token"})
			return "", "", false
		}
		if claims.Action != action {
			c.JSON(http.StatusForbidden, gin.H{"error": "Token does not authorize this action"})
			return "", "", false
		}
		return claims.IncidentID, claims.UserID, true
	}

	// API key path: "X-API-Key: <id>:<secret>" plus an explicit body.
	key := c.GetHeader("X-API-Key")
	if key == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing action token or API key"})
		return "", "", false
	}
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Malformed API key"})
		return "", "", false
	}
	valid, err := h.keys.Verify(c.Request.Context(), parts[0], parts[1])
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify API key", "details": err.Error()})
		return "", "", false
	}
	if !valid {
		h.logger.WithField("key_id", parts[0]).Warn("rejected action request with invalid api key")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return "", "", false
	}

	var req apiKeyActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "incident_id and user_id are required"})
		return "", "", false
	}
	return req.IncidentID, req.UserID, true
}
