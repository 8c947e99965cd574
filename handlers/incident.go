package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/services"
)

type IncidentHandler struct {
	incidents *db.IncidentStore
	engine    *services.EscalationEngine
	logger    *logrus.Logger
}

func NewIncidentHandler(incidents *db.IncidentStore, engine *services.EscalationEngine, logger *logrus.Logger) *IncidentHandler {
	return &IncidentHandler{incidents: incidents, engine: engine, logger: logger}
}

type createIncidentRequest struct {
	Title              string `json:"title" binding:"required"`
	Description        string `json:"description"`
	Urgency            string `json:"urgency"`
	Severity           string `json:"severity"`
	Source             string `json:"source"`
	GroupID            string `json:"group_id"`
	ServiceID          string `json:"service_id"`
	EscalationPolicyID string `json:"escalation_policy_id"`
}

// CreateIncident handles POST /incidents. The first escalation level is
// notified before the response returns; the rest of the chain runs on the
// job store.
func (h *IncidentHandler) CreateIncident(c *gin.Context) {
	var req createIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Urgency == "" {
		req.Urgency = db.IncidentUrgencyHigh
	}
	if req.Severity == "" {
		req.Severity = "critical"
	}

	incident, err := h.incidents.Create(c.Request.Context(), &db.Incident{
		Title:              req.Title,
		Description:        req.Description,
		Urgency:            req.Urgency,
		Severity:           req.Severity,
		Source:             req.Source,
		GroupID:            req.GroupID,
		ServiceID:          req.ServiceID,
		EscalationPolicyID: req.EscalationPolicyID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create incident", "details": err.Error()})
		return
	}

	if err := h.engine.Start(c.Request.Context(), incident); err != nil {
		// The incident exists; a scheduling failure must be visible but not
		// roll it back.
		h.logger.WithError(err).WithField("incident_id", incident.ID).Error("failed to start escalation")
		c.JSON(http.StatusCreated, gin.H{"incident": incident, "warning": "escalation could not be started"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"incident": incident})
}

// GetIncident handles GET /incidents/:id.
func (h *IncidentHandler) GetIncident(c *gin.Context) {
	incident, err := h.incidents.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incident", "details": err.Error()})
		return
	}
	if incident == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": incident})
}

type actorRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// AcknowledgeIncident handles POST /incidents/:id/acknowledge. The pending
// timeout job is cancelled with the incident's pre-acknowledge position; a
// job that already fired is harmless because its handler re-checks status.
func (h *IncidentHandler) AcknowledgeIncident(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	id := c.Param("id")

	before, err := h.incidents.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incident", "details": err.Error()})
		return
	}
	if before == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}
	if !before.IsOpen() {
		c.JSON(http.StatusConflict, gin.H{"error": "Incident is not in triggered state", "status": before.Status})
		return
	}

	incident, err := h.incidents.Acknowledge(c.Request.Context(), id, req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to acknowledge incident", "details": err.Error()})
		return
	}
	h.engine.Stop(c.Request.Context(), before)

	c.JSON(http.StatusOK, gin.H{"incident": incident})
}

// ResolveIncident handles POST /incidents/:id/resolve.
func (h *IncidentHandler) ResolveIncident(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	id := c.Param("id")

	before, err := h.incidents.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incident", "details": err.Error()})
		return
	}
	if before == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}

	incident, err := h.incidents.Resolve(c.Request.Context(), id, req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve incident", "details": err.Error()})
		return
	}
	if before.IsOpen() {
		h.engine.Stop(c.Request.Context(), before)
	}

	c.JSON(http.StatusOK, gin.H{"incident": incident})
}

// ReassignIncident handles POST /incidents/:id/reassign. Taking ownership
// stops the automatic chain; the new owner pages further levels manually via
// /escalate if they need backup.
func (h *IncidentHandler) ReassignIncident(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	id := c.Param("id")

	before, err := h.incidents.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incident", "details": err.Error()})
		return
	}
	if before == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}

	if err := h.incidents.Assign(c.Request.Context(), id, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reassign incident", "details": err.Error()})
		return
	}
	if before.IsOpen() {
		h.engine.Stop(c.Request.Context(), before)
	}

	incident, _ := h.incidents.GetByID(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"incident": incident})
}

// EscalateIncident handles POST /incidents/:id/escalate: manual re-entry
// into the escalation chain, e.g. after exhaustion or reassignment.
func (h *IncidentHandler) EscalateIncident(c *gin.Context) {
	id := c.Param("id")

	incident, err := h.incidents.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incident", "details": err.Error()})
		return
	}
	if incident == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}
	if !incident.IsOpen() {
		if incident, err = h.incidents.Reopen(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reopen incident", "details": err.Error()})
			return
		}
	}

	if err := h.engine.Reescalate(c.Request.Context(), incident); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to escalate incident", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": incident})
}

// GetEscalationStats handles GET /escalation/stats. The snapshot is for
// dashboards only.
func (h *IncidentHandler) GetEscalationStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch queue stats", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
