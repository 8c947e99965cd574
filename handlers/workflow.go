package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/services"
)

type WorkflowHandler struct {
	scheduler *services.WorkflowScheduler
}

func NewWorkflowHandler(scheduler *services.WorkflowScheduler) *WorkflowHandler {
	return &WorkflowHandler{scheduler: scheduler}
}

type triggerWorkflowRequest struct {
	IncidentID     string          `json:"incident_id"`
	ExecutionChain []string        `json:"execution_chain"`
	Input          json.RawMessage `json:"input"`
	DelaySeconds   int             `json:"delay_seconds"`
}

// TriggerWorkflow handles POST /workflows/:id/trigger: a manual (or
// workflow-chained) execution request. Cycles are rejected before anything
// is enqueued.
func (h *WorkflowHandler) TriggerWorkflow(c *gin.Context) {
	var req triggerWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	exec, err := h.scheduler.ScheduleExecution(c.Request.Context(), db.WorkflowExecution{
		WorkflowID:     c.Param("id"),
		IncidentID:     req.IncidentID,
		TriggeredBy:    db.WorkflowTriggerManual,
		ExecutionChain: req.ExecutionChain,
		Input:          req.Input,
	}, time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		if errors.Is(err, services.ErrWorkflowCycle) {
			c.JSON(http.StatusConflict, gin.H{"error": "Workflow execution would cycle", "details": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule workflow", "details": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution": exec})
}

// GetWorkflowStats handles GET /workflows/stats.
func (h *WorkflowHandler) GetWorkflowStats(c *gin.Context) {
	stats, err := h.scheduler.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch queue stats", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
