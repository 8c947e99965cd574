package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pagemesh/pagemesh/db"
)

type PolicyHandler struct {
	policies *db.PolicyStore
}

func NewPolicyHandler(policies *db.PolicyStore) *PolicyHandler {
	return &PolicyHandler{policies: policies}
}

// CreatePolicy handles POST /policies.
func (h *PolicyHandler) CreatePolicy(c *gin.Context) {
	var req db.EscalationPolicyWithLevels
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Policy name is required"})
		return
	}
	if len(req.Levels) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one escalation level is required"})
		return
	}

	policy, err := h.policies.CreatePolicy(c.Request.Context(), req)
	if err != nil {
		if strings.Contains(err.Error(), "invalid target type") {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create policy", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"policy": policy})
}

// GetPolicy handles GET /policies/:id.
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	policy, err := h.policies.GetPolicyWithLevels(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch policy", "details": err.Error()})
		return
	}
	if policy == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Policy not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy})
}

// ListPolicies handles GET /policies?group_id=...&active=true.
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	groupID := c.Query("group_id")
	if groupID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id query param is required"})
		return
	}
	activeOnly := c.Query("active") == "true"

	policies, err := h.policies.ListPolicies(c.Request.Context(), groupID, activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list policies", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

// DeletePolicy handles DELETE /policies/:id. Incidents mid-chain on the
// deleted policy finish via the fire-time re-validation: their next timeout
// treats the missing policy as stale and stops.
func (h *PolicyHandler) DeletePolicy(c *gin.Context) {
	if err := h.policies.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete policy", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
