// Package handlers – agent-side conversation transitions and tenant
// usage reporting.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

// AssignAgentRequest is the JSON payload for claiming a conversation.
type AssignAgentRequest struct {
	// Agent is the identifier of the human taking over (1–64 chars).
	Agent string `json:"agent" binding:"required,min=1,max=64"`
}

// AssignConversation moves a handed-off conversation to the named agent.
// Only conversations in the needs_agent state can be claimed.
func (h *Handlers) AssignConversation(c *gin.Context) {
	var req AssignAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "agent is required")
		return
	}

	err := h.convs.Assign(c.Request.Context(), c.Param("id"), req.Agent)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no conversation awaiting an agent with that id")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not assign conversation")
	default:
		noContent(c)
	}
}

// UnassignConversation returns an agent-owned conversation to the handoff
// queue.
func (h *Handlers) UnassignConversation(c *gin.Context) {
	err := h.convs.Unassign(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no agent-owned conversation with that id")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not unassign conversation")
	default:
		noContent(c)
	}
}

// CloseConversation ends a conversation. The next inbound message from the
// customer starts a fresh one.
func (h *Handlers) CloseConversation(c *gin.Context) {
	err := h.convs.Close(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no open conversation with that id")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not close conversation")
	default:
		noContent(c)
	}
}

// TenantUsage reports the tenant's current-period counters alongside the
// limits in force.
func (h *Handlers) TenantUsage(c *gin.Context) {
	tenant, err := h.tenants.Get(c.Request.Context(), c.Param("tenant_id"))
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load tenant")
		return
	}

	counters, limits, err := h.usage.Usage(c.Request.Context(), tenant)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load usage")
		return
	}
	ok(c, http.StatusOK, gin.H{"usage": counters, "limits": limits})
}
