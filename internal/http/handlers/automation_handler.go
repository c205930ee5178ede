// Package handlers – automation ops surface
//
// This file implements the callback endpoint the downstream automation
// system posts delivery verdicts to, and the paginated event listing used
// by operators to inspect the outbox.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
	"github.com/tbourn/go-bizchat-backend/internal/utils"
)

//
// DTOs
//

// AutomationCallbackRequest is the JSON payload the automation system posts
// after handling a dispatched event.
type AutomationCallbackRequest struct {
	// EventID identifies the dispatched event being acknowledged.
	EventID string `json:"event_id" binding:"required"`
	// Delivered reports whether the event was handled successfully.
	Delivered bool `json:"delivered"`
	// Detail optionally carries the failure reason.
	Detail string `json:"detail"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListEventsResponse wraps a page of automation events and pagination
// information.
type ListEventsResponse struct {
	Events     []domain.AutomationEvent `json:"events"`
	Pagination Pagination               `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// AutomationCallback records the downstream system's verdict for a
// dispatched event. Only dispatched events can be acknowledged; anything
// else is a 404 so the caller can detect id mix-ups.
func (h *Handlers) AutomationCallback(c *gin.Context) {
	var req AutomationCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "event_id is required")
		return
	}

	err := h.events.Acknowledge(c.Request.Context(), req.EventID, req.Delivered, req.Detail)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no dispatched event with that id")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not record callback")
	default:
		noContent(c)
	}
}

// ListAutomationEvents returns a page of the tenant's automation events,
// newest first.
func (h *Handlers) ListAutomationEvents(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tenant_id is required")
		return
	}
	page, pageSize := clampPagination(c)

	events, total, err := h.events.ListPage(c.Request.Context(), tenantID, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list events")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListEventsResponse{
		Events: events,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
