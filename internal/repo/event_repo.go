// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// AutomationEvent model: creation, due-event polling, and the delivery state
// transitions driven by the dispatcher and the external callback.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// CreateAutomationEvent inserts a pending event due immediately. It accepts
// a transaction handle so emitters can write the event atomically with the
// business change that triggered it.
func CreateAutomationEvent(ctx context.Context, db *gorm.DB, tenantID string, typ domain.EventType, payload string) (*domain.AutomationEvent, error) {
	now := time.Now().UTC()
	e := &domain.AutomationEvent{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Type:        typ,
		Payload:     payload,
		Status:      domain.EventPending,
		Attempts:    0,
		NextRetryAt: &now,
		CreatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// ListDueAutomationEvents returns pending events whose retry time has
// elapsed and whose attempt budget is not exhausted, in creation order.
func ListDueAutomationEvents(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]domain.AutomationEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	var events []domain.AutomationEvent
	err := db.WithContext(ctx).
		Where("status = ? AND attempts < ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			domain.EventPending, maxAttempts, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// MarkEventDispatched records that the HTTP delivery was accepted (2xx) and
// counts the successful attempt.
func MarkEventDispatched(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Model(&domain.AutomationEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.EventDispatched,
			"attempts":      gorm.Expr("attempts + 1"),
			"next_retry_at": nil,
			"last_error":    "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleEvent records a failed delivery attempt: the event stays pending
// with an incremented attempt counter and the given next retry time.
func RescheduleEvent(ctx context.Context, db *gorm.DB, id string, nextRetryAt time.Time, deliveryErr string) error {
	res := db.WithContext(ctx).Model(&domain.AutomationEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.EventPending,
			"attempts":      gorm.Expr("attempts + 1"),
			"next_retry_at": nextRetryAt,
			"last_error":    deliveryErr,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailEvent moves an event to the terminal failed state with a null retry
// time, after the attempt budget is exhausted.
func FailEvent(ctx context.Context, db *gorm.DB, id, deliveryErr string) error {
	res := db.WithContext(ctx).Model(&domain.AutomationEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.EventFailed,
			"attempts":      gorm.Expr("attempts + 1"),
			"next_retry_at": nil,
			"last_error":    deliveryErr,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AcknowledgeEvent applies the external system's callback verdict to a
// dispatched event: delivered on success, failed (terminal) otherwise.
func AcknowledgeEvent(ctx context.Context, db *gorm.DB, id string, delivered bool, detail string) error {
	status := domain.EventDelivered
	if !delivered {
		status = domain.EventFailed
	}
	res := db.WithContext(ctx).Model(&domain.AutomationEvent{}).
		Where("id = ? AND status = ?", id, domain.EventDispatched).
		Updates(map[string]any{"status": status, "last_error": detail})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAutomationEvent fetches an event by id, or ErrNotFound.
func GetAutomationEvent(ctx context.Context, db *gorm.DB, id string) (*domain.AutomationEvent, error) {
	var e domain.AutomationEvent
	err := db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountAutomationEvents returns the total number of events for a tenant
// ("" counts all tenants), for pagination.
func CountAutomationEvents(ctx context.Context, db *gorm.DB, tenantID string) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.AutomationEvent{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// ListAutomationEventsPage returns a page of events, newest first.
func ListAutomationEventsPage(ctx context.Context, db *gorm.DB, tenantID string, offset, limit int) ([]domain.AutomationEvent, error) {
	q := db.WithContext(ctx).Model(&domain.AutomationEvent{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var events []domain.AutomationEvent
	err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&events).Error
	return events, err
}
