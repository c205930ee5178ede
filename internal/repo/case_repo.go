// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides support-case creation for the handoff
// branch of the response engine.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// Support case priorities.
const (
	CasePriorityHigh   = "high"
	CasePriorityMedium = "medium"
)

// CreateSupportCase opens a case for a handed-off conversation.
func CreateSupportCase(ctx context.Context, db *gorm.DB, tenantID, conversationID, priority, reason string) (*domain.SupportCase, error) {
	c := &domain.SupportCase{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Priority:       priority,
		Reason:         reason,
		Status:         "open",
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}
