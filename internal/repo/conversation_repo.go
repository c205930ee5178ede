// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model: find-or-create of the single open conversation per
// (tenant, customer, channel), status transitions, and timestamp/window
// bookkeeping.
//
// Error semantics follow the package convention: ErrNotFound when the target
// row does not exist, raw gorm errors otherwise. Status validation lives in
// the service layer; these functions perform plain writes.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// messagingWindow is the channel-policy period after an inbound message
// during which free-form outbound sends are permitted.
const messagingWindow = 24 * time.Hour

// FindOpenConversation returns the single non-closed conversation for the
// (tenant, customer, channel) triple, or ErrNotFound.
func FindOpenConversation(ctx context.Context, db *gorm.DB, tenantID, customerID, channelID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND customer_id = ? AND channel_id = ? AND status <> ?",
			tenantID, customerID, channelID, domain.StatusClosed).
		Order("created_at DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a fresh conversation in the initial bot state.
func CreateConversation(ctx context.Context, db *gorm.DB, tenantID, customerID, channelID, language string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		CustomerID: customerID,
		ChannelID:  channelID,
		Status:     domain.StatusBot,
		Language:   language,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateConversationStatus writes an absolute status value. Transitions are
// validated by the caller via domain.ConversationStatus.CanTransition; the
// write itself is idempotent.
func UpdateConversationStatus(ctx context.Context, db *gorm.DB, id string, status domain.ConversationStatus) error {
	res := db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchConversationInbound stamps the last-inbound time and extends the
// messaging window to at+24h. The window only ever moves forward: a stale
// concurrent write cannot shrink it.
func TouchConversationInbound(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	expiry := at.Add(messagingWindow)
	res := db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND (window_expires_at IS NULL OR window_expires_at < ?)", id, expiry).
		Updates(map[string]any{"last_inbound_at": at, "window_expires_at": expiry})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Window already ahead; still record the inbound timestamp.
		return db.WithContext(ctx).Model(&domain.Conversation{}).
			Where("id = ?", id).
			Update("last_inbound_at", at).Error
	}
	return nil
}

// TouchConversationOutbound stamps the last-outbound time. It deliberately
// does not extend the messaging window.
func TouchConversationOutbound(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_outbound_at", at).Error
}

// SetConversationLanguage records the active language for the conversation.
func SetConversationLanguage(ctx context.Context, db *gorm.DB, id, lang string) error {
	return db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("language", lang).Error
}

// SetConversationIntent records the last classified intent.
func SetConversationIntent(ctx context.Context, db *gorm.DB, id string, intent domain.Intent) error {
	return db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_intent", string(intent)).Error
}

// AssignAgent moves a needs_agent conversation to agent ownership.
func AssignAgent(ctx context.Context, db *gorm.DB, id, agent string) error {
	res := db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, domain.StatusNeedsAgent).
		Updates(map[string]any{"status": domain.StatusAgent, "assigned_agent": agent})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UnassignAgent returns an agent-owned conversation to the needs_agent queue.
func UnassignAgent(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, domain.StatusAgent).
		Updates(map[string]any{"status": domain.StatusNeedsAgent, "assigned_agent": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseConversation moves any non-closed conversation to the terminal closed
// state. Closing an already-closed conversation is a no-op, not an error.
func CloseConversation(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND status <> ?", id, domain.StatusClosed).
		Update("status", domain.StatusClosed).Error
}
