// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the idempotency guard keyed on the provider message id.
//
// Messages are immutable once created except for AttachIntent, which fills
// in the classification result on an inbound row after the fact.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// MessageExistsByProviderID reports whether an inbound message with the given
// provider-assigned id has already been stored. This is the idempotency
// check performed before any further processing; the unique index on the
// column is the backstop under concurrent redelivery.
func MessageExistsByProviderID(ctx context.Context, db *gorm.DB, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	var n int64
	err := db.WithContext(ctx).Model(&domain.Message{}).
		Where("provider_message_id = ?", providerMessageID).
		Count(&n).Error
	return n > 0, err
}

// CreateInboundMessage persists an inbound message. A redelivered provider
// message id surfaces as ErrDuplicate via the unique index.
func CreateInboundMessage(ctx context.Context, db *gorm.DB, tenantID, conversationID, msgType, body, providerMessageID string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Direction:      domain.DirectionIn,
		Type:           msgType,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	if providerMessageID != "" {
		m.ProviderMessageID = &providerMessageID
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return m, nil
}

// CreateOutboundMessage persists a reply the pipeline sent (or attempted).
// providerMessageID is empty when the send failed; the row is still written
// so the conversation history stays complete.
func CreateOutboundMessage(ctx context.Context, db *gorm.DB, tenantID, conversationID, msgType, body, providerMessageID string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Direction:      domain.DirectionOut,
		Type:           msgType,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	if providerMessageID != "" {
		m.ProviderMessageID = &providerMessageID
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// AttachIntent records the classification outcome on an existing inbound
// message. This is the single permitted mutation of a message row.
func AttachIntent(ctx context.Context, db *gorm.DB, id string, intent domain.Intent, confidence float64) error {
	res := db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"intent": string(intent), "confidence": confidence})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentMessages returns up to limit messages of a conversation, oldest
// first, for use as remote-model context.
func ListRecentMessages(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 6
	}
	var msgs []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a conversation.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	return n, err
}

// GetMessage fetches a message by id, or ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
