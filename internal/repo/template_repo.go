// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the reply-template lookup used by the
// response engine's (language, tone) fallback chain.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// FindTemplate returns the template for the exact (tenant, intent, language,
// tone) key, or ErrNotFound. Fallback ordering across candidate keys is the
// response engine's concern; this function tries exactly one key.
func FindTemplate(ctx context.Context, db *gorm.DB, tenantID string, intent domain.Intent, language, tone string) (*domain.ReplyTemplate, error) {
	var t domain.ReplyTemplate
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND intent = ? AND language = ? AND tone = ?",
			tenantID, string(intent), language, tone).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
