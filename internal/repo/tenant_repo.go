// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides lookups for tenants and their channel
// mappings, used by the tenant router to resolve inbound traffic.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// ResolveChannel fetches the active channel row for a Cloud API phone number
// id together with its owning tenant. It returns (nil, nil) rather than an
// error when the number is unknown, the channel is disabled, or the tenant is
// inactive: the router treats that as a silent drop because the provider
// expects unconditional acknowledgment.
func ResolveChannel(ctx context.Context, db *gorm.DB, phoneNumberID string) (*domain.TenantChannel, error) {
	var ch domain.TenantChannel
	err := db.WithContext(ctx).
		Preload("Tenant").
		Where("phone_number_id = ? AND active = ?", phoneNumberID, true).
		First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !ch.Tenant.Active {
		return nil, nil
	}
	return &ch, nil
}

// GetTenant fetches a tenant by id, or ErrNotFound if missing.
func GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
