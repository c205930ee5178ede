// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Customer
// model. Customers are upserted on every inbound message and never deleted.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// UpsertCustomer finds the customer for (tenantID, waID), creating the row on
// first contact. The profile name and phone are refreshed when the provider
// sends newer values; a concurrent create racing on the unique index falls
// back to re-reading the winner's row.
func UpsertCustomer(ctx context.Context, db *gorm.DB, tenantID, waID, profileName, phone string) (*domain.Customer, error) {
	var c domain.Customer
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND wa_id = ?", tenantID, waID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c = domain.Customer{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			WaID:        waID,
			ProfileName: profileName,
			Phone:       phone,
			CreatedAt:   time.Now().UTC(),
		}
		if cerr := db.WithContext(ctx).Create(&c).Error; cerr != nil {
			if isUniqueViolation(cerr) {
				// Lost the create race; the winner's row is authoritative.
				err = db.WithContext(ctx).
					Where("tenant_id = ? AND wa_id = ?", tenantID, waID).
					First(&c).Error
				if err != nil {
					return nil, err
				}
				return &c, nil
			}
			return nil, cerr
		}
		return &c, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if profileName != "" && profileName != c.ProfileName {
		updates["profile_name"] = profileName
	}
	if phone != "" && phone != c.Phone {
		updates["phone"] = phone
	}
	if len(updates) > 0 {
		if uerr := db.WithContext(ctx).Model(&c).Updates(updates).Error; uerr != nil {
			return nil, uerr
		}
	}
	return &c, nil
}

// SetCustomerOptOut flips the opt-out flag and stamps when it changed.
func SetCustomerOptOut(ctx context.Context, db *gorm.DB, id string, optedOut bool) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Customer{}).
		Where("id = ?", id).
		Updates(map[string]any{"opted_out": optedOut, "opt_out_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCustomerLanguage records the customer's resolved language. Best-effort
// from the caller's perspective; a missing row is still reported as
// ErrNotFound so tests can assert on it.
func SetCustomerLanguage(ctx context.Context, db *gorm.DB, id, lang string) error {
	res := db.WithContext(ctx).Model(&domain.Customer{}).
		Where("id = ?", id).
		Update("language", lang)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
