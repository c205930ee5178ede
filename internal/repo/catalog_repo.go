// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the read-side catalog and order lookups
// consumed by the response engine. The pipeline never writes these tables.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// GetProductBySKU returns the active product with the exact catalog
// identifier, or ErrNotFound. SKU matching is case-insensitive.
func GetProductBySKU(ctx context.Context, db *gorm.DB, tenantID, sku string) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND UPPER(sku) = ? AND active = ?",
			tenantID, strings.ToUpper(strings.TrimSpace(sku)), true).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListActiveProducts returns active, in-stock products of a tenant,
// optionally scoped to a category, as candidates for fuzzy matching.
// Results are ordered by name for deterministic downstream scoring.
func ListActiveProducts(ctx context.Context, db *gorm.DB, tenantID, category string, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		limit = 200
	}
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND active = ? AND stock > 0", tenantID, true)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var products []domain.Product
	err := q.Order("name ASC").Limit(limit).Find(&products).Error
	return products, err
}

// GetOrderByNumber returns the order with the given number, or ErrNotFound.
// Numbers are matched case-insensitively since customers type them freehand.
func GetOrderByNumber(ctx context.Context, db *gorm.DB, tenantID, number string) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND UPPER(number) = ?",
			tenantID, strings.ToUpper(strings.TrimSpace(number))).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByPhone returns the customer's most recent orders, newest first.
func ListOrdersByPhone(ctx context.Context, db *gorm.DB, tenantID, phone string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 5
	}
	var orders []domain.Order
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND customer_phone = ?", tenantID, phone).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
