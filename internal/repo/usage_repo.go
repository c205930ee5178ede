// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the monthly usage counters consumed by
// the quota enforcer.
//
// The increment path is the only place in the pipeline that requires a
// strict atomicity guarantee under concurrency: it is a single
// upsert-with-increment statement (create-if-absent with the initial value,
// else add), so N concurrent increments for the same tenant and period sum
// to exactly N with no external locking.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// UsageField selects which counter column an increment applies to. Using a
// closed type keeps column names out of caller code.
type UsageField string

// Usage counter fields.
const (
	UsageInbound    UsageField = "inbound"
	UsageOutbound   UsageField = "outbound"
	UsageAutomation UsageField = "automation"
	UsageModelCalls UsageField = "model_calls"
)

// ErrUnknownUsageField is returned for a field outside the closed set.
var ErrUnknownUsageField = errors.New("unknown usage field")

// Period formats t as the "YYYY-MM" usage period key, in UTC.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// IncrementUsage atomically adds delta to one counter of (tenantID, period),
// creating the row lazily on first use.
func IncrementUsage(ctx context.Context, db *gorm.DB, tenantID, period string, field UsageField, delta int) error {
	switch field {
	case UsageInbound, UsageOutbound, UsageAutomation, UsageModelCalls:
	default:
		return ErrUnknownUsageField
	}

	row := domain.UsageCounter{
		TenantID:  tenantID,
		Period:    period,
		UpdatedAt: time.Now().UTC(),
	}
	switch field {
	case UsageInbound:
		row.Inbound = delta
	case UsageOutbound:
		row.Outbound = delta
	case UsageAutomation:
		row.Automation = delta
	case UsageModelCalls:
		row.ModelCalls = delta
	}

	col := string(field)
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]any{
			col:          gorm.Expr(col+" + ?", delta),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&row).Error
}

// GetUsage returns the counter row for (tenantID, period). A missing row is
// returned as an all-zero counter, not an error: absence simply means no
// traffic yet this period.
func GetUsage(ctx context.Context, db *gorm.DB, tenantID, period string) (*domain.UsageCounter, error) {
	var u domain.UsageCounter
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND period = ?", tenantID, period).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.UsageCounter{TenantID: tenantID, Period: period}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
