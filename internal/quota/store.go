package quota

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

// GormStore adapts the usage repository to the UsageStore interface.
type GormStore struct {
	DB *gorm.DB
}

func (s GormStore) GetUsage(ctx context.Context, tenantID, period string) (*domain.UsageCounter, error) {
	return repo.GetUsage(ctx, s.DB, tenantID, period)
}

func (s GormStore) IncrementUsage(ctx context.Context, tenantID, period string, field repo.UsageField, delta int) error {
	return repo.IncrementUsage(ctx, s.DB, tenantID, period, field, delta)
}
