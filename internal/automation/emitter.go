// Package automation persists business events and delivers them to the
// external workflow engine with bounded retry.
//
// Events are written pending by the Emitter, in the same transaction as the
// change that triggered them, so a handoff and its notification cannot be
// observed apart. The Dispatcher polls for due events and posts them to the
// configured endpoint; the external system may later call back to settle a
// dispatched event as delivered or failed.
package automation

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

// Emitter records automation events.
type Emitter struct {
	db *gorm.DB
}

// NewEmitter constructs an Emitter over db.
func NewEmitter(db *gorm.DB) *Emitter {
	return &Emitter{db: db}
}

// Emit writes one pending event and charges it to the tenant's monthly
// automation counter, both in tx when tx is non-nil. payload is marshaled to
// JSON and stored opaquely. Emission is never gated on the automation
// ceiling: events carry handoffs the external system must see, so the
// counter reports volume instead of suppressing it.
func (e *Emitter) Emit(ctx context.Context, tx *gorm.DB, tenantID string, typ domain.EventType, payload any) (*domain.AutomationEvent, error) {
	db := tx
	if db == nil {
		db = e.db
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ev, err := repo.CreateAutomationEvent(ctx, db, tenantID, typ, string(body))
	if err != nil {
		return nil, err
	}
	if err := repo.IncrementUsage(ctx, db, tenantID, repo.Period(time.Now().UTC()), repo.UsageAutomation, 1); err != nil {
		return nil, err
	}
	return ev, nil
}

// CasePayload is the payload shape for case-related events.
type CasePayload struct {
	CaseID         string `json:"case_id"`
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
	Priority       string `json:"priority"`
	Reason         string `json:"reason"`
}

// EmitCaseCreated records a "case created" event, plus a companion "high
// priority" event when the case is high priority, both in tx.
func (e *Emitter) EmitCaseCreated(ctx context.Context, tx *gorm.DB, tenantID string, p CasePayload) error {
	if _, err := e.Emit(ctx, tx, tenantID, domain.EventCaseCreated, p); err != nil {
		return err
	}
	if p.Priority == repo.CasePriorityHigh {
		if _, err := e.Emit(ctx, tx, tenantID, domain.EventHighPriority, p); err != nil {
			return err
		}
	}
	return nil
}
