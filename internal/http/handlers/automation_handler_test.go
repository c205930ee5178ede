package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

//
// Automation callback
//

func TestAutomationCallback(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(http.MethodPost, "/automation/callback", `{"event_id":"ev1","delivered":true}`)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
		}
		if f.events.ackID != "ev1" || !f.events.ackDelivered {
			t.Fatalf("verdict not recorded: id=%q delivered=%v", f.events.ackID, f.events.ackDelivered)
		}
	})

	t.Run("failed with detail", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(http.MethodPost, "/automation/callback", `{"event_id":"ev2","delivered":false,"detail":"crm rejected payload"}`)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status=%d", w.Code)
		}
		if f.events.ackDelivered || f.events.ackDetail != "crm rejected payload" {
			t.Fatalf("verdict mismatch: delivered=%v detail=%q", f.events.ackDelivered, f.events.ackDetail)
		}
	})

	t.Run("missing event_id", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(http.MethodPost, "/automation/callback", `{"delivered":true}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		f := newFixture(t)
		f.events.ackErr = repo.ErrNotFound
		w := f.do(http.MethodPost, "/automation/callback", `{"event_id":"nope","delivered":true}`)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})

	t.Run("store error", func(t *testing.T) {
		f := newFixture(t)
		f.events.ackErr = errors.New("db down")
		w := f.do(http.MethodPost, "/automation/callback", `{"event_id":"ev1","delivered":true}`)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", w.Code)
		}
	})
}

//
// Event listing
//

func TestListAutomationEvents_PaginationEnvelope(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.events.events = []domain.AutomationEvent{
		{ID: "ev2", TenantID: "t1", Type: domain.EventHighPriority, Status: domain.EventPending, CreatedAt: now},
		{ID: "ev1", TenantID: "t1", Type: domain.EventCaseCreated, Status: domain.EventDelivered, CreatedAt: now.Add(-time.Minute)},
	}
	f.events.total = 42

	w := f.do(http.MethodGet, "/tenants/t1/automation/events?page=2&page_size=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if f.events.gotPage != 2 || f.events.gotSize != 10 {
		t.Fatalf("pagination not forwarded: page=%d size=%d", f.events.gotPage, f.events.gotSize)
	}

	var resp ListEventsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Events) != 2 || resp.Events[0].ID != "ev2" {
		t.Fatalf("unexpected events: %+v", resp.Events)
	}
	p := resp.Pagination
	if p.Page != 2 || p.PageSize != 10 || p.Total != 42 || p.TotalPages != 5 || !p.HasNext {
		t.Fatalf("unexpected pagination: %+v", p)
	}
}

func TestListAutomationEvents_ClampsPagination(t *testing.T) {
	f := newFixture(t)

	// junk and out-of-range values fall back to defaults/caps
	w := f.do(http.MethodGet, "/tenants/t1/automation/events?page=banana&page_size=9999", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if f.events.gotPage != 1 || f.events.gotSize != 100 {
		t.Fatalf("expected clamp to 1/100, got %d/%d", f.events.gotPage, f.events.gotSize)
	}
}

func TestListAutomationEvents_StoreError(t *testing.T) {
	f := newFixture(t)
	f.events.listErr = errors.New("db down")
	w := f.do(http.MethodGet, "/tenants/t1/automation/events", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
