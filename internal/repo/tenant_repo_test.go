package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

func TestResolveChannel_ActiveOnly(t *testing.T) {
	db := newRepoDB(t, &domain.Tenant{}, &domain.TenantChannel{})
	ctx := context.Background()

	seed := []any{
		&domain.Tenant{ID: "t1", Name: "Acme", PlanID: "free", PlanStatus: "active", Active: true},
		&domain.Tenant{ID: "t2", Name: "Dormant", PlanID: "free", PlanStatus: "active", Active: false},
		&domain.TenantChannel{ID: "ch1", TenantID: "t1", PhoneNumberID: "pn-live", AccessToken: "tok1", Active: true},
		&domain.TenantChannel{ID: "ch2", TenantID: "t1", PhoneNumberID: "pn-off", AccessToken: "tok2", Active: false},
		&domain.TenantChannel{ID: "ch3", TenantID: "t2", PhoneNumberID: "pn-dormant", AccessToken: "tok3", Active: true},
	}
	for _, row := range seed {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed %T: %v", row, err)
		}
	}

	ch, err := ResolveChannel(ctx, db, "pn-live")
	if err != nil || ch == nil {
		t.Fatalf("live number: ch=%v err=%v", ch, err)
	}
	if ch.Tenant.ID != "t1" || ch.AccessToken != "tok1" {
		t.Fatalf("wrong row resolved: %+v", ch)
	}

	// Each of these must be a silent drop, not an error.
	for _, pn := range []string{"pn-off", "pn-dormant", "pn-unknown"} {
		ch, err := ResolveChannel(ctx, db, pn)
		if err != nil {
			t.Fatalf("ResolveChannel(%q): %v", pn, err)
		}
		if ch != nil {
			t.Fatalf("ResolveChannel(%q) should drop, got %+v", pn, ch)
		}
	}
}

func TestGetTenant(t *testing.T) {
	db := newRepoDB(t, &domain.Tenant{})
	ctx := context.Background()

	if err := db.Create(&domain.Tenant{ID: "t1", Name: "Acme", PlanID: "pro", PlanStatus: "active", Active: true}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := GetTenant(ctx, db, "t1")
	if err != nil || got.Name != "Acme" {
		t.Fatalf("got=%+v err=%v", got, err)
	}

	if _, err := GetTenant(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
