package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/registry"
)

func TestGetCreditsViewFallbackPeriod(t *testing.T) {
	led, store := newTestLedger(t)
	createTenant(t, store, &registry.Tenant{ID: "t-VIEW000001", PlanID: "starter"})
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	led.SetClock(fixedClock(t0))
	if _, err := led.MaybeReset(ctx, "t-VIEW000001", "starter"); err != nil {
		t.Fatal(err)
	}
	if err := led.Consume(ctx, "t-VIEW000001", 120, "", Meta{}); err != nil {
		t.Fatal(err)
	}

	view, err := led.GetCreditsView(ctx, "t-VIEW000001", "starter")
	if err != nil {
		t.Fatalf("GetCreditsView: %v", err)
	}
	if view.Available != 180 || view.Used != 120 || view.MonthlyQuota != 300 {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.PeriodSource != PeriodSourceFallback {
		t.Errorf("period source = %q, want fallback", view.PeriodSource)
	}
	if want := t0.Add(30 * 24 * time.Hour); !view.RenewsAt.Equal(want) {
		t.Errorf("renewsAt = %v, want %v", view.RenewsAt, want)
	}
}

func TestGetCreditsViewExternalPeriod(t *testing.T) {
	led, store := newTestLedger(t)
	periodEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	createTenant(t, store, &registry.Tenant{
		ID:               "t-VIEW000002",
		PlanID:           "pro",
		CurrentPeriodEnd: &periodEnd,
	})
	ctx := context.Background()

	if _, err := led.InitOrNormalize(ctx, "t-VIEW000002", "pro"); err != nil {
		t.Fatal(err)
	}

	view, err := led.GetCreditsView(ctx, "t-VIEW000002", "pro")
	if err != nil {
		t.Fatal(err)
	}
	if view.PeriodSource != PeriodSourceExternal {
		t.Errorf("period source = %q, want external", view.PeriodSource)
	}
	if !view.RenewsAt.Equal(periodEnd) {
		t.Errorf("renewsAt = %v, want %v", view.RenewsAt, periodEnd)
	}
}

func TestGetCreditsViewUninitializedAccount(t *testing.T) {
	led, store := newTestLedger(t)
	createTenant(t, store, &registry.Tenant{ID: "t-VIEW000003", PlanID: "business"})

	view, err := led.GetCreditsView(context.Background(), "t-VIEW000003", "")
	if err != nil {
		t.Fatal(err)
	}
	if view.Available != 5000 || view.Used != 0 {
		t.Errorf("uninitialized tenant should project full quota: %+v", view)
	}

	// The projection must not have persisted anything.
	account, err := store.GetCreditAccount(context.Background(), "t-VIEW000003")
	if err != nil {
		t.Fatal(err)
	}
	if account != nil {
		t.Errorf("view mutated state: %+v", account)
	}
}

func TestGetCreditsViewUnknownTenant(t *testing.T) {
	led, _ := newTestLedger(t)
	_, err := led.GetCreditsView(context.Background(), "t-GHOST00002", "")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestGetCreditsViewUsesCacheUntilInvalidated(t *testing.T) {
	led, store := newTestLedger(t)
	createTenant(t, store, &registry.Tenant{ID: "t-VIEW000004", PlanID: "starter"})
	ctx := context.Background()

	tenants := cache.New(time.Minute)
	led.SetTenantCache(tenants)

	if _, err := led.GetCreditsView(ctx, "t-VIEW000004", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := tenants.Get("t-VIEW000004"); !ok {
		t.Fatal("view did not populate the cache")
	}

	tenants.Invalidate("t-VIEW000004")
	if _, ok := tenants.Get("t-VIEW000004"); ok {
		t.Error("invalidate did not drop the entry")
	}
}
