package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/registry"
)

func TestMaybeResetCreatesAccount(t *testing.T) {
	led, store := newTestLedger(t)
	createTenant(t, store, &registry.Tenant{ID: "t-RST0000001", PlanID: "pro"})

	account, err := led.MaybeReset(context.Background(), "t-RST0000001", "pro")
	if err != nil {
		t.Fatalf("MaybeReset: %v", err)
	}
	if account.Available != 2000 || account.MonthlyQuota != 2000 {
		t.Errorf("fresh account should hold full quota: %+v", account)
	}
}

func TestMaybeResetNotDueUnchanged(t *testing.T) {
	led, store := newTestLedger(t)
	createTenant(t, store, &registry.Tenant{ID: "t-RST0000002", PlanID: "starter"})
	ctx := context.Background()

	if _, err := led.MaybeReset(ctx, "t-RST0000002", "starter"); err != nil {
		t.Fatal(err)
	}
	if err := led.Consume(ctx, "t-RST0000002", 100, "", Meta{}); err != nil {
		t.Fatal(err)
	}

	account, err := led.MaybeReset(ctx, "t-RST0000002", "starter")
	if err != nil {
		t.Fatal(err)
	}
	if account.Available != 200 {
		t.Errorf("not-due reset changed balance: %d", account.Available)
	}
}

func TestMaybeResetFallbackWindowExpired(t *testing.T) {
	// lastResetAt 35 days ago, no external period, plan unchanged:
	// available returns to quota and lastResetAt moves to now.
	led, store := newTestLedger(t)
	createTenant(t, store, &registry.Tenant{ID: "t-RST0000003", PlanID: "starter"})
	ctx := context.Background()

	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	led.SetClock(fixedClock(t0))
	if _, err := led.MaybeReset(ctx, "t-RST0000003", "starter"); err != nil {
		t.Fatal(err)
	}
	if err := led.Consume(ctx, "t-RST0000003", 250, "", Meta{}); err != nil {
		t.Fatal(err)
	}

	t1 := t0.Add(35 * 24 * time.Hour)
	led.SetClock(fixedClock(t1))
	account, err := led.MaybeReset(ctx, "t-RST0000003", "starter")
	if err != nil {
		t.Fatal(err)
	}
	if account.Available != 300 {
		t.Errorf("available = %d, want full quota 300", account.Available)
	}
	if !account.LastResetAt.Equal(t1) {
		t.Errorf("lastResetAt = %v, want now (%v)", account.LastResetAt, t1)
	}
}

func TestMaybeResetUsesExternalPeriodStart(t *testing.T) {
	// Provider reports currentPeriodEnd in the past: the reset anchors
	// lastResetAt to the provider's currentPeriodStart, not now.
	led, store := newTestLedger(t)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	periodStart := now.Add(-10 * 24 * time.Hour)
	periodEnd := now.Add(-2 * 24 * time.Hour)
	createTenant(t, store, &registry.Tenant{
		ID:                 "t-RST0000004",
		PlanID:             "pro",
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
	})
	ctx := context.Background()

	led.SetClock(fixedClock(now.Add(-40 * 24 * time.Hour)))
	if _, err := led.MaybeReset(ctx, "t-RST0000004", "pro"); err != nil {
		t.Fatal(err)
	}
	if err := led.Consume(ctx, "t-RST0000004", 500, "", Meta{}); err != nil {
		t.Fatal(err)
	}

	led.SetClock(fixedClock(now))
	account, err := led.MaybeReset(ctx, "t-RST0000004", "pro")
	if err != nil {
		t.Fatal(err)
	}
	if account.Available != 2000 {
		t.Errorf("available = %d, want 2000", account.Available)
	}
	if !account.LastResetAt.Equal(periodStart) {
		t.Errorf("lastResetAt = %v, want provider period start %v", account.LastResetAt, periodStart)
	}
}

func TestMaybeResetExternalPeriodStillRunning(t *testing.T) {
	// An external period end in the future suppresses the 30-day fallback,
	// even when lastResetAt is old.
	led, store := newTestLedger(t)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	periodEnd := now.Add(10 * 24 * time.Hour)
	createTenant(t, store, &registry.Tenant{
		ID:               "t-RST0000005",
		PlanID:           "starter",
		CurrentPeriodEnd: &periodEnd,
	})
	ctx := context.Background()

	led.SetClock(fixedClock(now.Add(-60 * 24 * time.Hour)))
	if _, err := led.MaybeReset(ctx, "t-RST0000005", "starter"); err != nil {
		t.Fatal(err)
	}
	if err := led.Consume(ctx, "t-RST0000005", 100, "", Meta{}); err != nil {
		t.Fatal(err)
	}

	led.SetClock(fixedClock(now))
	account, err := led.MaybeReset(ctx, "t-RST0000005", "starter")
	if err != nil {
		t.Fatal(err)
	}
	if account.Available != 200 {
		t.Errorf("reset fired inside an external period: %+v", account)
	}
}

func TestMaybeResetOnPlanChange(t *testing.T) {
	led, store := newTestLedger(t)
	createTenant(t, store, &registry.Tenant{ID: "t-RST0000006", PlanID: "starter"})
	ctx := context.Background()

	if _, err := led.MaybeReset(ctx, "t-RST0000006", "starter"); err != nil {
		t.Fatal(err)
	}
	if err := led.Consume(ctx, "t-RST0000006", 200, "", Meta{}); err != nil {
		t.Fatal(err)
	}

	account, err := led.MaybeReset(ctx, "t-RST0000006", "pro")
	if err != nil {
		t.Fatal(err)
	}
	if account.MonthlyQuota != 2000 || account.Available != 2000 {
		t.Errorf("plan change did not reset to new quota: %+v", account)
	}
}
