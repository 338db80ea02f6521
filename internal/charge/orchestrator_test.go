package charge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/registry"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *ledger.Ledger, *registry.Store) {
	t.Helper()
	store, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	led := ledger.New(store)
	return New(led), led, store
}

func createTenant(t *testing.T, store *registry.Store, tenant *registry.Tenant) {
	t.Helper()
	if err := store.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
}

func available(t *testing.T, store *registry.Store, tenantID string) int64 {
	t.Helper()
	account, err := store.GetCreditAccount(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("GetCreditAccount: %v", err)
	}
	if account == nil {
		t.Fatalf("no credit account for %s", tenantID)
	}
	return account.Available
}

func TestChargeDebitsOnSuccess(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	createTenant(t, store, &registry.Tenant{ID: "t-CHG0000001", PlanID: "starter"})

	result, err := orch.Charge(context.Background(), Params{
		TenantID:   "t-CHG0000001",
		Plan:       "starter",
		FeatureKey: "image.generation",
		TraceID:    "trace-1",
	}, func(ctx context.Context) (any, error) {
		return "image-bytes", nil
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if result != "image-bytes" {
		t.Errorf("result = %v", result)
	}
	if got := available(t, store, "t-CHG0000001"); got != 290 {
		t.Errorf("available = %d, want 290", got)
	}
}

func TestChargeInsufficientNeverRunsOperation(t *testing.T) {
	orch, led, store := newTestOrchestrator(t)
	createTenant(t, store, &registry.Tenant{ID: "t-CHG0000002", PlanID: "starter"})
	ctx := context.Background()

	// Drain to 1 credit; the feature costs 2.
	if err := led.Consume(ctx, "t-CHG0000002", 299, "drain", ledger.Meta{}); err != nil {
		t.Fatal(err)
	}

	var invoked atomic.Bool
	_, err := orch.Charge(ctx, Params{
		TenantID:   "t-CHG0000002",
		Plan:       "starter",
		FeatureKey: "audio.transcribe", // cost 2
		TraceID:    "trace-1",
	}, func(ctx context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if invoked.Load() {
		t.Error("costed operation ran despite insufficient credits")
	}
	if got := available(t, store, "t-CHG0000002"); got != 1 {
		t.Errorf("available = %d, want 1", got)
	}
}

func TestChargeOperationFailureReleasesFunds(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	createTenant(t, store, &registry.Tenant{ID: "t-CHG0000003", PlanID: "starter"})

	opErr := errors.New("model timeout")
	_, err := orch.Charge(context.Background(), Params{
		TenantID:   "t-CHG0000003",
		Plan:       "starter",
		FeatureKey: "image.generation",
		TraceID:    "trace-1",
	}, func(ctx context.Context) (any, error) {
		return nil, opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("operation error not propagated: %v", err)
	}
	if got := available(t, store, "t-CHG0000003"); got != 300 {
		t.Errorf("available = %d, want 300 (reservation released)", got)
	}
}

func TestChargeConcurrentDistinctKeys(t *testing.T) {
	// Two concurrent charges of cost 2 against available=5: both reserve,
	// both run, both settle. Final balance 1.
	orch, led, store := newTestOrchestrator(t)
	createTenant(t, store, &registry.Tenant{ID: "t-CHG0000004", PlanID: "starter"})
	ctx := context.Background()

	if err := led.Consume(ctx, "t-CHG0000004", 295, "drain", ledger.Meta{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = orch.Charge(ctx, Params{
				TenantID:       "t-CHG0000004",
				Plan:           "starter",
				FeatureKey:     "audio.transcribe", // cost 2
				IdempotencyKey: "concurrent-" + string(rune('a'+i)),
			}, func(ctx context.Context) (any, error) {
				return i, nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("charge %d failed: %v", i, err)
		}
	}
	if got := available(t, store, "t-CHG0000004"); got != 1 {
		t.Errorf("final available = %d, want 1", got)
	}
}

func TestChargeIdempotentRetry(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	createTenant(t, store, &registry.Tenant{ID: "t-CHG0000005", PlanID: "starter"})
	ctx := context.Background()

	params := Params{
		TenantID:       "t-CHG0000005",
		Plan:           "starter",
		FeatureKey:     "image.generation",
		IdempotencyKey: "retry-key",
	}
	op := func(ctx context.Context) (any, error) { return "ok", nil }

	if _, err := orch.Charge(ctx, params, op); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Charge(ctx, params, op); err != nil {
		t.Fatal(err)
	}

	if got := available(t, store, "t-CHG0000005"); got != 290 {
		t.Errorf("available = %d, want 290 (billed exactly once)", got)
	}
}

func TestChargeUnknownFeatureWithoutCost(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	createTenant(t, store, &registry.Tenant{ID: "t-CHG0000006", PlanID: "starter"})

	_, err := orch.Charge(context.Background(), Params{
		TenantID:   "t-CHG0000006",
		FeatureKey: "no.such.feature",
	}, func(ctx context.Context) (any, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected error for unknown feature without explicit cost")
	}
}

func TestChargeExplicitCostOverridesTable(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	createTenant(t, store, &registry.Tenant{ID: "t-CHG0000007", PlanID: "starter"})

	_, err := orch.Charge(context.Background(), Params{
		TenantID:   "t-CHG0000007",
		FeatureKey: "image.generation",
		Cost:       25,
		TraceID:    "trace-x",
	}, func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	if got := available(t, store, "t-CHG0000007"); got != 275 {
		t.Errorf("available = %d, want 275", got)
	}
}
