package cache

import (
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/registry"
)

func TestGetSetInvalidate(t *testing.T) {
	c := New(time.Minute)

	if _, ok := c.Get("t-MISS"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	c.Set(&registry.Tenant{ID: "t-HIT", PlanID: "pro"})
	got, ok := c.Get("t-HIT")
	if !ok || got.PlanID != "pro" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	c.Invalidate("t-HIT")
	if _, ok := c.Get("t-HIT"); ok {
		t.Error("entry survived invalidation")
	}
}

func TestExpiry(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Set(&registry.Tenant{ID: "t-TTL"})

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("t-TTL"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestNilCacheIsInert(t *testing.T) {
	var c *TenantCache
	c.Set(&registry.Tenant{ID: "t-NIL"})
	if _, ok := c.Get("t-NIL"); ok {
		t.Error("nil cache returned a hit")
	}
	c.Invalidate("t-NIL")
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestSetNilTenantIgnored(t *testing.T) {
	c := New(time.Minute)
	c.Set(nil)
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
