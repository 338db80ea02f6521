package plan

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want Tier
	}{
		{"starter", TierStarter},
		{"free", TierStarter},
		{"FREE", TierStarter},
		{"  Basic  ", TierStarter},
		{"premium_lite", TierPremiumLite},
		{"Premium", TierPremiumLite},
		{"pro", TierPro},
		{"Professional", TierPro},
		{"business", TierBusiness},
		{"ENTERPRISE", TierBusiness},
		{"", TierStarter},
		{"something-unknown", TierStarter},
		{"price_1NxyzABC", TierStarter},
	}
	for _, tc := range cases {
		if got := Normalize(tc.raw); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestQuota(t *testing.T) {
	cases := []struct {
		tier Tier
		want int64
	}{
		{TierStarter, 300},
		{TierPremiumLite, 1000},
		{TierPro, 2000},
		{TierBusiness, 5000},
		{Tier("bogus"), 300}, // unknown tiers resolve to starter
	}
	for _, tc := range cases {
		if got := Quota(tc.tier); got != tc.want {
			t.Errorf("Quota(%q) = %d, want %d", tc.tier, got, tc.want)
		}
	}
}

func TestQuotaFor(t *testing.T) {
	if got := QuotaFor("enterprise"); got != 5000 {
		t.Errorf("QuotaFor(enterprise) = %d, want 5000", got)
	}
	if got := QuotaFor("nonsense"); got != 300 {
		t.Errorf("QuotaFor(nonsense) = %d, want 300", got)
	}
}

func TestFeatureCost(t *testing.T) {
	cost, ok := FeatureCost("image.generation")
	if !ok || cost != 10 {
		t.Errorf("FeatureCost(image.generation) = %d, %v", cost, ok)
	}
	if _, ok := FeatureCost("no.such.feature"); ok {
		t.Error("expected unknown feature to report !ok")
	}
}
