// Package plan maps arbitrary plan identifiers onto the small closed set of
// canonical tiers the ledger understands, and owns the static quota and
// feature cost tables.
package plan

import "strings"

// Tier is a canonical plan tier. Quota resolution is keyed by Tier, never by
// raw provider price identifiers.
type Tier string

const (
	TierStarter     Tier = "starter"
	TierPremiumLite Tier = "premium_lite"
	TierPro         Tier = "pro"
	TierBusiness    Tier = "business"
)

// aliases maps known legacy and provider-facing plan names to canonical
// tiers. Lookups are case-insensitive and trimmed.
var aliases = map[string]Tier{
	"starter":      TierStarter,
	"free":         TierStarter,
	"basic":        TierStarter,
	"trial":        TierStarter,
	"hobby":        TierStarter,
	"premium_lite": TierPremiumLite,
	"premium-lite": TierPremiumLite,
	"premium":      TierPremiumLite,
	"lite":         TierPremiumLite,
	"pro":          TierPro,
	"professional": TierPro,
	"plus":         TierPro,
	"business":     TierBusiness,
	"enterprise":   TierBusiness,
	"team":         TierBusiness,
	"biz":          TierBusiness,
}

// Normalize maps a raw plan identifier to a canonical tier. Unrecognized
// values fall back to starter; the function is total over strings.
func Normalize(raw string) Tier {
	if tier, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return tier
	}
	return TierStarter
}

// quotas is the monthly credit quota per canonical tier.
var quotas = map[Tier]int64{
	TierStarter:     300,
	TierPremiumLite: 1000,
	TierPro:         2000,
	TierBusiness:    5000,
}

// Quota returns the monthly credit quota for a tier. Unknown tiers resolve
// through Normalize, so the result is always positive.
func Quota(tier Tier) int64 {
	if q, ok := quotas[tier]; ok {
		return q
	}
	return quotas[TierStarter]
}

// QuotaFor is shorthand for Quota(Normalize(raw)).
func QuotaFor(raw string) int64 {
	return Quota(Normalize(raw))
}

// featureCosts is the static per-feature credit cost table consulted when a
// charge does not carry an explicit cost.
var featureCosts = map[string]int64{
	"chat.completion":  1,
	"chat.reasoning":   5,
	"image.generation": 10,
	"image.variation":  8,
	"audio.transcribe": 2,
	"embedding.batch":  1,
	"document.analyze": 4,
}

// FeatureCost returns the configured credit cost for a feature key. The
// second return reports whether the feature is known.
func FeatureCost(featureKey string) (int64, bool) {
	cost, ok := featureCosts[strings.TrimSpace(featureKey)]
	return cost, ok
}
