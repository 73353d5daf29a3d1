package quota

import "fmt"

// Tier is a named preset of limits assigned to a tenant.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierUnlimited    Tier = "unlimited"
)

var tierLimits = map[Tier]map[Resource]int64{
	TierFree: {
		ResourceJobs:        10,
		ResourceArtifacts:   512 * 1024 * 1024,
		ResourceCacheBytes:  64 * 1024 * 1024,
		ResourceAPIRequests: 60,
	},
	TierStarter: {
		ResourceJobs:        100,
		ResourceArtifacts:   5 * 1024 * 1024 * 1024,
		ResourceCacheBytes:  256 * 1024 * 1024,
		ResourceAPIRequests: 300,
	},
	TierProfessional: {
		ResourceJobs:        1000,
		ResourceArtifacts:   50 * 1024 * 1024 * 1024,
		ResourceCacheBytes:  1024 * 1024 * 1024,
		ResourceAPIRequests: 1000,
	},
	TierEnterprise: {
		ResourceJobs:        10000,
		ResourceArtifacts:   500 * 1024 * 1024 * 1024,
		ResourceCacheBytes:  4 * 1024 * 1024 * 1024,
		ResourceAPIRequests: 5000,
	},
	TierUnlimited: {},
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierLimits[t]; !ok {
		return "", fmt.Errorf("unknown quota tier: %q", s)
	}
	return t, nil
}

// TierPolicies expands a tier preset into concrete policies for one
// tenant. The unlimited tier yields no policies at all (absence of a
// policy means unlimited).
func TierPolicies(tenant string, tier Tier) []Policy {
	var out []Policy
	for r, limit := range tierLimits[tier] {
		out = append(out, Policy{Tenant: tenant, Resource: r, Limit: limit})
	}
	return out
}
