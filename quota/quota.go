package quota

import (
	"context"
	"fmt"
)

// Resource identifies a quota-limited resource class. Counts are
// whatever unit makes sense for the resource: jobs and api_requests
// are counted per item, artifacts and cache_bytes are counted in
// bytes.
type Resource string

const (
	ResourceJobs        Resource = "jobs"
	ResourceArtifacts   Resource = "artifacts"
	ResourceCacheBytes  Resource = "cache_bytes"
	ResourceAPIRequests Resource = "api_requests"
)

// AllResources enumerates every known resource class, for reporting.
var AllResources = []Resource{
	ResourceJobs,
	ResourceArtifacts,
	ResourceCacheBytes,
	ResourceAPIRequests,
}

// Policy is a single immutable limit for one tenant and resource.
// Limits are changed by replacing the whole PolicySet.
type Policy struct {
	Tenant   string
	Resource Resource
	Limit    int64
}

// PolicySet is an immutable lookup table of active policies. A
// missing (tenant, resource) pair means that resource is unlimited
// for that tenant.
type PolicySet struct {
	limits map[string]map[Resource]int64
}

func NewPolicySet(policies []Policy) *PolicySet {
	ps := &PolicySet{limits: make(map[string]map[Resource]int64)}
	for _, p := range policies {
		m, ok := ps.limits[p.Tenant]
		if !ok {
			m = make(map[Resource]int64)
			ps.limits[p.Tenant] = m
		}
		m[p.Resource] = p.Limit
	}
	return ps
}

func (ps *PolicySet) Limit(tenant string, r Resource) (int64, bool) {
	if ps == nil {
		return 0, false
	}
	limit, ok := ps.limits[tenant][r]
	return limit, ok
}

// Result reports the outcome of a quota check or reservation. A
// denial is an expected outcome for callers to branch on, not an
// error; the error returns on Ledger methods are for ledger failures
// (e.g. a redis round trip), never for denials.
type Result struct {
	Allowed  bool     `json:"allowed"`
	Resource Resource `json:"resource"`
	Current  int64    `json:"current"`
	Limit    int64    `json:"limit"`
}

func (r Result) Message() string {
	if r.Allowed {
		return "within quota"
	}
	return fmt.Sprintf("quota exceeded for %s: %d of %d used", r.Resource, r.Current, r.Limit)
}

// Ledger tracks per-tenant consumed resources and enforces the active
// PolicySet at the check-before-commit boundary.
//
// Reserve is the core correctness property: the check and the commit
// are one atomic step, so two concurrent reservations can never both
// succeed if their combined amount would exceed the limit.
type Ledger interface {
	// Check reports whether consuming amount more of r would stay
	// within the tenant's limit. Pure; mutates nothing.
	Check(ctx context.Context, tenant string, r Resource, amount int64) (Result, error)
	// Reserve atomically checks and, if allowed, commits the increment.
	Reserve(ctx context.Context, tenant string, r Resource, amount int64) (Result, error)
	// Release returns amount of r to the tenant, floored at zero.
	Release(ctx context.Context, tenant string, r Resource, amount int64) error
	// Usage returns a snapshot of the tenant's committed consumption.
	Usage(ctx context.Context, tenant string) (map[Resource]int64, error)
}
