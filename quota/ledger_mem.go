package quota

import (
	"context"
	"sync"
)

// MemLedger is the in-process Ledger used when no redis URL is
// configured, and in tests.
type MemLedger struct {
	lk       sync.Mutex
	policies *PolicySet
	usage    map[string]map[Resource]int64
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger(policies *PolicySet) *MemLedger {
	return &MemLedger{
		policies: policies,
		usage:    make(map[string]map[Resource]int64),
	}
}

// SetPolicies replaces the active policy set wholesale.
func (l *MemLedger) SetPolicies(policies *PolicySet) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.policies = policies
}

func (l *MemLedger) Check(ctx context.Context, tenant string, r Resource, amount int64) (Result, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.checkLocked(tenant, r, amount), nil
}

func (l *MemLedger) Reserve(ctx context.Context, tenant string, r Resource, amount int64) (Result, error) {
	l.lk.Lock()
	defer l.lk.Unlock()

	res := l.checkLocked(tenant, r, amount)
	if !res.Allowed {
		quotaDenials.WithLabelValues(string(r)).Inc()
		return res, nil
	}
	m, ok := l.usage[tenant]
	if !ok {
		m = make(map[Resource]int64)
		l.usage[tenant] = m
	}
	m[r] += amount
	res.Current = m[r]
	quotaReservations.WithLabelValues(string(r)).Inc()
	return res, nil
}

func (l *MemLedger) Release(ctx context.Context, tenant string, r Resource, amount int64) error {
	l.lk.Lock()
	defer l.lk.Unlock()

	m, ok := l.usage[tenant]
	if !ok {
		return nil
	}
	m[r] -= amount
	if m[r] < 0 {
		m[r] = 0
	}
	return nil
}

func (l *MemLedger) Usage(ctx context.Context, tenant string) (map[Resource]int64, error) {
	l.lk.Lock()
	defer l.lk.Unlock()

	out := make(map[Resource]int64)
	for r, v := range l.usage[tenant] {
		out[r] = v
	}
	return out, nil
}

func (l *MemLedger) checkLocked(tenant string, r Resource, amount int64) Result {
	current := l.usage[tenant][r]
	limit, ok := l.policies.Limit(tenant, r)
	if !ok {
		// no policy means unlimited
		return Result{Allowed: true, Resource: r, Current: current, Limit: -1}
	}
	return Result{
		Allowed:  current+amount <= limit,
		Resource: r,
		Current:  current,
		Limit:    limit,
	}
}
