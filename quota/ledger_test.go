package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemLedgerBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := NewMemLedger(NewPolicySet([]Policy{
		{Tenant: "t1", Resource: ResourceJobs, Limit: 5},
	}))

	res, err := l.Check(ctx, "t1", ResourceJobs, 1)
	assert.NoError(err)
	assert.True(res.Allowed)

	for range 5 {
		res, err = l.Reserve(ctx, "t1", ResourceJobs, 1)
		assert.NoError(err)
		assert.True(res.Allowed)
	}

	res, err = l.Reserve(ctx, "t1", ResourceJobs, 1)
	assert.NoError(err)
	assert.False(res.Allowed)
	assert.Equal(int64(5), res.Current)
	assert.Equal(int64(5), res.Limit)

	// releasing one slot makes the next reservation succeed
	assert.NoError(l.Release(ctx, "t1", ResourceJobs, 1))
	res, err = l.Reserve(ctx, "t1", ResourceJobs, 1)
	assert.NoError(err)
	assert.True(res.Allowed)

	usage, err := l.Usage(ctx, "t1")
	assert.NoError(err)
	assert.Equal(int64(5), usage[ResourceJobs])
}

func TestMemLedgerUnlimitedWithoutPolicy(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := NewMemLedger(NewPolicySet(nil))

	res, err := l.Reserve(ctx, "anyone", ResourceCacheBytes, 1<<40)
	assert.NoError(err)
	assert.True(res.Allowed)
	assert.Equal(int64(-1), res.Limit)
}

func TestMemLedgerReleaseFloorsAtZero(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := NewMemLedger(NewPolicySet([]Policy{
		{Tenant: "t1", Resource: ResourceCacheBytes, Limit: 100},
	}))

	res, err := l.Reserve(ctx, "t1", ResourceCacheBytes, 10)
	assert.NoError(err)
	assert.True(res.Allowed)

	assert.NoError(l.Release(ctx, "t1", ResourceCacheBytes, 50))
	usage, err := l.Usage(ctx, "t1")
	assert.NoError(err)
	assert.Equal(int64(0), usage[ResourceCacheBytes])

	// releasing for an unknown tenant is a no-op
	assert.NoError(l.Release(ctx, "ghost", ResourceJobs, 1))
}

// Concurrent reservations must never jointly exceed the limit.
func TestMemLedgerConcurrentReserve(t *testing.T) {
	ctx := context.Background()

	const limit = 50
	l := NewMemLedger(NewPolicySet([]Policy{
		{Tenant: "t1", Resource: ResourceJobs, Limit: limit},
	}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				res, err := l.Reserve(ctx, "t1", ResourceJobs, 1)
				require.NoError(t, err)
				if res.Allowed {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
	usage, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), usage[ResourceJobs])
}

func TestMemLedgerSetPolicies(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := NewMemLedger(NewPolicySet([]Policy{
		{Tenant: "t1", Resource: ResourceJobs, Limit: 1},
	}))

	res, err := l.Reserve(ctx, "t1", ResourceJobs, 1)
	assert.NoError(err)
	assert.True(res.Allowed)
	res, err = l.Reserve(ctx, "t1", ResourceJobs, 1)
	assert.NoError(err)
	assert.False(res.Allowed)

	// replacing the policy set raises the limit; usage carries over
	l.SetPolicies(NewPolicySet([]Policy{
		{Tenant: "t1", Resource: ResourceJobs, Limit: 2},
	}))
	res, err = l.Reserve(ctx, "t1", ResourceJobs, 1)
	assert.NoError(err)
	assert.True(res.Allowed)
}

func TestTierPolicies(t *testing.T) {
	assert := assert.New(t)

	tier, err := ParseTier("starter")
	assert.NoError(err)
	ps := NewPolicySet(TierPolicies("t1", tier))

	limit, ok := ps.Limit("t1", ResourceJobs)
	assert.True(ok)
	assert.Equal(int64(100), limit)

	_, ok = ps.Limit("other", ResourceJobs)
	assert.False(ok)

	_, err = ParseTier("platinum")
	assert.Error(err)

	// unlimited tier expands to no policies at all
	assert.Empty(TierPolicies("t1", TierUnlimited))
}
