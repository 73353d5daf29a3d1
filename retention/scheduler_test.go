package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/meridiandata/governor/quota"
	"github.com/meridiandata/governor/rescache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRegistry is a test double for the database-backed registry.
type memRegistry struct {
	lk            sync.Mutex
	jobs          map[string]Job
	artifacts     map[string]Artifact
	failArtifacts map[string]bool
	enumGate      chan struct{} // when set, JobsOlderThan blocks until closed
}

var _ Registry = (*memRegistry)(nil)

func newMemRegistry() *memRegistry {
	return &memRegistry{
		jobs:          make(map[string]Job),
		artifacts:     make(map[string]Artifact),
		failArtifacts: make(map[string]bool),
	}
}

func (r *memRegistry) JobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	if r.enumGate != nil {
		<-r.enumGate
	}
	r.lk.Lock()
	defer r.lk.Unlock()
	var out []Job
	for _, j := range r.jobs {
		if j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRegistry) ArtifactsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Artifact, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	var out []Artifact
	for _, a := range r.artifacts {
		if a.CreatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRegistry) ArtifactsOverCap(ctx context.Context, max int) ([]Artifact, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	byTenant := make(map[string][]Artifact)
	for _, a := range r.artifacts {
		byTenant[a.Tenant] = append(byTenant[a.Tenant], a)
	}
	var out []Artifact
	for _, arts := range byTenant {
		if len(arts) <= max {
			continue
		}
		sort.Slice(arts, func(i, k int) bool { return arts[i].CreatedAt.Before(arts[k].CreatedAt) })
		out = append(out, arts[:len(arts)-max]...)
	}
	return out, nil
}

func (r *memRegistry) DeleteJob(ctx context.Context, jobID string) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	delete(r.jobs, jobID)
	return nil
}

func (r *memRegistry) DeleteArtifact(ctx context.Context, key string) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.failArtifacts[key] {
		return fmt.Errorf("backing store unavailable")
	}
	delete(r.artifacts, key)
	return nil
}

func (r *memRegistry) addJob(id, tenant string, age time.Duration) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.jobs[id] = Job{JobID: id, Tenant: tenant, Status: "done", CreatedAt: time.Now().Add(-age)}
}

func (r *memRegistry) addArtifact(key, tenant string, size int64, age time.Duration) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.artifacts[key] = Artifact{Key: key, Tenant: tenant, SizeBytes: size, CreatedAt: time.Now().Add(-age)}
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Interval = time.Minute
	opts.MaxJobAge = time.Hour
	opts.MaxArtifactAge = time.Hour
	opts.MaxArtifactsPerTenant = 100
	return opts
}

func TestPruneExpiredJobs(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := newMemRegistry()
	reg.addJob("old1", "t1", 2*time.Hour)
	reg.addJob("old2", "t1", 3*time.Hour)
	reg.addJob("fresh", "t1", time.Minute)

	ledger := quota.NewMemLedger(quota.NewPolicySet(nil))
	for range 3 {
		_, err := ledger.Reserve(ctx, "t1", quota.ResourceJobs, 1)
		require.NoError(t, err)
	}

	s, err := NewScheduler(reg, ledger, nil, testOptions())
	require.NoError(t, err)

	stats, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(2, stats.JobsDeleted)
	assert.Empty(stats.Errors)

	_, ok := reg.jobs["fresh"]
	assert.True(ok, "fresh job must survive")

	usage, err := ledger.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(int64(1), usage[quota.ResourceJobs])
}

func TestPruneCycleIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := newMemRegistry()
	reg.addJob("old", "t1", 2*time.Hour)
	reg.addArtifact("t1/a1", "t1", 100, 2*time.Hour)

	s, err := NewScheduler(reg, nil, nil, testOptions())
	require.NoError(t, err)

	stats, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(1, stats.JobsDeleted)
	assert.Equal(1, stats.ArtifactsDeleted)

	stats, err = s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(stats.JobsDeleted)
	assert.Zero(stats.ArtifactsDeleted)
	assert.Zero(stats.BytesFreed)
}

func TestPruneArtifactsReleasesQuotaAndCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := newMemRegistry()
	reg.addArtifact("a1", "t1", 1000, 2*time.Hour)

	ledger := quota.NewMemLedger(quota.NewPolicySet(nil))
	_, err := ledger.Reserve(ctx, "t1", quota.ResourceArtifacts, 1000)
	require.NoError(t, err)

	cache, err := rescache.NewStore(nil)
	require.NoError(t, err)
	require.NoError(t, cache.Put("t1/a1/result1", []byte("x"), 0))
	require.NoError(t, cache.Put("t1/a1/result2", []byte("y"), 0))
	require.NoError(t, cache.Put("t1/other", []byte("z"), 0))

	s, err := NewScheduler(reg, ledger, cache, testOptions())
	require.NoError(t, err)

	stats, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(1, stats.ArtifactsDeleted)
	assert.Equal(int64(1000), stats.BytesFreed)

	usage, err := ledger.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(int64(0), usage[quota.ResourceArtifacts])

	_, ok := cache.Get("t1/a1/result1")
	assert.False(ok, "cached results for the deleted artifact must be invalidated")
	_, ok = cache.Get("t1/other")
	assert.True(ok, "unrelated cache entries survive")
}

func TestPruneOverCapOldestFirst(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := newMemRegistry()
	for i := range 5 {
		reg.addArtifact(fmt.Sprintf("t1/a%d", i), "t1", 10, time.Duration(i+1)*time.Minute)
	}

	opts := testOptions()
	opts.MaxArtifactAge = 0 // cap enforcement only
	opts.MaxArtifactsPerTenant = 3

	s, err := NewScheduler(reg, nil, nil, opts)
	require.NoError(t, err)

	stats, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(2, stats.ArtifactsDeleted)

	// the two oldest are gone, the three newest remain
	_, ok := reg.artifacts["t1/a4"]
	assert.False(ok)
	_, ok = reg.artifacts["t1/a3"]
	assert.False(ok)
	for i := range 3 {
		_, ok = reg.artifacts[fmt.Sprintf("t1/a%d", i)]
		assert.True(ok)
	}
}

func TestPruneDryRun(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := newMemRegistry()
	for i := range 3 {
		reg.addArtifact(fmt.Sprintf("t1/a%d", i), "t1", 100, 2*time.Hour)
	}

	ledger := quota.NewMemLedger(quota.NewPolicySet(nil))
	_, err := ledger.Reserve(ctx, "t1", quota.ResourceArtifacts, 300)
	require.NoError(t, err)

	cache, err := rescache.NewStore(nil)
	require.NoError(t, err)
	require.NoError(t, cache.Put("t1/a0/r", []byte("x"), 0))

	opts := testOptions()
	opts.DryRun = true

	s, err := NewScheduler(reg, ledger, cache, opts)
	require.NoError(t, err)

	stats, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(stats.ArtifactsDeleted)
	assert.Zero(stats.BytesFreed)
	assert.Equal(3, stats.ArtifactCandidates)
	assert.Len(reg.artifacts, 3, "dry run must not delete")

	usage, err := ledger.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(int64(300), usage[quota.ResourceArtifacts], "dry run must not touch the ledger")
	_, ok := cache.Get("t1/a0/r")
	assert.True(ok, "dry run must not touch the cache")
}

func TestPruneDryRunOverlappingCandidates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// two stale artifacts that also push the tenant over its cap of
	// one; each must be counted as a candidate exactly once
	reg := newMemRegistry()
	reg.addArtifact("t1/a0", "t1", 100, 3*time.Hour)
	reg.addArtifact("t1/a1", "t1", 100, 2*time.Hour)
	reg.addArtifact("t1/fresh", "t1", 100, time.Minute)

	opts := testOptions()
	opts.MaxArtifactsPerTenant = 1
	opts.DryRun = true

	s, err := NewScheduler(reg, nil, nil, opts)
	require.NoError(t, err)

	stats, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(stats.ArtifactsDeleted)
	assert.Equal(2, stats.ArtifactCandidates)
	assert.Len(reg.artifacts, 3)
}

func TestPruneItemFailureContinuesCycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := newMemRegistry()
	reg.addArtifact("t1/bad", "t1", 10, 3*time.Hour)
	reg.addArtifact("t1/good1", "t1", 10, 2*time.Hour)
	reg.addArtifact("t1/good2", "t1", 10, 2*time.Hour)
	reg.failArtifacts["t1/bad"] = true

	s, err := NewScheduler(reg, nil, nil, testOptions())
	require.NoError(t, err)

	stats, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(2, stats.ArtifactsDeleted)
	assert.Len(stats.Errors, 1)
	assert.Contains(stats.Errors[0], "t1/bad")
}

func TestConcurrentCycleSkipped(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := newMemRegistry()
	reg.enumGate = make(chan struct{})

	s, err := NewScheduler(reg, nil, nil, testOptions())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.RunCycle(ctx)
		assert.NoError(err)
	}()

	// wait for the first cycle to be blocked inside enumeration
	time.Sleep(20 * time.Millisecond)
	_, err = s.RunCycle(ctx)
	assert.ErrorIs(err, ErrCycleInProgress)

	close(reg.enumGate)
	<-done
}

func TestSchedulerStartShutdown(t *testing.T) {
	assert := assert.New(t)

	reg := newMemRegistry()
	reg.addJob("old", "t1", 2*time.Hour)

	opts := testOptions()
	opts.Interval = 10 * time.Millisecond

	s, err := NewScheduler(reg, nil, nil, opts)
	require.NoError(t, err)

	s.Start()
	assert.Eventually(func() bool {
		reg.lk.Lock()
		defer reg.lk.Unlock()
		return len(reg.jobs) == 0
	}, time.Second, 5*time.Millisecond)
	s.Shutdown()

	st := s.Status()
	assert.False(st.Running)
	assert.NotNil(st.LastRun)
	assert.NotEmpty(st.History)
}

func TestSchedulerOptionValidation(t *testing.T) {
	assert := assert.New(t)
	reg := newMemRegistry()

	bad := testOptions()
	bad.Interval = 0
	_, err := NewScheduler(reg, nil, nil, bad)
	assert.Error(err)

	bad = testOptions()
	bad.BatchSize = -1
	_, err = NewScheduler(reg, nil, nil, bad)
	assert.Error(err)

	bad = testOptions()
	bad.MaxJobAge = -time.Hour
	_, err = NewScheduler(reg, nil, nil, bad)
	assert.Error(err)
}
