package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/meridiandata/governor/quota"
	"github.com/meridiandata/governor/rescache"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
)

// ComputeFunc produces the value for a cache key on a miss. It is the
// only step of a lookup allowed to take unbounded wall-clock time.
type ComputeFunc func(ctx context.Context, key string) ([]byte, error)

// QuotaError is returned when a tenant's cache_bytes quota denies a
// lookup. It carries the denial context for user-visible handling.
type QuotaError struct {
	Tenant string
	Result quota.Result
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("tenant %s: %s", e.Tenant, e.Result.Message())
}

type Options struct {
	// DefaultTTL applies when GetOrCompute is called with a zero TTL.
	DefaultTTL time.Duration
	// SizeEstimate is reserved against cache_bytes before computing,
	// then reconciled to the actual result size.
	SizeEstimate int64
	// ErrTTL, when positive, remembers compute failures so repeated
	// lookups don't hammer a failing backend. Zero disables the
	// negative cache; failures are never stored in the result cache
	// either way.
	ErrTTL       time.Duration
	ErrCacheSize int
	Logger       *slog.Logger
}

func DefaultOptions() *Options {
	return &Options{
		DefaultTTL:   5 * time.Minute,
		SizeEstimate: 64 * 1024,
		ErrCacheSize: 1024,
	}
}

// Governor is the public entry point for cached query results: cache
// lookup, quota reservation, single-flight compute dispatch, and
// ledger reconciliation.
type Governor struct {
	Cache  *rescache.Store
	Ledger quota.Ledger

	opts     Options
	log      *slog.Logger
	flights  sync.Map // key -> *flight
	errCache *expirable.LRU[string, error]
}

type flight struct {
	done chan struct{}
	val  []byte
	err  error
}

// New builds a Governor and its result cache. Evicted, expired, and
// invalidated entries automatically release the owning tenant's
// cache_bytes reservation, keyed by the tenant prefix of the cache
// key (see Key).
func New(ledger quota.Ledger, cacheOpts *rescache.Options, opts *Options) (*Governor, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.SizeEstimate <= 0 {
		opts.SizeEstimate = DefaultOptions().SizeEstimate
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("system", "governor")
	}

	if cacheOpts == nil {
		cacheOpts = rescache.DefaultOptions()
	}
	co := *cacheOpts
	co.DefaultTTL = opts.DefaultTTL
	co.OnEvict = func(key string, size int64) {
		tenant, ok := TenantFromKey(key)
		if !ok {
			return
		}
		if err := ledger.Release(context.Background(), tenant, quota.ResourceCacheBytes, size); err != nil {
			logger.Warn("failed to release cache quota on eviction", "tenant", tenant, "err", err)
		}
	}
	cache, err := rescache.NewStore(&co)
	if err != nil {
		return nil, err
	}

	g := &Governor{
		Cache:  cache,
		Ledger: ledger,
		opts:   *opts,
		log:    logger,
	}
	if opts.ErrTTL > 0 {
		g.errCache = expirable.NewLRU[string, error](opts.ErrCacheSize, nil, opts.ErrTTL)
	}
	return g, nil
}

// Key builds a tenant-scoped cache key. All facade keys carry the
// tenant as their first path segment so quota accounting can be
// attributed on eviction.
func Key(tenant string, parts ...string) string {
	return tenant + "/" + strings.Join(parts, "/")
}

func TenantFromKey(key string) (string, bool) {
	idx := strings.IndexByte(key, '/')
	if idx <= 0 {
		return "", false
	}
	return key[:idx], true
}

// GetOrCompute returns the cached value for key, computing and
// caching it on a miss. Concurrent callers for the same missing key
// collapse into one compute invocation and share its result or
// failure. A hit touches no quota; a miss reserves the tenant's
// cache_bytes before computing and reconciles the reservation to the
// actual result size afterwards.
func (g *Governor) GetOrCompute(ctx context.Context, key, tenant string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if v, ok := g.Cache.Get(key); ok {
		return v, nil
	}
	if g.errCache != nil {
		if err, ok := g.errCache.Get(key); ok {
			return nil, err
		}
	}

	// Coalesce multiple requests for the same key
	f := &flight{done: make(chan struct{})}
	if cur, loaded := g.flights.LoadOrStore(key, f); loaded {
		computesCoalesced.Inc()
		cf := cur.(*flight)
		select {
		case <-cf.done:
			return cf.val, cf.err
		case <-ctx.Done():
			// abandoning a waiter does not cancel the in-flight compute
			return nil, ctx.Err()
		}
	}

	f.val, f.err = g.fill(ctx, key, tenant, ttl, compute)

	// Cleanup the flight map, then wake the waiters
	g.flights.Delete(key)
	close(f.done)

	return f.val, f.err
}

func (g *Governor) fill(ctx context.Context, key, tenant string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "GetOrCompute")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenant))

	// releases must go through even if the caller has given up
	cleanupCtx := context.WithoutCancel(ctx)

	est := g.opts.SizeEstimate
	res, err := g.Ledger.Reserve(ctx, tenant, quota.ResourceCacheBytes, est)
	if err != nil {
		return nil, fmt.Errorf("reserving cache quota: %w", err)
	}
	if !res.Allowed {
		return nil, &QuotaError{Tenant: tenant, Result: res}
	}

	start := time.Now()
	computeInvocations.Inc()
	// the compute outlives caller cancellation for the benefit of
	// coalesced and future callers
	val, err := compute(context.WithoutCancel(ctx), key)
	computeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if rerr := g.Ledger.Release(cleanupCtx, tenant, quota.ResourceCacheBytes, est); rerr != nil {
			g.log.Warn("failed to roll back reservation", "tenant", tenant, "err", rerr)
		}
		computeFailures.Inc()
		err = fmt.Errorf("computing value: %w", err)
		if g.errCache != nil {
			g.errCache.Add(key, err)
		}
		return nil, err
	}

	// reconcile the provisional reservation to the actual size
	actual := int64(len(val))
	if delta := actual - est; delta > 0 {
		more, err := g.Ledger.Reserve(cleanupCtx, tenant, quota.ResourceCacheBytes, delta)
		if err != nil {
			g.Ledger.Release(cleanupCtx, tenant, quota.ResourceCacheBytes, est)
			return nil, fmt.Errorf("reconciling cache quota: %w", err)
		}
		if !more.Allowed {
			g.Ledger.Release(cleanupCtx, tenant, quota.ResourceCacheBytes, est)
			return nil, &QuotaError{Tenant: tenant, Result: more}
		}
	} else if delta < 0 {
		if err := g.Ledger.Release(cleanupCtx, tenant, quota.ResourceCacheBytes, -delta); err != nil {
			g.log.Warn("failed to release reservation surplus", "tenant", tenant, "err", err)
		}
	}

	if err := g.Cache.Put(key, val, ttl); err != nil {
		// too large to cache; the caller still gets the value
		if rerr := g.Ledger.Release(cleanupCtx, tenant, quota.ResourceCacheBytes, actual); rerr != nil {
			g.log.Warn("failed to release reservation", "tenant", tenant, "err", rerr)
		}
		g.log.Warn("result not cached", "key", key, "size", actual, "err", err)
		return val, nil
	}
	return val, nil
}

// Invalidate removes a single cached result.
func (g *Governor) Invalidate(key string) bool {
	return g.Cache.Invalidate(key)
}

// InvalidatePrefix removes all cached results under a key prefix,
// e.g. everything a tenant has cached, or all results derived from
// one artifact.
func (g *Governor) InvalidatePrefix(prefix string) int {
	return g.Cache.InvalidatePrefix(prefix)
}
