package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridiandata/governor/quota"
	"github.com/meridiandata/governor/rescache"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ErrCycleInProgress is returned when a prune cycle is requested
// while another one is still running. Timer ticks that land during a
// cycle are skipped, not queued.
var ErrCycleInProgress = errors.New("prune cycle already in progress")

type Options struct {
	Enabled               bool
	Interval              time.Duration
	MaxJobAge             time.Duration
	MaxArtifactAge        time.Duration
	MaxArtifactsPerTenant int
	BatchSize             int
	DryRun                bool
	// DeletesPerSecond throttles registry deletions. Zero means no limit.
	DeletesPerSecond float64
	HistorySize      int
}

func DefaultOptions() *Options {
	return &Options{
		Enabled:               true,
		Interval:              time.Hour,
		MaxJobAge:             30 * 24 * time.Hour,
		MaxArtifactAge:        30 * 24 * time.Hour,
		MaxArtifactsPerTenant: 1000,
		BatchSize:             100,
		HistorySize:           32,
	}
}

// CycleStats is the report produced by one prune cycle. Candidate
// counts cover what a cycle saw; deletion counts cover what it
// actually removed, so a dry run reports candidates but zero
// deletions.
type CycleStats struct {
	JobsDeleted        int           `json:"jobs_deleted"`
	ArtifactsDeleted   int           `json:"artifacts_deleted"`
	BytesFreed         int64         `json:"bytes_freed"`
	JobCandidates      int           `json:"job_candidates"`
	ArtifactCandidates int           `json:"artifact_candidates"`
	Duration           time.Duration `json:"duration"`
	Errors             []string      `json:"errors,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
	DryRun             bool          `json:"dry_run,omitempty"`
}

// Scheduler periodically prunes expired jobs and artifacts from the
// registry, releasing quota and invalidating cached results as it
// goes. Only one cycle is ever active at a time.
type Scheduler struct {
	opts    Options
	reg     Registry
	ledger  quota.Ledger
	cache   *rescache.Store
	log     *slog.Logger
	limiter *rate.Limiter

	exit    chan struct{}
	wg      sync.WaitGroup
	cycleLk sync.Mutex
	running atomic.Bool

	histLk  sync.RWMutex
	history []CycleStats
	lastRun time.Time
}

// NewScheduler validates opts and wires the scheduler against the
// registry, ledger, and cache it will clean up behind. Ledger and
// cache may be nil when quota accounting or cache invalidation is
// handled elsewhere.
func NewScheduler(reg Registry, ledger quota.Ledger, cache *rescache.Store, opts *Options) (*Scheduler, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("prune interval must be positive, got %s", opts.Interval)
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("prune batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.MaxJobAge < 0 || opts.MaxArtifactAge < 0 || opts.MaxArtifactsPerTenant < 0 {
		return nil, fmt.Errorf("prune ages and caps must not be negative")
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultOptions().HistorySize
	}

	var limiter *rate.Limiter
	if opts.DeletesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DeletesPerSecond), opts.BatchSize)
	}

	return &Scheduler{
		opts:    *opts,
		reg:     reg,
		ledger:  ledger,
		cache:   cache,
		log:     slog.Default().With("system", "retention"),
		limiter: limiter,
		exit:    make(chan struct{}),
	}, nil
}

// Start launches the background prune loop.
func (s *Scheduler) Start() {
	if !s.opts.Enabled {
		s.log.Info("prune scheduler disabled")
		return
	}
	s.log.Info("starting prune scheduler",
		"interval", s.opts.Interval,
		"maxJobAge", s.opts.MaxJobAge,
		"maxArtifactAge", s.opts.MaxArtifactAge,
		"batchSize", s.opts.BatchSize,
		"dryRun", s.opts.DryRun,
	)
	s.wg.Add(1)
	go s.run()
}

// Shutdown stops the loop and waits for any in-flight cycle to finish
// its current batch.
func (s *Scheduler) Shutdown() {
	s.log.Info("stopping prune scheduler")
	close(s.exit)
	s.wg.Wait()
	// wait out a cycle triggered via RunCycle as well
	s.cycleLk.Lock()
	s.cycleLk.Unlock()
	s.log.Info("prune scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-s.exit:
			return
		case <-t.C:
			stats, err := s.RunCycle(context.Background())
			if err != nil {
				s.log.Error("prune cycle failed", "err", err)
			} else if len(stats.Errors) > 0 {
				s.log.Warn("prune cycle completed with errors",
					"jobsDeleted", stats.JobsDeleted,
					"artifactsDeleted", stats.ArtifactsDeleted,
					"errors", len(stats.Errors),
				)
			} else {
				s.log.Info("prune cycle completed",
					"jobsDeleted", stats.JobsDeleted,
					"artifactsDeleted", stats.ArtifactsDeleted,
					"bytesFreed", stats.BytesFreed,
					"duration", stats.Duration,
				)
			}
			// drop any tick that fired while the cycle ran
			select {
			case <-t.C:
			default:
			}
		}
	}
}

// RunCycle executes one prune pass. It is safe to call directly (the
// admin API does); a concurrent call returns ErrCycleInProgress.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	if !s.cycleLk.TryLock() {
		return CycleStats{}, ErrCycleInProgress
	}
	defer s.cycleLk.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	ctx, span := tracer.Start(ctx, "PruneCycle")
	defer span.End()

	start := time.Now()
	stats := CycleStats{Timestamp: start.UTC(), DryRun: s.opts.DryRun}

	if err := s.pruneJobs(ctx, &stats); err != nil {
		span.RecordError(err)
		return stats, err
	}
	if err := s.pruneArtifacts(ctx, &stats); err != nil {
		span.RecordError(err)
		return stats, err
	}

	stats.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("jobs.deleted", stats.JobsDeleted),
		attribute.Int("artifacts.deleted", stats.ArtifactsDeleted),
		attribute.Int64("bytes.freed", stats.BytesFreed),
		attribute.Int("errors", len(stats.Errors)),
	)

	pruneCycles.Inc()
	pruneJobsDeleted.Add(float64(stats.JobsDeleted))
	pruneArtifactsDeleted.Add(float64(stats.ArtifactsDeleted))
	pruneBytesFreed.Add(float64(stats.BytesFreed))
	pruneItemErrors.Add(float64(len(stats.Errors)))
	pruneCycleDuration.Observe(stats.Duration.Seconds())

	s.histLk.Lock()
	s.lastRun = start
	s.history = append(s.history, stats)
	if len(s.history) > s.opts.HistorySize {
		s.history = s.history[len(s.history)-s.opts.HistorySize:]
	}
	s.histLk.Unlock()

	return stats, nil
}

func (s *Scheduler) pruneJobs(ctx context.Context, stats *CycleStats) error {
	if s.opts.MaxJobAge == 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.opts.MaxJobAge)
	jobs, err := s.reg.JobsOlderThan(ctx, cutoff, 0)
	if err != nil {
		return fmt.Errorf("enumerating expired jobs: %w", err)
	}
	stats.JobCandidates = len(jobs)

	if s.opts.DryRun {
		s.log.Info("dry run: would delete expired jobs", "candidates", len(jobs))
		return nil
	}

	for start := 0; start < len(jobs); start += s.opts.BatchSize {
		if s.stopped(ctx) {
			stats.Errors = append(stats.Errors, "cycle aborted: shutdown requested")
			return nil
		}
		end := min(start+s.opts.BatchSize, len(jobs))
		for _, job := range jobs[start:end] {
			if err := s.waitDelete(ctx); err != nil {
				return err
			}
			if err := s.reg.DeleteJob(ctx, job.JobID); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("delete job %s: %v", job.JobID, err))
				continue
			}
			stats.JobsDeleted++
			if s.ledger != nil {
				if err := s.ledger.Release(ctx, job.Tenant, quota.ResourceJobs, 1); err != nil {
					stats.Errors = append(stats.Errors, fmt.Sprintf("release job quota for %s: %v", job.Tenant, err))
				}
			}
		}
	}
	return nil
}

func (s *Scheduler) pruneArtifacts(ctx context.Context, stats *CycleStats) error {
	// an artifact can be both over-age and over-cap; a dry run never
	// deletes, so the age pass result must be subtracted from the cap
	// pass by hand (a real cycle re-enumerates after the age deletions)
	counted := make(map[string]bool)

	// age-based deletions run first so the cap pass sees the result
	if s.opts.MaxArtifactAge > 0 {
		cutoff := time.Now().Add(-s.opts.MaxArtifactAge)
		aged, err := s.reg.ArtifactsOlderThan(ctx, cutoff, 0)
		if err != nil {
			return fmt.Errorf("enumerating expired artifacts: %w", err)
		}
		if s.opts.DryRun {
			for _, a := range aged {
				counted[a.Key] = true
			}
			stats.ArtifactCandidates += len(aged)
			s.log.Info("dry run: would delete expired artifacts", "candidates", len(aged))
		} else if err := s.deleteArtifacts(ctx, aged, stats); err != nil {
			return err
		}
	}

	if s.opts.MaxArtifactsPerTenant > 0 {
		over, err := s.reg.ArtifactsOverCap(ctx, s.opts.MaxArtifactsPerTenant)
		if err != nil {
			return fmt.Errorf("enumerating over-cap artifacts: %w", err)
		}
		if s.opts.DryRun {
			fresh := 0
			for _, a := range over {
				if !counted[a.Key] {
					fresh++
				}
			}
			stats.ArtifactCandidates += fresh
			s.log.Info("dry run: would delete over-cap artifacts", "candidates", fresh)
		} else if err := s.deleteArtifacts(ctx, over, stats); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) deleteArtifacts(ctx context.Context, artifacts []Artifact, stats *CycleStats) error {
	stats.ArtifactCandidates += len(artifacts)
	for start := 0; start < len(artifacts); start += s.opts.BatchSize {
		if s.stopped(ctx) {
			stats.Errors = append(stats.Errors, "cycle aborted: shutdown requested")
			return nil
		}
		end := min(start+s.opts.BatchSize, len(artifacts))
		for _, a := range artifacts[start:end] {
			if err := s.waitDelete(ctx); err != nil {
				return err
			}
			if err := s.reg.DeleteArtifact(ctx, a.Key); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("delete artifact %s: %v", a.Key, err))
				continue
			}
			stats.ArtifactsDeleted++
			stats.BytesFreed += a.SizeBytes
			if s.ledger != nil {
				if err := s.ledger.Release(ctx, a.Tenant, quota.ResourceArtifacts, a.SizeBytes); err != nil {
					stats.Errors = append(stats.Errors, fmt.Sprintf("release artifact quota for %s: %v", a.Tenant, err))
				}
			}
			if s.cache != nil {
				// drop any cached results derived from the artifact
				s.cache.InvalidatePrefix(a.Tenant + "/" + a.Key)
			}
		}
	}
	return nil
}

func (s *Scheduler) waitDelete(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

type Status struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	DryRun   bool          `json:"dry_run"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
	History  []CycleStats  `json:"history,omitempty"`
}

// Status reports the scheduler's configuration and recent cycles.
func (s *Scheduler) Status() Status {
	s.histLk.RLock()
	defer s.histLk.RUnlock()

	st := Status{
		Enabled:  s.opts.Enabled,
		Running:  s.running.Load(),
		Interval: s.opts.Interval,
		DryRun:   s.opts.DryRun,
		History:  append([]CycleStats{}, s.history...),
	}
	if !s.lastRun.IsZero() {
		lr := s.lastRun
		st.LastRun = &lr
	}
	return st
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	select {
	case <-s.exit:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
