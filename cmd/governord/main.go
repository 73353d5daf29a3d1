package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/meridiandata/governor/governor"
	"github.com/meridiandata/governor/quota"
	"github.com/meridiandata/governor/rescache"
	"github.com/meridiandata/governor/retention"
	"github.com/meridiandata/governor/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "governord",
		Usage:   "resource governance daemon (result cache, quotas, retention)",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "job/artifact registry database",
			Value:   "sqlite://data/governord/registry.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "optional redis for shared quota counters, eg redis://localhost:6379/0",
			EnvVars: []string{"GOVERNORD_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin API",
			Value:   ":2510",
			EnvVars: []string{"GOVERNORD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":2511",
			EnvVars: []string{"GOVERNORD_METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "cache-max-entries",
			Value:   1000,
			EnvVars: []string{"GOVERNORD_CACHE_MAX_ENTRIES"},
		},
		&cli.Int64Flag{
			Name:    "cache-max-bytes",
			Value:   100 * 1024 * 1024,
			EnvVars: []string{"GOVERNORD_CACHE_MAX_BYTES"},
		},
		&cli.DurationFlag{
			Name:    "cache-default-ttl",
			Value:   5 * time.Minute,
			EnvVars: []string{"GOVERNORD_CACHE_DEFAULT_TTL"},
		},
		&cli.StringSliceFlag{
			Name:    "tenant-tier",
			Usage:   "tenant quota tier assignment, eg acme=professional (repeatable)",
			EnvVars: []string{"GOVERNORD_TENANT_TIERS"},
		},
		&cli.StringSliceFlag{
			Name:    "quota-limit",
			Usage:   "explicit quota override, eg acme:cache_bytes:1073741824 (repeatable)",
			EnvVars: []string{"GOVERNORD_QUOTA_LIMITS"},
		},
		&cli.BoolFlag{
			Name:    "prune-enabled",
			Value:   true,
			EnvVars: []string{"GOVERNORD_PRUNE_ENABLED"},
		},
		&cli.DurationFlag{
			Name:    "prune-interval",
			Value:   time.Hour,
			EnvVars: []string{"GOVERNORD_PRUNE_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "prune-max-job-age",
			Value:   30 * 24 * time.Hour,
			EnvVars: []string{"GOVERNORD_PRUNE_MAX_JOB_AGE"},
		},
		&cli.DurationFlag{
			Name:    "prune-max-artifact-age",
			Value:   30 * 24 * time.Hour,
			EnvVars: []string{"GOVERNORD_PRUNE_MAX_ARTIFACT_AGE"},
		},
		&cli.IntFlag{
			Name:    "prune-max-artifacts-per-tenant",
			Value:   1000,
			EnvVars: []string{"GOVERNORD_PRUNE_MAX_ARTIFACTS_PER_TENANT"},
		},
		&cli.IntFlag{
			Name:    "prune-batch-size",
			Value:   100,
			EnvVars: []string{"GOVERNORD_PRUNE_BATCH_SIZE"},
		},
		&cli.BoolFlag{
			Name:    "prune-dry-run",
			Usage:   "report what would be deleted without deleting",
			EnvVars: []string{"GOVERNORD_PRUNE_DRY_RUN"},
		},
		&cli.Float64Flag{
			Name:    "prune-deletes-per-second",
			Usage:   "throttle registry deletions (0 = unlimited)",
			EnvVars: []string{"GOVERNORD_PRUNE_DELETES_PER_SECOND"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				return fmt.Errorf("failed to create trace exporter: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("governord"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		policies, err := parsePolicies(cctx.StringSlice("tenant-tier"), cctx.StringSlice("quota-limit"))
		if err != nil {
			return err
		}
		policySet := quota.NewPolicySet(policies)

		var ledger quota.Ledger
		if redisURL := cctx.String("redis-url"); redisURL != "" {
			rl, err := quota.NewRedisLedger(redisURL, policySet)
			if err != nil {
				return fmt.Errorf("initializing redis quota ledger: %w", err)
			}
			ledger = rl
			logger.Info("quota ledger backed by redis")
		} else {
			ledger = quota.NewMemLedger(policySet)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		registry, err := retention.NewGormRegistry(db)
		if err != nil {
			return fmt.Errorf("initializing job/artifact registry: %w", err)
		}

		gov, err := governor.New(ledger, &rescache.Options{
			MaxEntries: cctx.Int("cache-max-entries"),
			MaxBytes:   cctx.Int64("cache-max-bytes"),
		}, &governor.Options{
			DefaultTTL: cctx.Duration("cache-default-ttl"),
			Logger:     logger.With("system", "governor"),
		})
		if err != nil {
			return err
		}

		sched, err := retention.NewScheduler(registry, ledger, gov.Cache, &retention.Options{
			Enabled:               cctx.Bool("prune-enabled"),
			Interval:              cctx.Duration("prune-interval"),
			MaxJobAge:             cctx.Duration("prune-max-job-age"),
			MaxArtifactAge:        cctx.Duration("prune-max-artifact-age"),
			MaxArtifactsPerTenant: cctx.Int("prune-max-artifacts-per-tenant"),
			BatchSize:             cctx.Int("prune-batch-size"),
			DryRun:                cctx.Bool("prune-dry-run"),
			DeletesPerSecond:      cctx.Float64("prune-deletes-per-second"),
		})
		if err != nil {
			return fmt.Errorf("invalid prune configuration: %w", err)
		}

		srv := NewServer(gov, ledger, sched, logger)

		sched.Start()

		// the metrics listener has no graceful shutdown; it dies with
		// the process
		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		eg, ctx := errgroup.WithContext(context.Background())
		eg.Go(func() error {
			return srv.RunAPI(cctx.String("bind"))
		})
		eg.Go(func() error {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case s := <-sig:
				logger.Info("shutting down on signal", "signal", s)
			case <-ctx.Done():
			}
			sched.Shutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if err := eg.Wait(); err != nil {
			return fmt.Errorf("failed to run governance service: %w", err)
		}
		return nil
	},
}

// parsePolicies expands tier assignments ("tenant=tier") and explicit
// overrides ("tenant:resource:limit") into one policy list. Overrides
// win over tier presets.
func parsePolicies(tiers, limits []string) ([]quota.Policy, error) {
	var policies []quota.Policy
	for _, s := range tiers {
		tenant, tierName, ok := strings.Cut(s, "=")
		if !ok || tenant == "" {
			return nil, fmt.Errorf("invalid tenant tier assignment: %q", s)
		}
		tier, err := quota.ParseTier(tierName)
		if err != nil {
			return nil, err
		}
		policies = append(policies, quota.TierPolicies(tenant, tier)...)
	}
	for _, s := range limits {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid quota limit (want tenant:resource:limit): %q", s)
		}
		res := quota.Resource(parts[1])
		if !slices.Contains(quota.AllResources, res) {
			return nil, fmt.Errorf("unknown quota resource: %q", parts[1])
		}
		limit, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid quota limit value: %q", s)
		}
		policies = append(policies, quota.Policy{
			Tenant:   parts[0],
			Resource: res,
			Limit:    limit,
		})
	}
	return policies, nil
}
