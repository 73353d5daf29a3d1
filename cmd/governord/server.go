package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/meridiandata/governor/governor"
	"github.com/meridiandata/governor/quota"
	"github.com/meridiandata/governor/retention"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the admin and health API for the governance daemon.
// It is operator-facing: cache statistics, per-tenant usage, and
// retention controls. Tenant-facing traffic never goes through here.
type Server struct {
	logger *slog.Logger
	gov    *governor.Governor
	ledger quota.Ledger
	sched  *retention.Scheduler
	echo   *echo.Echo
}

func NewServer(gov *governor.Governor, ledger quota.Ledger, sched *retention.Scheduler, logger *slog.Logger) *Server {
	return &Server{
		logger: logger,
		gov:    gov,
		ledger: ledger,
		sched:  sched,
	}
}

func (s *Server) RunAPI(listen string) error {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "method=${method} uri=${uri} status=${status} latency=${latency_human}\n",
	}))

	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		code := 500
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		s.logger.Warn("HTTP request error", "statusCode", code, "path", ctx.Path(), "err", err)
		ctx.Response().WriteHeader(code)
	}

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/admin/cacheStats", s.handleCacheStats)
	e.GET("/admin/usage/:tenant", s.handleTenantUsage)
	e.GET("/admin/retentionStatus", s.handleRetentionStatus)
	e.POST("/admin/runPrune", s.handleRunPrune)
	e.POST("/admin/invalidate", s.handleInvalidate)
	s.echo = e

	s.logger.Info("starting admin API", "listen", listen)
	if err := s.echo.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

type HealthStatus struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(200, HealthStatus{Status: "ok"})
}

func (s *Server) handleCacheStats(c echo.Context) error {
	return c.JSON(200, s.gov.Cache.Stats())
}

type tenantUsageResponse struct {
	Tenant string                       `json:"tenant"`
	Usage  map[quota.Resource]int64     `json:"usage"`
	Checks map[quota.Resource]quotaInfo `json:"limits"`
}

type quotaInfo struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining,omitempty"`
}

func (s *Server) handleTenantUsage(c echo.Context) error {
	tenant := c.Param("tenant")
	if tenant == "" {
		return echo.NewHTTPError(400, "tenant is required")
	}

	usage, err := s.ledger.Usage(c.Request().Context(), tenant)
	if err != nil {
		return err
	}

	checks := make(map[quota.Resource]quotaInfo, len(quota.AllResources))
	for _, r := range quota.AllResources {
		res, err := s.ledger.Check(c.Request().Context(), tenant, r, 0)
		if err != nil {
			return err
		}
		info := quotaInfo{Limit: res.Limit}
		if res.Limit >= 0 {
			info.Remaining = max(res.Limit-res.Current, 0)
		}
		checks[r] = info
	}

	return c.JSON(200, tenantUsageResponse{
		Tenant: tenant,
		Usage:  usage,
		Checks: checks,
	})
}

func (s *Server) handleRetentionStatus(c echo.Context) error {
	return c.JSON(200, s.sched.Status())
}

func (s *Server) handleRunPrune(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Minute)
	defer cancel()

	stats, err := s.sched.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, retention.ErrCycleInProgress) {
			return echo.NewHTTPError(409, "a prune cycle is already running")
		}
		return err
	}
	return c.JSON(200, stats)
}

type invalidateRequest struct {
	Key    string `json:"key"`
	Prefix string `json:"prefix"`
}

type invalidateResponse struct {
	Removed int `json:"removed"`
}

// handleInvalidate drops cached results by exact key or by prefix.
// Exactly one of the two must be set.
func (s *Server) handleInvalidate(c echo.Context) error {
	var req invalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(400, "invalid request body")
	}
	if (req.Key == "") == (req.Prefix == "") {
		return echo.NewHTTPError(400, "exactly one of key or prefix is required")
	}

	var removed int
	if req.Key != "" {
		if s.gov.Invalidate(req.Key) {
			removed = 1
		}
	} else {
		removed = s.gov.InvalidatePrefix(req.Prefix)
	}
	s.logger.Info("admin invalidation", "key", req.Key, "prefix", req.Prefix, "removed", removed)
	return c.JSON(200, invalidateResponse{Removed: removed})
}
