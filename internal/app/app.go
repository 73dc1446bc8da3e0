// Package app wires the scheduler's collaborators together and runs the
// process: connect infrastructure, build the Orchestrator Loop and HTTP
// Surface, then block until ctx is cancelled. Grounded on the pack's
// Run(ctx, cfg)-returns-error bootstrap shape (see wisbric-nightowl's
// internal/app/app.go), adapted from its api/worker mode split to this
// module's single always-on worker-plus-HTTP-surface process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskforge/scheduler/handler"
	"github.com/taskforge/scheduler/heartbeat"
	"github.com/taskforge/scheduler/httpapi"
	"github.com/taskforge/scheduler/internal/clock"
	"github.com/taskforge/scheduler/internal/config"
	"github.com/taskforge/scheduler/internal/logging"
	"github.com/taskforge/scheduler/internal/metrics"
	"github.com/taskforge/scheduler/internal/redisutil"
	"github.com/taskforge/scheduler/internal/sqlstore"
	"github.com/taskforge/scheduler/lease"
	"github.com/taskforge/scheduler/orchestration"
	"github.com/taskforge/scheduler/orchestrator"
	"github.com/taskforge/scheduler/queue"
	"github.com/taskforge/scheduler/resilience"
	"github.com/taskforge/scheduler/resolver"
	"github.com/taskforge/scheduler/run"
	"github.com/taskforge/scheduler/trigger"
	"github.com/taskforge/scheduler/uptime"
)

// Run connects to Postgres and Redis, applies migrations, wires every
// component, and runs the orchestrator tick loop alongside the HTTP
// surface until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Logging.Format, cfg.Logging.Level)
	logger.Info("starting scheduler", map[string]any{
		"worker_id": cfg.WorkerID, "environment": cfg.Environment, "addr": cfg.HTTP.Addr,
	})

	pool, err := sqlstore.Open(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	if err := sqlstore.Migrate(cfg.Postgres.URL, cfg.Postgres.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied", nil)

	rdb, err := redisutil.NewClient(ctx, redisutil.Options{
		URL:          cfg.Redis.URL,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("closing redis", map[string]any{"error": err.Error()})
		}
	}()

	clk := clock.NewReal()

	triggerStore := trigger.New(pool, clk)
	runStore := run.New(pool, clk)
	leaseManager := lease.New(rdb, clk, logger)
	heartbeatStore := heartbeat.NewRedisStore(rdb, cfg.Heartbeat.RawRetention)
	deadLetters := orchestration.NewDeadLetterQueue(rdb, "", logger)

	res := resolver.New(runStore, resolver.NewRegoEvaluator())

	triggerQueue := queue.New(triggerStore, cfg.Orchestrator.FetchDueLimit, cfg.Orchestrator.QueueLowWaterMark, cfg.Orchestrator.FetchDueLimit)

	handlers := handler.NewRegistry()
	handlers.Register("http", handler.NewHTTPHandler(nil))
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		handlers.Register("llm", handler.NewLLMHandler(apiKey, ""))
	}

	breaker, err := resilience.NewCircuitBreaker(resilience.DefaultConfig())
	if err != nil {
		return fmt.Errorf("building circuit breaker: %w", err)
	}
	breaker.SetLogger(logger)

	orchCfg := orchestrator.Config{
		WorkerID:            cfg.WorkerID,
		TickInterval:        cfg.Orchestrator.TickInterval,
		MaxConcurrentRuns:   cfg.Orchestrator.MaxConcurrentRunsPerWorker,
		LeaseDuration:       cfg.Orchestrator.LeaseDuration,
		FetchDueBatch:       cfg.Orchestrator.FetchDueLimit,
		ShutdownGracePeriod: cfg.Orchestrator.ShutdownGracePeriod,
	}
	orch := orchestrator.New(orchCfg, leaseManager, triggerStore, runStore, triggerQueue, res, handlers, clk, logger).
		WithCircuitBreaker(breaker).
		WithDeadLetters(dlqAdapter{deadLetters})

	uptimeAnalyzer := uptime.New(heartbeatStore, heartbeat.AdaptiveTimeout, cfg.Heartbeat.DefaultSLATarget)
	ingestor := heartbeat.New(heartbeatStore, clk, cfg.Heartbeat.SampleWindow, cfg.Heartbeat.MaxClockSkew)

	api := &httpapi.API{
		Triggers:     triggerStore,
		Runs:         runStore,
		Resolver:     res,
		Heartbeats:   ingestor,
		Uptime:       uptimeAnalyzer,
		Orchestrator: orch,
		DeadLetters:  deadLetters,
		Clock:        clk,
		Logger:       logger,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		MetricsReg:   metrics.NewRegistry(),
		HealthCheck: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				return fmt.Errorf("postgres unreachable: %w", err)
			}
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				return fmt.Errorf("redis unreachable: %w", err)
			}
			return nil
		},
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http surface listening", map[string]any{"addr": cfg.HTTP.Addr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// dlqAdapter satisfies orchestrator.DeadLetterSink by converting between
// the orchestrator's locally-declared entry shape and
// orchestration.DeadLetterEntry, so the orchestrator package doesn't need
// to import orchestration just for this struct.
type dlqAdapter struct {
	q *orchestration.DeadLetterQueue
}

func (a dlqAdapter) Push(ctx context.Context, e orchestrator.DeadLetterEntry) error {
	return a.q.Push(ctx, orchestration.DeadLetterEntry{
		RunID:         e.RunID,
		TriggerID:     e.TriggerID,
		Attempt:       e.Attempt,
		Reason:        e.Reason,
		InputSnapshot: e.InputSnapshot,
		FailedAt:      e.FailedAt,
	})
}
