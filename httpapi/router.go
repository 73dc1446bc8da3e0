package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge/scheduler/heartbeat"
	"github.com/taskforge/scheduler/internal/clock"
	"github.com/taskforge/scheduler/internal/logging"
	appmetrics "github.com/taskforge/scheduler/internal/metrics"
	"github.com/taskforge/scheduler/orchestration"
	"github.com/taskforge/scheduler/orchestrator"
	"github.com/taskforge/scheduler/resolver"
	"github.com/taskforge/scheduler/run"
	"github.com/taskforge/scheduler/trigger"
	"github.com/taskforge/scheduler/uptime"
)

// API holds every collaborator the HTTP surface dispatches to.
type API struct {
	Triggers     *trigger.Store
	Runs         *run.Store
	Resolver     *resolver.Resolver
	Heartbeats   *heartbeat.Ingestor
	Uptime       *uptime.Analyzer
	Orchestrator *orchestrator.Orchestrator
	DeadLetters  *orchestration.DeadLetterQueue
	Clock        clock.Clock
	Logger       logging.Logger
	CORSOrigins  []string
	HealthCheck  func() error
	MetricsReg   *prometheus.Registry
}

// metricsMiddleware records request counts and latency per route template,
// mirroring the pack's promhttp-exposed-registry pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		appmetrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		appmetrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// NewRouter builds the chi router mounting every route from the
// external interface spec's Scheduler and Telemetry surfaces.
func (a *API) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware)

	r.Get("/health", a.Health)
	reg := a.MetricsReg
	if reg == nil {
		reg = appmetrics.NewRegistry()
	}
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/triggers", func(tr chi.Router) {
		tr.Post("/", a.CreateTrigger)
		tr.Put("/{id}", a.UpdateTrigger)
		tr.Delete("/{id}", a.DeleteTrigger)
		tr.Post("/{id}/execute", a.ExecuteTrigger)
		tr.Post("/{id}/evaluate-condition", a.EvaluateCondition)
		tr.Get("/{id}/history", a.TriggerHistory)
	})

	r.Post("/events", a.IngestEvent)

	r.Route("/telemetry", func(tl chi.Router) {
		tl.Post("/heartbeat", a.PostHeartbeat)
		tl.Post("/system-metrics", a.PostSystemMetrics)
		tl.Post("/batch", a.PostBatch)
		tl.Get("/uptime-status/{agent_id}", a.UptimeStatus)
		tl.Post("/health-check", a.HealthCheckAssessment)
	})

	r.Route("/dead-letters", func(dl chi.Router) {
		dl.Get("/", a.ListDeadLetters)
		dl.Post("/{run_id}/replay", a.ReplayDeadLetter)
	})

	return r
}

// Health handles GET /health: a cheap liveness probe plus whatever
// deeper readiness check the caller wired in via HealthCheck.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if a.HealthCheck != nil {
		if err := a.HealthCheck(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	resp := map[string]any{"status": status}
	if a.Orchestrator != nil {
		resp["active_dispatches"] = a.Orchestrator.ActiveCount()
	}
	respond(w, code, resp)
}
