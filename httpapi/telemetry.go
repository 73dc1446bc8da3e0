package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/heartbeat"
)

// heartbeatPayload is the wire shape POSTed to /telemetry/heartbeat and
// /telemetry/batch.
type heartbeatPayload struct {
	AgentID            string  `json:"agent_id" validate:"required"`
	Environment        string  `json:"environment"`
	AvailabilityZone   string  `json:"availability_zone"`
	AgentVersion       string  `json:"agent_version"`
	Timestamp          string  `json:"timestamp" validate:"required"`
	ReportedStatus     string  `json:"reported_status"`
	CPUPercent         float64 `json:"cpu_percent"`
	MemoryPercent      float64 `json:"memory_percent"`
	DiskPercent        float64 `json:"disk_percent"`
	NetLatencyMS       float64 `json:"net_latency_ms"`
	PacketLossPct      float64 `json:"packet_loss_pct"`
	RequestCount       int64   `json:"request_count"`
	ErrorCount         int64   `json:"error_count"`
	ResponseTimeMS     float64 `json:"response_time_ms"`
	ExpectedIntervalMS int64   `json:"expected_interval_ms"`
	Sequence           int64   `json:"sequence"`
}

func (p heartbeatPayload) toDomain() (domain.Heartbeat, error) {
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return domain.Heartbeat{}, err
	}
	return domain.Heartbeat{
		Agent: domain.AgentKey{
			AgentID: p.AgentID, Environment: p.Environment,
			AvailabilityZone: p.AvailabilityZone, AgentVersion: p.AgentVersion,
		},
		Timestamp:          ts,
		ReportedStatus:     p.ReportedStatus,
		CPUPercent:         p.CPUPercent,
		MemoryPercent:      p.MemoryPercent,
		DiskPercent:        p.DiskPercent,
		NetLatencyMS:       p.NetLatencyMS,
		PacketLossPct:      p.PacketLossPct,
		RequestCount:       p.RequestCount,
		ErrorCount:         p.ErrorCount,
		ResponseTimeMS:     p.ResponseTimeMS,
		ExpectedIntervalMS: p.ExpectedIntervalMS,
		Sequence:           p.Sequence,
	}, nil
}

// PostHeartbeat handles POST /telemetry/heartbeat.
func (a *API) PostHeartbeat(w http.ResponseWriter, r *http.Request) {
	var p heartbeatPayload
	if err := decode(r, &p, 1<<16); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	hb, err := p.toDomain()
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid timestamp: "+err.Error())
		return
	}
	result, err := a.Heartbeats.Ingest(r.Context(), hb)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusCreated, result)
}

// PostSystemMetrics handles POST /telemetry/system-metrics: it accepts
// the full heartbeat payload and ingests it exactly as PostHeartbeat does,
// since the distilled spec draws no wire-level distinction between the
// two beyond intent.
func (a *API) PostSystemMetrics(w http.ResponseWriter, r *http.Request) {
	a.PostHeartbeat(w, r)
}

// PostBatch handles POST /telemetry/batch: bulk heartbeat ingest,
// rejecting batches over 1000 entries with 413 before any store call.
func (a *API) PostBatch(w http.ResponseWriter, r *http.Request) {
	var payloads []heartbeatPayload
	if err := decode(r, &payloads, 4<<20); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(payloads) > 1000 {
		respondError(w, http.StatusRequestEntityTooLarge, "batch_too_large", "batch exceeds 1000 heartbeats")
		return
	}

	var accepted, rejected int
	for _, p := range payloads {
		hb, err := p.toDomain()
		if err != nil {
			rejected++
			continue
		}
		if _, err := a.Heartbeats.Ingest(r.Context(), hb); err != nil {
			rejected++
			continue
		}
		accepted++
	}
	respond(w, http.StatusAccepted, map[string]any{"accepted": accepted, "rejected": rejected})
}

// UptimeStatus handles GET /telemetry/uptime-status/{agent_id}?time_range_hours.
func (a *API) UptimeStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	hours := parseIntDefault(r.URL.Query().Get("time_range_hours"), 24)
	if hours < 1 {
		respondError(w, http.StatusBadRequest, "bad_request", "time_range_hours must be >= 1")
		return
	}

	end := a.Clock.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	report, err := a.Uptime.Analyze(r.Context(), domain.AgentKey{AgentID: agentID}, start, end)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusOK, report)
}

// HealthCheckAssessment handles POST /telemetry/health-check: a
// dry-run derived-health assessment over a posted heartbeat sample,
// without appending it to the time series.
func (a *API) HealthCheckAssessment(w http.ResponseWriter, r *http.Request) {
	var p heartbeatPayload
	if err := decode(r, &p, 1<<16); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	hb, err := p.toDomain()
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid timestamp: "+err.Error())
		return
	}
	score, _ := heartbeat.DerivedHealth(hb)
	status := heartbeat.StatusForScore(score)
	respond(w, http.StatusOK, map[string]any{
		"derived_health": status,
		"score":          score,
		"quality_score":  heartbeat.QualityScore(hb),
	})
}
