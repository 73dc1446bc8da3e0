// Package heartbeat implements the Heartbeat Ingestor (C10): validation,
// derived health scoring, adaptive timeout inference, and alerting over
// an append-only per-agent time series.
package heartbeat

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/clock"
)

// Store is the time-series persistence the Ingestor appends to and reads
// inter-arrival samples from.
type Store interface {
	Append(ctx context.Context, hb domain.Heartbeat) error
	LastSequence(ctx context.Context, agent domain.AgentKey) (int64, bool, error)
	RecentIntervals(ctx context.Context, agent domain.AgentKey, n int) ([]time.Duration, error)
}

// Ingestor implements the ingest contract.
type Ingestor struct {
	store Store
	clock clock.Clock

	sampleWindow int
	maxSkew      time.Duration
}

func New(store Store, clk clock.Clock, sampleWindow int, maxSkew time.Duration) *Ingestor {
	return &Ingestor{store: store, clock: clk, sampleWindow: sampleWindow, maxSkew: maxSkew}
}

// Ingest validates, scores, and appends a single heartbeat.
func (in *Ingestor) Ingest(ctx context.Context, hb domain.Heartbeat) (*domain.IngestResult, error) {
	if err := in.validate(ctx, hb); err != nil {
		return nil, err
	}

	score, subscores := DerivedHealth(hb)
	status := StatusForScore(score)

	intervals, err := in.store.RecentIntervals(ctx, hb.Agent, in.sampleWindow)
	if err != nil {
		return nil, apperr.Wrap("heartbeat.Ingest", apperr.Unavailable, "read recent intervals", err)
	}
	adaptiveTimeout := AdaptiveTimeout(intervals, time.Duration(hb.ExpectedIntervalMS)*time.Millisecond)

	if err := in.store.Append(ctx, hb); err != nil {
		return nil, apperr.Wrap("heartbeat.Ingest", apperr.Unavailable, "append heartbeat", err)
	}

	return &domain.IngestResult{
		HeartbeatID:       uuid.NewString(),
		DerivedHealth:     status,
		Score:             score,
		AdaptiveTimeoutMS: adaptiveTimeout.Milliseconds(),
		Alerts:            Alerts(subscores, status, in.clock.Now()),
		QualityScore:      QualityScore(hb),
	}, nil
}

func (in *Ingestor) validate(ctx context.Context, hb domain.Heartbeat) error {
	for name, v := range map[string]float64{
		"cpu_percent": hb.CPUPercent, "memory_percent": hb.MemoryPercent,
		"disk_percent": hb.DiskPercent, "packet_loss_pct": hb.PacketLossPct,
	} {
		if v < 0 || v > 100 {
			return apperr.New("heartbeat.Ingest", apperr.Validation, fmt.Sprintf("%s out of range [0,100]: %v", name, v))
		}
	}

	now := in.clock.Now()
	skew := now.Sub(hb.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > in.maxSkew {
		return apperr.New("heartbeat.Ingest", apperr.Validation, "timestamp outside acceptable clock skew")
	}

	lastSeq, has, err := in.store.LastSequence(ctx, hb.Agent)
	if err != nil {
		return apperr.Wrap("heartbeat.Ingest", apperr.Unavailable, "read last sequence", err)
	}
	if has && hb.Sequence < lastSeq {
		return apperr.New("heartbeat.Ingest", apperr.Conflict, "sequence number is out of order")
	}
	return nil
}

// subscores names the four metric subscores contributing to the
// composite health score.
type subscores struct {
	cpu, memory, netLatency, errorRate *float64
}

// DerivedHealth computes the weighted health score per the subscore
// thresholds: cpu/memory/net_latency/error_rate each map to 1.0, 0.5, or
// 0.0, and the composite is 100 * mean(available subscores).
func DerivedHealth(hb domain.Heartbeat) (float64, subscores) {
	cpu := tier(hb.CPUPercent, 80, 95)
	mem := tier(hb.MemoryPercent, 85, 95)
	net := tier(hb.NetLatencyMS, 300, 1000)

	var errScore *float64
	if hb.RequestCount > 0 {
		rate := 100 * float64(hb.ErrorCount) / float64(hb.RequestCount)
		v := tier(rate, 1, 5)
		errScore = &v
	}

	subs := subscores{cpu: &cpu, memory: &mem, netLatency: &net, errorRate: errScore}
	sum, n := 0.0, 0
	for _, s := range []*float64{subs.cpu, subs.memory, subs.netLatency, subs.errorRate} {
		if s != nil {
			sum += *s
			n++
		}
	}
	if n == 0 {
		return 100, subs
	}
	return 100 * sum / float64(n), subs
}

func tier(v, warnAt, critAt float64) float64 {
	switch {
	case v <= warnAt:
		return 1.0
	case v <= critAt:
		return 0.5
	default:
		return 0.0
	}
}

// StatusForScore maps a composite score to the §4.7 status bands.
func StatusForScore(score float64) domain.HealthStatus {
	switch {
	case score >= 85:
		return domain.HealthHealthy
	case score >= 70:
		return domain.HealthDegraded
	default:
		return domain.HealthCritical
	}
}

// AdaptiveTimeout derives a per-agent liveness bound from the empirical
// distribution of inter-arrival intervals: clamp(mean + 2*stddev +
// 0.3*stddev, 2*declared, 10*declared); with <2 samples, 3*declared.
func AdaptiveTimeout(intervals []time.Duration, declared time.Duration) time.Duration {
	if len(intervals) < 2 {
		return 3 * declared
	}
	mean, stddev := meanStddev(intervals)
	raw := mean + 2*stddev + 0.3*stddev
	lower := 2 * declared
	upper := 10 * declared
	switch {
	case raw < float64(lower):
		return lower
	case raw > float64(upper):
		return upper
	default:
		return time.Duration(raw)
	}
}

func meanStddev(durations []time.Duration) (mean, stddev float64) {
	n := float64(len(durations))
	sum := 0.0
	for _, d := range durations {
		sum += float64(d)
	}
	mean = sum / n
	var variance float64
	for _, d := range durations {
		diff := float64(d) - mean
		variance += diff * diff
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

// Alerts generates a structured alert per subscore that is 0.0, plus one
// if the composite status is critical. It looks at this heartbeat only:
// earlier heartbeats are not consulted, so an agent that stays in the
// critical range gets the same alerts on every heartbeat, not only on the
// one that entered it.
func Alerts(subs subscores, status domain.HealthStatus, at time.Time) []domain.Alert {
	var alerts []domain.Alert
	check := func(name string, v *float64) {
		if v != nil && *v == 0.0 {
			alerts = append(alerts, domain.Alert{Severity: domain.SeverityError, Subscore: name, Message: name + " crossed into critical range", At: at})
		}
	}
	check("cpu", subs.cpu)
	check("memory", subs.memory)
	check("net_latency", subs.netLatency)
	check("error_rate", subs.errorRate)

	if status == domain.HealthCritical {
		alerts = append(alerts, domain.Alert{Severity: domain.SeverityCritical, Message: "derived health crossed into critical", At: at})
	}
	return alerts
}

// QualityScore is a 0-1 completeness measure of the reported fields,
// distinct from the weighted health score: reported_fields /
// expected_fields over the optional metric fields. Supplemented from
// original_source per SPEC_FULL §9.
func QualityScore(hb domain.Heartbeat) float64 {
	const expected = 7
	reported := 0
	if hb.CPUPercent != 0 {
		reported++
	}
	if hb.MemoryPercent != 0 {
		reported++
	}
	if hb.DiskPercent != 0 {
		reported++
	}
	if hb.NetLatencyMS != 0 {
		reported++
	}
	if hb.PacketLossPct != 0 {
		reported++
	}
	if hb.RequestCount != 0 {
		reported++
	}
	if hb.ResponseTimeMS != 0 {
		reported++
	}
	return float64(reported) / expected
}
