// Package uptime implements the Uptime Analyzer (C11): a pure computation
// over a heartbeat window read from the Heartbeat Ingestor's store,
// deriving sessions, uptime percentage, MTTR/MTBF, and SLA breach risk.
package uptime

import (
	"context"
	"sort"
	"time"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
)

// Source reads the raw heartbeat window the analyzer derives sessions
// from; satisfied by heartbeat.RedisStore.
type Source interface {
	Window(ctx context.Context, agent domain.AgentKey, from, to time.Time) ([]domain.Heartbeat, error)
}

// AdaptiveTimeoutFunc computes the same per-agent liveness bound the
// Heartbeat Ingestor derives, so gap detection uses a consistent
// threshold; injected rather than imported to keep the packages
// decoupled from each other's internals.
type AdaptiveTimeoutFunc func(intervals []time.Duration, declared time.Duration) time.Duration

type Analyzer struct {
	source          Source
	adaptiveTimeout AdaptiveTimeoutFunc
	slaTarget       float64
}

func New(source Source, adaptiveTimeout AdaptiveTimeoutFunc, slaTargetPercent float64) *Analyzer {
	return &Analyzer{source: source, adaptiveTimeout: adaptiveTimeout, slaTarget: slaTargetPercent}
}

// Analyze derives an UptimeReport for agent over [start, end].
func (a *Analyzer) Analyze(ctx context.Context, agent domain.AgentKey, start, end time.Time) (*domain.UptimeReport, error) {
	if !end.After(start) {
		return nil, apperr.New("uptime.Analyze", apperr.Validation, "end must be after start")
	}
	hbs, err := a.source.Window(ctx, agent, start, end)
	if err != nil {
		return nil, apperr.Wrap("uptime.Analyze", apperr.Unavailable, "read heartbeat window", err)
	}
	sort.Slice(hbs, func(i, j int) bool { return hbs[i].Timestamp.Before(hbs[j].Timestamp) })

	sessions, totalDown := deriveSessions(hbs, start, end, a.adaptiveTimeout)
	totalPeriod := end.Sub(start).Seconds()

	uptimePct := 100.0
	if totalPeriod > 0 {
		uptimePct = 100 * (1 - totalDown/totalPeriod)
	}
	if uptimePct < 0 {
		uptimePct = 0
	}
	if uptimePct > 100 {
		uptimePct = 100
	}

	mttr := meanClosedDownDuration(sessions)
	mtbf := meanTimeBetweenDownStarts(sessions)

	report := &domain.UptimeReport{
		AgentID:          agent.AgentID,
		PeriodStart:      start,
		PeriodEnd:        end,
		UptimePercentage: uptimePct,
		Sessions:         sessions,
		MTTRSeconds:      mttr,
		MTBFSeconds:      mtbf,
		SLATarget:        a.slaTarget,
		SLAMet:           uptimePct >= a.slaTarget,
		BreachRisk:       breachRisk(uptimePct, a.slaTarget),
	}
	if len(hbs) > 0 {
		report.Status = domain.HealthHealthy
	} else {
		report.Status = domain.HealthOffline
	}
	return report, nil
}

// deriveSessions walks the ordered heartbeat stream, treating any gap
// exceeding max(2*declared_interval, adaptive_timeout) as downtime.
func deriveSessions(hbs []domain.Heartbeat, start, end time.Time, adaptiveTimeout AdaptiveTimeoutFunc) ([]domain.UptimeSession, float64) {
	if len(hbs) == 0 {
		endCopy := end
		return []domain.UptimeSession{{
			AgentID: "", Kind: domain.SessionDown, StartedAt: start, EndedAt: &endCopy, IsActive: false,
			FailureClass: "no_data",
		}}, end.Sub(start).Seconds()
	}

	var sessions []domain.UptimeSession
	var totalDown float64
	var intervals []time.Duration

	cursor := start
	declared := time.Duration(hbs[0].ExpectedIntervalMS) * time.Millisecond
	if declared <= 0 {
		declared = 30 * time.Second
	}

	for i, hb := range hbs {
		gap := hb.Timestamp.Sub(cursor)
		threshold := adaptiveTimeout(intervals, declared)
		if 2*declared > threshold {
			threshold = 2 * declared
		}
		if gap > threshold {
			downEnd := hb.Timestamp
			sessions = append(sessions, domain.UptimeSession{
				AgentID: hb.Agent.AgentID, Kind: domain.SessionDown,
				StartedAt: cursor, EndedAt: &downEnd, IsActive: false,
			})
			totalDown += gap.Seconds()
		}
		if i > 0 {
			intervals = append(intervals, hb.Timestamp.Sub(hbs[i-1].Timestamp))
			if len(intervals) > 10 {
				intervals = intervals[len(intervals)-10:]
			}
		}
		cursor = hb.Timestamp
	}

	lastHB := hbs[len(hbs)-1]
	trailingThreshold := adaptiveTimeout(intervals, declared)
	if 2*declared > trailingThreshold {
		trailingThreshold = 2 * declared
	}
	if gap := end.Sub(cursor); gap > trailingThreshold {
		sessions = append(sessions, domain.UptimeSession{
			AgentID: lastHB.Agent.AgentID, Kind: domain.SessionDown,
			StartedAt: cursor, EndedAt: nil, IsActive: true,
		})
		totalDown += gap.Seconds()
	}

	return sessions, totalDown
}

func meanClosedDownDuration(sessions []domain.UptimeSession) *float64 {
	var sum float64
	var n int
	for _, s := range sessions {
		if s.Kind == domain.SessionDown && s.EndedAt != nil {
			sum += s.EndedAt.Sub(s.StartedAt).Seconds()
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

func meanTimeBetweenDownStarts(sessions []domain.UptimeSession) *float64 {
	var starts []time.Time
	for _, s := range sessions {
		if s.Kind == domain.SessionDown {
			starts = append(starts, s.StartedAt)
		}
	}
	if len(starts) < 2 {
		return nil
	}
	var sum float64
	for i := 1; i < len(starts); i++ {
		sum += starts[i].Sub(starts[i-1]).Seconds()
	}
	mean := sum / float64(len(starts)-1)
	return &mean
}

func breachRisk(uptimePct, target float64) domain.BreachRisk {
	slack := uptimePct - target
	switch {
	case slack >= 1.0:
		return domain.RiskLow
	case slack >= 0:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}
