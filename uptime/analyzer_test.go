package uptime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/uptime"
)

type fakeSource struct {
	hbs []domain.Heartbeat
}

func (f *fakeSource) Window(ctx context.Context, agent domain.AgentKey, from, to time.Time) ([]domain.Heartbeat, error) {
	return f.hbs, nil
}

func fixedTimeout(_ []time.Duration, declared time.Duration) time.Duration {
	return 3 * declared
}

func agentKey() domain.AgentKey { return domain.AgentKey{AgentID: "agent-1"} }

func TestAnalyze_ContinuousHeartbeatsFullyUp(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	var hbs []domain.Heartbeat
	for i := 0; i < 60; i++ {
		hbs = append(hbs, domain.Heartbeat{
			Agent: agentKey(), Timestamp: start.Add(time.Duration(i) * time.Minute),
			ExpectedIntervalMS: int64(time.Minute / time.Millisecond),
		})
	}
	a := uptime.New(&fakeSource{hbs: hbs}, fixedTimeout, 99.9)
	report, err := a.Analyze(context.Background(), agentKey(), start, end)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, report.UptimePercentage, 1.0)
	assert.Empty(t, report.Sessions)
}

func TestAnalyze_GapProducesDownSession(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	hbs := []domain.Heartbeat{
		{Agent: agentKey(), Timestamp: start, ExpectedIntervalMS: int64(time.Minute / time.Millisecond)},
		{Agent: agentKey(), Timestamp: start.Add(time.Minute), ExpectedIntervalMS: int64(time.Minute / time.Millisecond)},
		{Agent: agentKey(), Timestamp: start.Add(90 * time.Minute), ExpectedIntervalMS: int64(time.Minute / time.Millisecond)},
	}
	a := uptime.New(&fakeSource{hbs: hbs}, fixedTimeout, 99.9)
	report, err := a.Analyze(context.Background(), agentKey(), start, end)
	require.NoError(t, err)
	require.NotEmpty(t, report.Sessions)
	assert.Equal(t, domain.SessionDown, report.Sessions[0].Kind)
	assert.Less(t, report.UptimePercentage, 100.0)
}

func TestAnalyze_NoHeartbeatsIsFullyDown(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	a := uptime.New(&fakeSource{hbs: nil}, fixedTimeout, 99.9)
	report, err := a.Analyze(context.Background(), agentKey(), start, end)
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.UptimePercentage)
	assert.Equal(t, domain.HealthOffline, report.Status)
}

func TestAnalyze_BreachRiskCategories(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	hbs := []domain.Heartbeat{
		{Agent: agentKey(), Timestamp: start, ExpectedIntervalMS: int64(time.Hour / time.Millisecond)},
		{Agent: agentKey(), Timestamp: end, ExpectedIntervalMS: int64(time.Hour / time.Millisecond)},
	}
	a := uptime.New(&fakeSource{hbs: hbs}, fixedTimeout, 50.0)
	report, err := a.Analyze(context.Background(), agentKey(), start, end)
	require.NoError(t, err)
	assert.True(t, report.SLAMet)
	assert.Equal(t, domain.RiskLow, report.BreachRisk)
}

func TestAnalyze_EndBeforeStartRejected(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := uptime.New(&fakeSource{}, fixedTimeout, 99.9)
	_, err := a.Analyze(context.Background(), agentKey(), start, start.Add(-time.Hour))
	require.Error(t, err)
}
