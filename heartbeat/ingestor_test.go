package heartbeat_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/heartbeat"
	"github.com/taskforge/scheduler/internal/clock"
)

func newTestIngestor(t *testing.T) (*heartbeat.Ingestor, *clock.Manual) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := heartbeat.NewRedisStore(rdb, 24*time.Hour)
	return heartbeat.New(store, clk, 10, 5*time.Second), clk
}

func agent() domain.AgentKey {
	return domain.AgentKey{AgentID: "agent-1", Environment: "prod"}
}

func TestIngest_HealthyHeartbeat(t *testing.T) {
	in, clk := newTestIngestor(t)
	hb := domain.Heartbeat{
		Agent: agent(), Timestamp: clk.Now(),
		CPUPercent: 20, MemoryPercent: 30, DiskPercent: 40, NetLatencyMS: 50,
		ExpectedIntervalMS: 1000, Sequence: 1,
	}
	res, err := in.Ingest(context.Background(), hb)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, res.DerivedHealth)
	assert.Empty(t, res.Alerts)
}

func TestIngest_CriticalCPUProducesAlert(t *testing.T) {
	in, clk := newTestIngestor(t)
	hb := domain.Heartbeat{
		Agent: agent(), Timestamp: clk.Now(),
		CPUPercent: 99, MemoryPercent: 20, DiskPercent: 20, NetLatencyMS: 20,
		ExpectedIntervalMS: 1000, Sequence: 1,
	}
	res, err := in.Ingest(context.Background(), hb)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthCritical, res.DerivedHealth)
	assert.NotEmpty(t, res.Alerts)
}

func TestIngest_OutOfOrderSequenceRejected(t *testing.T) {
	in, clk := newTestIngestor(t)
	ctx := context.Background()
	base := domain.Heartbeat{
		Agent: agent(), Timestamp: clk.Now(), CPUPercent: 10, MemoryPercent: 10,
		ExpectedIntervalMS: 1000, Sequence: 5,
	}
	_, err := in.Ingest(ctx, base)
	require.NoError(t, err)

	clk.Advance(time.Second)
	stale := base
	stale.Timestamp = clk.Now()
	stale.Sequence = 3
	_, err = in.Ingest(ctx, stale)
	require.Error(t, err)
}

func TestIngest_ClockSkewRejected(t *testing.T) {
	in, clk := newTestIngestor(t)
	hb := domain.Heartbeat{
		Agent: agent(), Timestamp: clk.Now().Add(-time.Hour), CPUPercent: 10, MemoryPercent: 10,
		ExpectedIntervalMS: 1000, Sequence: 1,
	}
	_, err := in.Ingest(context.Background(), hb)
	require.Error(t, err)
}

func TestIngest_OutOfRangeMetricRejected(t *testing.T) {
	in, clk := newTestIngestor(t)
	hb := domain.Heartbeat{
		Agent: agent(), Timestamp: clk.Now(), CPUPercent: 150,
		ExpectedIntervalMS: 1000, Sequence: 1,
	}
	_, err := in.Ingest(context.Background(), hb)
	require.Error(t, err)
}

func TestAdaptiveTimeout_FewSamplesDefaultsToTripleDeclared(t *testing.T) {
	declared := 2 * time.Second
	got := heartbeat.AdaptiveTimeout(nil, declared)
	assert.Equal(t, 3*declared, got)
}

func TestAdaptiveTimeout_ClampedToUpperBound(t *testing.T) {
	declared := time.Second
	intervals := []time.Duration{20 * time.Second, 20 * time.Second, 20 * time.Second}
	got := heartbeat.AdaptiveTimeout(intervals, declared)
	assert.Equal(t, 10*declared, got)
}

func TestAdaptiveTimeout_ClampedToLowerBound(t *testing.T) {
	declared := 10 * time.Second
	intervals := []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	got := heartbeat.AdaptiveTimeout(intervals, declared)
	assert.Equal(t, 2*declared, got)
}

func TestDerivedHealth_NoRequestsIgnoresErrorRateSubscore(t *testing.T) {
	hb := domain.Heartbeat{CPUPercent: 10, MemoryPercent: 10, NetLatencyMS: 10}
	score, _ := heartbeat.DerivedHealth(hb)
	assert.Equal(t, 100.0, score)
}

func TestQualityScore_PartialReportYieldsFraction(t *testing.T) {
	hb := domain.Heartbeat{CPUPercent: 10, MemoryPercent: 10}
	q := heartbeat.QualityScore(hb)
	assert.InDelta(t, 2.0/7.0, q, 0.001)
}
