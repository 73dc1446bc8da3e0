package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
)

// RedisStore persists each agent's heartbeat time series as a sorted set
// keyed by agent, scored by timestamp, mirroring the TTL-keyed registry
// pattern the lease manager uses over the same client.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore builds a Store retaining at most retention worth of
// samples per agent.
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: retention}
}

func seriesKey(agent domain.AgentKey) string {
	return "taskcore:heartbeat:" + agent.AgentID + ":" + agent.Environment
}

func seqKey(agent domain.AgentKey) string {
	return "taskcore:heartbeat:seq:" + agent.AgentID + ":" + agent.Environment
}

type sample struct {
	Heartbeat domain.Heartbeat `json:"heartbeat"`
}

func (s *RedisStore) Append(ctx context.Context, hb domain.Heartbeat) error {
	payload, err := json.Marshal(sample{Heartbeat: hb})
	if err != nil {
		return apperr.Wrap("heartbeat.Append", apperr.Internal, "marshal sample", err)
	}
	key := seriesKey(hb.Agent)
	score := float64(hb.Timestamp.UnixNano())
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: payload})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(hb.Timestamp.Add(-s.ttl).UnixNano(), 10))
	pipe.Expire(ctx, key, s.ttl)
	pipe.Set(ctx, seqKey(hb.Agent), hb.Sequence, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap("heartbeat.Append", apperr.Unavailable, "redis unavailable", err)
	}
	return nil
}

func (s *RedisStore) LastSequence(ctx context.Context, agent domain.AgentKey) (int64, bool, error) {
	v, err := s.rdb.Get(ctx, seqKey(agent)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Wrap("heartbeat.LastSequence", apperr.Unavailable, "redis unavailable", err)
	}
	return v, true, nil
}

// RecentIntervals returns up to n inter-arrival durations computed from
// the most recent n+1 samples, newest pair first.
func (s *RedisStore) RecentIntervals(ctx context.Context, agent domain.AgentKey, n int) ([]time.Duration, error) {
	raw, err := s.rdb.ZRevRangeWithScores(ctx, seriesKey(agent), 0, int64(n)).Result()
	if err != nil {
		return nil, apperr.Wrap("heartbeat.RecentIntervals", apperr.Unavailable, "redis unavailable", err)
	}
	if len(raw) < 2 {
		return nil, nil
	}
	intervals := make([]time.Duration, 0, len(raw)-1)
	for i := 0; i < len(raw)-1; i++ {
		newer := time.Unix(0, int64(raw[i].Score))
		older := time.Unix(0, int64(raw[i+1].Score))
		intervals = append(intervals, newer.Sub(older))
	}
	return intervals, nil
}

// Window returns every sample in [from, to], oldest first, used by the
// Uptime Analyzer to derive sessions from gaps in arrival.
func (s *RedisStore) Window(ctx context.Context, agent domain.AgentKey, from, to time.Time) ([]domain.Heartbeat, error) {
	raw, err := s.rdb.ZRangeByScore(ctx, seriesKey(agent), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, apperr.Wrap("heartbeat.Window", apperr.Unavailable, "redis unavailable", err)
	}
	out := make([]domain.Heartbeat, 0, len(raw))
	for _, member := range raw {
		var s sample
		if err := json.Unmarshal([]byte(member), &s); err != nil {
			continue
		}
		out = append(out, s.Heartbeat)
	}
	return out, nil
}
