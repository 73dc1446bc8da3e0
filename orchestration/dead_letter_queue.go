// Package orchestration holds the dead letter queue for runs that exhausted
// their retry budget. The orchestrator pushes here instead of discarding the
// failure outright, so an operator can inspect or replay it later.
package orchestration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/logging"
)

// DeadLetterEntry is a terminally-failed run recorded for inspection or replay.
type DeadLetterEntry struct {
	RunID         string         `json:"run_id"`
	TriggerID     string         `json:"trigger_id"`
	Attempt       int            `json:"attempt"`
	Reason        string         `json:"reason"`
	InputSnapshot map[string]any `json:"input_snapshot,omitempty"`
	FailedAt      time.Time      `json:"failed_at"`
}

// DeadLetterQueue stores terminally-failed runs in a Redis list, pushed with
// LPUSH the same way the original task queue pushed work items.
type DeadLetterQueue struct {
	client *redis.Client
	key    string
	logger logging.Logger
}

// NewDeadLetterQueue constructs a queue backed by the given Redis key.
func NewDeadLetterQueue(client *redis.Client, key string, logger logging.Logger) *DeadLetterQueue {
	if key == "" {
		key = "scheduler:dead_letters"
	}
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &DeadLetterQueue{client: client, key: key, logger: logger.WithComponent("orchestration.dlq")}
}

// Push records a terminally-failed run. Errors are logged, not returned as
// fatal: a failing dead letter write must never block the orchestrator's
// dispatch loop from moving on to the next trigger.
func (q *DeadLetterQueue) Push(ctx context.Context, entry DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.Wrap("dlq.push", apperr.Internal, "marshal dead letter entry", err).WithRun(entry.RunID)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		q.logger.ErrorContext(ctx, "failed to push dead letter", map[string]interface{}{
			"run_id": entry.RunID, "error": err.Error(),
		})
		return apperr.Wrap("dlq.push", apperr.Unavailable, "redis lpush failed", err).WithRun(entry.RunID)
	}
	q.logger.InfoContext(ctx, "run moved to dead letter queue", map[string]interface{}{
		"run_id": entry.RunID, "trigger_id": entry.TriggerID, "attempt": entry.Attempt,
	})
	return nil
}

// List returns up to limit entries, most recently pushed first.
func (q *DeadLetterQueue) List(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.key, 0, limit-1).Result()
	if err != nil {
		return nil, apperr.Wrap("dlq.list", apperr.Unavailable, "redis lrange failed", err)
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, r := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			q.logger.Warn("skipping unreadable dead letter entry", map[string]interface{}{"error": err.Error()})
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Replay removes the first entry matching runID and returns it so the caller
// can resubmit it to the orchestrator. Returns apperr.NotFound if no entry
// for that run is present.
func (q *DeadLetterQueue) Replay(ctx context.Context, runID string) (*DeadLetterEntry, error) {
	raw, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, apperr.Wrap("dlq.replay", apperr.Unavailable, "redis lrange failed", err)
	}

	for _, r := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		if e.RunID != runID {
			continue
		}
		if err := q.client.LRem(ctx, q.key, 1, r).Err(); err != nil {
			return nil, apperr.Wrap("dlq.replay", apperr.Unavailable, "redis lrem failed", err).WithRun(runID)
		}
		q.logger.InfoContext(ctx, "dead letter replayed", map[string]interface{}{"run_id": runID})
		return &e, nil
	}
	return nil, apperr.New("dlq.replay", apperr.NotFound, "no dead letter for run "+runID).WithRun(runID)
}

// Len reports the current dead letter count, for telemetry.
func (q *DeadLetterQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, apperr.Wrap("dlq.len", apperr.Unavailable, "redis llen failed", err)
	}
	return n, nil
}
