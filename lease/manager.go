// Package lease implements the distributed Lease Manager (C3): atomic
// acquire/release/extend/heartbeat over a compound (resource_type,
// resource_id) key, with Redis enforcing expiry so no reaper process is
// required. The acquire/release/extend pattern and the atomic
// Redis-pipeline style are adapted from the registry's TTL-keyed
// registration in the teacher codebase.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/clock"
	"github.com/taskforge/scheduler/internal/logging"
)

const keyPrefix = "taskcore:lease:"

// Manager implements the Lease Manager contract over Redis.
type Manager struct {
	rdb    *redis.Client
	clock  clock.Clock
	logger logging.Logger
}

// New builds a Manager over an already-connected Redis client.
func New(rdb *redis.Client, clk clock.Clock, logger logging.Logger) *Manager {
	return &Manager{rdb: rdb, clock: clk, logger: logger.WithComponent("lease")}
}

func key(resourceType, resourceID string) string {
	return keyPrefix + resourceType + ":" + resourceID
}

type record struct {
	LeaseID           string    `json:"lease_id"`
	ResourceType      string    `json:"resource_type"`
	ResourceID        string    `json:"resource_id"`
	WorkerID          string    `json:"worker_id"`
	ProcessID         string    `json:"process_id"`
	AcquiredAt        time.Time `json:"acquired_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	DurationSeconds   int       `json:"duration_seconds"`
	AutoExtend        bool      `json:"auto_extend"`
	MaxExtensions     int       `json:"max_extensions"`
	CurrentExtensions int       `json:"current_extensions"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	HeartbeatInterval int64     `json:"heartbeat_interval_ns"`
	HeartbeatFailures int       `json:"heartbeat_failures"`
}

func (r record) toDomain() *domain.Lease {
	return &domain.Lease{
		ID:                r.LeaseID,
		ResourceType:      r.ResourceType,
		ResourceID:        r.ResourceID,
		WorkerID:          r.WorkerID,
		ProcessID:         r.ProcessID,
		AcquiredAt:        r.AcquiredAt,
		ExpiresAt:         r.ExpiresAt,
		DurationSeconds:   r.DurationSeconds,
		AutoExtend:        r.AutoExtend,
		MaxExtensions:     r.MaxExtensions,
		CurrentExtensions: r.CurrentExtensions,
		LastHeartbeat:     r.LastHeartbeat,
		HeartbeatInterval: time.Duration(r.HeartbeatInterval),
		HeartbeatFailures: r.HeartbeatFailures,
	}
}

// Acquire's SET with NX performs the atomic "insert iff absent" the
// contract requires: concurrent acquires for the same key produce exactly
// one winner, and PX gives Redis's own expiry reaper the job of cleaning
// up expired leases.
//
// releaseScript (used by Release) and mutateScript (used by Extend and
// Heartbeat) compare the caller's worker_id against the stored owner
// before mutating, within a single round trip, so "am I still the owner"
// and "mutate" can never race with another worker's acquire of the same
// key after expiry.
var (
	releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return "EXPIRED"
end
local owner = cjson.decode(v)["worker_id"]
if owner ~= ARGV[1] then
  return "NOT_OWNER"
end
redis.call("DEL", KEYS[1])
return "OK"
`)

	mutateScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return "EXPIRED"
end
local doc = cjson.decode(v)
if doc["worker_id"] ~= ARGV[1] then
  return "NOT_OWNER"
end
return v
`)
)

// Acquire attempts to atomically claim (resourceType, resourceID) for
// owner. Returns apperr.NoneAvailable if another worker already holds an
// unexpired lease, apperr.Unavailable if the store could not be reached.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID string, duration time.Duration, owner string, autoExtend bool, maxExtensions int) (*domain.Lease, error) {
	now := m.clock.Now()
	rec := record{
		LeaseID:           uuid.NewString(),
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		WorkerID:          owner,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(duration),
		DurationSeconds:   int(duration.Seconds()),
		AutoExtend:        autoExtend,
		MaxExtensions:     maxExtensions,
		LastHeartbeat:     now,
		HeartbeatInterval: int64(duration),
	}
	payload, err := marshal(rec)
	if err != nil {
		return nil, apperr.Wrap("lease.Acquire", apperr.Internal, "marshal lease record", err)
	}

	ok, err := m.rdb.SetNX(ctx, key(resourceType, resourceID), payload, duration).Result()
	if err != nil {
		return nil, apperr.Wrap("lease.Acquire", apperr.Unavailable, "redis unavailable", err)
	}
	if !ok {
		return nil, apperr.New("lease.Acquire", apperr.NoneAvailable, "lease already held").
			WithLease(resourceType + ":" + resourceID)
	}
	return rec.toDomain(), nil
}

// Release releases a lease if owner still holds it.
func (m *Manager) Release(ctx context.Context, resourceType, resourceID, owner string) error {
	res, err := releaseScript.Run(ctx, m.rdb, []string{key(resourceType, resourceID)}, owner).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperr.Wrap("lease.Release", apperr.Unavailable, "redis unavailable", err)
	}
	switch res {
	case "OK":
		return nil
	case "EXPIRED":
		return apperr.New("lease.Release", apperr.Timeout, "lease already expired")
	case "NOT_OWNER":
		return apperr.New("lease.Release", apperr.Forbidden, "caller is not the current owner")
	default:
		return apperr.New("lease.Release", apperr.Internal, fmt.Sprintf("unexpected release result %q", res))
	}
}

// Extend extends a held lease by extraSeconds, enforcing max_extensions.
func (m *Manager) Extend(ctx context.Context, resourceType, resourceID, owner string, extra time.Duration) (*domain.Lease, error) {
	raw, err := mutateScript.Run(ctx, m.rdb, []string{key(resourceType, resourceID)}, owner).Text()
	if err != nil {
		return nil, apperr.Wrap("lease.Extend", apperr.Unavailable, "redis unavailable", err)
	}
	switch raw {
	case "EXPIRED":
		return nil, apperr.New("lease.Extend", apperr.Timeout, "lease already expired")
	case "NOT_OWNER":
		return nil, apperr.New("lease.Extend", apperr.Forbidden, "caller is not the current owner")
	}
	var rec record
	if err := unmarshal([]byte(raw), &rec); err != nil {
		return nil, apperr.Wrap("lease.Extend", apperr.Internal, "unmarshal lease record", err)
	}
	if rec.CurrentExtensions >= rec.MaxExtensions {
		return nil, apperr.New("lease.Extend", apperr.Conflict, "extension limit reached")
	}
	now := m.clock.Now()
	rec.ExpiresAt = now.Add(extra)
	rec.CurrentExtensions++
	rec.LastHeartbeat = now
	payload, err := marshal(rec)
	if err != nil {
		return nil, apperr.Wrap("lease.Extend", apperr.Internal, "marshal lease record", err)
	}
	if err := m.rdb.Set(ctx, key(resourceType, resourceID), payload, extra).Err(); err != nil {
		return nil, apperr.Wrap("lease.Extend", apperr.Unavailable, "redis unavailable", err)
	}
	return rec.toDomain(), nil
}

// Heartbeat refreshes last_heartbeat without changing expiry, used by
// auto-extending leases to prove liveness between extends.
func (m *Manager) Heartbeat(ctx context.Context, resourceType, resourceID, owner string) error {
	raw, err := mutateScript.Run(ctx, m.rdb, []string{key(resourceType, resourceID)}, owner).Text()
	if err != nil {
		return apperr.Wrap("lease.Heartbeat", apperr.Unavailable, "redis unavailable", err)
	}
	switch raw {
	case "EXPIRED":
		return apperr.New("lease.Heartbeat", apperr.Timeout, "lease already expired")
	case "NOT_OWNER":
		return apperr.New("lease.Heartbeat", apperr.Forbidden, "caller is not the current owner")
	}
	var rec record
	if err := unmarshal([]byte(raw), &rec); err != nil {
		return apperr.Wrap("lease.Heartbeat", apperr.Internal, "unmarshal lease record", err)
	}
	rec.LastHeartbeat = m.clock.Now()
	payload, err := marshal(rec)
	if err != nil {
		return apperr.Wrap("lease.Heartbeat", apperr.Internal, "marshal lease record", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return apperr.New("lease.Heartbeat", apperr.Timeout, "lease already expired")
	}
	return m.rdb.Set(ctx, key(resourceType, resourceID), payload, ttl).Err()
}

// Health reports the liveness view of a lease, looked up by
// (resource_type, resource_id) since that is the only unique key the
// store enforces.
func (m *Manager) Health(ctx context.Context, resourceType, resourceID string) (alive bool, timeToExpiry time.Duration, extensionsRemaining int, err error) {
	raw, getErr := m.rdb.Get(ctx, key(resourceType, resourceID)).Bytes()
	if errors.Is(getErr, redis.Nil) {
		return false, 0, 0, nil
	}
	if getErr != nil {
		return false, 0, 0, apperr.Wrap("lease.Health", apperr.Unavailable, "redis unavailable", getErr)
	}
	var rec record
	if err := unmarshal(raw, &rec); err != nil {
		return false, 0, 0, apperr.Wrap("lease.Health", apperr.Internal, "unmarshal lease record", err)
	}
	l := rec.toDomain()
	now := m.clock.Now()
	return l.Alive(now), time.Until(l.ExpiresAt), l.ExtensionsRemaining(), nil
}

// IsOwner reports whether the given owner currently holds the lease for
// (resourceType, resourceID). Used by the orchestrator at completion time
// to detect that ownership was lost to another worker while a handler
// ran past the lease TTL.
func (m *Manager) IsOwner(ctx context.Context, resourceType, resourceID, owner string) (bool, error) {
	raw, getErr := m.rdb.Get(ctx, key(resourceType, resourceID)).Bytes()
	if errors.Is(getErr, redis.Nil) {
		return false, nil
	}
	if getErr != nil {
		return false, apperr.Wrap("lease.IsOwner", apperr.Unavailable, "redis unavailable", getErr)
	}
	var rec record
	if err := unmarshal(raw, &rec); err != nil {
		return false, apperr.Wrap("lease.IsOwner", apperr.Internal, "unmarshal lease record", err)
	}
	return rec.WorkerID == owner, nil
}
