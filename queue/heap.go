// Package queue implements the Priority Queue (C6): a bounded in-memory
// min-heap over (next_fire_at, priority), refilled by Refill, which the
// orchestrator calls on each tick and which calls the Trigger Store's
// fetch_due when the heap holds no more than a low-water mark of entries.
// The heap is never durable; the Trigger Store remains
// the single source of truth, matching the GLOSSARY's definition of the
// Priority Queue as "not durable, always recoverable from it".
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/metrics"
)

// Entry is one heap element.
type Entry struct {
	TriggerID  string
	NextFireAt time.Time
	Priority   int
	Version    int64
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].NextFireAt.Equal(h[j].NextFireAt) {
		return h[i].NextFireAt.Before(h[j].NextFireAt)
	}
	return h[i].Priority > h[j].Priority
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// TriggerSource is the subset of the Trigger Store the queue needs to
// refill itself: fetch_due plus a freshness check used on pop.
type TriggerSource interface {
	FetchDue(ctx context.Context, limit int) ([]*domain.Trigger, error)
	Get(ctx context.Context, id string) (*domain.Trigger, error)
}

// Queue is the hybrid in-memory priority queue.
type Queue struct {
	mu          sync.Mutex
	h           entryHeap
	present     map[string]bool
	source      TriggerSource
	capacity    int
	lowWater    int
	fetchLimit  int
}

// New builds a Queue backed by source, bounded to capacity entries,
// refilling whenever its size drops to lowWater.
func New(source TriggerSource, capacity, lowWater, fetchLimit int) *Queue {
	return &Queue{
		h:          entryHeap{},
		present:    make(map[string]bool),
		source:     source,
		capacity:   capacity,
		lowWater:   lowWater,
		fetchLimit: fetchLimit,
	}
}

// Len reports the current heap size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Refill asks the Trigger Store for due triggers and pushes any not
// already present, up to capacity. It enforces the single-entry-per-
// trigger invariant via the present set.
func (q *Queue) Refill(ctx context.Context) error {
	q.mu.Lock()
	size := len(q.h)
	q.mu.Unlock()
	if size > q.lowWater {
		return nil
	}

	due, err := q.source.FetchDue(ctx, q.fetchLimit)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range due {
		if q.present[t.ID] || t.NextFireAt == nil {
			continue
		}
		if len(q.h) >= q.capacity {
			break
		}
		heap.Push(&q.h, Entry{TriggerID: t.ID, NextFireAt: *t.NextFireAt, Version: t.Version})
		q.present[t.ID] = true
	}
	metrics.QueueRefillsTotal.Inc()
	metrics.QueueDepth.Set(float64(len(q.h)))
	return nil
}

// PopDue pops up to n due entries, re-validating each against the
// Trigger Store: if the trigger is no longer active, or its next_fire_at
// has moved since it was enqueued, the stale entry is dropped rather than
// dispatched.
func (q *Queue) PopDue(ctx context.Context, n int, now time.Time) ([]*domain.Trigger, error) {
	var out []*domain.Trigger
	for len(out) < n {
		q.mu.Lock()
		if len(q.h) == 0 {
			q.mu.Unlock()
			break
		}
		top := q.h[0]
		if top.NextFireAt.After(now) {
			q.mu.Unlock()
			break
		}
		entry := heap.Pop(&q.h).(Entry)
		delete(q.present, entry.TriggerID)
		q.mu.Unlock()

		t, err := q.source.Get(ctx, entry.TriggerID)
		if err != nil {
			continue // trigger gone; drop the stale entry
		}
		if t.Status != domain.TriggerActive {
			continue
		}
		if t.NextFireAt == nil || !t.NextFireAt.Equal(entry.NextFireAt) {
			continue // next_fire_at changed since enqueue; discard
		}
		if t.AtCapacity() {
			continue
		}
		out = append(out, t)
	}
	q.mu.Lock()
	metrics.QueueDepth.Set(float64(len(q.h)))
	q.mu.Unlock()
	return out, nil
}

// Remove drops an entry for a trigger that is known to have changed
// status out from under the queue (e.g. archived via the HTTP surface).
func (q *Queue) Remove(triggerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.present[triggerID] {
		return
	}
	for i, e := range q.h {
		if e.TriggerID == triggerID {
			heap.Remove(&q.h, i)
			delete(q.present, triggerID)
			return
		}
	}
}
