// Package trigger implements the Trigger Store (C4): CRUD over
// scheduled_triggers plus the index-backed fetch_due query the Priority
// Queue filler polls. fetch_due is a plain read with no row locking, so
// concurrent fillers never block each other but can both read the same
// due trigger; the per-trigger lease decides which worker dispatches it,
// and bump_fire is guarded by the version column.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/clock"
)

// Store is the pgx-backed Trigger Store.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func New(pool *pgxpool.Pool, clk clock.Clock) *Store {
	return &Store{pool: pool, clock: clk}
}

// Filter narrows List to a subset of triggers.
type Filter struct {
	TenantID string
	Status   domain.TriggerStatus
	Kind     domain.TriggerKind
}

// Page is a 1-indexed page request.
type Page struct {
	Number int
	Size   int
}

func (p Page) offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Create inserts a new trigger and assigns it an ID if unset.
func (s *Store) Create(ctx context.Context, t *domain.Trigger) (*domain.Trigger, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.clock.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	taskConfig, err := json.Marshal(t.TaskConfig)
	if err != nil {
		return nil, apperr.Wrap("trigger.Create", apperr.Validation, "invalid task_config", err)
	}
	taskParams, err := json.Marshal(t.TaskParameters)
	if err != nil {
		return nil, apperr.Wrap("trigger.Create", apperr.Validation, "invalid task_parameters", err)
	}

	var windowStart, windowEnd *string
	if t.Window != nil {
		windowStart, windowEnd = &t.Window.Start, &t.Window.End
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_triggers (
			id, name, description, kind, cron_expression, timezone, interval_seconds,
			event_types, dependency_trigger_ids, dependency_predicate, condition_expression,
			window_start, window_end, task_type, task_config, task_parameters,
			max_concurrent_runs, current_runs, max_exec_seconds,
			max_retries, base_delay_seconds, backoff_multiplier, max_delay_seconds,
			status, next_fire_at, last_fire_at, created_by, tenant_id, tags, pause_reason,
			version, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33
		)`,
		t.ID, t.Name, t.Description, t.Kind, t.CronExpression, t.Timezone, t.IntervalSeconds,
		t.EventTypes, t.DependencyTriggerIDs, t.DependencyPredicate, t.ConditionExpression,
		windowStart, windowEnd, t.TaskType, taskConfig, taskParams,
		t.MaxConcurrentRuns, t.CurrentRuns, t.MaxExecSeconds,
		t.Retry.MaxRetries, t.Retry.BaseDelaySeconds, t.Retry.BackoffMultiplier, t.Retry.MaxDelaySeconds,
		t.Status, t.NextFireAt, t.LastFireAt, t.CreatedBy, t.TenantID, t.Tags, t.PauseReason,
		0, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperr.New("trigger.Create", apperr.Conflict, "trigger already exists").WithTrigger(t.ID)
		}
		return nil, apperr.Wrap("trigger.Create", apperr.Unavailable, "insert trigger", err)
	}
	return t, nil
}

// Get fetches a trigger by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` FROM scheduled_triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New("trigger.Get", apperr.NotFound, "trigger not found").WithTrigger(id)
	}
	if err != nil {
		return nil, apperr.Wrap("trigger.Get", apperr.Unavailable, "query trigger", err)
	}
	return t, nil
}

// List returns a page of triggers matching filter, ordered by created_at
// descending.
func (s *Store) List(ctx context.Context, f Filter, page Page) ([]*domain.Trigger, error) {
	where := "1=1"
	args := []any{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		where += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	args = append(args, page.Size, page.offset())
	query := fmt.Sprintf(selectColumns+` FROM scheduled_triggers WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap("trigger.List", apperr.Unavailable, "query triggers", err)
	}
	defer rows.Close()

	var out []*domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, apperr.Wrap("trigger.List", apperr.Internal, "scan trigger", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update applies a partial update and bumps version optimistically.
func (s *Store) Update(ctx context.Context, t *domain.Trigger) error {
	t.UpdatedAt = s.clock.Now()
	taskConfig, _ := json.Marshal(t.TaskConfig)
	taskParams, _ := json.Marshal(t.TaskParameters)
	var windowStart, windowEnd *string
	if t.Window != nil {
		windowStart, windowEnd = &t.Window.Start, &t.Window.End
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_triggers SET
			name=$2, description=$3, cron_expression=$4, timezone=$5, interval_seconds=$6,
			event_types=$7, dependency_trigger_ids=$8, dependency_predicate=$9, condition_expression=$10,
			window_start=$11, window_end=$12, task_type=$13, task_config=$14, task_parameters=$15,
			max_concurrent_runs=$16, max_exec_seconds=$17, max_retries=$18, base_delay_seconds=$19,
			backoff_multiplier=$20, max_delay_seconds=$21, status=$22, tags=$23, pause_reason=$24,
			version=version+1, updated_at=$25
		WHERE id=$1 AND version=$26`,
		t.ID, t.Name, t.Description, t.CronExpression, t.Timezone, t.IntervalSeconds,
		t.EventTypes, t.DependencyTriggerIDs, t.DependencyPredicate, t.ConditionExpression,
		windowStart, windowEnd, t.TaskType, taskConfig, taskParams,
		t.MaxConcurrentRuns, t.MaxExecSeconds, t.Retry.MaxRetries, t.Retry.BaseDelaySeconds,
		t.Retry.BackoffMultiplier, t.Retry.MaxDelaySeconds, t.Status, t.Tags, t.PauseReason,
		t.UpdatedAt, t.Version,
	)
	if err != nil {
		return apperr.Wrap("trigger.Update", apperr.Unavailable, "update trigger", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, t.ID); getErr != nil {
			return getErr
		}
		return apperr.New("trigger.Update", apperr.Conflict, "version mismatch").WithTrigger(t.ID)
	}
	t.Version++
	return nil
}

// SoftDelete archives a trigger; archived is terminal.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scheduled_triggers SET status='archived', updated_at=$2, version=version+1 WHERE id=$1 AND status <> 'archived'`, id, s.clock.Now())
	if err != nil {
		return apperr.Wrap("trigger.SoftDelete", apperr.Unavailable, "archive trigger", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// FetchDue returns up to limit active triggers due at or before now,
// ordered by (next_fire_at ASC), skipping any trigger at capacity.
// There is no priority column in the distilled schema and nothing sets
// a priority, so every trigger has priority 0 in the Priority Queue,
// leaving (next_fire_at ASC) as the effective order.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]*domain.Trigger, error) {
	now := s.clock.Now()
	rows, err := s.pool.Query(ctx, selectColumns+`
		FROM scheduled_triggers
		WHERE status = 'active' AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		  AND current_runs < max_concurrent_runs
		ORDER BY next_fire_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, apperr.Wrap("trigger.FetchDueAt", apperr.Unavailable, "query due triggers", err)
	}
	defer rows.Close()

	var out []*domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, apperr.Wrap("trigger.FetchDueAt", apperr.Internal, "scan trigger", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveByKind returns every active trigger of the given kind. Event,
// dependency, and conditional triggers never carry a next_fire_at (the
// resolver leaves it nil for these kinds), so they are invisible to
// FetchDue; this is the lookup the event intake and dependency
// re-evaluation dispatch paths use instead.
func (s *Store) ListActiveByKind(ctx context.Context, kind domain.TriggerKind) ([]*domain.Trigger, error) {
	return s.List(ctx, Filter{Status: domain.TriggerActive, Kind: kind}, Page{Number: 1, Size: 1000})
}

// BumpFire advances a trigger's schedule after a fire, guarded by the
// optimistic version field so concurrent bump_fire calls from different
// orchestrator instances cannot lose an update.
func (s *Store) BumpFire(ctx context.Context, id string, newNextFireAt, lastFireAt *time.Time, version int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_triggers
		SET next_fire_at = $2, last_fire_at = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $5`,
		id, newNextFireAt, lastFireAt, s.clock.Now(), version)
	if err != nil {
		return apperr.Wrap("trigger.BumpFire", apperr.Unavailable, "bump_fire", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("trigger.BumpFire", apperr.Conflict, "version mismatch, retry with fresh read").WithTrigger(id)
	}
	return nil
}

// IncrementCurrentRuns and DecrementCurrentRuns keep current_runs
// monotone with run start/end, enforcing max_concurrent_runs at the
// database level via the WHERE clause (C6's invariant #6: concurrency
// cap).
func (s *Store) IncrementCurrentRuns(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scheduled_triggers SET current_runs = current_runs + 1, updated_at=$2 WHERE id = $1 AND current_runs < max_concurrent_runs`, id, s.clock.Now())
	if err != nil {
		return apperr.Wrap("trigger.IncrementCurrentRuns", apperr.Unavailable, "increment current_runs", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("trigger.IncrementCurrentRuns", apperr.Conflict, "trigger at capacity").WithTrigger(id)
	}
	return nil
}

func (s *Store) DecrementCurrentRuns(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduled_triggers SET current_runs = GREATEST(current_runs - 1, 0), updated_at=$2 WHERE id = $1`, id, s.clock.Now())
	if err != nil {
		return apperr.Wrap("trigger.DecrementCurrentRuns", apperr.Unavailable, "decrement current_runs", err)
	}
	return nil
}

// RecordOutcome updates aggregate stats (total/success/failure runs,
// rolling avg exec seconds) after a run concludes.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool, execSeconds float64) error {
	col := "failure_runs"
	if success {
		col = "success_runs"
	}
	query := fmt.Sprintf(`
		UPDATE scheduled_triggers
		SET total_runs = total_runs + 1,
		    %s = %s + 1,
		    avg_exec_seconds = (avg_exec_seconds * total_runs + $2) / (total_runs + 1),
		    updated_at = $3
		WHERE id = $1`, col, col)
	_, err := s.pool.Exec(ctx, query, id, execSeconds, s.clock.Now())
	if err != nil {
		return apperr.Wrap("trigger.RecordOutcome", apperr.Unavailable, "record outcome", err)
	}
	return nil
}
