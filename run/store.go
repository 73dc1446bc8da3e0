// Package run implements the Run Store (C5): CRUD over scheduled_jobs
// plus the retry-accounting operations the Orchestrator Loop calls
// around dispatch. Every mutation refuses to move a terminal run back to
// a non-terminal status, per the Run Store contract.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/clock"
)

type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func New(pool *pgxpool.Pool, clk clock.Clock) *Store {
	return &Store{pool: pool, clock: clk}
}

const selectColumns = `SELECT
	id, trigger_id, status, scheduled_for, queued_at, started_at, ended_at,
	worker_id, input_snapshot, result_data, error_kind, error_message, error_details,
	attempt, max_retries, next_retry_at, retry_history, lease_id,
	version, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*domain.Run, error) {
	var r domain.Run
	var input, result, errDetails, history []byte
	var errKind, errMessage *string

	err := row.Scan(
		&r.ID, &r.TriggerID, &r.Status, &r.ScheduledFor, &r.QueuedAt, &r.StartedAt, &r.EndedAt,
		&r.WorkerID, &input, &result, &errKind, &errMessage, &errDetails,
		&r.Attempt, &r.MaxRetries, &r.NextRetryAt, &history, &r.LeaseID,
		&r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &r.InputSnapshot)
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &r.ResultData)
	}
	if errKind != nil {
		r.Error = &domain.RunError{Kind: *errKind}
		if errMessage != nil {
			r.Error.Message = *errMessage
		}
		if len(errDetails) > 0 {
			_ = json.Unmarshal(errDetails, &r.Error.Details)
		}
	}
	if len(history) > 0 {
		_ = json.Unmarshal(history, &r.RetryHistory)
	}
	return &r, nil
}

// Create inserts a new run, created by the Orchestrator just before
// dispatch.
func (s *Store) Create(ctx context.Context, r *domain.Run) (*domain.Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.clock.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = domain.RunPending
	}

	input, _ := json.Marshal(r.InputSnapshot)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (
			id, trigger_id, status, scheduled_for, worker_id, input_snapshot,
			attempt, max_retries, lease_id, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11)`,
		r.ID, r.TriggerID, r.Status, r.ScheduledFor, r.WorkerID, input,
		r.Attempt, r.MaxRetries, r.LeaseID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return nil, apperr.Wrap("run.Create", apperr.Unavailable, "insert run", err).WithTrigger(r.TriggerID)
	}
	return r, nil
}

// Get fetches a run by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New("run.Get", apperr.NotFound, "run not found").WithRun(id)
	}
	if err != nil {
		return nil, apperr.Wrap("run.Get", apperr.Unavailable, "query run", err)
	}
	return r, nil
}

// ListByTrigger returns a page of runs for a trigger, newest first.
func (s *Store) ListByTrigger(ctx context.Context, triggerID string, pageNum, pageSize int) ([]*domain.Run, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	rows, err := s.pool.Query(ctx, selectColumns+`
		FROM scheduled_jobs WHERE trigger_id = $1
		ORDER BY scheduled_for DESC LIMIT $2 OFFSET $3`,
		triggerID, pageSize, (pageNum-1)*pageSize)
	if err != nil {
		return nil, apperr.Wrap("run.ListByTrigger", apperr.Unavailable, "query runs", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, apperr.Wrap("run.ListByTrigger", apperr.Internal, "scan run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestByTrigger returns the most recently scheduled run for a trigger,
// used by the dependency predicate evaluator. Returns (nil, nil) if the
// trigger has no runs yet.
func (s *Store) LatestByTrigger(ctx context.Context, triggerID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, selectColumns+`
		FROM scheduled_jobs WHERE trigger_id = $1
		ORDER BY scheduled_for DESC LIMIT 1`, triggerID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap("run.LatestByTrigger", apperr.Unavailable, "query latest run", err)
	}
	return r, nil
}

// terminalGuard ensures a row whose current status is terminal is never
// matched by the subsequent UPDATE.
const terminalGuard = `status NOT IN ('completed', 'aborted', 'cancelled')`

// MarkStarted transitions a run to running, recording the worker.
func (s *Store) MarkStarted(ctx context.Context, id, workerID string) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET status='running', worker_id=$2, started_at=$3, version=version+1, updated_at=$3
		WHERE id=$1 AND `+terminalGuard, id, workerID, now)
	if err != nil {
		return apperr.Wrap("run.MarkStarted", apperr.Unavailable, "mark_started", err).WithRun(id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("run.MarkStarted", apperr.Conflict, "run already terminal").WithRun(id)
	}
	return nil
}

// MarkEnded transitions a run to a terminal or failed status, recording
// the result or structured error.
func (s *Store) MarkEnded(ctx context.Context, id string, status domain.RunStatus, result map[string]any, runErr *domain.RunError) error {
	now := s.clock.Now()
	resultJSON, _ := json.Marshal(result)

	var errKind, errMessage *string
	var errDetails []byte
	if runErr != nil {
		errKind, errMessage = &runErr.Kind, &runErr.Message
		errDetails, _ = json.Marshal(runErr.Details)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET
			status=$2, ended_at=$3, result_data=$4, error_kind=$5, error_message=$6, error_details=$7,
			version=version+1, updated_at=$3
		WHERE id=$1 AND `+terminalGuard,
		id, status, now, resultJSON, errKind, errMessage, errDetails)
	if err != nil {
		return apperr.Wrap("run.MarkEnded", apperr.Unavailable, "mark_ended", err).WithRun(id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("run.MarkEnded", apperr.Conflict, "run already terminal").WithRun(id)
	}
	return nil
}

// ScheduleRetry appends a retry_history entry, records next_retry_at and
// the new attempt number, and moves the run to retrying; the caller runs
// the attempt itself, and MarkStarted moves the run back to running.
func (s *Store) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, reason string, delaySeconds float64, attempt int) error {
	now := s.clock.Now()
	entry := domain.RetryAttempt{Attempt: attempt, ScheduledFor: nextRetryAt, Reason: reason, DelaySeconds: delaySeconds}
	entryJSON, _ := json.Marshal(entry)

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET
			status='retrying', next_retry_at=$2, attempt=$3,
			retry_history = retry_history || $4::jsonb,
			version=version+1, updated_at=$5
		WHERE id=$1 AND `+terminalGuard,
		id, nextRetryAt, attempt, entryJSON, now)
	if err != nil {
		return apperr.Wrap("run.ScheduleRetry", apperr.Unavailable, "schedule_retry", err).WithRun(id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("run.ScheduleRetry", apperr.Conflict, "run already terminal").WithRun(id)
	}
	return nil
}
