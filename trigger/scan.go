package trigger

import (
	"encoding/json"

	"github.com/taskforge/scheduler/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const selectColumns = `SELECT
	id, name, description, kind, cron_expression, timezone, interval_seconds,
	event_types, dependency_trigger_ids, dependency_predicate, condition_expression,
	window_start, window_end, task_type, task_config, task_parameters,
	max_concurrent_runs, current_runs, max_exec_seconds,
	max_retries, base_delay_seconds, backoff_multiplier, max_delay_seconds,
	status, next_fire_at, last_fire_at,
	total_runs, success_runs, failure_runs, avg_exec_seconds,
	created_by, tenant_id, tags, pause_reason,
	version, created_at, updated_at`

func scanTrigger(row rowScanner) (*domain.Trigger, error) {
	var t domain.Trigger
	var taskConfig, taskParams []byte
	var windowStart, windowEnd *string

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Kind, &t.CronExpression, &t.Timezone, &t.IntervalSeconds,
		&t.EventTypes, &t.DependencyTriggerIDs, &t.DependencyPredicate, &t.ConditionExpression,
		&windowStart, &windowEnd, &t.TaskType, &taskConfig, &taskParams,
		&t.MaxConcurrentRuns, &t.CurrentRuns, &t.MaxExecSeconds,
		&t.Retry.MaxRetries, &t.Retry.BaseDelaySeconds, &t.Retry.BackoffMultiplier, &t.Retry.MaxDelaySeconds,
		&t.Status, &t.NextFireAt, &t.LastFireAt,
		&t.TotalRuns, &t.SuccessRuns, &t.FailureRuns, &t.AvgExecSeconds,
		&t.CreatedBy, &t.TenantID, &t.Tags, &t.PauseReason,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if windowStart != nil && windowEnd != nil {
		t.Window = &domain.DayWindow{Start: *windowStart, End: *windowEnd}
	}
	if len(taskConfig) > 0 {
		_ = json.Unmarshal(taskConfig, &t.TaskConfig)
	}
	if len(taskParams) > 0 {
		_ = json.Unmarshal(taskParams, &t.TaskParameters)
	}
	return &t, nil
}
