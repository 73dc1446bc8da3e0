package httpapi

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// triggerConfigPayload mirrors the create-trigger payload's
// trigger_config object from the external interface spec.
type triggerConfigPayload struct {
	Kind                 string   `json:"kind" validate:"required,oneof=time_based interval event dependency manual conditional webhook"`
	CronExpression       string   `json:"cron_expression,omitempty" validate:"omitempty,cron5"`
	Timezone             string   `json:"timezone,omitempty"`
	IntervalSeconds      int64    `json:"interval_seconds,omitempty" validate:"omitempty,min=1"`
	EventTypes           []string `json:"event_types,omitempty"`
	DependencyTriggerIDs []string `json:"dependency_trigger_ids,omitempty" validate:"omitempty,dive,uuid"`
	DependencyPredicate  string   `json:"dependency_predicate,omitempty" validate:"omitempty,oneof=all_success any_success all_complete"`
	ConditionExpression  string   `json:"condition_expression,omitempty"`
	WindowStart          string   `json:"window_start,omitempty" validate:"omitempty,hhmm"`
	WindowEnd            string   `json:"window_end,omitempty" validate:"omitempty,hhmm"`
}

// executionConfigPayload mirrors the create-trigger payload's
// execution_config object.
type executionConfigPayload struct {
	TaskType          string         `json:"task_type" validate:"required"`
	TaskParameters    map[string]any `json:"task_parameters,omitempty"`
	MaxExecSeconds    int            `json:"max_exec_seconds,omitempty" validate:"omitempty,min=1"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs,omitempty" validate:"omitempty,min=1"`
}

// retryPolicyPayload mirrors the create-trigger payload's optional
// retry_policy object.
type retryPolicyPayload struct {
	MaxRetries        int      `json:"max_retries" validate:"min=0"`
	BaseDelaySeconds  int      `json:"base_delay_seconds" validate:"min=1"`
	BackoffMultiplier float64  `json:"backoff_multiplier" validate:"min=1"`
	MaxDelaySeconds   *int     `json:"max_delay_seconds,omitempty"`
}

type createTriggerRequest struct {
	Name            string                  `json:"name" validate:"required"`
	Description     string                  `json:"description,omitempty"`
	TriggerConfig   triggerConfigPayload    `json:"trigger_config" validate:"required"`
	ExecutionConfig executionConfigPayload  `json:"execution_config" validate:"required"`
	RetryPolicy     *retryPolicyPayload     `json:"retry_policy,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
}

func init() {
	_ = validate.RegisterValidation("cron5", func(fl validator.FieldLevel) bool {
		fields := 0
		inField := false
		for _, r := range fl.Field().String() {
			if r == ' ' || r == '\t' {
				inField = false
				continue
			}
			if !inField {
				fields++
				inField = true
			}
		}
		return fields == 5
	})
	hhmm := regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)
	_ = validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmm.MatchString(fl.Field().String())
	})
}

func (req createTriggerRequest) toDomain(createdBy string) *domain.Trigger {
	t := &domain.Trigger{
		Name:                 req.Name,
		Description:          req.Description,
		Kind:                 domain.TriggerKind(req.TriggerConfig.Kind),
		CronExpression:       req.TriggerConfig.CronExpression,
		Timezone:             req.TriggerConfig.Timezone,
		IntervalSeconds:      req.TriggerConfig.IntervalSeconds,
		EventTypes:           req.TriggerConfig.EventTypes,
		DependencyTriggerIDs: req.TriggerConfig.DependencyTriggerIDs,
		DependencyPredicate:  domain.DependencyPredicate(req.TriggerConfig.DependencyPredicate),
		ConditionExpression:  req.TriggerConfig.ConditionExpression,
		TaskType:             req.ExecutionConfig.TaskType,
		TaskParameters:       req.ExecutionConfig.TaskParameters,
		MaxExecSeconds:       req.ExecutionConfig.MaxExecSeconds,
		MaxConcurrentRuns:    req.ExecutionConfig.MaxConcurrentRuns,
		Status:               domain.TriggerActive,
		CreatedBy:            createdBy,
		Tags:                 req.Tags,
	}
	if req.TriggerConfig.WindowStart != "" && req.TriggerConfig.WindowEnd != "" {
		t.Window = &domain.DayWindow{Start: req.TriggerConfig.WindowStart, End: req.TriggerConfig.WindowEnd}
	}
	if t.MaxConcurrentRuns == 0 {
		t.MaxConcurrentRuns = 1
	}
	if req.RetryPolicy != nil {
		t.Retry = domain.RetryPolicy{
			MaxRetries:        req.RetryPolicy.MaxRetries,
			BaseDelaySeconds:  req.RetryPolicy.BaseDelaySeconds,
			BackoffMultiplier: req.RetryPolicy.BackoffMultiplier,
			MaxDelaySeconds:   req.RetryPolicy.MaxDelaySeconds,
		}
	} else {
		t.Retry = domain.RetryPolicy{BaseDelaySeconds: 60, BackoffMultiplier: 2.0}
	}
	return t
}

// CreateTrigger handles POST /triggers.
func (a *API) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req createTriggerRequest
	if err := decode(r, &req, 1<<20); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	t := req.toDomain(principalFrom(r).Subject)
	next, err := a.Resolver.NextFireAfterCreate(r.Context(), t, a.Clock.Now())
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	t.NextFireAt = next

	created, err := a.Triggers.Create(r.Context(), t)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusCreated, created)
}

// UpdateTrigger handles PUT /triggers/{id}.
func (a *API) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := a.Triggers.Get(r.Context(), id)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}

	var patch struct {
		Name              *string `json:"name"`
		Description       *string `json:"description"`
		Status            *string `json:"status"`
		MaxConcurrentRuns *int    `json:"max_concurrent_runs"`
		PauseReason       *string `json:"pause_reason"`
	}
	if err := decode(r, &patch, 1<<20); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if patch.Name != nil {
		existing.Name = *patch.Name
	}
	if patch.Description != nil {
		existing.Description = *patch.Description
	}
	if patch.MaxConcurrentRuns != nil {
		existing.MaxConcurrentRuns = *patch.MaxConcurrentRuns
	}
	if patch.PauseReason != nil {
		existing.PauseReason = *patch.PauseReason
	}
	if patch.Status != nil {
		next := domain.TriggerStatus(*patch.Status)
		if !existing.Status.CanTransitionTo(next) {
			respondError(w, http.StatusConflict, string(apperr.Conflict), "illegal trigger status transition")
			return
		}
		existing.Status = next
	}

	if err := a.Triggers.Update(r.Context(), existing); err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusOK, existing)
}

// DeleteTrigger handles DELETE /triggers/{id}: archives, never hard-deletes.
func (a *API) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Triggers.SoftDelete(r.Context(), id); err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "archived"})
}

// ExecuteTrigger handles POST /triggers/{id}/execute: a manual,
// out-of-schedule fire. dry_run (supplemented from original_source, see
// SPEC_FULL §9) evaluates eligibility without creating a run or
// touching current_runs.
func (a *API) ExecuteTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		DryRun bool `json:"dry_run"`
	}
	_ = decode(r, &body, 1<<16)

	t, err := a.Triggers.Get(r.Context(), id)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	if t.Status != domain.TriggerActive && t.Status != domain.TriggerPaused {
		respondError(w, http.StatusConflict, string(apperr.Conflict), "trigger is archived or disabled")
		return
	}
	if body.DryRun {
		respond(w, http.StatusOK, map[string]any{
			"would_run":    !t.AtCapacity(),
			"current_runs": t.CurrentRuns,
			"max_concurrent_runs": t.MaxConcurrentRuns,
		})
		return
	}
	if t.AtCapacity() {
		respondError(w, http.StatusConflict, string(apperr.Conflict), "trigger at max_concurrent_runs")
		return
	}

	run, err := a.Runs.Create(r.Context(), &domain.Run{
		TriggerID:     t.ID,
		ScheduledFor:  a.Clock.Now(),
		InputSnapshot: t.TaskParameters,
		MaxRetries:    t.Retry.MaxRetries,
	})
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusAccepted, run)
}

// TriggerHistory handles GET /triggers/{id}/history?page&page_size.
func (a *API) TriggerHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page := parseIntDefault(r.URL.Query().Get("page"), 1)
	pageSize := parseIntDefault(r.URL.Query().Get("page_size"), 20)
	if page < 1 {
		respondError(w, http.StatusBadRequest, "bad_request", "page must be >= 1")
		return
	}
	if pageSize < 1 || pageSize > 100 {
		respondError(w, http.StatusBadRequest, "bad_request", "page_size must be between 1 and 100")
		return
	}

	runs, err := a.Runs.ListByTrigger(r.Context(), id, page, pageSize)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"page": page, "page_size": pageSize, "runs": runs})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
