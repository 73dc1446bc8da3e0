package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
)

// ingestEventRequest is the inbound event payload for POST /events. Context
// rides along for future handler consumption but only Type is read by
// resolver.OnEvent's filter match.
type ingestEventRequest struct {
	Type    string         `json:"type" validate:"required"`
	Context map[string]any `json:"context,omitempty"`
}

// IngestEvent handles POST /events: the event intake for event-kind
// triggers. event-kind triggers carry no next_fire_at (resolver.next
// leaves it nil for domain.KindEvent), so FetchDue can never find them;
// this endpoint is the dispatch path §4.4 describes as on_event(event)
// enqueuing a one-shot run when the event matches a trigger's filter.
func (a *API) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := decode(r, &req, 1<<16); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	candidates, err := a.Triggers.ListActiveByKind(r.Context(), domain.KindEvent)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}

	var triggered []string
	for _, t := range candidates {
		if !a.Resolver.OnEvent(t, req.Type) || t.AtCapacity() {
			continue
		}
		run, err := a.Runs.Create(r.Context(), &domain.Run{
			TriggerID:     t.ID,
			ScheduledFor:  a.Clock.Now(),
			InputSnapshot: t.TaskParameters,
			MaxRetries:    t.Retry.MaxRetries,
		})
		if err != nil {
			a.Logger.Warn("event-triggered run create failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
			continue
		}
		triggered = append(triggered, run.ID)
	}

	respond(w, http.StatusAccepted, map[string]any{"event_type": req.Type, "runs_created": triggered})
}

// evaluateConditionRequest is the body for POST
// /triggers/{id}/evaluate-condition.
type evaluateConditionRequest struct {
	Context map[string]any `json:"context"`
}

// EvaluateCondition handles POST /triggers/{id}/evaluate-condition:
// conditional-kind triggers carry no next_fire_at either, so a caller that
// owns the upstream state this trigger's expression depends on pushes the
// context here; a true result enqueues a one-shot run exactly as
// ExecuteTrigger does for a manual fire.
func (a *API) EvaluateCondition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req evaluateConditionRequest
	if err := decode(r, &req, 1<<16); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	t, err := a.Triggers.Get(r.Context(), id)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	if t.Kind != domain.KindConditional {
		respondError(w, http.StatusConflict, string(apperr.Conflict), "trigger is not a conditional trigger")
		return
	}
	if t.Status != domain.TriggerActive && t.Status != domain.TriggerPaused {
		respondError(w, http.StatusConflict, string(apperr.Conflict), "trigger is archived or disabled")
		return
	}

	matched, err := a.Resolver.EvaluateConditional(r.Context(), t, req.Context)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	if !matched {
		respond(w, http.StatusOK, map[string]any{"matched": false})
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
	respond(w, http.StatusAccepted, map[string]any{"matched": true, "run": run})
}
