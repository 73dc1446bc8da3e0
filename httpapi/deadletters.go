package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/scheduler/orchestration"
)

// ListDeadLetters handles GET /dead-letters: returns terminally-failed
// runs an operator may want to inspect or resubmit.
func (a *API) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if a.DeadLetters == nil {
		respond(w, http.StatusOK, map[string]any{"entries": []orchestration.DeadLetterEntry{}})
		return
	}
	entries, err := a.DeadLetters.List(r.Context(), 100)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"entries": entries})
}

// ReplayDeadLetter handles POST /dead-letters/{run_id}/replay: removes the
// entry from the dead letter queue and hands it back in the response so
// the caller (or a follow-up automation) can decide how to resubmit it.
func (a *API) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if a.DeadLetters == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no dead letter queue configured")
		return
	}
	entry, err := a.DeadLetters.Replay(r.Context(), runID)
	if err != nil {
		respondErr(w, a.Logger, err)
		return
	}
	respond(w, http.StatusOK, entry)
}
