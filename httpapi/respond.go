// Package httpapi implements the HTTP Surface (C12): a thin go-chi
// collaborator translating the routes of the external interface spec
// to calls against the Trigger Store, Run Store, Heartbeat Ingestor,
// and Uptime Analyzer. apperr.Kind -> HTTP status mapping is confined
// to this package; no other component knows about status codes.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/logging"
)

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the standard JSON error envelope.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respond(w, status, errorResponse{Error: kind, Message: message})
}

// respondErr maps an apperr.Error (or any wrapped error) to its HTTP
// status and writes the envelope; this is the only place in the module
// that knows apperr.Kind -> status code.
func respondErr(w http.ResponseWriter, log logging.Logger, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		log.Error("request failed", map[string]any{"error": err.Error(), "kind": string(kind)})
	}
	respondError(w, status, string(kind), err.Error())
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.NoneAvailable:
		return http.StatusConflict
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	case apperr.HandlerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, dst any, maxBody int64) error {
	body := http.MaxBytesReader(nil, r.Body, maxBody)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
