package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskforge/scheduler/internal/apperr"
)

func TestStatusFor_MapsEveryKind(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.Validation:    http.StatusBadRequest,
		apperr.NotFound:      http.StatusNotFound,
		apperr.Forbidden:     http.StatusForbidden,
		apperr.Conflict:      http.StatusConflict,
		apperr.NoneAvailable: http.StatusConflict,
		apperr.Timeout:       http.StatusGatewayTimeout,
		apperr.Unavailable:   http.StatusServiceUnavailable,
		apperr.HandlerError:  http.StatusBadGateway,
		apperr.Internal:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), "kind=%s", kind)
	}
}

func TestHealth_DegradesWhenCheckFails(t *testing.T) {
	a := &API{HealthCheck: func() error { return assertErr{} }}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.Health(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_OKWithNoCheckConfigured(t *testing.T) {
	a := &API{}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.Health(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "down" }
