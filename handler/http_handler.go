package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPHandler is the default handler for HTTP-kind tasks: it issues an
// outbound HTTP request described by task_config. It wraps the call in
// its own circuit breaker, a separate failure domain from the internal
// resilience breaker the orchestrator uses around store/lease calls, so
// a flaky downstream HTTP dependency cannot trip breakers guarding
// Redis/Postgres access.
type HTTPHandler struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPHandler builds the default HTTP task handler.
func NewHTTPHandler(client *http.Client) *HTTPHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "handler.http",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &HTTPHandler{client: client, breaker: cb}
}

// task_config shape consumed by the HTTP handler: {method, url, headers,
// body}. Abstractly specified by the contract — the core does not
// require this exact shape, but it is the one this default handler uses.
type httpTaskConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

func (h *HTTPHandler) Execute(ctx context.Context, trigger TriggerView, run RunView) Result {
	cfg, err := decodeConfig[httpTaskConfig](trigger.TaskConfig)
	if err != nil {
		return Err("VALIDATION", "invalid task_config for http handler", map[string]any{"error": err.Error()})
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}

	var body io.Reader
	if len(cfg.Body) > 0 {
		body = bytes.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return Err("VALIDATION", "building request", map[string]any{"error": err.Error()})
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	result, err := h.breaker.Execute(func() (any, error) {
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("downstream returned %d", resp.StatusCode)
		}
		return map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(respBody),
		}, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Err("TIMEOUT", "request cancelled", map[string]any{"error": err.Error()})
		}
		return Err("HANDLER_ERROR", "http request failed", map[string]any{"error": err.Error()})
	}
	return Ok(result.(map[string]any))
}

func decodeConfig[T any](raw map[string]any) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}
