package resilience

import (
	"context"

	"github.com/taskforge/scheduler/internal/logging"
)

// noopLogger discards everything; shared by the circuit breaker test files
// that construct a CircuitBreakerConfig directly instead of via DefaultConfig.
type noopLogger struct{}

func (noopLogger) Info(string, map[string]interface{})                          {}
func (noopLogger) Warn(string, map[string]interface{})                          {}
func (noopLogger) Error(string, map[string]interface{})                         {}
func (noopLogger) Debug(string, map[string]interface{})                         {}
func (noopLogger) InfoContext(context.Context, string, map[string]interface{})  {}
func (noopLogger) ErrorContext(context.Context, string, map[string]interface{}) {}
func (n noopLogger) WithComponent(string) logging.Logger                        { return n }
