package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/logging"
	"github.com/taskforge/scheduler/internal/metrics"
)

// ErrCircuitBreakerOpen is returned by Execute/ExecuteWithTimeout when the
// breaker is open or the half-open test quota is exhausted.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector records circuit breaker outcomes. The default
// implementation feeds the scheduler's Prometheus registry
// (internal/metrics); tests can substitute a no-op.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics discards everything; used when the caller wants no
// Prometheus side effects (e.g. in unit tests of the breaker itself).
type noopMetrics struct{}

func (noopMetrics) RecordSuccess(name string)                      {}
func (noopMetrics) RecordFailure(name string, errorType string)    {}
func (noopMetrics) RecordStateChange(name string, from, to string) {}
func (noopMetrics) RecordRejection(name string)                    {}

// prometheusMetrics feeds the breaker's outcomes into the scheduler's
// Prometheus registry, so every guarded store/lease call site (C8) is
// visible on /metrics without each caller wiring its own collector.
type prometheusMetrics struct{}

func (prometheusMetrics) RecordSuccess(name string) {
	metrics.CircuitBreakerSuccessTotal.WithLabelValues(name).Inc()
}

func (prometheusMetrics) RecordFailure(name string, errorType string) {
	metrics.CircuitBreakerFailureTotal.WithLabelValues(name, errorType).Inc()
}

func (prometheusMetrics) RecordStateChange(name string, from, to string) {
	metrics.CircuitBreakerStateTransitionsTotal.WithLabelValues(name, from, to).Inc()
}

func (prometheusMetrics) RecordRejection(name string) {
	metrics.CircuitBreakerRejectedTotal.WithLabelValues(name).Inc()
}

// ErrorClassifier determines which errors should count toward circuit
// breaker thresholds.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not user
// errors, validation failures, or cooperative cancellation.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if apperr.Is(err, apperr.Validation) {
		return false
	}
	if apperr.Is(err, apperr.NotFound) {
		return false
	}
	if apperr.Is(err, apperr.Conflict) {
		return false
	}
	if apperr.Is(err, apperr.NoneAvailable) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening.
	ErrorThreshold float64
	// VolumeThreshold is the minimum number of requests before evaluation.
	VolumeThreshold int
	// SleepWindow is how long to wait before entering half-open state.
	SleepWindow time.Duration
	// HalfOpenRequests is the number of test requests allowed half-open.
	HalfOpenRequests int
	// SuccessThreshold is the success rate needed to close from half-open.
	SuccessThreshold float64
	// WindowSize is the sliding window duration for error-rate tracking.
	WindowSize time.Duration
	// BucketCount is the number of buckets in the sliding window.
	BucketCount int

	ErrorClassifier ErrorClassifier
	Logger          logging.Logger
	Metrics         MetricsCollector
}

// DefaultConfig returns the configuration used to guard the orchestrator's
// lease Acquire/Release calls (C8): Metrics defaults to the scheduler's
// Prometheus registry rather than a no-op, so breaker state is visible on
// /metrics out of the box.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           logging.NoOp{},
		Metrics:          prometheusMetrics{},
	}
}

// ExecutionToken tracks in-flight requests to prevent orphaned executions
// from corrupting half-open bookkeeping.
type ExecutionToken struct {
	id         uint64
	startTime  time.Time
	isHalfOpen bool
}

// CircuitBreaker wraps a call with a closed/open/half-open state machine
// driven by a sliding error-rate window. The orchestrator's guarded()
// helper wraps every lease Acquire/Release call through one instance
// (C8), so a flaky Redis lease store trips the breaker instead of
// retrying into a stampede.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time
	generation     uint64

	window *SlidingWindow

	halfOpenCount     atomic.Int32
	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32
	halfOpenTokens    sync.Map // map[uint64]ExecutionToken
	tokenCounter      atomic.Uint64

	failureCount atomic.Int32

	errorTypeCache sync.Map // map[error]string

	mu sync.Mutex

	executionsInFlight atomic.Int32
	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker builds a breaker from config, applying defaults for
// any zero-valued field and validating the rest.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = logging.NoOp{}
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}

	cb := &CircuitBreaker{
		config: config,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount, config.Logger, config.Name),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())

	return cb, nil
}

// SetLogger attaches a logger, scoped under the "resilience" component so
// breaker events are attributable regardless of which caller owns it.
func (cb *CircuitBreaker) SetLogger(logger logging.Logger) {
	if logger == nil {
		cb.config.Logger = logging.NoOp{}
	} else {
		cb.config.Logger = logger.WithComponent("resilience")
	}
}

// GetState returns the breaker's current state as a string.
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// Execute runs fn with circuit breaker protection and no timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn with circuit breaker protection, optionally
// bounding it with timeout. fn runs in its own goroutine so a panic or a
// context timeout can't corrupt the breaker's bookkeeping: a panic is
// converted into an error, and on timeout the goroutine is left to finish
// and reports its result asynchronously via completeExecution.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	token, allowed := cb.startExecution()
	if !allowed {
		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, ErrCircuitBreakerOpen)
	}

	cb.executionsInFlight.Add(1)
	defer cb.executionsInFlight.Add(-1)
	cb.totalExecutions.Add(1)

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				var panicErr error
				switch v := r.(type) {
				case error:
					panicErr = fmt.Errorf("panic in circuit breaker: %w\nStack:\n%s", v, stack)
				case string:
					panicErr = fmt.Errorf("panic in circuit breaker: %s\nStack:\n%s", v, stack)
				default:
					panicErr = fmt.Errorf("panic in circuit breaker: %v (%T)\nStack:\n%s", v, v, stack)
				}
				cb.config.Logger.Error("circuit breaker caught panic", map[string]any{
					"name": cb.config.Name, "panic": fmt.Sprintf("%v", r),
				})
				done <- panicErr
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.completeExecution(token, err)
		return err
	case <-ctx.Done():
		go func() {
			<-done
			cb.completeExecution(token, ctx.Err())
		}()
		return ctx.Err()
	}
}

// startExecution attempts to start an execution and returns a token if
// allowed.
func (cb *CircuitBreaker) startExecution() (ExecutionToken, bool) {
	currentState := cb.state.Load().(CircuitState)

	switch currentState {
	case StateClosed:
		return ExecutionToken{id: cb.tokenCounter.Add(1), startTime: time.Now()}, true

	case StateOpen:
		stateChangedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(stateChangedAt) > cb.config.SleepWindow {
			cb.mu.Lock()
			if cb.state.Load().(CircuitState) == StateOpen {
				cb.transitionToUnlocked(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.startExecution()
		}
		return ExecutionToken{}, false

	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if cb.config.HalfOpenRequests > 0 && int(current) >= cb.config.HalfOpenRequests {
				return ExecutionToken{}, false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				break
			}
		}
		cb.halfOpenCount.Add(1)
		token := ExecutionToken{id: cb.tokenCounter.Add(1), startTime: time.Now(), isHalfOpen: true}
		cb.halfOpenTokens.Store(token.id, token)
		return token, true

	default:
		return ExecutionToken{}, false
	}
}

// completeExecution records the result of an execution and re-evaluates
// whether a state transition is due.
func (cb *CircuitBreaker) completeExecution(token ExecutionToken, err error) {
	if token.isHalfOpen {
		cb.halfOpenTokens.Delete(token.id)
		cb.halfOpenCount.Add(-1)
	}

	if err == nil {
		cb.window.RecordSuccess()
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		if token.isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.RecordFailure()
		cb.config.Metrics.RecordFailure(cb.config.Name, cb.getErrorType(err))
		cb.failureCount.Add(1)
		if token.isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}

	cb.evaluateState()
}

// getErrorType returns a cached error type string to avoid repeated
// allocations on the hot completion path.
func (cb *CircuitBreaker) getErrorType(err error) string {
	if cached, ok := cb.errorTypeCache.Load(err); ok {
		return cached.(string)
	}
	switch err.(type) {
	case *apperr.Error:
		return "*apperr.Error"
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return "DeadlineExceeded"
		}
		if errors.Is(err, context.Canceled) {
			return "Canceled"
		}
		errorType := fmt.Sprintf("%T", err)
		cb.errorTypeCache.Store(err, errorType)
		return errorType
	}
}

// evaluateState checks if a state transition is due given the current
// error rate (closed) or half-open test outcomes.
func (cb *CircuitBreaker) evaluateState() {
	currentState := cb.state.Load().(CircuitState)

	switch currentState {
	case StateClosed:
		errorRate := cb.window.GetErrorRate()
		total := cb.window.GetTotal()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			cb.transitionToUnlocked(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		total := successes + failures
		if cb.config.HalfOpenRequests > 0 && int(total) >= cb.config.HalfOpenRequests {
			successRate := float64(successes) / float64(total)
			cb.mu.Lock()
			if successRate >= cb.config.SuccessThreshold {
				cb.transitionToUnlocked(StateClosed)
				cb.failureCount.Store(0)
			} else {
				cb.transitionToUnlocked(StateOpen)
				cb.config.SleepWindow = time.Duration(float64(cb.config.SleepWindow) * 1.5)
				if cb.config.SleepWindow > 5*time.Minute {
					cb.config.SleepWindow = 5 * time.Minute
				}
			}
			cb.mu.Unlock()
		}
	}
}

// transitionToUnlocked changes state; must be called with mu held.
func (cb *CircuitBreaker) transitionToUnlocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}

	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())
	cb.generation++

	if newState == StateHalfOpen {
		cb.halfOpenCount.Store(0)
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
		cb.halfOpenTokens.Range(func(key, _ any) bool {
			cb.halfOpenTokens.Delete(key)
			return true
		})
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]any{
		"name": cb.config.Name, "from": oldState.String(), "to": newState.String(),
		"error_rate": cb.window.GetErrorRate(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())
}

// Validate checks the configuration for self-consistency.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0 and 1, got %f", c.ErrorThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be between 0 and 1, got %f", c.SuccessThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("window size must be non-negative, got %v", c.WindowSize)
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("bucket count must be at least 1, got %d", c.BucketCount)
	}
	return nil
}

// bucket represents one time slice in the sliding error-rate window.
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks success/failure counts over a rolling time window,
// used by evaluateState to compute the current error rate.
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex

	logger logging.Logger
	name   string
}

// NewSlidingWindow creates a sliding window with bucketCount buckets
// spanning windowSize, with time-skew protection: a backward clock jump
// resets the window rather than corrupting bucket rotation.
func NewSlidingWindow(windowSize time.Duration, bucketCount int, logger logging.Logger, name string) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	if logger == nil {
		logger = logging.NoOp{}
	}

	bucketSize := windowSize / time.Duration(bucketCount)
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}

	return &SlidingWindow{
		buckets: buckets, windowSize: windowSize, bucketSize: bucketSize,
		lastRotation: now, logger: logger, name: name,
	}
}

func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)

	if elapsed < 0 {
		sw.logger.Warn("time skew detected in sliding window, resetting", map[string]any{
			"name": sw.name, "elapsed_ns": elapsed.Nanoseconds(),
		})
		sw.reset()
		return
	}

	if elapsed >= sw.bucketSize {
		bucketsToRotate := int(elapsed / sw.bucketSize)
		if bucketsToRotate > len(sw.buckets) {
			bucketsToRotate = len(sw.buckets)
		}
		for i := 0; i < bucketsToRotate; i++ {
			sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
			sw.buckets[sw.currentIdx] = bucket{timestamp: now}
		}
		sw.lastRotation = now
	}
}

func (sw *SlidingWindow) reset() {
	now := time.Now()
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

// RecordSuccess records a successful operation in the current bucket.
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].success, 1)
}

// RecordFailure records a failed operation in the current bucket.
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].failure, 1)
}

// GetCounts returns success and failure counts within the window.
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return success, failure
}

// GetErrorRate returns the current error rate within the window.
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// GetTotal returns the total number of requests within the window.
func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}
