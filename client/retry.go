package client

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/athena-ai/athena-link/metrics"
)

// RetryConfig holds retry configuration for backend requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per operation.
	MaxAttempts int

	// BaseDelay is the initial backoff duration.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff duration.
	MaxDelay time.Duration

	// JitterFraction bounds the random jitter added to each delay, as a
	// fraction of the computed delay.
	JitterFraction float64
}

// DefaultRetryConfig returns the standard request retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.1,
	}
}

// Delay computes the backoff before retrying attempt (zero-based):
// min(base*2^attempt, max) plus uniform jitter in [0, jitter*delay).
func (c RetryConfig) Delay(attempt int) time.Duration {
	return Backoff(attempt, c.BaseDelay, c.MaxDelay, c.JitterFraction)
}

// Backoff computes a capped exponential delay with proportional jitter.
// A jitterFraction of zero disables jitter.
func Backoff(attempt int, base, max time.Duration, jitterFraction float64) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if jitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * jitterFraction * float64(delay))
		delay += jitter
	}
	return delay
}

// RetryContext tracks the in-flight retry state of one logical operation.
// It is created on first failure and discarded on any terminal outcome, so
// the next invocation starts with a fresh attempt counter.
type RetryContext struct {
	OperationName string
	Attempt       int
	LastKind      ErrorKind
	LastAttemptAt time.Time
}

// Refresher triggers a credential refresh after an authentication failure.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Executor runs operations with bounded exponential-backoff retry, consulting
// the error classification on each failure. Retries for the same operation
// are strictly sequential.
type Executor struct {
	cfg       RetryConfig
	refresher Refresher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*RetryContext
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithExecutorMetrics sets the metrics collectors.
func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithRefresher sets the credential refresher consulted on 401 responses.
func WithRefresher(r Refresher) ExecutorOption {
	return func(e *Executor) {
		e.refresher = r
	}
}

// NewExecutor creates an Executor with the given retry policy.
func NewExecutor(cfg RetryConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		cfg:      cfg,
		logger:   slog.Default(),
		inflight: make(map[string]*RetryContext),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op with retry. Non-retryable errors return immediately. An
// authentication failure triggers exactly one credential refresh followed by
// an immediate retry; a second 401 is surfaced. Rate-limit responses with a
// Retry-After value wait that long instead of the computed backoff. The last
// error is returned verbatim after attempts are exhausted.
func (e *Executor) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	defer e.clearContext(name)

	refreshed := false
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		e.recordAttempt(name, attempt)

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Cancellation wins over classification.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		apiErr, ok := AsAPIError(err)
		if !ok {
			return &APIError{Kind: KindOperationFailed, Op: name, Attempts: attempt + 1, err: err}
		}
		apiErr.Op = name
		apiErr.Attempts = attempt + 1
		e.noteFailure(name, apiErr.Kind)

		if apiErr.Kind == KindAuthRequired {
			if refreshed || e.refresher == nil {
				return apiErr
			}
			refreshed = true
			if rerr := e.refresher.Refresh(ctx); rerr != nil {
				return &APIError{
					Kind:     KindAuthFailed,
					Op:       name,
					Attempts: attempt + 1,
					Message:  "credential refresh failed",
					err:      rerr,
				}
			}
			e.logger.Debug("Credential refreshed, retrying immediately", "operation", name)
			continue
		}

		if !apiErr.Retryable() {
			return apiErr
		}
		if attempt == e.cfg.MaxAttempts-1 {
			break
		}

		delay := e.cfg.Delay(attempt)
		if apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}

		e.logger.Debug("Request failed, retrying",
			"operation", name,
			"attempt", attempt+1,
			"max_attempts", e.cfg.MaxAttempts,
			"backoff", delay,
			"error", err)
		e.metrics.RetryScheduled(name)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// ContextFor returns a snapshot of the retry context for an operation, or
// false if no attempt is in flight.
func (e *Executor) ContextFor(name string) (RetryContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rc, ok := e.inflight[name]
	if !ok {
		return RetryContext{}, false
	}
	return *rc, true
}

func (e *Executor) recordAttempt(name string, attempt int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rc, ok := e.inflight[name]
	if !ok {
		rc = &RetryContext{OperationName: name}
		e.inflight[name] = rc
	}
	rc.Attempt = attempt
	rc.LastAttemptAt = time.Now()
}

func (e *Executor) noteFailure(name string, kind ErrorKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rc, ok := e.inflight[name]; ok {
		rc.LastKind = kind
	}
}

func (e *Executor) clearContext(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inflight, name)
}
