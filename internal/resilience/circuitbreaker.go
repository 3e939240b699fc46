// Package resilience implements the per-provider circuit breaker used by
// the streaming service.
package resilience

import (
	"sync"
	"time"

	"github.com/streamkit/streamkit/internal/streamerr"
)

// Defaults for breaker tuning.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryWindow   = 60 * time.Second
)

// CircuitBreaker trips open after N consecutive failures and rejects calls
// until the recovery window has elapsed. The first call attempted past the
// window runs as the probe: success closes the breaker, failure refreshes
// the window. There is no separate half-open bookkeeping and no
// single-flight probe: whichever caller arrives first past the window is
// the probe.
type CircuitBreaker struct {
	provider string

	mu               sync.Mutex
	failureThreshold int
	recoveryWindow   time.Duration
	failureCount     int
	lastFailure      time.Time

	// Counters for observability.
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	// countFailure decides whether an error counts against the provider.
	// Cancellation must not trip the breaker.
	countFailure func(error) bool

	now func() time.Time
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryWindow   time.Duration
	// CountFailure overrides the default failure classification.
	CountFailure func(error) bool
}

// defaultCountFailure counts provider-health failures only: vendor-side
// errors and timeouts. Cancellation, throttling and caller-input errors do
// not trip the breaker.
func defaultCountFailure(err error) bool {
	switch streamerr.KindOf(err) {
	case streamerr.KindExternalService, streamerr.KindTimeout:
		return true
	}
	return false
}

// NewCircuitBreaker creates a breaker for one provider.
func NewCircuitBreaker(provider string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	count := cfg.CountFailure
	if count == nil {
		count = defaultCountFailure
	}
	return &CircuitBreaker{
		provider:         provider,
		failureThreshold: cfg.FailureThreshold,
		recoveryWindow:   cfg.RecoveryWindow,
		countFailure:     count,
		now:              time.Now,
	}
}

// Execute runs fn through the breaker. When the breaker is open and the
// recovery window has not elapsed, fn is not invoked and a circuit-open
// error is returned. fn's own error is always returned unaltered after the
// breaker state is updated.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		cb.mu.Lock()
		cb.totalRejected++
		cb.mu.Unlock()
		return streamerr.Newf(streamerr.KindCircuitOpen, cb.provider, "", "circuit open after %d consecutive failures", cb.failureThreshold)
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		if cb.countFailure(err) {
			cb.failureCount++
			cb.totalFailures++
			cb.lastFailure = cb.now()
		}
		return err
	}
	cb.failureCount = 0
	cb.totalSuccesses++
	return nil
}

// allow reports whether a call may proceed now.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.failureCount < cb.failureThreshold {
		return true
	}
	// Open; permit the call only once the recovery window has elapsed.
	return cb.now().Sub(cb.lastFailure) >= cb.recoveryWindow
}

// IsOpen reports whether calls would currently be rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount >= cb.failureThreshold &&
		cb.now().Sub(cb.lastFailure) < cb.recoveryWindow
}

// FailureCount returns the current consecutive-failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Stats returns cumulative success, failure and rejection counters.
func (cb *CircuitBreaker) Stats() (successes, failures, rejected int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.totalSuccesses, cb.totalFailures, cb.totalRejected
}
