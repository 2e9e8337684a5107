// Package circuit implements the per-model circuit breaker and retry
// behavior of the Model Registry & Client (C1's resilience layer, spec
// §3.2/§4.2). The state machine and fallback-chain shape are grounded on
// modelgate's ResilienceEnforcer (internal/policy/enforcement/resilience.go
// in the retrieved corpus); the exponential backoff + jitter formula follows
// the teacher's graph/policy.go computeBackoff. State transitions and call
// outcomes are optionally mirrored to Prometheus via Metrics/SetMetrics,
// following graph/metrics.go's promauto.With(registry) factory idiom.
package circuit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/graph/emit"
	"github.com/ruleiq/orchestrator/internal/config"
	"github.com/ruleiq/orchestrator/internal/errs"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

type breaker struct {
	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenSuccess  int
	openedAt         time.Time
}

// Breaker tracks one CircuitState per model ID and wraps calls with retry
// plus fallback-chain execution, per spec §3.2.
type Breaker struct {
	cfg      config.CircuitConfig
	retry    config.RetryConfig
	emitter  emit.Emitter
	metrics  *Metrics
	mu       sync.RWMutex
	breakers map[string]*breaker
	rng      *rand.Rand
}

// New constructs a Breaker. emitter may be nil, in which case observation
// events are dropped (matches the teacher's "emitter optional" convention
// in graph.New).
func New(cfg config.CircuitConfig, retry config.RetryConfig, emitter emit.Emitter) *Breaker {
	return &Breaker{
		cfg:      cfg,
		retry:    retry,
		emitter:  emitter,
		breakers: make(map[string]*breaker),
		rng:      rand.New(rand.NewSource(1)), // #nosec G404 -- jitter timing only
	}
}

// SetMetrics attaches a Prometheus Metrics collector. Nil is safe and
// disables recording, the same nil-guard convention graph/metrics.go uses
// via its enabled flag.
func (b *Breaker) SetMetrics(m *Metrics) {
	b.metrics = m
}

func (b *Breaker) get(modelID string) *breaker {
	b.mu.RLock()
	cb, ok := b.breakers[modelID]
	b.mu.RUnlock()
	if ok {
		return cb
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[modelID]; ok {
		return cb
	}
	cb = &breaker{state: Closed}
	b.breakers[modelID] = cb
	return cb
}

// State returns the current circuit state for a model.
func (b *Breaker) State(modelID string) State {
	cb := b.get(modelID)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return b.effectiveState(cb)
}

// effectiveState performs the OPEN -> HALF_OPEN transition check without
// mutating state (the actual transition is recorded on the next Allow call
// that observes it), mirroring the teacher's lock-then-check idiom.
func (b *Breaker) effectiveState(cb *breaker) State {
	if cb.state == Open && time.Since(cb.openedAt) >= b.cfg.RecoveryTimeout {
		return HalfOpen
	}
	return cb.state
}

// Allow reports whether a call against modelID may proceed, transitioning
// OPEN -> HALF_OPEN when the recovery timeout has elapsed.
func (b *Breaker) Allow(modelID string) bool {
	cb := b.get(modelID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if time.Since(cb.openedAt) >= b.cfg.RecoveryTimeout {
			cb.state = HalfOpen
			cb.halfOpenSuccess = 0
			b.emit(modelID, "circuit_half_opened", nil)
			b.metrics.recordState(modelID, HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess transitions HALF_OPEN -> CLOSED after SuccessThreshold
// consecutive successes, and resets the failure counter in CLOSED.
func (b *Breaker) RecordSuccess(modelID string) {
	cb := b.get(modelID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	switch cb.state {
	case HalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= b.cfg.SuccessThreshold {
			cb.state = Closed
			cb.halfOpenSuccess = 0
			b.emit(modelID, "circuit_closed", nil)
			b.metrics.recordState(modelID, Closed)
		}
	case Open:
		// stray success after an external reset; treat as closing signal
		cb.state = Closed
		b.metrics.recordState(modelID, Closed)
	}
}

// RecordFailure increments the consecutive failure count and opens the
// circuit once FailureThreshold is reached (or immediately on a HALF_OPEN
// probe failure).
func (b *Breaker) RecordFailure(modelID string, cause error) {
	cb := b.get(modelID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen {
		cb.state = Open
		cb.openedAt = time.Now()
		b.emit(modelID, "circuit_opened", map[string]interface{}{"reason": "half_open_probe_failed"})
		b.metrics.recordState(modelID, Open)
		b.metrics.recordOpened(modelID, "half_open_probe_failed")
		b.metrics.recordFailure(modelID)
		return
	}

	cb.consecutiveFails++
	b.emit(modelID, "call_failed", map[string]interface{}{"consecutive_fails": cb.consecutiveFails})
	b.metrics.recordFailure(modelID)
	if cb.consecutiveFails >= b.cfg.FailureThreshold {
		cb.state = Open
		cb.openedAt = time.Now()
		b.emit(modelID, "circuit_opened", map[string]interface{}{"reason": "failure_threshold"})
		b.metrics.recordState(modelID, Open)
		b.metrics.recordOpened(modelID, "failure_threshold")
	}
}

func (b *Breaker) emit(modelID, msg string, meta map[string]interface{}) {
	if b.emitter == nil {
		return
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["model_id"] = modelID
	b.emitter.Emit(emit.Event{NodeID: modelID, Msg: msg, Meta: meta})
}

// Retryable classifies whether an error should trigger a retry attempt,
// per spec §4.2: timeouts, rate limits (429), and 5xx are retryable;
// anything else (including SchemaViolation) is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*errs.Error); ok {
		switch e.Kind {
		case errs.SchemaViolation, errs.InvalidInput, errs.Unauthorized, errs.BudgetExceeded:
			return false
		}
	}
	return true
}

// Call runs fn against a single model, honoring the circuit breaker and
// the configured retry schedule with exponential backoff plus jitter.
// It returns errs.ModelsUnavailable if the circuit is open.
func (b *Breaker) Call(ctx context.Context, modelID string, fn func(context.Context) error) error {
	if !b.Allow(modelID) {
		return errs.New(errs.ModelsUnavailable, "circuit open for "+modelID)
	}

	var lastErr error
	for attempt := 0; attempt < b.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			b.RecordSuccess(modelID)
			return nil
		}
		if !Retryable(lastErr) {
			// 4xx-class errors (spec §4.2: SchemaViolation, InvalidInput,
			// Unauthorized, BudgetExceeded) are the caller's fault, not the
			// model's, and must not count toward the breaker tripping open.
			return lastErr
		}
		b.RecordFailure(modelID, lastErr)
		if attempt < b.retry.MaxAttempts-1 {
			delay := b.backoff(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// CallChain tries modelIDs in order, falling through to the next on any
// error (circuit-open or exhausted retries), per modelgate's
// executeFallbackChain. It returns the id of the model that succeeded.
func (b *Breaker) CallChain(ctx context.Context, modelIDs []string, fn func(context.Context, string) error) (string, error) {
	var lastErr error
	for _, id := range modelIDs {
		lastErr = b.Call(ctx, id, func(ctx context.Context) error { return fn(ctx, id) })
		if lastErr == nil {
			return id, nil
		}
	}
	if lastErr == nil {
		lastErr = errs.New(errs.ModelsUnavailable, "empty fallback chain")
	}
	return "", errs.Wrap(errs.ModelsUnavailable, "all models in fallback chain failed", lastErr)
}

func (b *Breaker) backoff(attempt int) time.Duration {
	base := b.retry.BaseDelay
	factor := b.retry.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= factor
	}
	jitterRange := delay * b.retry.Jitter
	b.mu.Lock()
	jitter := b.rng.Float64() * jitterRange
	b.mu.Unlock()
	return time.Duration(delay + jitter)
}
