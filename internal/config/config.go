// Package config defines the explicit configuration value threaded through
// the orchestrator factory, replacing the monkey-patched globals and
// Doppler-loaded settings of the source system (spec.md §9 design notes).
// Construction follows the teacher's functional-options idiom from
// graph/options.go: a zero-value-safe struct plus chainable Option funcs.
package config

import "time"

// Config enumerates every tunable named in spec.md §6.3. Zero values fall
// back to the documented defaults in New.
type Config struct {
	// MaxTurns upper-bounds node executions per run.
	MaxTurns int

	// NodeTimeout is the per-node call timeout.
	NodeTimeout time.Duration

	// DrainTimeout bounds how long a node may take to release resources
	// after cancellation before the run is forced to FAILED.
	DrainTimeout time.Duration

	// Circuit tunes the breaker state machine (C2).
	Circuit CircuitConfig

	// Retry tunes the exponential backoff schedule shared by C1/C2.
	Retry RetryConfig

	// Cache tunes the response cache (C4).
	Cache CacheConfig

	// Budget tunes the cost governor (C3).
	Budget BudgetConfig

	// Evidence tunes the evidence orchestrator (C9).
	Evidence EvidenceConfig

	// FallbackChain lists ModelDescriptor IDs in priority order for C1's
	// selector.
	FallbackChain []string
}

// CircuitConfig mirrors spec.md §4.2.
type CircuitConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// RetryConfig mirrors spec.md §4.2's retry schedule.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Jitter      float64
}

// CacheConfig mirrors spec.md §4.4.
type CacheConfig struct {
	TTL                time.Duration
	TemperatureCutoff  float64
}

// BudgetConfig mirrors spec.md §4.3/§6.3.
type BudgetConfig struct {
	DailyLimitUSD      float64
	MonthlyLimitUSD    float64
	SoftThresholdRatio float64
	HardThresholdRatio float64
	// OverrunFraction is the configurable fraction by which a chosen
	// model's cost may exceed remaining budget before the selector must
	// fall back to a cheaper model (spec.md §4.3).
	OverrunFraction float64
}

// EvidenceConfig mirrors spec.md §4.9/§6.3.
type EvidenceConfig struct {
	PerSourceConcurrency int
	MaxPersistQueue      int
	MaxDuration          time.Duration
}

// Option configures a Config value.
type Option func(*Config)

// New builds a Config with spec-documented defaults, then applies opts.
func New(opts ...Option) Config {
	cfg := Config{
		MaxTurns:     50,
		NodeTimeout:  30 * time.Second,
		DrainTimeout: 5 * time.Second,
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   250 * time.Millisecond,
			Factor:      2,
			Jitter:      0.20,
		},
		Cache: CacheConfig{
			TTL:               time.Hour,
			TemperatureCutoff: 0.7,
		},
		Budget: BudgetConfig{
			SoftThresholdRatio: 0.8,
			HardThresholdRatio: 1.0,
			OverrunFraction:    0.10,
		},
		Evidence: EvidenceConfig{
			PerSourceConcurrency: 4,
			MaxPersistQueue:      200,
			MaxDuration:          15 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxTurns overrides the loop-guard turn budget.
func WithMaxTurns(n int) Option {
	return func(c *Config) { c.MaxTurns = n }
}

// WithNodeTimeout overrides the per-node default timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(c *Config) { c.NodeTimeout = d }
}

// WithFallbackChain sets the ordered model selection chain.
func WithFallbackChain(ids ...string) Option {
	return func(c *Config) { c.FallbackChain = ids }
}

// WithCircuit overrides breaker tuning.
func WithCircuit(cc CircuitConfig) Option {
	return func(c *Config) { c.Circuit = cc }
}

// WithBudget overrides cost-governor tuning.
func WithBudget(bc BudgetConfig) Option {
	return func(c *Config) { c.Budget = bc }
}

// WithCache overrides response-cache tuning.
func WithCache(cc CacheConfig) Option {
	return func(c *Config) { c.Cache = cc }
}

// WithEvidence overrides evidence-orchestrator tuning.
func WithEvidence(ec EvidenceConfig) Option {
	return func(c *Config) { c.Evidence = ec }
}
