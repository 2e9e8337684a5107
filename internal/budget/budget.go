// Package budget implements the Cost Governor (C3, spec §3.3/§4.3): scoped
// spend tracking with reserve/commit/cancel semantics and UTC daily/monthly
// rollovers. It is grounded on the teacher's graph.CostTracker
// (graph/cost.go) — same static per-1M-token pricing table idiom and the
// same per-model attribution bookkeeping — generalized from a single
// per-run tracker into scope (tenant/user/global) x window (daily/monthly)
// budgets that gate model selection before a call is made. Ledger state and
// denial/soft-threshold events are optionally mirrored to Prometheus via
// Metrics/SetMetrics, following graph/metrics.go's factory idiom.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/internal/config"
	"github.com/ruleiq/orchestrator/internal/errs"
)

// ModelPricing mirrors graph.ModelPricing: USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing reuses the teacher's static pricing table values for the
// model families the orchestrator's ModelDescriptor catalogue (C1) also
// names, so a single source of truth governs both selection and budgeting.
var DefaultPricing = map[string]ModelPricing{
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// Cost computes the USD cost of a call against model, falling back to zero
// cost for unknown models (matches the teacher's "still record, zero cost"
// behavior in RecordLLMCall rather than failing the call).
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := DefaultPricing[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1_000_000.0)*p.InputPer1M + (float64(outputTokens)/1_000_000.0)*p.OutputPer1M
}

// Window is a rollover period.
type Window string

const (
	Daily   Window = "daily"
	Monthly Window = "monthly"
)

// windowStart returns the UTC start of the rollover window containing t.
func windowStart(w Window, t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// ledger tracks spend for one (scope, window) pair across its current
// rollover period.
type ledger struct {
	mu          sync.Mutex
	limitUSD    float64
	usedUSD     float64
	reservedUSD float64
	periodStart time.Time
	window      Window
}

func (l *ledger) rollover(now time.Time) {
	start := windowStart(l.window, now)
	if start.After(l.periodStart) {
		l.periodStart = start
		l.usedUSD = 0
		l.reservedUSD = 0
	}
}

// Reservation is an outstanding hold against a ledger's remaining budget,
// returned by Reserve and resolved by Commit or Cancel exactly once.
type Reservation struct {
	id       string
	scope    string
	window   Window
	amount   float64
	resolved bool
}

// Governor is the Cost Governor: it maintains one ledger per (scope,
// window) key and gates calls against their configured limits.
type Governor struct {
	cfg     config.BudgetConfig
	metrics *Metrics

	mu      sync.Mutex
	ledgers map[string]*ledger
	now     func() time.Time
}

// New constructs a Governor. Global/tenant/monthly limits are supplied per
// scope via SetLimit; Governor itself carries only the threshold ratios
// and default pricing behavior from cfg.
func New(cfg config.BudgetConfig) *Governor {
	return &Governor{
		cfg:     cfg,
		ledgers: make(map[string]*ledger),
		now:     time.Now,
	}
}

// SetMetrics attaches a Prometheus Metrics collector. Nil disables
// recording.
func (g *Governor) SetMetrics(m *Metrics) {
	g.metrics = m
}

func key(scope string, w Window) string { return fmt.Sprintf("%s:%s", scope, w) }

// SetLimit configures the USD ceiling for a (scope, window) pair. scope is
// typically "global", "tenant:<id>", or "user:<id>" per spec §4.3.
func (g *Governor) SetLimit(scope string, w Window, limitUSD float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.ledgerLocked(scope, w)
	l.mu.Lock()
	l.limitUSD = limitUSD
	l.mu.Unlock()
}

func (g *Governor) ledgerLocked(scope string, w Window) *ledger {
	k := key(scope, w)
	l, ok := g.ledgers[k]
	if !ok {
		l = &ledger{window: w, periodStart: windowStart(w, g.now())}
		g.ledgers[k] = l
	}
	return l
}

// Remaining reports the unreserved, uncommitted headroom left in scope's
// window, after applying the UTC rollover if the period has turned over.
func (g *Governor) Remaining(scope string, w Window) float64 {
	g.mu.Lock()
	l := g.ledgerLocked(scope, w)
	g.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(g.now())
	if l.limitUSD <= 0 {
		return -1 // unlimited
	}
	return l.limitUSD - l.usedUSD - l.reservedUSD
}

// Status classifies a scope's spend against the configured soft/hard
// threshold ratios (spec §4.3).
type Status string

const (
	StatusOK   Status = "ok"
	StatusSoft Status = "soft_threshold"
	StatusHard Status = "hard_threshold"
)

// Reserve holds amountUSD against scope's budget across all configured
// windows (daily and monthly are both checked; the tightest one gates).
// It returns errs.BudgetExceeded if the hard threshold would be crossed on
// any window, and the overall Status (soft/ok) otherwise so callers can
// decide to fall back to a cheaper model per spec §4.3's
// OverrunFraction allowance.
func (g *Governor) Reserve(scope string, amountUSD float64, windows ...Window) (*Reservation, Status, error) {
	if len(windows) == 0 {
		windows = []Window{Daily, Monthly}
	}

	g.mu.Lock()
	ls := make([]*ledger, len(windows))
	for i, w := range windows {
		ls[i] = g.ledgerLocked(scope, w)
	}
	g.mu.Unlock()

	worst := StatusOK
	for i, l := range ls {
		l.mu.Lock()
		l.rollover(g.now())
		if l.limitUSD > 0 {
			projected := l.usedUSD + l.reservedUSD + amountUSD
			hardLimit := l.limitUSD * g.cfg.HardThresholdRatio
			overrunAllowance := l.limitUSD * g.cfg.OverrunFraction
			if projected > hardLimit+overrunAllowance {
				l.mu.Unlock()
				g.metrics.recordDenied(scope, windows[i])
				return nil, StatusHard, errs.New(errs.BudgetExceeded,
					fmt.Sprintf("reserving $%.4f for scope %q window %q would exceed hard threshold", amountUSD, scope, windows[i]))
			}
			if projected > l.limitUSD*g.cfg.SoftThresholdRatio {
				worst = StatusSoft
				g.metrics.recordSoftCrossed(scope, windows[i])
			}
		}
		l.reservedUSD += amountUSD
		g.metrics.recordLedger(scope, windows[i], l.usedUSD, l.reservedUSD)
		l.mu.Unlock()
	}

	return &Reservation{id: fmt.Sprintf("%s-%d", scope, g.now().UnixNano()), scope: scope, window: windows[0], amount: amountUSD}, worst, nil
}

// Commit converts a reservation into actual spend, across the same
// windows it was reserved against.
func (g *Governor) Commit(r *Reservation, windows ...Window) {
	g.resolve(r, windows, true)
}

// Cancel releases a reservation without recording spend (e.g. the call
// failed before any tokens were consumed).
func (g *Governor) Cancel(r *Reservation, windows ...Window) {
	g.resolve(r, windows, false)
}

func (g *Governor) resolve(r *Reservation, windows []Window, commit bool) {
	if r == nil || r.resolved {
		return
	}
	if len(windows) == 0 {
		windows = []Window{Daily, Monthly}
	}
	g.mu.Lock()
	ls := make([]*ledger, len(windows))
	for i, w := range windows {
		ls[i] = g.ledgerLocked(r.scope, w)
	}
	g.mu.Unlock()

	for i, l := range ls {
		l.mu.Lock()
		l.reservedUSD -= r.amount
		if l.reservedUSD < 0 {
			l.reservedUSD = 0
		}
		if commit {
			l.usedUSD += r.amount
		}
		g.metrics.recordLedger(r.scope, windows[i], l.usedUSD, l.reservedUSD)
		l.mu.Unlock()
	}
	r.resolved = true
}
