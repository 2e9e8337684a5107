// Package compliance implements the Compliance Agent Graph (C8, spec
// §3.8/§4.8): the PERCEIVE -> PLAN -> ACT -> LEARN -> REMEMBER -> RESPOND
// node sequence, its shared RunState, and the wiring that assembles them
// into a graph.Engine[RunState]. The state shape and node-as-Node[S]
// pattern are grounded on the teacher's own review workflow (formerly
// examples/multi-llm-review/workflow, superseded here — see DESIGN.md);
// the reducer idiom follows graph/engine.go's Reducer[S] contract.
package compliance

import (
	"time"

	"github.com/ruleiq/orchestrator/graph/model"
	"github.com/ruleiq/orchestrator/internal/errs"
	"github.com/ruleiq/orchestrator/internal/evidence"
	"github.com/ruleiq/orchestrator/internal/kg"
)

// Status is the run's lifecycle state, per spec §3.8.
type Status string

const (
	StatusRunning       Status = "RUNNING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
	StatusAwaitingHuman Status = "AWAITING_HUMAN"
)

// MaxMemoryItems bounds RunState.Memory; the oldest entry is evicted once
// the bound is reached (spec §4.8's bounded/LRU working memory).
const MaxMemoryItems = 50

// MemoryItem is one entry in the run's bounded working memory.
type MemoryItem struct {
	Key       string
	Value     string
	WrittenAt time.Time
}

// RunState is the state threaded through every node of the compliance
// agent graph, merged step by step via Reduce.
type RunState struct {
	RunID       string
	TenantID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	TurnCount   int
	CurrentNode string

	Errors   []*errs.Error
	Metadata map[string]string

	Memory    []MemoryItem
	Evidence  []evidence.Item
	Messages  []model.Message
	Retrieval []kg.SearchHit

	CostUSD float64
	Status  Status

	Conclusion *Conclusion

	// Query is the compliance question this run is answering, set at
	// submission and never mutated by nodes.
	Query string

	// Confidence is PLAN/ACT's running confidence in the current
	// Conclusion, in [0,1]; drives the ACT -> PLAN refinement loop.
	Confidence float64

	// MaxTurns bounds the PERCEIVE/PLAN/ACT loop (spec §4.8's loop guard).
	MaxTurns int
}

// Conclusion is the tagged-union output of RESPOND, per spec §3.8:
// either Uncertain (with gaps/risks to surface) or Final.
type Conclusion struct {
	Kind            ConclusionKind
	Summary         string
	Gaps            []string
	Recommendations []string
	Risks           []string
}

// ConclusionKind discriminates Conclusion's two shapes.
type ConclusionKind string

const (
	ConclusionUncertain ConclusionKind = "Uncertain"
	ConclusionFinal     ConclusionKind = "Final"
)

// NewRunState seeds a fresh RunState for a submitted query.
func NewRunState(runID, tenantID, query string, maxTurns int) RunState {
	now := time.Now()
	return RunState{
		RunID:     runID,
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
		Query:     query,
		MaxTurns:  maxTurns,
		Status:    StatusRunning,
		Metadata:  make(map[string]string),
	}
}

// Reduce merges a node's delta into prev, following graph.Reducer[S]'s
// contract: replace non-zero scalar fields, append/accumulate slice and
// counter fields. Node deltas are expected to carry only the fields they
// actually changed; UpdatedAt and TurnCount are accumulated here rather
// than left to each node to manage.
func Reduce(prev, delta RunState) RunState {
	next := prev

	if delta.CurrentNode != "" {
		next.CurrentNode = delta.CurrentNode
	}
	if delta.Status != "" {
		next.Status = delta.Status
	}
	if delta.Conclusion != nil {
		next.Conclusion = delta.Conclusion
	}
	if delta.Confidence != 0 {
		next.Confidence = delta.Confidence
	}

	next.TurnCount += delta.TurnCount
	next.CostUSD += delta.CostUSD
	next.Errors = append(next.Errors, delta.Errors...)
	next.Messages = append(next.Messages, delta.Messages...)
	next.Evidence = append(next.Evidence, delta.Evidence...)
	next.Retrieval = append(next.Retrieval, delta.Retrieval...)

	for _, item := range delta.Memory {
		next.Memory = appendMemory(next.Memory, item)
	}

	if len(delta.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(delta.Metadata))
		}
		for k, v := range delta.Metadata {
			next.Metadata[k] = v
		}
	}

	next.UpdatedAt = time.Now()
	return next
}

// appendMemory adds item to memory, evicting the oldest entry once
// MaxMemoryItems is reached (spec §4.8).
func appendMemory(memory []MemoryItem, item MemoryItem) []MemoryItem {
	memory = append(memory, item)
	if len(memory) > MaxMemoryItems {
		memory = memory[len(memory)-MaxMemoryItems:]
	}
	return memory
}

// HasFatalError reports whether any recorded error is always-fatal per
// errs.Fatal (BudgetExceeded, ModelsUnavailable).
func (s RunState) HasFatalError() bool {
	for _, e := range s.Errors {
		if errs.Fatal(e.Kind) {
			return true
		}
	}
	return false
}
