package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ruleiq/orchestrator/graph"
	"github.com/ruleiq/orchestrator/graph/model"
	"github.com/ruleiq/orchestrator/internal/errs"
	"github.com/ruleiq/orchestrator/internal/evidence"
	"github.com/ruleiq/orchestrator/internal/kg"
	"github.com/ruleiq/orchestrator/internal/llm"
)

// ConfidenceRefinementThreshold is the ACT-stage confidence below which the
// graph loops back to PLAN rather than proceeding to LEARN (spec §4.8).
const ConfidenceRefinementThreshold = 0.6

// Deps bundles the collaborators every node needs: the model selector
// (C1), the knowledge graph (C5), and the evidence orchestrator (C9).
// Nodes hold a Deps value rather than each other's concrete types so the
// graph can be rebuilt with fakes in tests.
type Deps struct {
	Models   *llm.Selector
	Graph    *kg.Graph
	Evidence *evidence.Collector
	Sources  []evidence.Source

	// CostTracker, if set, records every LLM call a node makes for
	// fleet-wide spend attribution (spec §12's cost-tracker bridge),
	// independent of the per-run budget enforcement internal/budget does
	// at call time. NewEngine populates this field itself; callers
	// building Deps by hand may leave it nil to disable recording.
	CostTracker *graph.CostTracker
}

// recordCost attributes a completed LLM call to deps' fleet-wide cost
// tracker, if one is configured. Cached responses are skipped since no
// new generation occurred for them.
func recordCost(deps Deps, res llm.Result, nodeID string) {
	if deps.CostTracker == nil || res.Cached {
		return
	}
	_ = deps.CostTracker.RecordLLMCall(res.ModelID, res.InputTokens, res.OutputTokens, nodeID)
}

// perceiveNode seeds retrieval context for the run: it searches the
// knowledge graph for obligations relevant to the query and records them
// for PLAN to reason over.
type perceiveNode struct{ deps Deps }

func (n perceiveNode) Run(ctx context.Context, s RunState) graph.NodeResult[RunState] {
	hits, err := n.deps.Graph.SearchObligations(ctx, s.Query, nil, 10)
	if err != nil {
		return graph.NodeResult[RunState]{
			Delta: RunState{Errors: []*errs.Error{errs.Wrap(errs.Internal, "knowledge graph search failed", err).WithNode("PERCEIVE")}},
			Route: graph.Goto("RESPOND"),
		}
	}
	return graph.NodeResult[RunState]{
		Delta: RunState{
			CurrentNode: "PERCEIVE",
			TurnCount:   1,
			Retrieval:   hits,
			Memory: []MemoryItem{{
				Key:       "perceive.hit_count",
				Value:     fmt.Sprintf("%d", len(hits)),
				WrittenAt: time.Now(),
			}},
		},
		Route: graph.Goto("PLAN"),
	}
}

// planNode asks the model registry to draft a plan (which obligations to
// investigate, what evidence to gather) given the retrieved context.
type planNode struct{ deps Deps }

func (n planNode) Run(ctx context.Context, s RunState) graph.NodeResult[RunState] {
	if s.TurnCount >= s.MaxTurns {
		return graph.NodeResult[RunState]{
			Delta: RunState{Errors: []*errs.Error{errs.New(errs.MaxTurnsExceeded, "turn budget exhausted during planning")}},
			Route: graph.Goto("RESPOND"),
		}
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: "You are a UK compliance planning assistant. Decide what evidence is needed to answer the query."},
		{Role: model.RoleUser, Content: s.Query},
	}
	res, err := n.deps.Models.Generate(ctx, llm.Request{
		Scope:      s.TenantID,
		Complexity: 5,
		Messages:   messages,
	})
	if err != nil {
		return graph.NodeResult[RunState]{
			Delta: RunState{Errors: []*errs.Error{toComplianceErr(err).WithNode("PLAN")}},
			Route: graph.Goto("RESPOND"),
		}
	}
	recordCost(n.deps, res, "PLAN")

	return graph.NodeResult[RunState]{
		Delta: RunState{
			CurrentNode: "PLAN",
			TurnCount:   1,
			CostUSD:     res.CostUSD,
			Messages:    []model.Message{{Role: model.RoleAssistant, Content: res.Out.Text}},
			Memory: []MemoryItem{{
				Key:       "plan.latest",
				Value:     res.Out.Text,
				WrittenAt: time.Now(),
			}},
		},
		Route: graph.Goto("ACT"),
	}
}

// actNode collects evidence for the obligations PLAN identified and asks
// the model to assess confidence in a conclusion given that evidence.
type actNode struct{ deps Deps }

func (n actNode) Run(ctx context.Context, s RunState) graph.NodeResult[RunState] {
	obligationIDs := obligationIDsFromRetrieval(s.Retrieval)
	var collected []evidence.Item
	if len(obligationIDs) > 0 && len(n.deps.Sources) > 0 {
		handle, err := n.deps.Evidence.Collect(ctx, evidence.Request{
			TenantID:      s.TenantID,
			ObligationIDs: obligationIDs,
			Sources:       n.deps.Sources,
		})
		if err != nil {
			return graph.NodeResult[RunState]{
				Delta: RunState{Errors: []*errs.Error{toComplianceErr(err).WithNode("ACT")}},
				Route: graph.Goto("RESPOND"),
			}
		}
		items, err := handle.Wait(ctx)
		if err != nil && !errs.Is(err, errs.NoEvidenceCollected) {
			return graph.NodeResult[RunState]{
				Delta: RunState{Errors: []*errs.Error{toComplianceErr(err).WithNode("ACT")}},
				Route: graph.Goto("RESPOND"),
			}
		}
		collected = items
	}

	messages := append(append([]model.Message{}, s.Messages...), model.Message{
		Role:    model.RoleUser,
		Content: fmt.Sprintf("Evidence gathered: %d items. Assess confidence in a conclusion, 0 to 1.", len(collected)),
	})
	res, err := n.deps.Models.Generate(ctx, llm.Request{
		Scope:      s.TenantID,
		Complexity: 6,
		Messages:   messages,
	})
	if err != nil {
		return graph.NodeResult[RunState]{
			Delta: RunState{Errors: []*errs.Error{toComplianceErr(err).WithNode("ACT")}},
			Route: graph.Goto("RESPOND"),
		}
	}
	recordCost(n.deps, res, "ACT")

	confidence := estimateConfidence(collected)
	next := "LEARN"
	if confidence < ConfidenceRefinementThreshold && s.TurnCount < s.MaxTurns/2 {
		next = "PLAN"
	}

	return graph.NodeResult[RunState]{
		Delta: RunState{
			CurrentNode: "ACT",
			TurnCount:   1,
			CostUSD:     res.CostUSD,
			Evidence:    collected,
			Confidence:  confidence,
			Messages:    []model.Message{{Role: model.RoleAssistant, Content: res.Out.Text}},
		},
		Route: graph.Goto(next),
	}
}

// learnNode distills what this run discovered into a durable memory
// entry (spec §4.8's LEARN stage feeds future runs, not just this one).
type learnNode struct{ deps Deps }

func (n learnNode) Run(ctx context.Context, s RunState) graph.NodeResult[RunState] {
	summary := fmt.Sprintf("query=%q evidence_count=%d confidence=%.2f", s.Query, len(s.Evidence), s.Confidence)
	return graph.NodeResult[RunState]{
		Delta: RunState{
			CurrentNode: "LEARN",
			TurnCount:   1,
			Memory: []MemoryItem{{
				Key:       "learn.summary",
				Value:     summary,
				WrittenAt: time.Now(),
			}},
		},
		Route: graph.Goto("REMEMBER"),
	}
}

// rememberNode persists the run's working memory to the checkpoint store
// (handled by the engine itself via SaveCheckpoint) and marks the run
// ready for a final response.
type rememberNode struct{ deps Deps }

func (n rememberNode) Run(ctx context.Context, s RunState) graph.NodeResult[RunState] {
	return graph.NodeResult[RunState]{
		Delta: RunState{
			CurrentNode: "REMEMBER",
			TurnCount:   1,
		},
		Route: graph.Goto("RESPOND"),
	}
}

// respondNode produces the run's final Conclusion: Final if a confident,
// evidence-backed answer was reached, Uncertain otherwise.
type respondNode struct{ deps Deps }

func (n respondNode) Run(ctx context.Context, s RunState) graph.NodeResult[RunState] {
	if s.HasFatalError() || len(s.Errors) > 0 {
		return graph.NodeResult[RunState]{
			Delta: RunState{
				CurrentNode: "RESPOND",
				Status:      StatusFailed,
				Conclusion: &Conclusion{
					Kind:    ConclusionUncertain,
					Summary: "run terminated with an error before reaching a conclusion",
					Gaps:    errorDetails(s.Errors),
				},
			},
			Route: graph.Stop(),
		}
	}

	if s.Confidence < ConfidenceRefinementThreshold {
		return graph.NodeResult[RunState]{
			Delta: RunState{
				CurrentNode: "RESPOND",
				Status:      StatusAwaitingHuman,
				Conclusion: &Conclusion{
					Kind:            ConclusionUncertain,
					Summary:         "insufficient confidence to reach a final conclusion",
					Gaps:            []string{"evidence coverage below confidence threshold"},
					Recommendations: []string{"escalate to a human reviewer"},
				},
			},
			Route: graph.Stop(),
		}
	}

	return graph.NodeResult[RunState]{
		Delta: RunState{
			CurrentNode: "RESPOND",
			Status:      StatusCompleted,
			Conclusion: &Conclusion{
				Kind:    ConclusionFinal,
				Summary: latestMessage(s.Messages),
				Risks:   risksFromEvidence(s.Evidence),
			},
		},
		Route: graph.Stop(),
	}
}

func obligationIDsFromRetrieval(hits []kg.SearchHit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Obligation.ID)
	}
	return ids
}

// estimateConfidence derives a confidence score from the average quality
// of the evidence gathered; zero evidence yields zero confidence.
func estimateConfidence(items []evidence.Item) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.QualityScore
	}
	return sum / float64(len(items))
}

func errorDetails(errors []*errs.Error) []string {
	out := make([]string, len(errors))
	for i, e := range errors {
		out[i] = e.Error()
	}
	return out
}

func risksFromEvidence(items []evidence.Item) []string {
	var risks []string
	for _, it := range items {
		if it.QualityScore < 0.5 {
			risks = append(risks, fmt.Sprintf("low-confidence evidence from %s for obligation %s", it.SourceID, it.ObligationID))
		}
	}
	return risks
}

func latestMessage(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

// toComplianceErr normalizes an arbitrary error into *errs.Error so it can
// be carried on RunState.Errors.
func toComplianceErr(err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.Wrap(errs.Internal, "unexpected error", err)
}

// NewRunID generates a lexicographically sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}
