package compliance

import (
	"time"

	"github.com/ruleiq/orchestrator/graph"
	"github.com/ruleiq/orchestrator/graph/emit"
	"github.com/ruleiq/orchestrator/graph/store"
	"github.com/ruleiq/orchestrator/internal/config"
)

// Node IDs for the compliance agent graph (spec §3.8).
const (
	NodePerceive = "PERCEIVE"
	NodePlan     = "PLAN"
	NodeAct      = "ACT"
	NodeLearn    = "LEARN"
	NodeRemember = "REMEMBER"
	NodeRespond  = "RESPOND"
)

// NewEngine wires the six compliance agent nodes into a graph.Engine,
// following the teacher's own build-a-workflow idiom: Add every node,
// StartAt the entry point, Connect the fixed edges, and let each node's
// own Route in NodeResult (rather than edge predicates) drive the
// ACT -> PLAN refinement loop, since that decision depends on confidence
// computed inside ACT, not on state alone.
func NewEngine(cfg config.Config, deps Deps, st store.Store[RunState], emitter emit.Emitter) (*graph.Engine[RunState], error) {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if deps.CostTracker == nil {
		// One tracker per engine, not per run: this engine instance is built
		// once and reused across every run Submit hands it (spec §12's
		// cost-tracker bridge is a fleet-wide ledger, distinct from the
		// per-run, per-scope enforcement internal/budget.Governor already
		// does at call time).
		deps.CostTracker = graph.NewCostTracker("fleet", "USD")
	}

	e := graph.New[RunState](Reduce, st, emitter, graph.Options{
		MaxSteps:           cfg.MaxTurns * 3,
		DefaultNodeTimeout: cfg.NodeTimeout,
		CostTracker:        deps.CostTracker,
	})

	nodes := map[string]graph.Node[RunState]{
		NodePerceive: perceiveNode{deps: deps},
		NodePlan:     planNode{deps: deps},
		NodeAct:      actNode{deps: deps},
		NodeLearn:    learnNode{deps: deps},
		NodeRemember: rememberNode{deps: deps},
		NodeRespond:  respondNode{deps: deps},
	}
	for id, n := range nodes {
		if err := e.Add(id, n); err != nil {
			return nil, err
		}
	}

	if err := e.StartAt(NodePerceive); err != nil {
		return nil, err
	}

	// Edges mirror every route a node can take; they exist mainly so
	// ReplayRun/ResumeFromCheckpoint can reconstruct topology without
	// re-running node logic. Actual routing is decided by each node's
	// returned Next, which takes precedence over predicates.
	edges := [][2]string{
		{NodePerceive, NodePlan},
		{NodePlan, NodeAct},
		{NodeAct, NodeLearn},
		{NodeAct, NodePlan},
		{NodeLearn, NodeRemember},
		{NodeRemember, NodeRespond},
		{NodePlan, NodeRespond},
	}
	for _, edge := range edges {
		if err := e.Connect(edge[0], edge[1], nil); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// DefaultNodeTimeout mirrors config.New()'s default for callers that build
// an engine without a full Config.
const DefaultNodeTimeout = 30 * time.Second

// NextNode returns the node that follows completedNode in the graph's
// default (non-looping) routing, for callers reconstructing a resume
// point from a checkpointed RunState. It does not account for the
// ACT -> PLAN refinement loop, since a checkpoint taken at ACT resumes
// into LEARN: the loop is only taken within a single live ACT execution,
// never across a resume boundary.
func NextNode(completedNode string) string {
	switch completedNode {
	case NodePerceive:
		return NodePlan
	case NodePlan:
		return NodeAct
	case NodeAct:
		return NodeLearn
	case NodeLearn:
		return NodeRemember
	case NodeRemember:
		return NodeRespond
	default:
		return NodeRespond
	}
}
