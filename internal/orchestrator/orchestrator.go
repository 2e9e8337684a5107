// Package orchestrator implements the embedding API (spec §6.1): the sole
// entry point non-core collaborators use to submit compliance queries,
// observe their streaming progress, resume or cancel them, and run
// evidence collections. It wraps internal/compliance's graph.Engine with
// a run registry and translates graph.Engine's emit.Emitter events into
// the embedding API's JSON-encodable Event wire format with a per-run
// monotonic seq, following the teacher's multi-emitter fan-out idiom
// (graph/emit) rather than a single-purpose channel.
package orchestrator

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ruleiq/orchestrator/graph"
	"github.com/ruleiq/orchestrator/graph/emit"
	"github.com/ruleiq/orchestrator/graph/store"
	"github.com/ruleiq/orchestrator/internal/compliance"
	"github.com/ruleiq/orchestrator/internal/config"
	"github.com/ruleiq/orchestrator/internal/errs"
	"github.com/ruleiq/orchestrator/internal/evidence"
)

// Option configures an Orchestrator at construction time.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	tracer trace.Tracer
}

// WithTracer attaches an OpenTelemetry tracer: every run's node events are
// additionally emitted as spans via the teacher's emit.OTelEmitter (C7/C8's
// node/run tracing), fanned out alongside the per-run streaming channel
// rather than replacing it.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *orchestratorOptions) { o.tracer = tracer }
}

// Query is a submitted compliance question, per spec §6.1.
type Query struct {
	TenantID string `json:"tenant_id"`
	Text     string `json:"text"`
	MaxTurns int    `json:"max_turns,omitempty"`
}

// RunView is the current public view of a run: status, errors, last
// streamed chunk, and accumulated cost. Internal fields (Cause, stack
// traces) are never surfaced here.
type RunView struct {
	RunID     string   `json:"run_id"`
	Status    string   `json:"status"`
	Errors    []string `json:"errors,omitempty"`
	LastChunk string   `json:"last_chunk,omitempty"`
	CostUSD   float64  `json:"cost_usd"`
	Seq       int      `json:"seq"`
}

// Event is one streamed progress notification. Seq is monotonic within a
// run, per spec §6.1/§6.4.
type Event struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Node  string `json:"node,omitempty"`
	Delta string `json:"delta,omitempty"`
	Seq   int    `json:"seq"`
}

// Event.Type values (spec §6.1/§6.4).
const (
	EventNodeChunk     = "NodeChunk"
	EventNodeFinished  = "NodeFinished"
	EventRunFinished   = "RunFinished"
	EventRunFailed     = "RunFailed"
	EventEvidenceItem  = "EvidenceItem"
	EventCollectionEnd = "CollectionFinished"
)

// EvidenceRequest mirrors spec §4.9's Collect contract.
type EvidenceRequest struct {
	TenantID      string            `json:"tenant_id"`
	ObligationIDs []string          `json:"obligation_ids"`
	Sources       []evidence.Source `json:"-"`
}

// CollectionView is the public view of an evidence collection.
type CollectionView struct {
	CollectionID string          `json:"collection_id"`
	Done         bool            `json:"done"`
	Items        []evidence.Item `json:"items,omitempty"`
	Err          string          `json:"error,omitempty"`
}

type runRecord struct {
	mu     sync.Mutex
	view   RunView
	cancel context.CancelFunc
}

type collectionRecord struct {
	mu   sync.Mutex
	view CollectionView
}

// Orchestrator is the embedding API's implementation, holding the single
// compliance engine every submitted run executes against plus the run and
// collection registries that back Get/GetCollection.
type Orchestrator struct {
	cfg    config.Config
	deps   compliance.Deps
	store  store.Store[compliance.RunState]
	engine *graph.Engine[compliance.RunState]

	streamer *streamEmitter

	mu          sync.Mutex
	runs        map[string]*runRecord
	collections map[string]*collectionRecord
}

// New builds an Orchestrator. deps.Models/.Graph/.Evidence/.Sources must
// already be wired (spec §6.3's collaborators).
func New(cfg config.Config, deps compliance.Deps, st store.Store[compliance.RunState], opts ...Option) (*Orchestrator, error) {
	var options orchestratorOptions
	for _, opt := range opts {
		opt(&options)
	}

	streamer := newStreamEmitter()
	var runEmitter emit.Emitter = streamer
	if options.tracer != nil {
		runEmitter = fanout{streamer, emit.NewOTelEmitter(options.tracer)}
	}

	eng, err := compliance.NewEngine(cfg, deps, st, runEmitter)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		store:       st,
		engine:      eng,
		streamer:    streamer,
		runs:        make(map[string]*runRecord),
		collections: make(map[string]*collectionRecord),
	}, nil
}

// CostSummary returns the fleet-wide LLM cost ledger accumulated across
// every run this orchestrator has executed (spec §12's cost-tracker
// bridge), or nil if cost tracking was never enabled.
func (o *Orchestrator) CostSummary() *graph.CostTracker {
	return o.engine.CostTracker()
}

// Submit starts a run asynchronously and returns its run_id plus a channel
// of streaming events, per spec §6.1.
func (o *Orchestrator) Submit(ctx context.Context, q Query) (string, <-chan Event, error) {
	if q.Text == "" {
		return "", nil, errs.New(errs.InvalidInput, "query text must not be empty")
	}
	maxTurns := q.MaxTurns
	if maxTurns == 0 {
		maxTurns = o.cfg.MaxTurns
	}

	runID := compliance.NewRunID()
	runCtx, cancel := context.WithCancel(ctx)

	rec := &runRecord{view: RunView{RunID: runID, Status: string(compliance.StatusRunning)}, cancel: cancel}
	o.mu.Lock()
	o.runs[runID] = rec
	o.mu.Unlock()

	ch := o.streamer.open(runID)
	initial := compliance.NewRunState(runID, q.TenantID, q.Text, maxTurns)

	go func() {
		final, err := o.engine.Run(runCtx, runID, initial)
		rec.mu.Lock()
		if err != nil {
			rec.view.Status = string(compliance.StatusFailed)
			rec.view.Errors = append(rec.view.Errors, err.Error())
		} else {
			rec.view.Status = string(final.Status)
			rec.view.CostUSD = final.CostUSD
			if final.Conclusion != nil {
				rec.view.LastChunk = final.Conclusion.Summary
			}
			for _, e := range final.Errors {
				rec.view.Errors = append(rec.view.Errors, e.Error())
			}
		}
		rec.mu.Unlock()
		o.streamer.finish(runID, rec.view.Status)
	}()

	return runID, ch, nil
}

// Get returns the current public view of a run.
func (o *Orchestrator) Get(runID string) (RunView, error) {
	o.mu.Lock()
	rec, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return RunView{}, errs.New(errs.NotFound, "unknown run_id: "+runID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	view := rec.view
	view.Seq = o.streamer.currentSeq(runID)
	return view, nil
}

// Resume re-loads the run's last persisted step (Engine.Run's loop calls
// store.SaveStep after every completed node, so this reflects the run's
// true progress even though a cancelled Run returned early), merges
// extraInput into its Metadata, checkpoints that merged state under the
// run's own ID, and resumes the graph at the node following the last
// completed one, per spec §4.8's Resume semantics. A run whose last
// completed node was RESPOND (AWAITING_HUMAN: RESPOND has no successor)
// resumes at PLAN instead, so the extra input actually gets reconsidered.
func (o *Orchestrator) Resume(ctx context.Context, runID string, extraInput map[string]string) (<-chan Event, error) {
	o.mu.Lock()
	rec, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "unknown run_id: "+runID)
	}

	state, step, err := o.store.LoadLatest(ctx, runID)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "no persisted state for run_id: "+runID, err)
	}

	startNode := compliance.NextNode(state.CurrentNode)
	if state.CurrentNode == compliance.NodeRespond {
		startNode = compliance.NodePlan
	}

	if len(extraInput) > 0 {
		if state.Metadata == nil {
			state.Metadata = make(map[string]string, len(extraInput))
		}
		for k, v := range extraInput {
			state.Metadata[k] = v
		}
	}
	state.Status = compliance.StatusRunning

	if err := o.store.SaveCheckpoint(ctx, runID, state, step); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	rec.mu.Lock()
	rec.cancel = cancel
	rec.view.Status = string(compliance.StatusRunning)
	rec.mu.Unlock()

	ch := o.streamer.open(runID)

	go func() {
		final, err := o.engine.ResumeFromCheckpoint(runCtx, runID, runID, startNode)
		rec.mu.Lock()
		if err != nil {
			rec.view.Status = string(compliance.StatusFailed)
			rec.view.Errors = append(rec.view.Errors, err.Error())
		} else {
			rec.view.Status = string(final.Status)
			rec.view.CostUSD = final.CostUSD
			if final.Conclusion != nil {
				rec.view.LastChunk = final.Conclusion.Summary
			}
		}
		rec.mu.Unlock()
		o.streamer.finish(runID, rec.view.Status)
	}()

	return ch, nil
}

// Cancel propagates cancellation into the run's current node call. The
// run's last completed step stays in the store, so Resume can continue
// from it later.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	rec, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "unknown run_id: "+runID)
	}
	rec.mu.Lock()
	rec.cancel()
	rec.view.Status = string(compliance.StatusCancelled)
	rec.mu.Unlock()
	return nil
}

// Collect launches an evidence collection and returns its collection_id
// plus a streaming event channel, per spec §6.1/§4.9.
func (o *Orchestrator) Collect(ctx context.Context, req EvidenceRequest) (string, <-chan Event, error) {
	handle, err := o.deps.Evidence.Collect(ctx, evidence.Request{
		TenantID:      req.TenantID,
		ObligationIDs: req.ObligationIDs,
		Sources:       req.Sources,
	})
	if err != nil {
		return "", nil, err
	}

	rec := &collectionRecord{view: CollectionView{CollectionID: handle.ID}}
	o.mu.Lock()
	o.collections[handle.ID] = rec
	o.mu.Unlock()

	ch := make(chan Event, 64)
	seq := 0
	go func() {
		defer close(ch)
		updates := handle.Subscribe()
		for u := range updates {
			seq++
			if u.Done {
				items, err := handle.Wait(context.Background())
				rec.mu.Lock()
				rec.view.Done = true
				rec.view.Items = items
				if err != nil {
					rec.view.Err = err.Error()
				}
				rec.mu.Unlock()
				ch <- Event{Type: EventCollectionEnd, RunID: handle.ID, Seq: seq}
				return
			}
			ch <- Event{Type: EventEvidenceItem, RunID: handle.ID, Node: u.SourceID, Delta: u.ObligationID, Seq: seq}
		}
	}()

	return handle.ID, ch, nil
}

// GetCollection returns the current public view of an evidence collection.
func (o *Orchestrator) GetCollection(collectionID string) (CollectionView, error) {
	o.mu.Lock()
	rec, ok := o.collections[collectionID]
	o.mu.Unlock()
	if !ok {
		return CollectionView{}, errs.New(errs.NotFound, "unknown collection_id: "+collectionID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.view, nil
}

// fanout implements emit.Emitter by forwarding every call to each member
// in order, following graph/emit.Emitter's documented "multi-emit: fan
// out to multiple backends" pattern -- the teacher names the pattern but
// never implements a concrete type for it, so this is the first one.
type fanout []emit.Emitter

func (f fanout) Emit(e emit.Event) {
	for _, em := range f {
		em.Emit(e)
	}
}

func (f fanout) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, em := range f {
		if err := em.EmitBatch(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) Flush(ctx context.Context) error {
	for _, em := range f {
		if err := em.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// streamEmitter fans emit.Event observability events out to per-run
// Event channels with a monotonic per-run seq, implementing emit.Emitter
// so it can be handed straight to compliance.NewEngine.
type streamEmitter struct {
	mu    sync.Mutex
	runs  map[string]*runChannel
}

type runChannel struct {
	mu  sync.Mutex
	seq int
	ch  chan Event
}

func newStreamEmitter() *streamEmitter {
	return &streamEmitter{runs: make(map[string]*runChannel)}
}

func (s *streamEmitter) open(runID string) <-chan Event {
	rc := &runChannel{ch: make(chan Event, 256)}
	s.mu.Lock()
	s.runs[runID] = rc
	s.mu.Unlock()
	return rc.ch
}

func (s *streamEmitter) currentSeq(runID string) int {
	s.mu.Lock()
	rc, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.seq
}

func (s *streamEmitter) finish(runID, status string) {
	s.mu.Lock()
	rc, ok := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()
	if !ok {
		return
	}
	rc.mu.Lock()
	rc.seq++
	seq := rc.seq
	rc.mu.Unlock()

	evtType := EventRunFinished
	if status == string(compliance.StatusFailed) {
		evtType = EventRunFailed
	}
	select {
	case rc.ch <- Event{Type: evtType, RunID: runID, Seq: seq}:
	default:
	}
	close(rc.ch)
}

// Emit implements emit.Emitter, translating a graph-level event into a
// NodeChunk on the matching run's channel.
func (s *streamEmitter) Emit(e emit.Event) {
	s.mu.Lock()
	rc, ok := s.runs[e.RunID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rc.mu.Lock()
	rc.seq++
	seq := rc.seq
	rc.mu.Unlock()

	select {
	case rc.ch <- Event{Type: EventNodeChunk, RunID: e.RunID, Node: e.NodeID, Delta: e.Msg, Seq: seq}:
	default:
	}
}

// EmitBatch emits each event in order via Emit.
func (s *streamEmitter) EmitBatch(_ context.Context, events []emit.Event) error {
	for _, e := range events {
		s.Emit(e)
	}
	return nil
}

// Flush is a no-op: events are delivered synchronously as emitted.
func (s *streamEmitter) Flush(_ context.Context) error { return nil }
