package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stratagem/runtime/convo"
	"stratagem/runtime/strategy"
	"stratagem/runtime/telemetry"
)

// defaultFlushInterval bounds how often the in-flight thinking payload is
// written to the store. Dirty events between flushes coalesce.
const defaultFlushInterval = 2 * time.Second

type (
	// Pipeline owns the state of one conversational turn: it ingests agent
	// events through OnEvent, fans each one out to its sinks in emission
	// order, coalesces tool and sub-task activity into the conversation's
	// thinking payload, and commits the turn to the store at Finalize.
	//
	// A Pipeline is single-turn and single-goroutine: the agent runtime
	// blocks on OnEvent, which is the stream's backpressure. Create a fresh
	// Pipeline per turn.
	Pipeline struct {
		conversationID string
		turnID         string
		store          convo.Store
		sinks          []Sink
		log            telemetry.Logger
		metrics        telemetry.Metrics
		now            func() time.Time
		flushEvery     time.Duration
		resolveGraph   func(string) string

		started    time.Time
		assistant  []string
		calls      []*callState
		callsByID  map[string]*callState
		taskOrder  []string
		tasks      map[string]*taskState
		planOrder  []string
		plans      map[string]*convo.PlanArtifact
		snapshots  map[string]strategy.Snapshot
		linkOrder  []string
		links      map[string]StrategyLink
		seenSteps  map[string]bool
		lastFlush  time.Time
		dirty      bool
		finalized  bool
		recordType string
		snapRecs   map[string]convo.SnapshotRecord
	}

	// PipelineOption configures a Pipeline.
	PipelineOption func(*Pipeline)

	// callState tracks one tool call from start to end.
	callState struct {
		id      string
		name    string
		args    json.RawMessage
		result  json.RawMessage
		failure *ToolErrorData
		started time.Time
		elapsed time.Duration
	}

	// taskState tracks one delegated sub-task across its rounds.
	taskState struct {
		task      string
		status    string
		rounds    int
		errs      []string
		calls     []*callState
		callsByID map[string]*callState
	}
)

// WithTurnID overrides the generated turn id.
func WithTurnID(id string) PipelineOption {
	return func(p *Pipeline) { p.turnID = id }
}

// WithClock injects the time source. Tests use a fake clock to drive the
// thinking debounce deterministically.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l telemetry.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// WithPipelineMetrics sets the metrics recorder.
func WithPipelineMetrics(m telemetry.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithFlushInterval overrides the thinking flush interval.
func WithFlushInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.flushEvery = d
		}
	}
}

// WithGraphResolver installs the canonical graph id resolver. Events carrying
// a graph id are rewritten through it before being stored or forwarded, so
// aliases used by sub-agents collapse onto the session's real graph.
func WithGraphResolver(resolve func(string) string) PipelineOption {
	return func(p *Pipeline) {
		if resolve != nil {
			p.resolveGraph = resolve
		}
	}
}

// NewPipeline builds a pipeline for one turn of the given conversation.
// Events fan out to sinks in the order given.
func NewPipeline(conversationID string, store convo.Store, sinks []Sink, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		conversationID: conversationID,
		turnID:         uuid.NewString(),
		store:          store,
		sinks:          sinks,
		log:            telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		now:            time.Now,
		flushEvery:     defaultFlushInterval,
		resolveGraph:   func(id string) string { return id },
		callsByID:      make(map[string]*callState),
		tasks:          make(map[string]*taskState),
		plans:          make(map[string]*convo.PlanArtifact),
		snapshots:      make(map[string]strategy.Snapshot),
		links:          make(map[string]StrategyLink),
		seenSteps:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TurnID returns the turn identifier stamped on every event.
func (p *Pipeline) TurnID() string { return p.turnID }

// Start opens the turn: it stamps and emits the message_start event. Zero
// fields of the payload are filled from the pipeline's own identity.
func (p *Pipeline) Start(ctx context.Context, ms MessageStart) error {
	p.started = p.now()
	if ms.TurnID == "" {
		ms.TurnID = p.turnID
	}
	if ms.ConversationID == "" {
		ms.ConversationID = p.conversationID
	}
	return p.forward(ctx, NewEvent(EventMessageStart, &ms))
}

// OnEvent ingests one agent event: updates per-turn state, then forwards the
// event to every sink in order. It implements Emitter. Duplicate
// strategy_update events for a step id are suppressed entirely. Store write
// failures during the turn are logged and swallowed; only sink failures
// abort, because a dead client must stop the producing agent.
func (p *Pipeline) OnEvent(ctx context.Context, ev Event) error {
	if p.finalized {
		return fmt.Errorf("turn %s already finalized", p.turnID)
	}

	switch ev.Type {
	case EventAssistantMessage:
		if d, ok := ev.Data.(*AssistantMessage); ok && d.Content != "" {
			p.assistant = append(p.assistant, d.Content)
		}

	case EventToolCallStart:
		if d, ok := ev.Data.(*ToolCallStart); ok {
			cs := &callState{id: d.CallID, name: d.Name, args: d.Args, started: p.now()}
			p.calls = append(p.calls, cs)
			p.callsByID[d.CallID] = cs
		}

	case EventToolCallEnd:
		if d, ok := ev.Data.(*ToolCallEnd); ok {
			cs := p.callsByID[d.CallID]
			if cs == nil {
				cs = &callState{id: d.CallID, name: d.Name, started: p.now()}
				p.calls = append(p.calls, cs)
				p.callsByID[d.CallID] = cs
			}
			cs.result = d.Result
			cs.failure = d.Error
			cs.elapsed = p.now().Sub(cs.started)
			p.dirty = true
		}

	case EventSubtaskStart:
		if d, ok := ev.Data.(*SubtaskStart); ok {
			t := p.task(d.Task)
			t.status = "running"
			if t.rounds == 0 {
				t.rounds = 1
			}
			p.dirty = true
		}

	case EventSubtaskToolCallStart:
		if d, ok := ev.Data.(*SubtaskToolCallStart); ok {
			t := p.task(d.Task)
			cs := &callState{id: d.CallID, name: d.Name, args: d.Args, started: p.now()}
			t.calls = append(t.calls, cs)
			t.callsByID[d.CallID] = cs
		}

	case EventSubtaskToolCallEnd:
		if d, ok := ev.Data.(*SubtaskToolCallEnd); ok {
			t := p.task(d.Task)
			cs := t.callsByID[d.CallID]
			if cs == nil {
				cs = &callState{id: d.CallID, name: d.Name, started: p.now()}
				t.calls = append(t.calls, cs)
				t.callsByID[d.CallID] = cs
			}
			cs.result = d.Result
			cs.failure = d.Error
			cs.elapsed = p.now().Sub(cs.started)
			p.dirty = true
		}

	case EventSubtaskRetry:
		if d, ok := ev.Data.(*SubtaskRetry); ok {
			t := p.task(d.Task)
			t.status = "retrying"
			if d.Round > t.rounds {
				t.rounds = d.Round
			}
			t.errs = append(t.errs, d.Errors...)
			p.dirty = true
		}

	case EventSubtaskEnd:
		if d, ok := ev.Data.(*SubtaskEnd); ok {
			t := p.task(d.Task)
			t.status = d.Status
			if d.Rounds > t.rounds {
				t.rounds = d.Rounds
			}
			t.errs = append(t.errs, d.Errors...)
			p.dirty = true
		}

	case EventStrategyUpdate:
		if d, ok := ev.Data.(*StrategyUpdate); ok {
			if p.seenSteps[d.StepID] {
				return nil
			}
			p.seenSteps[d.StepID] = true
			d.GraphID = p.resolveGraph(d.GraphID)
		}

	case EventGraphSnapshot:
		if d, ok := ev.Data.(*GraphSnapshot); ok {
			d.GraphID = p.resolveGraph(d.GraphID)
			p.snapshots[d.GraphID] = d.Snapshot
		}

	case EventGraphPlan:
		if d, ok := ev.Data.(*GraphPlan); ok {
			d.GraphID = p.resolveGraph(d.GraphID)
			p.setPlan(d.GraphID, &convo.PlanArtifact{
				Name:        d.Name,
				RecordType:  d.RecordType,
				Description: d.Description,
				Plan:        d.Plan,
				UpdatedAt:   p.now().UTC(),
			})
			if d.RecordType != "" {
				p.recordType = d.RecordType
			}
		}

	case EventGraphCleared:
		if d, ok := ev.Data.(*GraphCleared); ok {
			d.GraphID = p.resolveGraph(d.GraphID)
			p.setPlan(d.GraphID, nil)
			delete(p.snapshots, d.GraphID)
			delete(p.links, d.GraphID)
			p.recordType = ""
			// The cleared graph must not survive a crash mid-turn: reset the
			// persisted record immediately rather than at finalization.
			rt := ""
			sid := 0
			p.storeUpdate(ctx, convo.Patch{
				RecordType:    &rt,
				WdkStrategyID: &sid,
				Plans:         map[string]*convo.PlanArtifact{d.GraphID: nil},
				Snapshots:     map[string]*convo.SnapshotRecord{d.GraphID: nil},
			})
		}

	case EventGraphDeleted:
		if d, ok := ev.Data.(*GraphDeleted); ok {
			d.GraphID = p.resolveGraph(d.GraphID)
			p.setPlan(d.GraphID, nil)
			delete(p.snapshots, d.GraphID)
			delete(p.links, d.GraphID)
		}

	case EventStrategyLink:
		if d, ok := ev.Data.(*StrategyLink); ok {
			d.GraphID = p.resolveGraph(d.GraphID)
			if _, buffered := p.links[d.GraphID]; !buffered {
				p.linkOrder = append(p.linkOrder, d.GraphID)
			}
			p.links[d.GraphID] = *d
			sid := d.StrategyID
			p.storeUpdate(ctx, convo.Patch{WdkStrategyID: &sid})
		}

	case EventStrategyMeta:
		if d, ok := ev.Data.(*StrategyMeta); ok {
			d.GraphID = p.resolveGraph(d.GraphID)
			if art := p.plans[d.GraphID]; art != nil {
				if d.Name != "" {
					art.Name = d.Name
				}
				if d.Description != "" {
					art.Description = d.Description
				}
			}
		}

	case EventError:
		if d, ok := ev.Data.(*ErrorData); ok {
			p.log.Warn(ctx, "turn error event", "turn", p.turnID, "code", d.Code, "msg", d.Message)
		}
	}

	if err := p.forward(ctx, ev); err != nil {
		return err
	}
	p.maybeFlushThinking(ctx, false)
	return nil
}

// Finalize commits the turn: flushes and clears thinking, normalizes
// activity, appends assistant messages (injecting "Done." when the turn did
// work but said nothing), persists plans and snapshots, re-emits buffered
// strategy links with their snapshot ids, and closes with message_end.
func (p *Pipeline) Finalize(ctx context.Context) error {
	if p.finalized {
		return nil
	}
	p.finalized = true

	var errs []error

	p.maybeFlushThinking(ctx, true)
	if err := p.store.ClearThinking(ctx, p.conversationID); err != nil && !errors.Is(err, convo.ErrNotFound) {
		errs = append(errs, fmt.Errorf("clear thinking: %w", err))
	}

	toolCalls := normalizeCalls(p.calls)
	subtasks := p.normalizedSubtasks()

	messages := p.assistant
	if len(messages) == 0 && (len(toolCalls) > 0 || len(subtasks) > 0) {
		messages = []string{"Done."}
	}
	for i, content := range messages {
		msg := convo.Message{Role: "assistant", Content: content, CreatedAt: p.now().UTC()}
		if i == len(messages)-1 {
			msg.ToolCalls = toolCalls
			msg.Subtasks = subtasks
		}
		if err := p.store.AppendMessage(ctx, p.conversationID, msg); err != nil {
			errs = append(errs, fmt.Errorf("append message: %w", err))
			break
		}
	}

	if patch, ok := p.finalPatch(); ok {
		if err := p.store.Update(ctx, p.conversationID, patch); err != nil {
			errs = append(errs, fmt.Errorf("persist plans: %w", err))
		}
	}

	for _, graphID := range p.linkOrder {
		link, ok := p.links[graphID]
		if !ok {
			continue
		}
		if rec, ok := p.snapshotRecords()[graphID]; ok {
			link.StrategySnapshotID = rec.ID
		}
		if err := p.forward(ctx, NewEvent(EventStrategyLink, &link)); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.forward(ctx, NewEvent(EventMessageEnd, &MessageEnd{TurnID: p.turnID, Status: "done"})); err != nil {
		errs = append(errs, err)
	}
	if !p.started.IsZero() {
		p.metrics.RecordTimer(telemetry.MetricTurnDuration, p.now().Sub(p.started))
	}
	return errors.Join(errs...)
}

// Abort closes the stream after cancellation or a fatal failure: an error
// event, then message_end. Nothing is persisted.
func (p *Pipeline) Abort(ctx context.Context, code, message string) {
	if p.finalized {
		return
	}
	p.finalized = true
	// Best effort: the client may already be gone.
	_ = p.forward(ctx, NewEvent(EventError, &ErrorData{Code: code, Message: message}))
	_ = p.forward(ctx, NewEvent(EventMessageEnd, &MessageEnd{TurnID: p.turnID, Status: code}))
}

func (p *Pipeline) task(name string) *taskState {
	t, ok := p.tasks[name]
	if !ok {
		t = &taskState{task: name, callsByID: make(map[string]*callState)}
		p.tasks[name] = t
		p.taskOrder = append(p.taskOrder, name)
	}
	return t
}

func (p *Pipeline) setPlan(graphID string, artifact *convo.PlanArtifact) {
	if _, ok := p.plans[graphID]; !ok {
		p.planOrder = append(p.planOrder, graphID)
	}
	p.plans[graphID] = artifact
}

func (p *Pipeline) forward(ctx context.Context, ev Event) error {
	ev.TurnID = p.turnID
	ev.Time = p.now().UTC()
	for _, sink := range p.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			return fmt.Errorf("turn %s: send %s: %w", p.turnID, ev.Type, err)
		}
	}
	return nil
}

// maybeFlushThinking persists the coalesced activity payload when it is
// dirty and the flush interval elapsed (or force is set). Store failures are
// logged, never fatal: thinking is advisory state.
func (p *Pipeline) maybeFlushThinking(ctx context.Context, force bool) {
	if !p.dirty {
		return
	}
	now := p.now()
	if !force && now.Sub(p.lastFlush) < p.flushEvery {
		return
	}
	thinking := &convo.Thinking{
		ToolCalls: normalizeCalls(p.calls),
		Subtasks:  p.normalizedSubtasks(),
		UpdatedAt: now.UTC(),
	}
	if err := p.store.UpdateThinking(ctx, p.conversationID, thinking); err != nil && !errors.Is(err, convo.ErrNotFound) {
		p.log.Warn(ctx, "flush thinking", "turn", p.turnID, "err", err)
		return
	}
	p.lastFlush = now
	p.dirty = false
}

func (p *Pipeline) storeUpdate(ctx context.Context, patch convo.Patch) {
	if err := p.store.Update(ctx, p.conversationID, patch); err != nil && !errors.Is(err, convo.ErrNotFound) {
		p.log.Warn(ctx, "update conversation", "turn", p.turnID, "err", err)
	}
}

func (p *Pipeline) normalizedSubtasks() []convo.SubtaskActivity {
	if len(p.taskOrder) == 0 {
		return nil
	}
	out := make([]convo.SubtaskActivity, 0, len(p.taskOrder))
	for _, name := range p.taskOrder {
		t := p.tasks[name]
		out = append(out, convo.SubtaskActivity{
			Task:   t.task,
			Status: t.status,
			Rounds: t.rounds,
			Calls:  normalizeCalls(t.calls),
			Errors: append([]string(nil), t.errs...),
		})
	}
	return out
}

// finalPatch assembles the plan and snapshot persistence for finalization.
// The second return is false when the turn produced nothing to persist.
func (p *Pipeline) finalPatch() (convo.Patch, bool) {
	var patch convo.Patch
	any := false
	if len(p.planOrder) > 0 {
		patch.Plans = make(map[string]*convo.PlanArtifact, len(p.planOrder))
		for _, graphID := range p.planOrder {
			patch.Plans[graphID] = p.plans[graphID]
		}
		any = true
	}
	if recs := p.snapshotRecords(); len(recs) > 0 {
		patch.Snapshots = make(map[string]*convo.SnapshotRecord, len(recs))
		for graphID, rec := range recs {
			r := rec
			patch.Snapshots[graphID] = &r
		}
		any = true
	}
	if p.recordType != "" {
		rt := p.recordType
		patch.RecordType = &rt
		any = true
	}
	if n := len(p.linkOrder); n > 0 {
		if link, ok := p.links[p.linkOrder[n-1]]; ok && link.StrategyID != 0 {
			id := link.StrategyID
			patch.WdkStrategyID = &id
			any = true
		}
	}
	return patch, any
}

// snapshotRecords renders the latest snapshots as persistable records. The
// record ids are stable within one finalization: computed once, memoized.
func (p *Pipeline) snapshotRecords() map[string]convo.SnapshotRecord {
	if p.snapRecs != nil {
		return p.snapRecs
	}
	recs := make(map[string]convo.SnapshotRecord, len(p.snapshots))
	for graphID, snap := range p.snapshots {
		raw, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		recs[graphID] = convo.SnapshotRecord{
			ID:        uuid.NewString(),
			Graph:     raw,
			UpdatedAt: p.now().UTC(),
		}
	}
	p.snapRecs = recs
	return recs
}

func normalizeCalls(calls []*callState) []convo.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]convo.ToolCall, 0, len(calls))
	for _, c := range calls {
		tc := convo.ToolCall{
			ID:        c.id,
			Name:      c.name,
			Args:      c.args,
			Result:    c.result,
			StartedAt: c.started.UTC(),
			Elapsed:   c.elapsed,
		}
		if c.failure != nil {
			tc.Error = &convo.ToolFailure{Code: c.failure.Code, Message: c.failure.Message}
		}
		out = append(out, tc)
	}
	return out
}
