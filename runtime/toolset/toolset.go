// Package toolset wires the strategy tool surface: the tools the top-level
// agent and its sub-agents call to edit strategy graphs, inspect the search
// catalog, delegate work, and push finished strategies to the external
// platform.
//
// New builds every tool over one conversation's strategy session and returns
// a Toolset whose Registry serves the top-level agent. SubagentRegistry
// exposes the subset handed to sub-agents: graph editing and catalog
// inspection, but not delegation or pushing, which stay with the top-level
// agent. A Toolset is scoped to one turn; construct a fresh one per request.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"stratagem/runtime/catalog"
	"stratagem/runtime/delegate"
	"stratagem/runtime/model"
	"stratagem/runtime/strategy"
	"stratagem/runtime/subagent"
	"stratagem/runtime/telemetry"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
	"stratagem/runtime/wdk"
)

type (
	// Config carries the collaborators and per-turn context the tools close
	// over. Session, Catalog, and Client are required.
	Config struct {
		// Session owns the conversation's graphs.
		Session *strategy.Session
		// Catalog answers search and record-type lookups.
		Catalog catalog.Reader
		// Client is the external platform adapter.
		Client wdk.Client
		// Scheduler executes delegation plans. Defaults to a fresh scheduler.
		Scheduler *delegate.Scheduler
		// Agent runs delegated sub-task rounds. delegate_tasks fails without it.
		Agent subagent.Agent
		// Emit receives graph and delegation events. Nil disables emission.
		Emit turn.Emitter

		// Goal, System, and History flow into delegated sub-task prompts.
		Goal    string
		System  string
		History []model.Message

		// MaxConcurrency, RoundTimeout, and MaxRounds bound delegated
		// sub-tasks.
		MaxConcurrency int
		RoundTimeout   time.Duration
		MaxRounds      int

		// SiteURL is the platform webapp base used to render strategy links,
		// for example "https://plasmodb.org/plasmo". Empty omits links.
		SiteURL string
		// ExistingStrategyID is the external strategy already bound to this
		// conversation, if any. Pushes update it in place instead of creating
		// a new strategy.
		ExistingStrategyID int

		Log     telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Toolset is the registered tool surface over one session.
	Toolset struct {
		cfg      Config
		registry *tools.Registry

		mu          sync.Mutex
		strategyIDs map[string]int
	}
)

// subagentTools is the slice of the surface sub-agents receive. Delegation
// and strategy pushing are deliberately absent: a sub-agent builds steps, the
// top-level agent decides when to fan out or push.
var subagentTools = []string{
	"add_step",
	"update_step",
	"rename_step",
	"delete_step",
	"combine_steps",
	"set_step_filter",
	"undo",
	"get_strategy",
	"list_searches",
	"get_search_parameters",
	"preview_step_count",
	"create_id_dataset",
}

// New validates the config and registers the full tool surface.
func New(cfg Config) (*Toolset, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("toolset: config needs a session")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("toolset: config needs a catalog reader")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("toolset: config needs a platform client")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = delegate.NewScheduler()
	}
	if cfg.Log == nil {
		cfg.Log = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}

	t := &Toolset{
		cfg:         cfg,
		registry:    tools.NewRegistry(),
		strategyIDs: make(map[string]int),
	}
	t.registerGraphTools()
	t.registerCatalogTools()
	t.registerDelegateTools()
	t.registerExecuteTools()
	return t, nil
}

// Registry returns the full tool surface for the top-level agent.
func (t *Toolset) Registry() *tools.Registry { return t.registry }

// SubagentRegistry returns the restricted surface handed to sub-agents. The
// subset shares the parent's per-graph locks, so sub-agent mutations
// serialize against top-level ones.
func (t *Toolset) SubagentRegistry() *tools.Registry {
	return t.registry.Subset(subagentTools...)
}

// graph resolves a graph id, defaulting to the session's active graph.
func (t *Toolset) graph(id string) (*strategy.Graph, error) {
	return t.cfg.Session.Graph(id)
}

// graphLockKey keys mutation serialization by the target graph. An omitted
// graph_id locks the active graph.
func (t *Toolset) graphLockKey(args json.RawMessage) string {
	var v struct {
		GraphID string `json:"graph_id"`
	}
	_ = json.Unmarshal(args, &v)
	if v.GraphID != "" {
		return v.GraphID
	}
	return t.cfg.Session.ActiveGraphID()
}

func (t *Toolset) emit(ctx context.Context, ev turn.Event) {
	if t.cfg.Emit == nil {
		return
	}
	if err := t.cfg.Emit(ctx, ev); err != nil {
		t.cfg.Log.Warn(ctx, "event emission failed", "type", string(ev.Type), "error", err)
	}
}

// emitStepAdded reports one new or changed step followed by the full graph.
func (t *Toolset) emitStepAdded(ctx context.Context, g *strategy.Graph, stepID string) {
	t.emit(ctx, turn.NewEvent(turn.EventStrategyUpdate, &turn.StrategyUpdate{
		GraphID: g.ID(),
		StepID:  stepID,
		Step:    g.GetStep(stepID),
	}))
	t.emit(ctx, turn.NewEvent(turn.EventGraphSnapshot, &turn.GraphSnapshot{
		GraphID:  g.ID(),
		Snapshot: g.Snapshot(),
	}))
}

// pushedID returns the external strategy id bound to a graph, falling back
// to the conversation's persisted strategy for the active graph.
func (t *Toolset) pushedID(graphID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.strategyIDs[graphID]; ok {
		return id
	}
	if t.cfg.ExistingStrategyID != 0 && graphID == t.cfg.Session.ActiveGraphID() {
		return t.cfg.ExistingStrategyID
	}
	return 0
}

func (t *Toolset) setPushedID(graphID string, strategyID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.strategyIDs[graphID] = strategyID
}

func (t *Toolset) dropPushedID(graphID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.strategyIDs, graphID)
}

// strategyURL renders the webapp link for a pushed strategy.
func (t *Toolset) strategyURL(strategyID int) string {
	if t.cfg.SiteURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/app/workspace/strategies/%d", strings.TrimRight(t.cfg.SiteURL, "/"), strategyID)
}
