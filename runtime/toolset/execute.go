package toolset

import (
	"context"
	"encoding/json"
	"errors"

	"stratagem/runtime/compiler"
	"stratagem/runtime/strategy"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
	"stratagem/runtime/wdk"
)

const executeStrategySchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"name": {"type": "string", "description": "Strategy name shown on the platform; defaults to the graph name"},
		"description": {"type": "string"},
		"is_public": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const previewStepCountSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"step_id": {"type": "string", "description": "Step whose subtree to count; defaults to the graph's single root"}
	},
	"additionalProperties": false
}`

const createIDDatasetSchema = `{
	"type": "object",
	"properties": {
		"ids": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1,
			"description": "Record ids to upload as a dataset"
		}
	},
	"required": ["ids"],
	"additionalProperties": false
}`

type (
	executeResult struct {
		GraphID    string `json:"graph_id"`
		StrategyID int    `json:"strategy_id"`
		Name       string `json:"name"`
		URL        string `json:"url,omitempty"`
		Steps      int    `json:"steps"`
		StepCount  *int   `json:"step_count,omitempty"`
		Updated    bool   `json:"updated,omitempty"`
	}

	previewResult struct {
		GraphID string `json:"graph_id"`
		StepID  string `json:"step_id"`
		Count   int    `json:"count"`
	}
)

func (t *Toolset) registerExecuteTools() {
	t.registry.MustRegister(tools.Spec{
		Name:        "execute_strategy",
		Description: "Compile the graph and push it to the platform as a runnable strategy, returning its link and result count. Multi-root graphs are folded with UNION first.",
		Schema:      json.RawMessage(executeStrategySchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.executeStrategy,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "preview_step_count",
		Description: "Count the records a step's subtree would return, without pushing the strategy.",
		Schema:      json.RawMessage(previewStepCountSchema),
		Handler:     t.previewStepCount,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "create_id_dataset",
		Description: "Upload a list of record ids as a platform dataset for use as a dataset parameter.",
		Schema:      json.RawMessage(createIDDatasetSchema),
		Handler:     t.createIDDataset,
	})
}

func (t *Toolset) executeStrategy(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID     string `json:"graph_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		IsPublic    bool   `json:"is_public"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	if args.Name != "" {
		g.SetName(args.Name)
	}

	if len(g.RootIDs()) > 1 {
		before := make(map[string]bool, g.Len())
		for _, id := range g.StepIDs() {
			before[id] = true
		}
		if _, err := g.EnsureSingleOutput(strategy.OpUnion, ""); err != nil {
			return nil, err
		}
		for _, id := range g.StepIDs() {
			if !before[id] {
				t.emit(ctx, turn.NewEvent(turn.EventStrategyUpdate, &turn.StrategyUpdate{
					GraphID: g.ID(),
					StepID:  id,
					Step:    g.GetStep(id),
				}))
			}
		}
	}

	snap := g.Snapshot()
	res, err := compiler.Compile(ctx, snap, t.cfg.Client,
		compiler.WithLogger(t.cfg.Log), compiler.WithMetrics(t.cfg.Metrics))
	if err != nil {
		return nil, err
	}

	name := args.Name
	if name == "" {
		name = g.Name()
	}
	if name == "" {
		if root := snap.Step(snap.RootStepID); root != nil && root.DisplayName != "" {
			name = root.DisplayName
		} else {
			name = "Untitled strategy"
		}
	}
	desc := args.Description

	strategyID := t.pushedID(g.ID())
	updated := strategyID != 0
	if updated {
		err := t.cfg.Client.UpdateStepTree(ctx, strategyID, res.StepTree)
		var werr *wdk.Error
		if errors.As(err, &werr) && werr.Status == 404 {
			// The platform strategy is gone; fall back to creating a new one.
			t.cfg.Log.Info(ctx, "pushed strategy vanished, recreating", "strategy_id", strategyID)
			updated = false
			strategyID = 0
		} else if err != nil {
			return nil, err
		}
		if updated {
			patch := wdk.StrategyPatch{Name: &name}
			if desc != "" {
				patch.Description = &desc
			}
			if err := t.cfg.Client.UpdateStrategy(ctx, strategyID, patch); err != nil {
				t.cfg.Log.Warn(ctx, "strategy metadata update failed", "strategy_id", strategyID, "error", err)
			}
		}
	}
	if !updated {
		created, err := t.cfg.Client.CreateStrategy(ctx, wdk.CreateStrategyRequest{
			Name:        name,
			Description: desc,
			IsPublic:    args.IsPublic,
			IsSaved:     true,
			StepTree:    res.StepTree,
		})
		if err != nil {
			return nil, err
		}
		strategyID = created.ID
	}
	t.setPushedID(g.ID(), strategyID)

	g.BindExternalIDs(res.BindingMap())
	g.SetPushed(strategy.PushedStrategy{
		StrategyID:  strategyID,
		RootStepID:  snap.RootStepID,
		Name:        name,
		Description: desc,
	})

	out := executeResult{
		GraphID:    g.ID(),
		StrategyID: strategyID,
		Name:       name,
		URL:        t.strategyURL(strategyID),
		Steps:      len(snap.Steps),
		Updated:    updated,
	}
	if count, err := t.cfg.Client.GetStepCount(ctx, res.RootExternalStepID); err == nil {
		out.StepCount = &count
	} else {
		t.cfg.Log.Warn(ctx, "step count unavailable after push", "strategy_id", strategyID, "error", err)
	}

	t.emit(ctx, turn.NewEvent(turn.EventStrategyMeta, &turn.StrategyMeta{
		GraphID:     g.ID(),
		Name:        name,
		Description: desc,
		RecordType:  g.RecordType(),
	}))
	t.emit(ctx, turn.NewEvent(turn.EventStrategyLink, &turn.StrategyLink{
		GraphID:    g.ID(),
		StrategyID: strategyID,
		Name:       name,
		URL:        out.URL,
	}))
	t.emit(ctx, turn.NewEvent(turn.EventGraphSnapshot, &turn.GraphSnapshot{
		GraphID:  g.ID(),
		Snapshot: g.Snapshot(),
	}))
	return out, nil
}

// previewStepCount compiles the target subtree, registers it as a transient
// internal strategy, reads the count, and deletes the strategy again. The
// graph itself is never mutated.
func (t *Toolset) previewStepCount(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID string `json:"graph_id"`
		StepID  string `json:"step_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	snap := g.Snapshot()

	target := args.StepID
	switch {
	case target != "":
		if snap.Step(target) == nil {
			return nil, strategy.Errorf(strategy.CodeNotFound, "no step with id %q", target).WithDetail("stepId", target)
		}
	case snap.RootStepID != "":
		target = snap.RootStepID
	case len(snap.Steps) == 0:
		return nil, strategy.NewError(compiler.CodeInvalidStrategy, "graph has no steps")
	default:
		return nil, strategy.NewError(strategy.CodeMultipleRoots, "graph has multiple output steps; pass step_id or combine them first")
	}

	res, err := compiler.Compile(ctx, subtreeSnapshot(snap, target), t.cfg.Client,
		compiler.WithLogger(t.cfg.Log), compiler.WithMetrics(t.cfg.Metrics))
	if err != nil {
		return nil, err
	}
	created, err := t.cfg.Client.CreateStrategy(ctx, wdk.CreateStrategyRequest{
		Name:     wdk.InternalName("preview:" + g.ID()),
		IsSaved:  false,
		StepTree: res.StepTree,
	})
	if err != nil {
		return nil, err
	}
	count, countErr := t.cfg.Client.GetStepCount(ctx, res.RootExternalStepID)
	if err := t.cfg.Client.DeleteStrategy(ctx, created.ID); err != nil {
		t.cfg.Log.Warn(ctx, "preview strategy not cleaned up", "strategy_id", created.ID, "error", err)
	}
	if countErr != nil {
		return nil, countErr
	}
	return previewResult{GraphID: g.ID(), StepID: target, Count: count}, nil
}

func (t *Toolset) createIDDataset(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	datasetID, err := t.cfg.Client.CreateDataset(ctx, args.IDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dataset_id": datasetID, "count": len(args.IDs)}, nil
}

// subtreeSnapshot filters a snapshot down to one step and everything feeding
// it. The target becomes the subtree's single root.
func subtreeSnapshot(snap strategy.Snapshot, rootID string) strategy.Snapshot {
	keep := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if keep[id] {
			return
		}
		s := snap.Step(id)
		if s == nil {
			return
		}
		keep[id] = true
		if s.PrimaryInput != "" {
			walk(s.PrimaryInput)
		}
		if s.SecondaryInput != "" {
			walk(s.SecondaryInput)
		}
	}
	walk(rootID)

	sub := strategy.Snapshot{
		ID:         snap.ID,
		Name:       snap.Name,
		RecordType: snap.RecordType,
		RootStepID: rootID,
		Steps:      make([]strategy.Step, 0, len(keep)),
		Edges:      make([]strategy.Edge, 0, len(keep)),
	}
	for _, s := range snap.Steps {
		if keep[s.ID] {
			sub.Steps = append(sub.Steps, s)
		}
	}
	for _, e := range snap.Edges {
		if keep[e.SourceID] && keep[e.TargetID] {
			sub.Edges = append(sub.Edges, e)
		}
	}
	return sub
}
