package toolset

import (
	"context"
	"encoding/json"
	"strings"

	"stratagem/runtime/compiler"
	"stratagem/runtime/strategy"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
)

const addStepSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string", "description": "Graph to operate on; omit for the active graph"},
		"record_type": {"type": "string", "description": "Record type hint for the graph, resolved against the catalog. Required with the first step"},
		"search_name": {"type": "string", "description": "Platform search to run; omit for a combine step"},
		"parameters": {"type": "object", "description": "Search parameters. Non-string values are encoded to their wire form"},
		"display_name": {"type": "string"},
		"primary_input": {"type": "string", "description": "Step id feeding the primary slot"},
		"secondary_input": {"type": "string", "description": "Step id feeding the secondary slot; requires an operator"},
		"operator": {"type": "string", "description": "Combine operator: INTERSECT, UNION, MINUS, RMINUS or COLOCATE"},
		"colocation": {
			"type": "object",
			"properties": {
				"upstream": {"type": "integer"},
				"downstream": {"type": "integer"},
				"strand": {"type": "string"}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

const updateStepSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"step_id": {"type": "string"},
		"search_name": {"type": "string"},
		"parameters": {"type": "object", "description": "Replaces the parameter map wholesale"},
		"display_name": {"type": "string"},
		"primary_input": {"type": "string"},
		"secondary_input": {"type": "string"},
		"operator": {"type": "string"},
		"colocation": {
			"type": "object",
			"properties": {
				"upstream": {"type": "integer"},
				"downstream": {"type": "integer"},
				"strand": {"type": "string"}
			},
			"additionalProperties": false
		}
	},
	"required": ["step_id"],
	"additionalProperties": false
}`

const renameStepSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"step_id": {"type": "string"},
		"display_name": {"type": "string"}
	},
	"required": ["step_id", "display_name"],
	"additionalProperties": false
}`

const deleteStepSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"step_id": {"type": "string", "description": "Step to remove. Steps built on it are removed too"}
	},
	"required": ["step_id"],
	"additionalProperties": false
}`

const combineStepsSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"step_ids": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 2,
			"description": "Root step ids to fold left to right"
		},
		"operator": {"type": "string", "description": "INTERSECT, UNION, MINUS, RMINUS or COLOCATE"},
		"display_name": {"type": "string", "description": "Label for the final combine"},
		"colocation": {
			"type": "object",
			"properties": {
				"upstream": {"type": "integer"},
				"downstream": {"type": "integer"},
				"strand": {"type": "string"}
			},
			"additionalProperties": false
		}
	},
	"required": ["step_ids", "operator"],
	"additionalProperties": false
}`

const setStepFilterSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"step_id": {"type": "string"},
		"name": {"type": "string", "description": "Platform filter name"},
		"value": {"description": "Filter payload, passed through to the platform"},
		"disabled": {"type": "boolean", "description": "Keep the filter but skip it on push"},
		"remove": {"type": "boolean", "description": "Remove the named filter instead of setting it"}
	},
	"required": ["step_id", "name"],
	"additionalProperties": false
}`

const clearStrategySchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"confirm": {"type": "boolean", "description": "Must be true; clearing discards every step"}
	},
	"required": ["confirm"],
	"additionalProperties": false
}`

const undoSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"}
	},
	"additionalProperties": false
}`

const getStrategySchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"}
	},
	"additionalProperties": false
}`

const deleteStrategySchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"delete_remote": {"type": "boolean", "description": "Also delete the pushed platform strategy, if any"}
	},
	"additionalProperties": false
}`

type (
	addStepArgs struct {
		GraphID        string                     `json:"graph_id"`
		RecordType     string                     `json:"record_type"`
		SearchName     string                     `json:"search_name"`
		Parameters     map[string]any             `json:"parameters"`
		DisplayName    string                     `json:"display_name"`
		PrimaryInput   string                     `json:"primary_input"`
		SecondaryInput string                     `json:"secondary_input"`
		Operator       string                     `json:"operator"`
		Colocation     *strategy.ColocationConfig `json:"colocation"`
	}

	updateStepArgs struct {
		GraphID        string                     `json:"graph_id"`
		StepID         string                     `json:"step_id"`
		SearchName     *string                    `json:"search_name"`
		Parameters     map[string]any             `json:"parameters"`
		DisplayName    *string                    `json:"display_name"`
		PrimaryInput   *string                    `json:"primary_input"`
		SecondaryInput *string                    `json:"secondary_input"`
		Operator       *string                    `json:"operator"`
		Colocation     *strategy.ColocationConfig `json:"colocation"`
	}

	stepResult struct {
		GraphID string         `json:"graph_id"`
		StepID  string         `json:"step_id"`
		Kind    strategy.Kind  `json:"kind"`
		Step    *strategy.Step `json:"step,omitempty"`
	}

	combineResult struct {
		GraphID string   `json:"graph_id"`
		StepID  string   `json:"step_id"`
		Created []string `json:"created"`
	}

	deleteResult struct {
		GraphID string   `json:"graph_id"`
		Removed []string `json:"removed"`
	}
)

func (t *Toolset) registerGraphTools() {
	t.registry.MustRegister(tools.Spec{
		Name:        "add_step",
		Description: "Add a step to the strategy graph: a leaf search, a transform of another step, or a combine of two root steps.",
		Schema:      json.RawMessage(addStepSchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.addStep,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "update_step",
		Description: "Update an existing step's search, parameters, inputs, operator, or label. Omitted fields are left unchanged.",
		Schema:      json.RawMessage(updateStepSchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.updateStep,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "rename_step",
		Description: "Rename a step.",
		Schema:      json.RawMessage(renameStepSchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.renameStep,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "delete_step",
		Description: "Delete a step and every step built on it.",
		Schema:      json.RawMessage(deleteStepSchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.deleteStep,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "combine_steps",
		Description: "Combine two or more root steps with a set operator, folding left to right.",
		Schema:      json.RawMessage(combineStepsSchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.combineSteps,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "set_step_filter",
		Description: "Set, disable, or remove a named filter on a step. Filters apply when the strategy is pushed.",
		Schema:      json.RawMessage(setStepFilterSchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.setStepFilter,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "clear_strategy",
		Description: "Remove every step from the graph. Requires confirm=true.",
		Schema:      json.RawMessage(clearStrategySchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.clearStrategy,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "undo",
		Description: "Undo the most recent graph mutation.",
		Schema:      json.RawMessage(undoSchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.undo,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "get_strategy",
		Description: "Return the full graph: steps, edges, record type, and the root step when the graph has exactly one.",
		Schema:      json.RawMessage(getStrategySchema),
		Handler:     t.getStrategy,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "delete_strategy",
		Description: "Delete the graph, optionally deleting the pushed platform strategy too.",
		Schema:      json.RawMessage(deleteStrategySchema),
		Mutating:    true,
		LockKey:     t.graphLockKey,
		Handler:     t.deleteStrategy,
	})
}

func (t *Toolset) addStep(ctx context.Context, raw json.RawMessage) (any, error) {
	var args addStepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	if args.RecordType != "" {
		rt, err := t.cfg.Catalog.ResolveRecordType(ctx, args.RecordType)
		if err != nil {
			return nil, err
		}
		g.SetRecordType(rt)
	}
	step := strategy.Step{
		SearchName:     args.SearchName,
		Parameters:     compiler.NormalizeParameters(args.Parameters),
		PrimaryInput:   args.PrimaryInput,
		SecondaryInput: args.SecondaryInput,
		Operator:       strategy.Operator(strings.ToUpper(args.Operator)),
		Colocation:     args.Colocation,
		DisplayName:    args.DisplayName,
	}
	id, err := g.AddStep(step)
	if err != nil {
		return nil, err
	}
	t.emitStepAdded(ctx, g, id)
	added := g.GetStep(id)
	return stepResult{GraphID: g.ID(), StepID: id, Kind: added.Kind(), Step: added}, nil
}

func (t *Toolset) updateStep(ctx context.Context, raw json.RawMessage) (any, error) {
	var args updateStepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	patch := strategy.StepPatch{
		SearchName:     args.SearchName,
		DisplayName:    args.DisplayName,
		PrimaryInput:   args.PrimaryInput,
		SecondaryInput: args.SecondaryInput,
		Colocation:     args.Colocation,
	}
	if args.Parameters != nil {
		patch.Parameters = compiler.NormalizeParameters(args.Parameters)
	}
	if args.Operator != nil {
		op := strategy.Operator(strings.ToUpper(*args.Operator))
		patch.Operator = &op
	}
	if err := g.UpdateStep(args.StepID, patch); err != nil {
		return nil, err
	}
	t.emitStepAdded(ctx, g, args.StepID)
	updated := g.GetStep(args.StepID)
	return stepResult{GraphID: g.ID(), StepID: args.StepID, Kind: updated.Kind(), Step: updated}, nil
}

func (t *Toolset) renameStep(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID     string `json:"graph_id"`
		StepID      string `json:"step_id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	if err := g.RenameStep(args.StepID, args.DisplayName); err != nil {
		return nil, err
	}
	t.emit(ctx, turn.NewEvent(turn.EventStrategyUpdate, &turn.StrategyUpdate{
		GraphID: g.ID(),
		StepID:  args.StepID,
		Step:    g.GetStep(args.StepID),
	}))
	renamed := g.GetStep(args.StepID)
	return stepResult{GraphID: g.ID(), StepID: args.StepID, Kind: renamed.Kind(), Step: renamed}, nil
}

func (t *Toolset) deleteStep(ctx context.Context, raw json.RawMessage) (any, error) {
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
	removed, err := g.DeleteStep(args.StepID)
	if err != nil {
		return nil, err
	}
	t.emit(ctx, turn.NewEvent(turn.EventGraphSnapshot, &turn.GraphSnapshot{
		GraphID:  g.ID(),
		Snapshot: g.Snapshot(),
	}))
	return deleteResult{GraphID: g.ID(), Removed: removed}, nil
}

func (t *Toolset) combineSteps(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID     string                     `json:"graph_id"`
		StepIDs     []string                   `json:"step_ids"`
		Operator    string                     `json:"operator"`
		DisplayName string                     `json:"display_name"`
		Colocation  *strategy.ColocationConfig `json:"colocation"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	op := strategy.Operator(strings.ToUpper(args.Operator))
	if !strategy.ValidOperator(op) {
		return nil, strategy.Errorf(strategy.CodeInvalidKind, "unknown operator %q", args.Operator)
	}

	created := make([]string, 0, len(args.StepIDs)-1)
	current := args.StepIDs[0]
	for i := 1; i < len(args.StepIDs); i++ {
		fold := strategy.Step{
			PrimaryInput:   current,
			SecondaryInput: args.StepIDs[i],
			Operator:       op,
		}
		if i == len(args.StepIDs)-1 {
			fold.DisplayName = args.DisplayName
			fold.Colocation = args.Colocation
		}
		id, err := g.AddStep(fold)
		if err != nil {
			return nil, err
		}
		created = append(created, id)
		current = id
	}
	for _, id := range created {
		t.emit(ctx, turn.NewEvent(turn.EventStrategyUpdate, &turn.StrategyUpdate{
			GraphID: g.ID(),
			StepID:  id,
			Step:    g.GetStep(id),
		}))
	}
	t.emit(ctx, turn.NewEvent(turn.EventGraphSnapshot, &turn.GraphSnapshot{
		GraphID:  g.ID(),
		Snapshot: g.Snapshot(),
	}))
	return combineResult{GraphID: g.ID(), StepID: current, Created: created}, nil
}

func (t *Toolset) setStepFilter(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID  string `json:"graph_id"`
		StepID   string `json:"step_id"`
		Name     string `json:"name"`
		Value    any    `json:"value"`
		Disabled bool   `json:"disabled"`
		Remove   bool   `json:"remove"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	if args.Remove {
		err = g.RemoveFilter(args.StepID, args.Name)
	} else {
		err = g.SetFilter(args.StepID, strategy.Filter{Name: args.Name, Value: args.Value, Disabled: args.Disabled})
	}
	if err != nil {
		return nil, err
	}
	t.emit(ctx, turn.NewEvent(turn.EventStrategyUpdate, &turn.StrategyUpdate{
		GraphID: g.ID(),
		StepID:  args.StepID,
		Step:    g.GetStep(args.StepID),
	}))
	filtered := g.GetStep(args.StepID)
	return stepResult{GraphID: g.ID(), StepID: args.StepID, Kind: filtered.Kind(), Step: filtered}, nil
}

func (t *Toolset) clearStrategy(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID string `json:"graph_id"`
		Confirm bool   `json:"confirm"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	if err := g.Clear(args.Confirm); err != nil {
		return nil, err
	}
	t.dropPushedID(g.ID())
	t.emit(ctx, turn.NewEvent(turn.EventGraphCleared, &turn.GraphCleared{GraphID: g.ID()}))
	return map[string]any{"graph_id": g.ID(), "cleared": true}, nil
}

func (t *Toolset) undo(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID string `json:"graph_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	undone := g.Undo()
	if undone {
		t.emit(ctx, turn.NewEvent(turn.EventGraphSnapshot, &turn.GraphSnapshot{
			GraphID:  g.ID(),
			Snapshot: g.Snapshot(),
		}))
	}
	return map[string]any{"graph_id": g.ID(), "undone": undone}, nil
}

func (t *Toolset) getStrategy(_ context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID string `json:"graph_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	return g.Snapshot(), nil
}

func (t *Toolset) deleteStrategy(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID      string `json:"graph_id"`
		DeleteRemote bool   `json:"delete_remote"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	id := args.GraphID
	if id == "" {
		id = t.cfg.Session.ActiveGraphID()
	}
	if id == "" {
		return nil, strategy.NewError(strategy.CodeGraphNotFound, "session has no graphs")
	}
	if args.DeleteRemote {
		if sid := t.pushedID(id); sid != 0 {
			if err := t.cfg.Client.DeleteStrategy(ctx, sid); err != nil {
				t.cfg.Log.Warn(ctx, "platform strategy deletion failed", "strategy_id", sid, "error", err)
			}
		}
	}
	if err := t.cfg.Session.DeleteGraph(id); err != nil {
		return nil, err
	}
	t.dropPushedID(id)
	t.emit(ctx, turn.NewEvent(turn.EventGraphDeleted, &turn.GraphDeleted{GraphID: id}))
	return map[string]any{"graph_id": id, "deleted": true}, nil
}
