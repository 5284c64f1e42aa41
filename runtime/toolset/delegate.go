package toolset

import (
	"context"
	"encoding/json"
	"fmt"

	"stratagem/runtime/delegate"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
)

const delegateTasksSchema = `{
	"type": "object",
	"properties": {
		"graph_id": {"type": "string"},
		"goal": {"type": "string", "description": "Overall research goal shared with every sub-task"},
		"nodes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"kind": {"type": "string", "description": "task or combine"},
					"depends_on": {"type": "array", "items": {"type": "string"}},
					"task": {"type": "string", "description": "What the sub-task should build; required for task nodes"},
					"hint": {"type": "string"},
					"context": {"type": "object", "description": "Free-form JSON handed to the sub-task"},
					"inputs": {"type": "array", "items": {"type": "string"}, "description": "Node ids whose subtrees a combine folds"},
					"operator": {"type": "string"},
					"display_name": {"type": "string"},
					"upstream": {"type": "integer"},
					"downstream": {"type": "integer"}
				},
				"required": ["id", "kind"],
				"additionalProperties": false
			}
		}
	},
	"required": ["nodes"],
	"additionalProperties": false
}`

func (t *Toolset) registerDelegateTools() {
	// delegate_tasks deliberately takes no graph lock: its sub-agents call
	// the mutating tools themselves and would deadlock behind it.
	t.registry.MustRegister(tools.Spec{
		Name:        "delegate_tasks",
		Description: "Execute a delegation plan: run independent research sub-tasks concurrently and fold their subtrees with combine nodes.",
		Schema:      json.RawMessage(delegateTasksSchema),
		Handler:     t.delegateTasks,
	})
}

func (t *Toolset) delegateTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		GraphID string          `json:"graph_id"`
		Goal    string          `json:"goal"`
		Nodes   []delegate.Node `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if t.cfg.Agent == nil {
		return nil, fmt.Errorf("delegation requires a sub-agent runner")
	}
	g, err := t.graph(args.GraphID)
	if err != nil {
		return nil, err
	}
	goal := args.Goal
	if goal == "" {
		goal = t.cfg.Goal
	}

	plan := delegate.Plan{Nodes: args.Nodes}
	if canonical, err := json.Marshal(plan); err == nil {
		t.emit(ctx, turn.NewEvent(turn.EventGraphPlan, &turn.GraphPlan{
			GraphID:    g.ID(),
			Name:       g.Name(),
			RecordType: g.RecordType(),
			Plan:       canonical,
		}))
	}

	out, err := t.cfg.Scheduler.Execute(ctx, plan, delegate.Options{
		Graph:          g,
		Agent:          t.cfg.Agent,
		Tools:          t.SubagentRegistry(),
		Emit:           t.cfg.Emit,
		Goal:           goal,
		SiteID:         t.cfg.Session.SiteID(),
		System:         t.cfg.System,
		History:        t.cfg.History,
		MaxConcurrency: t.cfg.MaxConcurrency,
		RoundTimeout:   t.cfg.RoundTimeout,
		MaxRounds:      t.cfg.MaxRounds,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
