// Package subtask drives one sub-agent through one delegated task against a
// strategy graph. The runner's contract is simple: after it returns, either
// at least one step was added to the graph, or the TaskResult says why not.
//
// Rounds are the retry unit. An agent that adds no steps in a round is
// usually selecting a wrong search or missing required parameters, both
// recoverable, so the runner retries with the accumulated errors and an
// instruction to consult the catalog first. These retries are deliberately
// more aggressive than the platform client's per-call retries; the failure
// modes live at different layers.
package subtask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stratagem/runtime/model"
	"stratagem/runtime/strategy"
	"stratagem/runtime/subagent"
	"stratagem/runtime/telemetry"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
)

// defaultMaxRounds bounds the retry loop when Params does not.
const defaultMaxRounds = 5

// TaskResult notes.
const (
	// NotesCreated means at least one step was added.
	NotesCreated = "created"
	// NotesTimeout means a round timed out or the turn was cancelled.
	NotesTimeout = "timeout"
	// NotesNoSteps means every round completed without adding a step.
	NotesNoSteps = "no_steps"
	// NotesError marks synthesized failure results, such as a combine node
	// whose inputs never materialized.
	NotesError = "error"
)

// TaskResult kinds.
const (
	KindTask    = "task"
	KindCombine = "combine"
)

type (
	// StepSummary is the compact step record carried by TaskResult. It is
	// rendered as JSON into dependent tasks' prompts, so it stays small.
	StepSummary struct {
		StepID      string `json:"stepId"`
		SearchName  string `json:"searchName,omitempty"`
		DisplayName string `json:"displayName,omitempty"`
	}

	// TaskResult is the runner's outcome for one node. The scheduler stores
	// it verbatim and renders it as JSON into dependent prompts.
	TaskResult struct {
		ID          string        `json:"id"`
		Task        string        `json:"task"`
		Kind        string        `json:"kind"`
		Steps       []StepSummary `json:"steps"`
		SubtreeRoot string        `json:"subtreeRoot,omitempty"`
		Notes       string        `json:"notes"`
		Errors      []string      `json:"errors,omitempty"`
	}

	// Params configures one runner invocation.
	Params struct {
		// Task is the delegated instruction.
		Task string
		// Goal is the broader objective the task serves, when known.
		Goal string
		// NodeID is the delegation node id, echoed into events and the
		// result. Empty for direct invocations.
		NodeID string
		// SiteID scopes the prompt to a deployment site.
		SiteID string
		// Graph receives the agent's steps.
		Graph *strategy.Graph
		// DependencyContext is injected into the prompt verbatim.
		DependencyContext string
		// Hint is the planner's optional nudge for this task.
		Hint string
		// PlannerContext is the planner's free-form JSON context, rendered
		// into the prompt when present.
		PlannerContext json.RawMessage
		// History is the surrounding conversation, sanitized before use.
		History []model.Message
		// System is the sub-agent's system prompt.
		System string
		// Tools is the registry the agent mutates the graph through.
		Tools *tools.Registry
		// Agent executes rounds.
		Agent subagent.Agent
		// Emit receives subkani_* and strategy events. Nil disables emission.
		Emit turn.Emitter
		// RoundTimeout bounds each round. Zero means no per-round bound.
		RoundTimeout time.Duration
		// MaxRounds caps rounds including retries. Zero or negative uses the
		// default of 5.
		MaxRounds int

		Log     telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// Failed reports whether the result carries no usable steps.
func (r *TaskResult) Failed() bool { return r.Notes != NotesCreated }

// Run executes the retry loop for one task. It never returns an error: every
// outcome, including timeouts and exhaustion, is a TaskResult.
func Run(ctx context.Context, p Params) TaskResult {
	log := p.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	start := time.Now()

	result := TaskResult{ID: p.NodeID, Task: p.Task, Kind: KindTask, Steps: []StepSummary{}}

	stepsBefore := toSet(p.Graph.StepIDs())
	rootsBefore := toSet(p.Graph.RootIDs())

	emit := func(t turn.EventType, data any) {
		if p.Emit == nil {
			return
		}
		if err := p.Emit(ctx, turn.NewEvent(t, data)); err != nil {
			log.Warn(ctx, "subtask event emission failed", "task", p.Task, "type", string(t), "err", err)
		}
	}

	emit(turn.EventSubtaskStart, &turn.SubtaskStart{Task: p.Task, NodeID: p.NodeID, Goal: p.Goal})

	history := subagent.SanitizeHistory(p.History)
	base := roundPrompt(p)
	prompt := base

	limit := p.MaxRounds
	if limit <= 0 {
		limit = defaultMaxRounds
	}

	var (
		allErrors []string
		created   []*strategy.Step
		rounds    int
	)
	for round := 1; round <= limit; round++ {
		rounds = round
		metrics.IncCounter(telemetry.MetricSubtaskRounds, 1)

		rctx := ctx
		cancel := context.CancelFunc(func() {})
		if p.RoundTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, p.RoundTimeout)
		}
		res, err := p.Agent.RunRound(rctx, subagent.RoundInput{
			Task:    p.Task,
			Prompt:  prompt,
			System:  p.System,
			History: history,
			Tools:   p.Tools,
			Emit:    p.Emit,
		})
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				log.Info(ctx, "subtask round timed out", "task", p.Task, "round", round)
				result.Notes = NotesTimeout
				result.Errors = allErrors
				emit(turn.EventSubtaskEnd, &turn.SubtaskEnd{
					Task: p.Task, NodeID: p.NodeID, Status: NotesTimeout, Rounds: rounds, Errors: allErrors,
				})
				metrics.RecordTimer(telemetry.MetricSubtaskDuration, time.Since(start), "status", NotesTimeout)
				return result
			}
			allErrors = append(allErrors, err.Error())
		}
		if res != nil {
			allErrors = append(allErrors, res.ToolErrors...)
		}

		created = newSteps(p.Graph, stepsBefore)
		if len(created) > 0 {
			break
		}

		if round < limit {
			emit(turn.EventSubtaskRetry, &turn.SubtaskRetry{
				Task: p.Task, NodeID: p.NodeID, Round: round, Errors: allErrors,
			})
			metrics.IncCounter(telemetry.MetricSubtaskRetries, 1)
			prompt = retryPreamble(allErrors) + base
		}
	}

	if len(created) == 0 {
		result.Notes = NotesNoSteps
		result.Errors = allErrors
		emit(turn.EventSubtaskEnd, &turn.SubtaskEnd{
			Task: p.Task, NodeID: p.NodeID, Status: NotesNoSteps, Rounds: rounds, Errors: allErrors,
		})
		metrics.RecordTimer(telemetry.MetricSubtaskDuration, time.Since(start), "status", NotesNoSteps)
		return result
	}

	result.Notes = NotesCreated
	result.Errors = allErrors
	for _, s := range created {
		result.Steps = append(result.Steps, StepSummary{
			StepID:      s.ID,
			SearchName:  s.SearchName,
			DisplayName: s.DisplayName,
		})
	}

	newRoots := subtract(p.Graph.RootIDs(), rootsBefore)
	if len(newRoots) == 1 {
		result.SubtreeRoot = newRoots[0]
	} else {
		log.Warn(ctx, "subtask did not produce a single new subtree root",
			"task", p.Task, "graphId", p.Graph.ID(), "newRoots", len(newRoots))
	}

	seen := make(map[string]bool, len(created))
	for _, s := range created {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		emit(turn.EventStrategyUpdate, &turn.StrategyUpdate{GraphID: p.Graph.ID(), StepID: s.ID, Step: s})
	}
	snap := p.Graph.Snapshot()
	emit(turn.EventGraphSnapshot, &turn.GraphSnapshot{GraphID: p.Graph.ID(), Snapshot: snap})
	emit(turn.EventSubtaskEnd, &turn.SubtaskEnd{
		Task: p.Task, NodeID: p.NodeID, Status: "done", Rounds: rounds, Errors: allErrors,
	})

	log.Debug(ctx, "subtask completed",
		"task", p.Task, "graphId", p.Graph.ID(), "rounds", rounds,
		"steps", len(result.Steps), "subtreeRoot", result.SubtreeRoot)
	metrics.RecordTimer(telemetry.MetricSubtaskDuration, time.Since(start), "status", NotesCreated)
	return result
}

func roundPrompt(p Params) string {
	var b strings.Builder
	b.WriteString("You are completing one delegated sub-task of a record search strategy.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", p.Task)
	if p.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	}
	if p.Hint != "" {
		fmt.Fprintf(&b, "Hint: %s\n", p.Hint)
	}
	if p.SiteID != "" {
		fmt.Fprintf(&b, "Site: %s\n", p.SiteID)
	}
	fmt.Fprintf(&b, "Graph: %s\n", p.Graph.ID())
	if len(p.PlannerContext) > 0 {
		fmt.Fprintf(&b, "Additional context: %s\n", p.PlannerContext)
	}
	if p.DependencyContext != "" {
		b.WriteString("\n")
		b.WriteString(p.DependencyContext)
		b.WriteString("\n")
	}
	b.WriteString("\nUse the available tools to add the steps that accomplish the task to the graph. Finish with a one-sentence summary of what you added.")
	return b.String()
}

func retryPreamble(errs []string) string {
	var b strings.Builder
	b.WriteString("Your previous attempt added no steps to the graph.\n")
	if len(errs) > 0 {
		b.WriteString("Errors encountered so far:\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	b.WriteString("Before retrying, consult the catalog: call list_searches to confirm the search exists and get_search_parameters to check its required parameters.\n\n")
	return b.String()
}

func newSteps(g *strategy.Graph, before map[string]bool) []*strategy.Step {
	var out []*strategy.Step
	for _, s := range g.Steps() {
		if !before[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func subtract(ids []string, before map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if !before[id] {
			out = append(out, id)
		}
	}
	return out
}
