// Package delegate executes delegation plans: directed graphs of sub-agent
// tasks and combine folds over one strategy graph. The scheduler runs
// independent nodes concurrently up to a configured bound, passes each task
// the JSON results of its dependencies, and materializes combine nodes into
// combine steps once their inputs have produced subtrees.
//
// Failures never abort a run. A task that times out or yields no steps
// produces a failed TaskResult; its dependents still run and see that result
// in their context.
package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"stratagem/runtime/model"
	"stratagem/runtime/strategy"
	"stratagem/runtime/subagent"
	"stratagem/runtime/subtask"
	"stratagem/runtime/telemetry"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
)

type (
	// Scheduler executes plans. It is stateless across runs; construct one
	// per deployment and share it.
	Scheduler struct {
		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	// SchedulerOption configures a Scheduler.
	SchedulerOption func(*Scheduler)

	// Options carries the per-run collaborators and limits.
	Options struct {
		// Graph receives every node's steps.
		Graph *strategy.Graph
		// Agent executes task node rounds.
		Agent subagent.Agent
		// Tools is the registry handed to each sub-agent round.
		Tools *tools.Registry
		// Emit receives the run's events. Nil disables emission.
		Emit turn.Emitter
		// Goal, SiteID, System, and History flow into every task prompt.
		Goal    string
		SiteID  string
		System  string
		History []model.Message
		// MaxConcurrency bounds concurrently executing nodes. Zero or
		// negative means the CPU count.
		MaxConcurrency int
		// RoundTimeout bounds each sub-agent round.
		RoundTimeout time.Duration
		// MaxRounds caps rounds per task node including retries. Zero uses the
		// runner's default.
		MaxRounds int
	}

	// Output partitions the run's results by node kind and outcome.
	Output struct {
		// Results holds task nodes that created steps.
		Results map[string]subtask.TaskResult `json:"results"`
		// Rejected holds task nodes that timed out or created nothing.
		Rejected map[string]subtask.TaskResult `json:"rejected,omitempty"`
		// CombineResults holds combines that folded successfully.
		CombineResults map[string]subtask.TaskResult `json:"combineResults,omitempty"`
		// CombineErrors holds combines whose inputs were missing or whose
		// fold failed.
		CombineErrors map[string]subtask.TaskResult `json:"combineErrors,omitempty"`
	}
)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(log telemetry.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

// WithSchedulerMetrics sets the scheduler's metrics sink.
func WithSchedulerMetrics(m telemetry.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler constructs a Scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{log: telemetry.NewNoopLogger(), metrics: telemetry.NewNoopMetrics()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute validates the plan and runs it to completion. Node failures are
// reported through the Output partitions, never as the returned error; the
// error is non-nil only for invalid plans and cancelled contexts. On
// cancellation the Output holds the results of the nodes that finished.
func (s *Scheduler) Execute(ctx context.Context, plan Plan, opts Options) (*Output, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.NumCPU()
	}

	byID := make(map[string]*Node, len(plan.Nodes))
	done := make(map[string]chan struct{}, len(plan.Nodes))
	for i := range plan.Nodes {
		n := &plan.Nodes[i]
		byID[n.ID] = n
		done[n.ID] = make(chan struct{})
	}

	var (
		mu      sync.Mutex
		results = make(map[string]subtask.TaskResult, len(plan.Nodes))
	)
	getResult := func(id string) (subtask.TaskResult, bool) {
		mu.Lock()
		defer mu.Unlock()
		res, ok := results[id]
		return res, ok
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var eg errgroup.Group
	for i := range plan.Nodes {
		node := plan.Nodes[i]
		eg.Go(func() error {
			defer close(done[node.ID])

			// Wait for dependencies without holding an execution slot.
			for _, dep := range node.dependencies() {
				select {
				case <-done[dep]:
				case <-ctx.Done():
					return nil
				}
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			var res subtask.TaskResult
			switch node.Kind {
			case KindTask:
				res = s.runTask(ctx, &node, opts, getResult)
			case KindCombine:
				res = s.runCombine(ctx, &node, opts, getResult)
			}
			mu.Lock()
			results[node.ID] = res
			mu.Unlock()
			s.metrics.IncCounter(telemetry.MetricDelegationNodes, 1,
				"kind", node.Kind, "status", res.Notes)
			return nil
		})
	}
	_ = eg.Wait()

	out := &Output{
		Results:        make(map[string]subtask.TaskResult),
		Rejected:       make(map[string]subtask.TaskResult),
		CombineResults: make(map[string]subtask.TaskResult),
		CombineErrors:  make(map[string]subtask.TaskResult),
	}
	for id, res := range results {
		switch {
		case res.Kind == subtask.KindCombine && res.Notes == subtask.NotesCreated:
			out.CombineResults[id] = res
		case res.Kind == subtask.KindCombine:
			out.CombineErrors[id] = res
		case res.Notes == subtask.NotesCreated:
			out.Results[id] = res
		default:
			out.Rejected[id] = res
		}
	}

	s.log.Debug(ctx, "delegation plan executed",
		"nodes", len(plan.Nodes), "results", len(out.Results), "rejected", len(out.Rejected),
		"combines", len(out.CombineResults), "combineErrors", len(out.CombineErrors))
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Scheduler) runTask(ctx context.Context, node *Node, opts Options, getResult func(string) (subtask.TaskResult, bool)) subtask.TaskResult {
	return subtask.Run(ctx, subtask.Params{
		Task:              node.Task,
		Goal:              opts.Goal,
		NodeID:            node.ID,
		SiteID:            opts.SiteID,
		Graph:             opts.Graph,
		DependencyContext: dependencyContext(node.DependsOn, getResult),
		Hint:              node.Hint,
		PlannerContext:    node.Context,
		History:           opts.History,
		System:            opts.System,
		Tools:             opts.Tools,
		Agent:             opts.Agent,
		Emit:              opts.Emit,
		RoundTimeout:      opts.RoundTimeout,
		MaxRounds:         opts.MaxRounds,
		Log:               s.log,
		Metrics:           s.metrics,
	})
}

// dependencyContext renders each direct dependency's TaskResult as one
// context line. The format is part of the prompt contract with planners and
// dependents; change it and recorded conversations stop reproducing.
func dependencyContext(deps []string, getResult func(string) (subtask.TaskResult, bool)) string {
	parts := make([]string, 0, len(deps))
	for _, dep := range deps {
		res, ok := getResult(dep)
		if !ok {
			continue
		}
		raw, err := json.Marshal(res)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("Context from %s (%s): %s", dep, res.Task, raw))
	}
	return strings.Join(parts, "\n\n")
}

func (s *Scheduler) runCombine(ctx context.Context, node *Node, opts Options, getResult func(string) (subtask.TaskResult, bool)) subtask.TaskResult {
	label := node.DisplayName
	if label == "" {
		label = "combine " + strings.Join(node.Inputs, " "+strings.ToUpper(node.Operator)+" ")
	}
	res := subtask.TaskResult{
		ID:    node.ID,
		Task:  label,
		Kind:  subtask.KindCombine,
		Steps: []subtask.StepSummary{},
	}

	emit := func(t turn.EventType, data any) {
		if opts.Emit == nil {
			return
		}
		if err := opts.Emit(ctx, turn.NewEvent(t, data)); err != nil {
			s.log.Warn(ctx, "combine event emission failed", "node", node.ID, "type", string(t), "err", err)
		}
	}

	// Resolve every input to the root of the subtree its node produced.
	inputSteps := make([]string, 0, len(node.Inputs))
	var missing []string
	for _, in := range node.Inputs {
		dep, ok := getResult(in)
		root := dep.SubtreeRoot
		if root == "" && len(dep.Steps) > 0 {
			root = dep.Steps[0].StepID
		}
		if !ok || root == "" {
			missing = append(missing, in)
			continue
		}
		inputSteps = append(inputSteps, root)
	}
	if len(missing) > 0 {
		msg := fmt.Sprintf("combine %s: inputs %s produced no steps", node.ID, strings.Join(missing, ", "))
		s.log.Warn(ctx, "combine inputs unresolved", "node", node.ID, "missing", strings.Join(missing, ","))
		emit(turn.EventError, &turn.ErrorData{Code: string(CodeMissingCombineInputs), Message: msg})
		res.Notes = subtask.NotesError
		res.Errors = []string{msg}
		return res
	}

	op := strategy.Operator(strings.ToUpper(node.Operator))
	current := inputSteps[0]
	var folded []string
	for i := 1; i < len(inputSteps); i++ {
		step := strategy.Step{
			PrimaryInput:   current,
			SecondaryInput: inputSteps[i],
			Operator:       op,
		}
		if i == len(inputSteps)-1 {
			step.DisplayName = node.DisplayName
			if op == strategy.OpColocate && (node.Upstream != 0 || node.Downstream != 0) {
				step.Colocation = &strategy.ColocationConfig{
					Upstream:   node.Upstream,
					Downstream: node.Downstream,
				}
			}
		}
		id, err := opts.Graph.AddStep(step)
		if err != nil {
			s.log.Warn(ctx, "combine fold failed",
				"node", node.ID, "primary", current, "secondary", inputSteps[i], "err", err)
			res.Notes = subtask.NotesError
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		folded = append(folded, id)
		current = id
	}

	res.Notes = subtask.NotesCreated
	res.SubtreeRoot = current
	for _, id := range folded {
		st := opts.Graph.GetStep(id)
		res.Steps = append(res.Steps, subtask.StepSummary{StepID: id, DisplayName: st.DisplayName})
		emit(turn.EventStrategyUpdate, &turn.StrategyUpdate{GraphID: opts.Graph.ID(), StepID: id, Step: st})
	}
	snap := opts.Graph.Snapshot()
	emit(turn.EventGraphSnapshot, &turn.GraphSnapshot{GraphID: opts.Graph.ID(), Snapshot: snap})
	return res
}
