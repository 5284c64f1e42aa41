// Package compiler turns a single-output strategy graph into the external
// platform's step-tree form. Every step is created as an independent platform
// object in post-order (inputs before consumers), local ids are bound to the
// returned external ids, and filters, analyses, and reports are applied to
// each step's external id once creation is complete.
//
// Compilation is not transactional: a failure part-way leaves the
// already-created steps behind as orphans on the platform. That is
// acceptable; the platform assigns fresh ids on every attempt and orphans are
// invisible to users.
package compiler

import (
	"context"
	"fmt"
	"strconv"

	"stratagem/runtime/strategy"
	"stratagem/runtime/telemetry"
	"stratagem/runtime/wdk"
)

// CodeInvalidStrategy rejects graphs that cannot compile: empty, multi-root,
// or combining without a record type.
const CodeInvalidStrategy strategy.Code = "INVALID_STRATEGY"

// Colocation windows ride on the boolean meta-search as extra parameters.
const (
	colocateUpstreamParam   = "bq_colocate_upstream"
	colocateDownstreamParam = "bq_colocate_downstream"
	colocateStrandParam     = "bq_colocate_strand"
)

type (
	// StepBinding records the external id assigned to one graph step.
	StepBinding struct {
		LocalID        string
		ExternalStepID int
	}

	// Result is a successful compilation: per-step id bindings in creation
	// order, the root step's external id, and the nested tree the platform
	// executes.
	Result struct {
		ExternalSteps      []StepBinding
		RootExternalStepID int
		StepTree           *wdk.StepTree
	}

	// Option configures a compilation.
	Option func(*options)

	options struct {
		log     telemetry.Logger
		metrics telemetry.Metrics
	}
)

// WithLogger sets the logger used during compilation.
func WithLogger(log telemetry.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics sink used during compilation.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// BindingMap returns the local id to external id bindings as a map, the form
// Graph.BindExternalIDs consumes.
func (r *Result) BindingMap() map[string]int {
	m := make(map[string]int, len(r.ExternalSteps))
	for _, b := range r.ExternalSteps {
		m[b.LocalID] = b.ExternalStepID
	}
	return m
}

// Compile creates external steps for every node of the snapshot and returns
// the id bindings and step tree. The snapshot must have exactly one root.
func Compile(ctx context.Context, snap strategy.Snapshot, client wdk.Client, opts ...Option) (*Result, error) {
	o := options{log: telemetry.NewNoopLogger(), metrics: telemetry.NewNoopMetrics()}
	for _, opt := range opts {
		opt(&o)
	}

	if len(snap.Steps) == 0 {
		return nil, strategy.NewError(CodeInvalidStrategy, "graph has no steps")
	}
	roots := rootIDs(snap)
	if len(roots) != 1 {
		err := strategy.Errorf(CodeInvalidStrategy, "graph must have exactly one output step, found %d", len(roots))
		for _, id := range roots {
			err = err.WithDetail("root:"+id, snap.Step(id).DisplayName)
		}
		return nil, err
	}
	root := roots[0]

	order, err := postOrder(snap, root)
	if err != nil {
		return nil, err
	}

	ext := make(map[string]int, len(order))
	bindings := make([]StepBinding, 0, len(order))
	for _, s := range order {
		created, err := createStep(ctx, snap, s, ext, client)
		if err != nil {
			o.log.Warn(ctx, "step creation failed, aborting compile",
				"graphId", snap.ID, "stepId", s.ID, "created", len(bindings), "err", err)
			return nil, fmt.Errorf("create step %s: %w", s.ID, err)
		}
		ext[s.ID] = created.ID
		bindings = append(bindings, StepBinding{LocalID: s.ID, ExternalStepID: created.ID})
		o.metrics.IncCounter(telemetry.MetricStepsCreated, 1, "kind", string(s.Kind()))
	}

	for _, s := range order {
		if err := applyAttachments(ctx, client, ext[s.ID], s); err != nil {
			return nil, fmt.Errorf("step %s attachments: %w", s.ID, err)
		}
	}

	o.log.Debug(ctx, "compiled strategy graph",
		"graphId", snap.ID, "steps", len(bindings), "rootStepId", ext[root])
	return &Result{
		ExternalSteps:      bindings,
		RootExternalStepID: ext[root],
		StepTree:           buildTree(snap, root, ext),
	}, nil
}

func createStep(ctx context.Context, snap strategy.Snapshot, s *strategy.Step, ext map[string]int, client wdk.Client) (*wdk.CreatedStep, error) {
	switch s.Kind() {
	case strategy.KindLeaf:
		return client.CreateStep(ctx, wdk.CreateStepRequest{
			SearchName: s.SearchName,
			Parameters: s.Parameters,
			CustomName: s.DisplayName,
		})
	case strategy.KindTransform:
		return client.CreateTransformStep(ctx, wdk.CreateTransformStepRequest{
			RecordType:  snap.RecordType,
			SearchName:  s.SearchName,
			Parameters:  s.Parameters,
			InputStepID: ext[s.PrimaryInput],
			CustomName:  s.DisplayName,
		})
	case strategy.KindCombine:
		if snap.RecordType == "" {
			return nil, strategy.NewError(CodeInvalidStrategy, "graph has combine steps but no record type")
		}
		return client.CreateCombinedStep(ctx, wdk.CreateCombinedStepRequest{
			RecordType:      snap.RecordType,
			Operator:        string(s.Operator),
			PrimaryStepID:   ext[s.PrimaryInput],
			SecondaryStepID: ext[s.SecondaryInput],
			Parameters:      colocationParams(s),
			CustomName:      s.DisplayName,
		})
	}
	return nil, strategy.Errorf(CodeInvalidStrategy, "step %s has no recognizable kind", s.ID)
}

func applyAttachments(ctx context.Context, client wdk.Client, stepID int, s *strategy.Step) error {
	for _, f := range s.Filters {
		if f.Disabled {
			continue
		}
		if err := client.SetStepFilter(ctx, stepID, wdk.StepFilter{Name: f.Name, Value: f.Value}); err != nil {
			return fmt.Errorf("filter %s: %w", f.Name, err)
		}
	}
	for _, a := range s.Analyses {
		if _, err := client.RunStepAnalysis(ctx, stepID, a.Name, a.Parameters); err != nil {
			return fmt.Errorf("analysis %s: %w", a.Name, err)
		}
	}
	for _, r := range s.Reports {
		if _, err := client.RunStepReport(ctx, stepID, r.Name, r.Config); err != nil {
			return fmt.Errorf("report %s: %w", r.Name, err)
		}
	}
	return nil
}

func colocationParams(s *strategy.Step) map[string]string {
	if s.Operator != strategy.OpColocate || s.Colocation == nil {
		return nil
	}
	params := map[string]string{
		colocateUpstreamParam:   strconv.Itoa(s.Colocation.Upstream),
		colocateDownstreamParam: strconv.Itoa(s.Colocation.Downstream),
	}
	if s.Colocation.Strand != "" {
		params[colocateStrandParam] = s.Colocation.Strand
	}
	return params
}

// rootIDs returns ids of steps no other step consumes, in snapshot order.
func rootIDs(snap strategy.Snapshot) []string {
	consumed := make(map[string]bool, len(snap.Steps))
	for _, e := range snap.Edges {
		consumed[e.SourceID] = true
	}
	var roots []string
	for _, s := range snap.Steps {
		if !consumed[s.ID] {
			roots = append(roots, s.ID)
		}
	}
	return roots
}

// postOrder lists the steps reachable from root with inputs before consumers.
// Shared inputs appear once.
func postOrder(snap strategy.Snapshot, root string) ([]*strategy.Step, error) {
	var (
		order   []*strategy.Step
		visited = make(map[string]bool, len(snap.Steps))
		walk    func(id string) error
	)
	walk = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		s := snap.Step(id)
		if s == nil {
			return strategy.Errorf(CodeInvalidStrategy, "step %s references missing step", id)
		}
		if s.PrimaryInput != "" {
			if err := walk(s.PrimaryInput); err != nil {
				return err
			}
		}
		if s.SecondaryInput != "" {
			if err := walk(s.SecondaryInput); err != nil {
				return err
			}
		}
		order = append(order, s)
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return order, nil
}

func buildTree(snap strategy.Snapshot, id string, ext map[string]int) *wdk.StepTree {
	s := snap.Step(id)
	tree := &wdk.StepTree{StepID: ext[id]}
	if s.PrimaryInput != "" {
		tree.PrimaryInput = buildTree(snap, s.PrimaryInput, ext)
	}
	if s.SecondaryInput != "" {
		tree.SecondaryInput = buildTree(snap, s.SecondaryInput, ext)
	}
	return tree
}
