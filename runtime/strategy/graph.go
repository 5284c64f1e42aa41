package strategy

import (
	"sync"

	"github.com/google/uuid"
)

// historyLimit bounds the undo stack depth. Snapshots beyond the limit are
// discarded oldest-first.
const historyLimit = 20

type (
	// Graph is a mutable strategy graph: a DAG of steps keyed by id with
	// insertion order preserved. All operations are synchronous, guarded by
	// an internal mutex, and atomic: a failed operation leaves the graph
	// exactly as it was before the call.
	//
	// Every successful mutation pushes the pre-image of the step set onto a
	// bounded undo stack. Undo restores the most recent pre-image. Graphs are
	// small (typically under fifty steps) so full-copy snapshots are cheaper
	// than rollback logs.
	Graph struct {
		mu         sync.Mutex
		id         string
		name       string
		recordType string
		steps      map[string]*Step
		order      []string
		lastStepID string
		history    []graphState
		pushed     *PushedStrategy
	}

	// graphState is one undo snapshot: a deep copy of the step set plus the
	// bookkeeping that mutations touch.
	graphState struct {
		steps      map[string]*Step
		order      []string
		lastStepID string
	}

	// PushedStrategy records the external strategy produced by the most
	// recent successful push. Any mutation invalidates it; callers must
	// re-push before relying on external ids again.
	PushedStrategy struct {
		// StrategyID is the id the external platform assigned.
		StrategyID int
		// RootStepID is the local id of the root step at push time.
		RootStepID string
		// Name and Description are the derived strategy metadata sent on push.
		Name        string
		Description string
	}

	// StepPatch describes an UpdateStep edit. Nil fields are left unchanged.
	// A patch may not change the step's kind: a leaf cannot gain inputs and a
	// combine cannot lose one.
	StepPatch struct {
		// SearchName replaces the step's search.
		SearchName *string
		// Parameters replaces the parameter map wholesale.
		Parameters map[string]string
		// Operator replaces a combine step's operator.
		Operator *Operator
		// DisplayName replaces the step's label.
		DisplayName *string
		// PrimaryInput and SecondaryInput retarget the step's inputs. They
		// must reference existing steps and must not introduce a cycle.
		PrimaryInput   *string
		SecondaryInput *string
		// Colocation replaces the colocation window on COLOCATE combines.
		Colocation *ColocationConfig
	}
)

// NewGraph constructs an empty graph. When id is empty a fresh one is
// generated.
func NewGraph(id, name string) *Graph {
	if id == "" {
		id = "graph-" + shortID()
	}
	return &Graph{
		id:    id,
		name:  name,
		steps: make(map[string]*Step),
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}

// ID returns the graph's stable identifier.
func (g *Graph) ID() string { return g.id }

// Name returns the graph's display name.
func (g *Graph) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// SetName updates the graph's display name.
func (g *Graph) SetName(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
}

// RecordType returns the external record class the graph operates on, empty
// until a tool establishes it.
func (g *Graph) RecordType() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recordType
}

// SetRecordType records the external record class the graph operates on.
func (g *Graph) SetRecordType(rt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordType = rt
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.steps)
}

// LastStepID returns the id of the most recently added step, or empty when
// the graph has none. It is a convenience tip for callers, not an invariant:
// deletes move it to an arbitrary remaining step.
func (g *Graph) LastStepID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStepID
}

// StepIDs returns all step ids in insertion order.
func (g *Graph) StepIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// Steps returns deep copies of all steps in insertion order.
func (g *Graph) Steps() []*Step {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Step, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id].Clone())
	}
	return out
}

// GetStep returns a deep copy of the step with the given id, or nil when the
// graph has no such step. Mutations must go through the graph's operations so
// they hit the undo stack.
func (g *Graph) GetStep(id string) *Step {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return nil
	}
	return s.Clone()
}

// AddStep validates and appends a new step, returning its assigned id. The
// caller populates everything except ID and ExternalStepID, which are always
// assigned by the graph.
//
// Validation: every referenced input must exist (INVALID_INPUT_REF), the
// input/operator combination must form a leaf, transform, or combine
// (INVALID_KIND), and each operand of a combine must be a subtree root of the
// pre-edit graph (NOT_A_ROOT).
func (g *Graph) AddStep(step Step) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	owned := step.Clone()
	owned.ID = ""
	owned.ExternalStepID = nil
	if err := validateShape(owned); err != nil {
		return "", err
	}
	if err := g.validateRefsLocked(owned); err != nil {
		return "", err
	}
	if owned.Kind() == KindCombine {
		if err := g.validateOperandsAreRootsLocked(owned); err != nil {
			return "", err
		}
	}
	g.pushHistoryLocked()
	return g.insertLocked(owned), nil
}

// UpdateStep applies a patch to an existing step. The edit is validated
// against a scratch copy first, so a rejected patch leaves the graph
// untouched. Returns NOT_FOUND for an unknown id, INVALID_KIND when the patch
// would change the step's kind or set an operator incompatible with it,
// INVALID_INPUT_REF for unknown input ids, and CYCLE when retargeting an
// input would make the graph cyclic.
func (g *Graph) UpdateStep(id string, patch StepPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.steps[id]
	if !ok {
		return Errorf(CodeNotFound, "no step with id %q", id).WithDetail("stepId", id)
	}
	next := cur.Clone()
	applyPatch(next, patch)
	if next.Kind() != cur.Kind() {
		return Errorf(CodeInvalidKind, "cannot change a %s step into a %s step", cur.Kind(), next.Kind()).
			WithDetail("stepId", id)
	}
	if err := validateShape(next); err != nil {
		return err
	}
	if err := g.validateRefsLocked(next); err != nil {
		return err
	}
	if g.wouldCycleLocked(id, next) {
		return Errorf(CodeCycle, "edit would make step %q an ancestor of itself", id).WithDetail("stepId", id)
	}
	g.pushHistoryLocked()
	g.steps[id] = next
	g.invalidateLocked()
	return nil
}

// RenameStep updates a step's display name. Returns NOT_FOUND for an unknown
// id.
func (g *Graph) RenameStep(id, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return Errorf(CodeNotFound, "no step with id %q", id).WithDetail("stepId", id)
	}
	g.pushHistoryLocked()
	s.DisplayName = name
	g.invalidateLocked()
	return nil
}

// DeleteStep removes the step and every step transitively referencing it,
// returning the removed ids in insertion order. Returns NOT_FOUND for an
// unknown id and WOULD_EMPTY_GRAPH when the cascade would remove every step;
// callers that want an empty graph must call Clear with confirmation.
func (g *Graph) DeleteStep(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.steps[id]; !ok {
		return nil, Errorf(CodeNotFound, "no step with id %q", id).WithDetail("stepId", id)
	}

	// Cascade: fixed point over the step set. A step is doomed when either
	// input is doomed.
	doomed := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for sid, s := range g.steps {
			if doomed[sid] {
				continue
			}
			if (s.PrimaryInput != "" && doomed[s.PrimaryInput]) ||
				(s.SecondaryInput != "" && doomed[s.SecondaryInput]) {
				doomed[sid] = true
				changed = true
			}
		}
	}
	if len(doomed) == len(g.steps) {
		return nil, Errorf(CodeWouldEmptyGraph, "deleting step %q would remove all %d steps", id, len(g.steps)).
			WithDetail("stepId", id)
	}

	g.pushHistoryLocked()
	removed := make([]string, 0, len(doomed))
	kept := make([]string, 0, len(g.order)-len(doomed))
	for _, sid := range g.order {
		if doomed[sid] {
			removed = append(removed, sid)
			delete(g.steps, sid)
		} else {
			kept = append(kept, sid)
		}
	}
	g.order = kept
	if doomed[g.lastStepID] {
		g.lastStepID = ""
		if len(kept) > 0 {
			g.lastStepID = kept[len(kept)-1]
		}
	}
	g.invalidateLocked()
	return removed, nil
}

// Clear removes every step. The confirm flag is an explicit acknowledgement
// that the caller wants to destroy the whole graph; without it the call fails
// with CONFIRMATION_REQUIRED.
func (g *Graph) Clear(confirm bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !confirm {
		return NewError(CodeConfirmationRequired, "clearing the strategy requires confirmation")
	}
	g.pushHistoryLocked()
	g.steps = make(map[string]*Step)
	g.order = nil
	g.lastStepID = ""
	g.invalidateLocked()
	return nil
}

// Undo restores the step set to its state before the most recent mutation.
// Returns false when there is nothing to undo.
func (g *Graph) Undo() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) == 0 {
		return false
	}
	top := g.history[len(g.history)-1]
	g.history = g.history[:len(g.history)-1]
	g.steps = top.steps
	g.order = top.order
	g.lastStepID = top.lastStepID
	g.invalidateLocked()
	return true
}

// RootIDs returns the ids of steps not referenced as an input by any other
// step, in insertion order. A graph ready for compilation has exactly one
// root; multiple roots are a legitimate intermediate editing state.
func (g *Graph) RootIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rootIDsLocked()
}

// EnsureSingleOutput reduces a multi-root graph to a single root by building
// a left fold of combine steps over the roots in insertion order. The
// operator defaults to UNION; displayName is applied to the final combine
// only. Returns the id of the single root, which is the existing root when
// the graph already has exactly one. Fails with NO_ROOTS on an empty graph.
func (g *Graph) EnsureSingleOutput(op Operator, displayName string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if op == "" {
		op = OpUnion
	}
	if !ValidOperator(op) {
		return "", Errorf(CodeInvalidKind, "unknown operator %q", op)
	}
	roots := g.rootIDsLocked()
	if len(roots) == 0 {
		return "", NewError(CodeNoRoots, "graph has no steps to combine")
	}
	if len(roots) == 1 {
		return roots[0], nil
	}
	g.pushHistoryLocked()
	current := roots[0]
	for i := 1; i < len(roots); i++ {
		fold := &Step{
			PrimaryInput:   current,
			SecondaryInput: roots[i],
			Operator:       op,
		}
		if i == len(roots)-1 {
			fold.DisplayName = displayName
		}
		current = g.insertLocked(fold)
	}
	return current, nil
}

// SetFilter attaches or replaces a named filter on a step. Filters are
// upserted by name so re-applying one updates it in place.
func (g *Graph) SetFilter(stepID string, f Filter) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[stepID]
	if !ok {
		return Errorf(CodeNotFound, "no step with id %q", stepID).WithDetail("stepId", stepID)
	}
	g.pushHistoryLocked()
	replaced := false
	for i := range s.Filters {
		if s.Filters[i].Name == f.Name {
			s.Filters[i] = f
			replaced = true
			break
		}
	}
	if !replaced {
		s.Filters = append(s.Filters, f)
	}
	g.invalidateLocked()
	return nil
}

// RemoveFilter detaches a named filter from a step. Returns NOT_FOUND when
// the step or the filter does not exist.
func (g *Graph) RemoveFilter(stepID, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[stepID]
	if !ok {
		return Errorf(CodeNotFound, "no step with id %q", stepID).WithDetail("stepId", stepID)
	}
	for i := range s.Filters {
		if s.Filters[i].Name == name {
			g.pushHistoryLocked()
			s.Filters = append(s.Filters[:i], s.Filters[i+1:]...)
			g.invalidateLocked()
			return nil
		}
	}
	return Errorf(CodeNotFound, "step %q has no filter named %q", stepID, name).
		WithDetail("stepId", stepID).WithDetail("filter", name)
}

// AddAnalysis appends a step analysis record.
func (g *Graph) AddAnalysis(stepID string, a Analysis) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[stepID]
	if !ok {
		return Errorf(CodeNotFound, "no step with id %q", stepID).WithDetail("stepId", stepID)
	}
	g.pushHistoryLocked()
	s.Analyses = append(s.Analyses, a)
	g.invalidateLocked()
	return nil
}

// AddReport appends a step report record.
func (g *Graph) AddReport(stepID string, r Report) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[stepID]
	if !ok {
		return Errorf(CodeNotFound, "no step with id %q", stepID).WithDetail("stepId", stepID)
	}
	g.pushHistoryLocked()
	s.Reports = append(s.Reports, r)
	g.invalidateLocked()
	return nil
}

// BindExternalIDs records the external step ids assigned by a push. This is
// compiler bookkeeping, not an edit: it does not touch the undo stack or the
// pushed-strategy cache. Ids for steps no longer in the graph are ignored.
func (g *Graph) BindExternalIDs(ids map[string]int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, ext := range ids {
		if s, ok := g.steps[id]; ok {
			e := ext
			s.ExternalStepID = &e
		}
	}
}

// Pushed returns a copy of the cached external strategy record, or nil when
// the graph has been mutated since the last push.
func (g *Graph) Pushed() *PushedStrategy {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushed == nil {
		return nil
	}
	p := *g.pushed
	return &p
}

// SetPushed caches the external strategy record after a successful push.
func (g *Graph) SetPushed(p PushedStrategy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushed = &p
}

func (g *Graph) rootIDsLocked() []string {
	referenced := make(map[string]bool, len(g.steps))
	for _, s := range g.steps {
		if s.PrimaryInput != "" {
			referenced[s.PrimaryInput] = true
		}
		if s.SecondaryInput != "" {
			referenced[s.SecondaryInput] = true
		}
	}
	roots := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if !referenced[id] {
			roots = append(roots, id)
		}
	}
	return roots
}

// validateShape checks the input/operator combination against the kind
// structure: combines have both inputs and a valid operator, transforms have
// only a primary, leaves have neither, and only COLOCATE carries colocation
// parameters. Leaves and transforms must name a search.
func validateShape(s *Step) error {
	if s.SecondaryInput != "" && s.PrimaryInput == "" {
		return NewError(CodeInvalidKind, "a secondary input requires a primary input")
	}
	switch s.Kind() {
	case KindCombine:
		if s.Operator == "" {
			return NewError(CodeInvalidKind, "combine steps require an operator")
		}
		if !ValidOperator(s.Operator) {
			return Errorf(CodeInvalidKind, "unknown operator %q", s.Operator)
		}
	default:
		if s.Operator != "" {
			return Errorf(CodeInvalidKind, "operator %q requires both a primary and a secondary input", s.Operator)
		}
		if s.SearchName == "" {
			return Errorf(CodeInvalidKind, "%s steps require a search name", s.Kind())
		}
	}
	if s.Colocation != nil && s.Operator != OpColocate {
		return NewError(CodeInvalidKind, "colocation parameters require the COLOCATE operator")
	}
	return nil
}

func (g *Graph) validateRefsLocked(s *Step) error {
	for _, ref := range []string{s.PrimaryInput, s.SecondaryInput} {
		if ref == "" {
			continue
		}
		if _, ok := g.steps[ref]; !ok {
			return Errorf(CodeInvalidInputRef, "input step %q does not exist", ref).WithDetail("stepId", ref)
		}
	}
	return nil
}

// validateOperandsAreRootsLocked enforces the combine construction rule: each
// operand must be a subtree root of the pre-edit graph, that is, not already
// consumed as an input by another step. Operands may later become internal as
// further combines are built on top.
func (g *Graph) validateOperandsAreRootsLocked(s *Step) error {
	for _, ref := range []string{s.PrimaryInput, s.SecondaryInput} {
		for sid, other := range g.steps {
			if other.PrimaryInput == ref || other.SecondaryInput == ref {
				return Errorf(CodeNotARoot, "step %q is already an input of step %q and cannot be combined directly", ref, sid).
					WithDetail("stepId", ref).WithDetail("referencedBy", sid)
			}
		}
	}
	return nil
}

// wouldCycleLocked reports whether replacing step id with next makes the
// input relation cyclic: a DFS from next's inputs must not reach id again.
// Steps other than id are read from the current graph since the edit leaves
// them unchanged.
func (g *Graph) wouldCycleLocked(id string, next *Step) bool {
	stack := make([]string, 0, 2)
	if next.PrimaryInput != "" {
		stack = append(stack, next.PrimaryInput)
	}
	if next.SecondaryInput != "" {
		stack = append(stack, next.SecondaryInput)
	}
	seen := make(map[string]bool, len(g.steps))
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		s, ok := g.steps[cur]
		if !ok {
			continue
		}
		if s.PrimaryInput != "" {
			stack = append(stack, s.PrimaryInput)
		}
		if s.SecondaryInput != "" {
			stack = append(stack, s.SecondaryInput)
		}
	}
	return false
}

// insertLocked assigns an id, stores the step, and updates bookkeeping. The
// caller has already validated and pushed history.
func (g *Graph) insertLocked(s *Step) string {
	id := g.newStepIDLocked()
	s.ID = id
	g.steps[id] = s
	g.order = append(g.order, id)
	g.lastStepID = id
	g.invalidateLocked()
	return id
}

func (g *Graph) newStepIDLocked() string {
	for {
		id := "step-" + shortID()
		if _, ok := g.steps[id]; !ok {
			return id
		}
	}
}

func (g *Graph) pushHistoryLocked() {
	snap := graphState{
		steps:      make(map[string]*Step, len(g.steps)),
		order:      append([]string(nil), g.order...),
		lastStepID: g.lastStepID,
	}
	for id, s := range g.steps {
		snap.steps[id] = s.Clone()
	}
	g.history = append(g.history, snap)
	if len(g.history) > historyLimit {
		g.history = g.history[len(g.history)-historyLimit:]
	}
}

func (g *Graph) invalidateLocked() {
	g.pushed = nil
}

func applyPatch(s *Step, patch StepPatch) {
	if patch.SearchName != nil {
		s.SearchName = *patch.SearchName
	}
	if patch.Parameters != nil {
		params := make(map[string]string, len(patch.Parameters))
		for k, v := range patch.Parameters {
			params[k] = v
		}
		s.Parameters = params
	}
	if patch.Operator != nil {
		s.Operator = *patch.Operator
	}
	if patch.DisplayName != nil {
		s.DisplayName = *patch.DisplayName
	}
	if patch.PrimaryInput != nil {
		s.PrimaryInput = *patch.PrimaryInput
	}
	if patch.SecondaryInput != nil {
		s.SecondaryInput = *patch.SecondaryInput
	}
	if patch.Colocation != nil {
		c := *patch.Colocation
		s.Colocation = &c
	}
}
