// Package strategy implements the in-memory strategy graph: a DAG of step
// nodes (leaf searches, unary transforms, binary combines) with structural
// invariants, bounded undo history, and snapshot serialization. It also
// provides the per-conversation Session that owns graphs and hands them to
// tool handlers.
//
// Graphs are mutated synchronously under an internal mutex; operations return
// structured *Error values and never leave a graph partially mutated.
package strategy

type (
	// Kind classifies a step by its input structure. It is derived from the
	// step's inputs, never stored.
	Kind string

	// Operator names a binary operation over record sets. The first four are
	// boolean set operations; COLOCATE is a spatial operator that additionally
	// carries a ColocationConfig.
	Operator string

	// ColocationConfig holds the genomic window for a COLOCATE combine:
	// base-pair offsets upstream and downstream of the reference feature and
	// the strand selection.
	ColocationConfig struct {
		// Upstream is the window extension in base pairs before the feature.
		Upstream int `json:"upstream"`
		// Downstream is the window extension in base pairs after the feature.
		Downstream int `json:"downstream"`
		// Strand selects which strand matches count ("both", "same", "opposite").
		Strand string `json:"strand,omitempty"`
	}

	// Filter is a named column filter attached to a step. Value is the
	// platform-defined filter payload; Disabled filters are retained but not
	// applied on push.
	Filter struct {
		Name     string `json:"name"`
		Value    any    `json:"value,omitempty"`
		Disabled bool   `json:"disabled,omitempty"`
	}

	// Analysis is a named step analysis with its parameter map.
	Analysis struct {
		Name       string            `json:"name"`
		Parameters map[string]string `json:"parameters,omitempty"`
	}

	// Report is a named step report with its configuration payload.
	Report struct {
		Name   string         `json:"name"`
		Config map[string]any `json:"config,omitempty"`
	}

	// Step is a vertex of a strategy graph. Steps reference each other by id
	// only; there are no in-process pointer cycles. A step's identity is
	// assigned by Graph.AddStep and never changes.
	//
	// The input structure determines the kind: no inputs is a leaf search,
	// primary-only is a transform of that input, and both inputs plus an
	// operator is a combine. SearchName is meaningful for leaves and
	// transforms; combines are structural and resolve their platform search
	// (a boolean meta-search) at compile time.
	Step struct {
		// ID is the opaque stable identifier of the step within its graph.
		ID string `json:"id"`
		// SearchName names the external platform search (leaf/transform only).
		SearchName string `json:"searchName,omitempty"`
		// Parameters maps parameter names to their string values. Values are
		// always strings on storage and on the wire; richer types are encoded
		// by the compiler before transport.
		Parameters map[string]string `json:"parameters,omitempty"`
		// PrimaryInput references the step feeding the primary slot.
		PrimaryInput string `json:"primaryInput,omitempty"`
		// SecondaryInput references the step feeding the secondary slot.
		SecondaryInput string `json:"secondaryInput,omitempty"`
		// Operator is set on combine steps only.
		Operator Operator `json:"operator,omitempty"`
		// Colocation is set on COLOCATE combines only.
		Colocation *ColocationConfig `json:"colocationParams,omitempty"`
		// DisplayName is the human-readable label.
		DisplayName string `json:"displayName,omitempty"`
		// Filters, Analyses, and Reports are ordered attachments applied to
		// the external step on push.
		Filters  []Filter   `json:"filters,omitempty"`
		Analyses []Analysis `json:"analyses,omitempty"`
		Reports  []Report   `json:"reports,omitempty"`
		// ExternalStepID is assigned by the compiler on push, nil before.
		ExternalStepID *int `json:"externalStepId,omitempty"`
	}
)

const (
	// KindLeaf is a step with no inputs: a parameterized search.
	KindLeaf Kind = "leaf"
	// KindTransform is a step with a primary input only.
	KindTransform Kind = "transform"
	// KindCombine is a step with both inputs and an operator.
	KindCombine Kind = "combine"

	// OpIntersect keeps records present in both operands.
	OpIntersect Operator = "INTERSECT"
	// OpUnion keeps records present in either operand.
	OpUnion Operator = "UNION"
	// OpMinus keeps records of the primary operand absent from the secondary.
	OpMinus Operator = "MINUS"
	// OpRMinus keeps records of the secondary operand absent from the primary.
	OpRMinus Operator = "RMINUS"
	// OpColocate keeps primary records physically near secondary records,
	// within the window described by ColocationConfig.
	OpColocate Operator = "COLOCATE"
)

// ValidOperator reports whether op is one of the supported combine operators.
func ValidOperator(op Operator) bool {
	switch op {
	case OpIntersect, OpUnion, OpMinus, OpRMinus, OpColocate:
		return true
	}
	return false
}

// Kind derives the step kind from its input structure.
func (s *Step) Kind() Kind {
	switch {
	case s.PrimaryInput != "" && s.SecondaryInput != "":
		return KindCombine
	case s.PrimaryInput != "":
		return KindTransform
	default:
		return KindLeaf
	}
}

// Clone returns a deep copy of the step. Attachment slices, the parameter
// map, and the colocation config are copied so callers can never mutate
// graph-owned state through a returned step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	dup := *s
	if s.Parameters != nil {
		dup.Parameters = make(map[string]string, len(s.Parameters))
		for k, v := range s.Parameters {
			dup.Parameters[k] = v
		}
	}
	if s.Colocation != nil {
		c := *s.Colocation
		dup.Colocation = &c
	}
	if s.Filters != nil {
		dup.Filters = append([]Filter(nil), s.Filters...)
	}
	if s.Analyses != nil {
		dup.Analyses = make([]Analysis, len(s.Analyses))
		for i, a := range s.Analyses {
			dup.Analyses[i] = a
			if a.Parameters != nil {
				dup.Analyses[i].Parameters = make(map[string]string, len(a.Parameters))
				for k, v := range a.Parameters {
					dup.Analyses[i].Parameters[k] = v
				}
			}
		}
	}
	if s.Reports != nil {
		dup.Reports = make([]Report, len(s.Reports))
		for i, r := range s.Reports {
			dup.Reports[i] = r
			if r.Config != nil {
				dup.Reports[i].Config = make(map[string]any, len(r.Config))
				for k, v := range r.Config {
					dup.Reports[i].Config[k] = v
				}
			}
		}
	}
	if s.ExternalStepID != nil {
		ext := *s.ExternalStepID
		dup.ExternalStepID = &ext
	}
	return &dup
}
