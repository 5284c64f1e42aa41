package strategy

type (
	// EdgeKind distinguishes which input slot of the target step an edge
	// feeds.
	EdgeKind string

	// Edge is one input relation of a snapshot: records flow from SourceID
	// into the Kind slot of TargetID.
	Edge struct {
		SourceID string   `json:"sourceId"`
		TargetID string   `json:"targetId"`
		Kind     EdgeKind `json:"kind"`
	}

	// Snapshot is the serializable form of a graph, consumed by graph
	// snapshot events and by the step compiler. Steps appear in insertion
	// order; edges are ordered by target step, primary before secondary.
	// RootStepID is set only when the graph has exactly one root.
	Snapshot struct {
		ID         string `json:"id"`
		Name       string `json:"name,omitempty"`
		RecordType string `json:"recordType,omitempty"`
		RootStepID string `json:"rootStepId,omitempty"`
		Steps      []Step `json:"steps"`
		Edges      []Edge `json:"edges"`
	}
)

const (
	// EdgePrimary feeds the target's primary input.
	EdgePrimary EdgeKind = "primary"
	// EdgeSecondary feeds the target's secondary input.
	EdgeSecondary EdgeKind = "secondary"
)

// Snapshot captures the graph's current serializable state. The returned
// value shares nothing with the graph; callers may hold it across later
// mutations.
func (g *Graph) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := Snapshot{
		ID:         g.id,
		Name:       g.name,
		RecordType: g.recordType,
		Steps:      make([]Step, 0, len(g.order)),
		Edges:      make([]Edge, 0, len(g.order)),
	}
	if roots := g.rootIDsLocked(); len(roots) == 1 {
		snap.RootStepID = roots[0]
	}
	for _, id := range g.order {
		s := g.steps[id]
		snap.Steps = append(snap.Steps, *s.Clone())
		if s.PrimaryInput != "" {
			snap.Edges = append(snap.Edges, Edge{SourceID: s.PrimaryInput, TargetID: id, Kind: EdgePrimary})
		}
		if s.SecondaryInput != "" {
			snap.Edges = append(snap.Edges, Edge{SourceID: s.SecondaryInput, TargetID: id, Kind: EdgeSecondary})
		}
	}
	return snap
}

// Step returns the snapshot step with the given id, or nil.
func (s *Snapshot) Step(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}
