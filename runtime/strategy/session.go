package strategy

import "sync"

// Session owns the strategy graphs of one conversation and hands them to
// tool handlers. Single-graph sessions are the norm: the first graph created
// (explicitly or lazily) becomes the active graph, and tools that omit a
// graph id operate on it.
//
// Ownership is strictly hierarchical: the session owns its graphs, graphs
// own their steps, and nothing holds back-references.
type Session struct {
	mu       sync.Mutex
	siteID   string
	graphs   map[string]*Graph
	order    []string
	activeID string
}

// NewSession constructs an empty session bound to an external platform site.
func NewSession(siteID string) *Session {
	return &Session{
		siteID: siteID,
		graphs: make(map[string]*Graph),
	}
}

// SiteID identifies which external platform instance the session talks to.
func (s *Session) SiteID() string { return s.siteID }

// CreateGraph adds a graph to the session and returns it. When id is empty a
// fresh one is generated. Creating an id that already exists returns the
// existing graph unchanged, ignoring name. The first graph becomes active.
func (s *Session) CreateGraph(name, id string) *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if g, ok := s.graphs[id]; ok {
			return g
		}
	}
	g := NewGraph(id, name)
	s.graphs[g.ID()] = g
	s.order = append(s.order, g.ID())
	if s.activeID == "" {
		s.activeID = g.ID()
	}
	return g
}

// Graph returns the graph with the given id. An empty id selects the active
// graph, creating an unnamed one lazily when the session has none. Returns
// GRAPH_NOT_FOUND for an unknown id.
func (s *Session) Graph(id string) (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		if s.activeID == "" {
			g := NewGraph("", "")
			s.graphs[g.ID()] = g
			s.order = append(s.order, g.ID())
			s.activeID = g.ID()
			return g, nil
		}
		return s.graphs[s.activeID], nil
	}
	g, ok := s.graphs[id]
	if !ok {
		return nil, Errorf(CodeGraphNotFound, "no graph with id %q", id).WithDetail("graphId", id)
	}
	return g, nil
}

// ActiveGraphID returns the id of the active graph, or empty when the
// session has none.
func (s *Session) ActiveGraphID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// ListGraphs returns the session's graphs in creation order.
func (s *Session) ListGraphs() []*Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Graph, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.graphs[id])
	}
	return out
}

// DeleteGraph removes a graph from the session. When the active graph is
// deleted the earliest remaining graph becomes active. Returns
// GRAPH_NOT_FOUND for an unknown id.
func (s *Session) DeleteGraph(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; !ok {
		return Errorf(CodeGraphNotFound, "no graph with id %q", id).WithDetail("graphId", id)
	}
	delete(s.graphs, id)
	for i, gid := range s.order {
		if gid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
		if len(s.order) > 0 {
			s.activeID = s.order[0]
		}
	}
	return nil
}
