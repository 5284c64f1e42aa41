package delegate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stratagem/runtime/strategy"
)

// CodePlanInvalid rejects plans before any work starts.
const CodePlanInvalid strategy.Code = "DELEGATION_PLAN_INVALID"

// CodeMissingCombineInputs marks a combine whose inputs never produced a
// resolvable step.
const CodeMissingCombineInputs strategy.Code = "MISSING_COMBINE_INPUTS"

// Node kinds.
const (
	KindTask    = "task"
	KindCombine = "combine"
)

type (
	// Plan is the planner's delegation request: a flat list of nodes wired
	// by id.
	Plan struct {
		Nodes []Node `json:"nodes"`
	}

	// Node is one unit of delegated work. Task nodes prompt a sub-agent;
	// combine nodes fold their inputs' result subtrees into combine steps.
	Node struct {
		ID        string   `json:"id"`
		Kind      string   `json:"kind"`
		DependsOn []string `json:"depends_on,omitempty"`

		// Task node fields.
		Task    string          `json:"task,omitempty"`
		Hint    string          `json:"hint,omitempty"`
		Context json.RawMessage `json:"context,omitempty"`

		// Combine node fields.
		Inputs      []string `json:"inputs,omitempty"`
		Operator    string   `json:"operator,omitempty"`
		DisplayName string   `json:"display_name,omitempty"`
		Upstream    int      `json:"upstream,omitempty"`
		Downstream  int      `json:"downstream,omitempty"`
	}
)

// dependencies returns the node's scheduling dependencies: the declared
// depends_on plus, for combines, the inputs. A combine cannot fold until
// every input has a result, whether or not the planner listed it.
func (n *Node) dependencies() []string {
	if n.Kind != KindCombine {
		return n.DependsOn
	}
	seen := make(map[string]bool, len(n.DependsOn)+len(n.Inputs))
	deps := make([]string, 0, len(n.DependsOn)+len(n.Inputs))
	for _, id := range n.DependsOn {
		if !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	for _, id := range n.Inputs {
		if !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	return deps
}

// Validate checks the plan's static shape: unique ids, known kinds, resolvable
// references, at least two combine inputs, valid operators, and an acyclic
// dependency relation. All violations are collected into one
// DELEGATION_PLAN_INVALID error so the planner can fix the plan in one pass.
func Validate(plan Plan) error {
	var violations []string

	if len(plan.Nodes) == 0 {
		violations = append(violations, "plan has no nodes")
	}

	byID := make(map[string]*Node, len(plan.Nodes))
	for i := range plan.Nodes {
		n := &plan.Nodes[i]
		if n.ID == "" {
			violations = append(violations, fmt.Sprintf("node %d has no id", i))
			continue
		}
		if _, dup := byID[n.ID]; dup {
			violations = append(violations, fmt.Sprintf("node id %q is declared twice", n.ID))
			continue
		}
		byID[n.ID] = n
	}

	for i := range plan.Nodes {
		n := &plan.Nodes[i]
		if n.ID == "" {
			continue
		}
		switch n.Kind {
		case KindTask:
			if strings.TrimSpace(n.Task) == "" {
				violations = append(violations, fmt.Sprintf("task node %q has no task text", n.ID))
			}
		case KindCombine:
			if len(n.Inputs) < 2 {
				violations = append(violations, fmt.Sprintf("combine node %q needs at least two inputs", n.ID))
			}
			for _, in := range n.Inputs {
				if _, ok := byID[in]; !ok {
					violations = append(violations, fmt.Sprintf("combine node %q input %q is not declared", n.ID, in))
				}
			}
			op := strategy.Operator(strings.ToUpper(n.Operator))
			if !strategy.ValidOperator(op) {
				violations = append(violations, fmt.Sprintf("combine node %q operator %q is not supported", n.ID, n.Operator))
			}
		default:
			violations = append(violations, fmt.Sprintf("node %q has unknown kind %q", n.ID, n.Kind))
		}
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				violations = append(violations, fmt.Sprintf("node %q depends on undeclared node %q", n.ID, dep))
			}
		}
	}

	// Cycle check only makes sense once references resolve.
	if len(violations) == 0 {
		if cyclic := findCycle(plan.Nodes, byID); len(cyclic) > 0 {
			violations = append(violations,
				fmt.Sprintf("dependency cycle through nodes %s", strings.Join(cyclic, ", ")))
		}
	}

	if len(violations) > 0 {
		return strategy.Errorf(CodePlanInvalid, "delegation plan is invalid: %s", violations[0]).
			WithDetail("violations", violations)
	}
	return nil
}

// findCycle runs Kahn's algorithm over the merged dependency relation and
// returns the node ids left unsorted, sorted lexically for stable messages.
func findCycle(nodes []Node, byID map[string]*Node) []string {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		deps := n.dependencies()
		indegree[n.ID] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	queue := make([]string, 0, len(nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sorted := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if sorted == len(nodes) {
		return nil
	}
	var cyclic []string
	for id, d := range indegree {
		if d > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
