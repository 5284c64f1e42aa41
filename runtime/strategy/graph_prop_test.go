package strategy_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"stratagem/runtime/strategy"
)

// buildGraph applies a deterministic mutation sequence derived from ops and
// returns the resulting graph. Rejected operations are ignored: the point of
// the properties below is that the invariants hold for every reachable state
// no matter how callers drive the API.
func buildGraph(ops []int) *strategy.Graph {
	g := strategy.NewGraph("prop", "prop")
	for i, op := range ops {
		ids := g.StepIDs()
		switch op % 6 {
		case 0, 1:
			_, _ = g.AddStep(strategy.Step{
				SearchName: fmt.Sprintf("Search%d", i),
				Parameters: map[string]string{"n": fmt.Sprint(op)},
			})
		case 2:
			if len(ids) > 0 {
				_, _ = g.AddStep(strategy.Step{
					SearchName:   "Transform",
					PrimaryInput: ids[op%len(ids)],
				})
			}
		case 3:
			roots := g.RootIDs()
			if len(roots) >= 2 {
				_, _ = g.AddStep(strategy.Step{
					PrimaryInput:   roots[0],
					SecondaryInput: roots[1],
					Operator:       strategy.OpIntersect,
				})
			}
		case 4:
			if len(ids) > 0 {
				_, _ = g.DeleteStep(ids[op%len(ids)])
			}
		case 5:
			if len(ids) > 0 {
				_ = g.RenameStep(ids[op%len(ids)], fmt.Sprintf("name%d", op))
			}
		}
	}
	return g
}

func opsGen() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 1000))
}

// marshalSnapshot renders the graph snapshot deterministically: map keys are
// sorted by encoding/json, so equal graphs produce equal bytes.
func marshalSnapshot(g *strategy.Graph) []byte {
	b, _ := json.Marshal(g.Snapshot())
	return b
}

func TestGraphStructuralProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every input reference resolves in the same graph", prop.ForAll(
		func(ops []int) bool {
			g := buildGraph(ops)
			for _, s := range g.Steps() {
				if s.PrimaryInput != "" && g.GetStep(s.PrimaryInput) == nil {
					return false
				}
				if s.SecondaryInput != "" && g.GetStep(s.SecondaryInput) == nil {
					return false
				}
			}
			return true
		},
		opsGen(),
	))

	properties.Property("kind structure matches inputs and operator", prop.ForAll(
		func(ops []int) bool {
			g := buildGraph(ops)
			for _, s := range g.Steps() {
				switch s.Kind() {
				case strategy.KindCombine:
					if s.PrimaryInput == "" || s.SecondaryInput == "" || s.Operator == "" {
						return false
					}
				case strategy.KindTransform:
					if s.PrimaryInput == "" || s.SecondaryInput != "" || s.Operator != "" {
						return false
					}
				case strategy.KindLeaf:
					if s.PrimaryInput != "" || s.SecondaryInput != "" || s.Operator != "" {
						return false
					}
				}
			}
			return true
		},
		opsGen(),
	))

	properties.Property("the input relation is acyclic", prop.ForAll(
		func(ops []int) bool {
			g := buildGraph(ops)
			steps := make(map[string]*strategy.Step)
			for _, s := range g.Steps() {
				steps[s.ID] = s
			}
			for start := range steps {
				// Walk input edges from start; revisiting start is a cycle.
				stack := []string{start}
				seen := map[string]bool{}
				first := true
				for len(stack) > 0 {
					cur := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					if cur == start && !first {
						return false
					}
					first = false
					if seen[cur] {
						continue
					}
					seen[cur] = true
					s := steps[cur]
					if s == nil {
						continue
					}
					if s.PrimaryInput != "" {
						stack = append(stack, s.PrimaryInput)
					}
					if s.SecondaryInput != "" {
						stack = append(stack, s.SecondaryInput)
					}
				}
			}
			return true
		},
		opsGen(),
	))

	properties.TestingRun(t)
}

func TestGraphUndoProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a successful mutation followed by undo restores the snapshot byte for byte", prop.ForAll(
		func(ops []int, pick int) bool {
			g := buildGraph(ops)
			before := marshalSnapshot(g)

			var err error
			ids := g.StepIDs()
			switch pick % 4 {
			case 0:
				_, err = g.AddStep(strategy.Step{SearchName: "Extra"})
			case 1:
				if len(ids) == 0 {
					return true
				}
				err = g.RenameStep(ids[pick%len(ids)], "mutated")
			case 2:
				if len(ids) == 0 {
					return true
				}
				_, err = g.DeleteStep(ids[pick%len(ids)])
			case 3:
				err = g.Clear(true)
			}
			if err != nil {
				// Failed operations must leave the graph untouched without undo.
				return string(marshalSnapshot(g)) == string(before)
			}
			if !g.Undo() {
				return false
			}
			return string(marshalSnapshot(g)) == string(before)
		},
		opsGen(),
		gen.IntRange(0, 1000),
	))

	properties.Property("rejected operations leave the graph byte-identical", prop.ForAll(
		func(ops []int) bool {
			g := buildGraph(ops)
			before := marshalSnapshot(g)

			_, _ = g.AddStep(strategy.Step{SearchName: "T", PrimaryInput: "no-such-step"})
			_, _ = g.AddStep(strategy.Step{Parameters: map[string]string{"p": "1"}})
			_ = g.Clear(false)
			_, _ = g.DeleteStep("no-such-step")
			_ = g.RenameStep("no-such-step", "x")

			return string(marshalSnapshot(g)) == string(before)
		},
		opsGen(),
	))

	properties.TestingRun(t)
}

func TestGraphDeleteAndRootProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delete cascade leaves no reference to removed steps", prop.ForAll(
		func(ops []int, pick int) bool {
			g := buildGraph(ops)
			ids := g.StepIDs()
			if len(ids) == 0 {
				return true
			}
			victim := ids[pick%len(ids)]
			removed, err := g.DeleteStep(victim)
			if err != nil {
				return true
			}
			gone := make(map[string]bool, len(removed))
			for _, id := range removed {
				gone[id] = true
			}
			if !gone[victim] {
				return false
			}
			for _, s := range g.Steps() {
				if gone[s.ID] || gone[s.PrimaryInput] || gone[s.SecondaryInput] {
					return false
				}
			}
			return true
		},
		opsGen(),
		gen.IntRange(0, 1000),
	))

	properties.Property("ensureSingleOutput yields exactly one root or fails", prop.ForAll(
		func(ops []int) bool {
			g := buildGraph(ops)
			root, err := g.EnsureSingleOutput(strategy.OpUnion, "combined")
			if err != nil {
				return strategy.CodeOf(err) == strategy.CodeNoRoots && g.Len() == 0
			}
			roots := g.RootIDs()
			return len(roots) == 1 && roots[0] == root
		},
		opsGen(),
	))

	properties.TestingRun(t)
}
