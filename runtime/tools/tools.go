// Package tools implements the tool registry the agent runtime dispatches
// through: named tools with JSON Schema validated payloads, structured
// failure codes, and per-graph serialization of mutating calls.
//
// The registry is transport-free. Event emission for tool calls happens in
// the agent loop that drives it, where the event naming (top-level agent or
// sub-task) is known.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Handler executes one tool call. Args have already been validated
	// against the spec's schema. The returned value is serialized to JSON
	// for the model; handlers return domain errors (strategy.Error,
	// wdk.Error) and the registry normalizes them.
	Handler func(ctx context.Context, args json.RawMessage) (any, error)

	// Spec declares one tool: its wire name, the description the model
	// plans with, the JSON Schema of its arguments, and the handler.
	Spec struct {
		Name        string
		Description string
		// Schema is the JSON Schema for the tool's arguments. Empty means
		// any payload is accepted.
		Schema json.RawMessage
		// Handler executes the call.
		Handler Handler
		// Mutating marks tools that modify a strategy graph. Their
		// dispatch is serialized per graph via LockKey.
		Mutating bool
		// LockKey extracts the graph lock key from the raw arguments.
		// Required when Mutating is set.
		LockKey func(args json.RawMessage) string
	}

	// Registry holds compiled tool specs and dispatches calls.
	Registry struct {
		mu    sync.RWMutex
		order []string
		specs map[string]*registered
		locks *graphLocks
	}

	registered struct {
		spec   Spec
		schema *jsonschema.Schema
	}

	// graphLocks hands out one mutex per graph id so concurrent sub-tasks
	// mutating different graphs do not serialize against each other.
	graphLocks struct {
		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]*registered),
		locks: &graphLocks{locks: make(map[string]*sync.Mutex)},
	}
}

// Register compiles the spec's schema and adds it to the registry. Duplicate
// names and invalid schemas are rejected.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: spec has no name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", spec.Name)
	}
	var schema *jsonschema.Schema
	if len(spec.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(spec.Schema, &doc); err != nil {
			return fmt.Errorf("tools: %s schema: %w", spec.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tools: %s schema: %w", spec.Name, err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tools: %s schema: %w", spec.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tools: %s already registered", spec.Name)
	}
	r.specs[spec.Name] = &registered{spec: spec, schema: schema}
	r.order = append(r.order, spec.Name)
	return nil
}

// MustRegister registers the spec and panics on error. Tool wiring is static
// configuration; a bad spec is a programming error.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs returns the registered specs in registration order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name].spec)
	}
	return out
}

// Spec returns the spec registered under name.
func (r *Registry) Spec(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.specs[name]
	if !ok {
		return Spec{}, false
	}
	return reg.spec, true
}

// Subset returns a registry exposing only the named tools. The view shares
// the parent's compiled specs and its per-graph locks, so a mutation
// dispatched through a subset still serializes against the parent. Unknown
// names are skipped.
func (r *Registry) Subset(names ...string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := &Registry{
		specs: make(map[string]*registered, len(names)),
		locks: r.locks,
	}
	for _, name := range names {
		reg, ok := r.specs[name]
		if !ok {
			continue
		}
		sub.specs[name] = reg
		sub.order = append(sub.order, name)
	}
	return sub
}

// Invoke validates args against the tool's schema and runs its handler,
// serializing mutating calls per graph. The result is the handler's value
// marshaled to JSON; failures are *Error values.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	reg, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeUnknownTool, "no tool named %q", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if reg.schema != nil {
		var payload any
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, Errorf(CodeInvalidArguments, "arguments are not valid JSON: %v", err)
		}
		if err := reg.schema.Validate(payload); err != nil {
			return nil, &Error{Code: CodeInvalidArguments, Message: err.Error(), cause: err}
		}
	}

	if reg.spec.Mutating && reg.spec.LockKey != nil {
		mu := r.locks.forKey(reg.spec.LockKey(args))
		mu.Lock()
		defer mu.Unlock()
	}

	out, err := reg.spec.Handler(ctx, args)
	if err != nil {
		return nil, FromError(err)
	}
	if out == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, Errorf(CodeToolFailed, "serialize result: %v", err)
	}
	return raw, nil
}

func (l *graphLocks) forKey(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[key] = mu
	}
	return mu
}

// SortedNames returns tool names in lexical order, for stable logs.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
