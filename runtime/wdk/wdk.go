// Package wdk provides a typed, retrying client for the external biomedical
// query platform: a WDK-style REST service exposing record types,
// parameterized searches, steps, and strategies.
//
// Every method takes a context and honors its deadline; transient failures
// (connect errors, read timeouts, protocol errors, and retryable HTTP
// statuses) are retried with exponential backoff before surfacing. Terminal
// platform failures surface as *Error carrying the HTTP status and the
// platform's message.
package wdk

import (
	"context"
	"encoding/json"
	"strings"
)

// InternalPrefix marks strategies the core creates transiently, for example
// to evaluate step counts. The platform offers no metadata slot for this, so
// the reserved name prefix is the only portable marker cleanup routines can
// rely on.
const InternalPrefix = "__internal__:"

// InternalName derives the reserved name for a transient strategy.
func InternalName(name string) string {
	if IsInternal(name) {
		return name
	}
	return InternalPrefix + name
}

// IsInternal reports whether a strategy name carries the reserved prefix.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}

// IsBooleanSearchName reports whether a search is the record type's boolean
// meta-search. These searches are structural plumbing for combine steps and
// are hidden from catalog listings.
func IsBooleanSearchName(name string) bool {
	return strings.HasPrefix(name, booleanSearchPrefix)
}

// Client is the contract the orchestration core consumes. Implementations
// must be safe for concurrent use; the delegation scheduler fans calls in
// from multiple workers.
type Client interface {
	// ListRecordTypes returns the platform's record types. When expanded is
	// true each record type includes its searches.
	ListRecordTypes(ctx context.Context, expanded bool) ([]RecordType, error)
	// ListSearches returns the searches available for a record type.
	ListSearches(ctx context.Context, recordType string) ([]Search, error)
	// GetSearchDetails returns one search, optionally with expanded
	// parameter specs (vocabularies, required flags).
	GetSearchDetails(ctx context.Context, recordType, search string, expandParams bool) (*Search, error)

	// CreateStep creates a leaf step from a search and its parameters.
	CreateStep(ctx context.Context, req CreateStepRequest) (*CreatedStep, error)
	// CreateTransformStep creates a step whose search consumes another step.
	// The input step id is injected as the value of the search's input-step
	// parameter, resolved from the search details when not supplied.
	CreateTransformStep(ctx context.Context, req CreateTransformStepRequest) (*CreatedStep, error)
	// CreateCombinedStep creates a boolean combine step. The platform's
	// boolean meta-search is discovered per record type and cached; operand
	// parameters are sent empty since real inputs are wired through the step
	// tree at strategy creation time.
	CreateCombinedStep(ctx context.Context, req CreateCombinedStepRequest) (*CreatedStep, error)

	// CreateStrategy registers a step tree as a strategy and returns its id.
	CreateStrategy(ctx context.Context, req CreateStrategyRequest) (*CreatedStrategy, error)
	// UpdateStepTree replaces the strategy's step tree.
	UpdateStepTree(ctx context.Context, strategyID int, tree *StepTree) error
	// UpdateStrategy patches strategy metadata. Nil fields are left unchanged.
	UpdateStrategy(ctx context.Context, strategyID int, patch StrategyPatch) error
	// DeleteStrategy removes a strategy.
	DeleteStrategy(ctx context.Context, strategyID int) error
	// GetStrategy returns a strategy with its full step details. Responses
	// can be large; this call runs under an extended timeout.
	GetStrategy(ctx context.Context, strategyID int) (*Strategy, error)
	// ListStrategies returns the user's strategy summaries.
	ListStrategies(ctx context.Context) ([]StrategySummary, error)

	// SetStepFilter attaches or replaces a named filter on an external step.
	SetStepFilter(ctx context.Context, stepID int, filter StepFilter) error
	// DeleteStepFilter removes a named filter from an external step.
	DeleteStepFilter(ctx context.Context, stepID int, name string) error
	// RunStepAnalysis runs a named analysis against a step and returns the
	// platform's response verbatim.
	RunStepAnalysis(ctx context.Context, stepID int, name string, params map[string]string) (json.RawMessage, error)
	// RunStepReport runs a named report against a step and returns the
	// platform's response verbatim.
	RunStepReport(ctx context.Context, stepID int, name string, config map[string]any) (json.RawMessage, error)
	// GetStepCount returns the step's result cardinality using the standard
	// report with an empty page.
	GetStepCount(ctx context.Context, stepID int) (int, error)
	// GetStepAnswer runs the standard report with the supplied configuration.
	GetStepAnswer(ctx context.Context, stepID int, reportConfig map[string]any) (json.RawMessage, error)

	// CreateDataset uploads an id list and returns the dataset id.
	CreateDataset(ctx context.Context, ids []string) (int, error)
}
