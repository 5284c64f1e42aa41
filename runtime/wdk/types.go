package wdk

import "encoding/json"

type (
	// RecordType describes one record class served by the platform, for
	// example gene or transcript.
	RecordType struct {
		// URLSegment is the identifier used in request paths.
		URLSegment string `json:"urlSegment"`
		// Name is the platform's internal name when it differs from the
		// segment.
		Name        string `json:"name,omitempty"`
		DisplayName string `json:"displayName,omitempty"`
		Description string `json:"description,omitempty"`
		// Searches is populated on expanded listings only.
		Searches []Search `json:"searches,omitempty"`
	}

	// Search describes a parameterized query returning a record set.
	Search struct {
		URLSegment  string `json:"urlSegment"`
		DisplayName string `json:"displayName,omitempty"`
		Description string `json:"description,omitempty"`
		// ParamNames lists parameter names in declaration order.
		ParamNames []string `json:"paramNames,omitempty"`
		// Parameters carries full specs on expanded views only.
		Parameters []Parameter `json:"parameters,omitempty"`
		// Filters lists the column filters the search supports.
		Filters []SearchFilter `json:"filters,omitempty"`
	}

	// Parameter is one search parameter spec. Vocabulary trees are passed
	// through opaquely; vocabulary-aware validation belongs to the catalog
	// subsystem, not this client.
	Parameter struct {
		Name         string `json:"name"`
		Type         string `json:"type,omitempty"`
		DisplayName  string `json:"displayName,omitempty"`
		Help         string `json:"help,omitempty"`
		IsRequired   bool   `json:"isRequired,omitempty"`
		DefaultValue any    `json:"initialDisplayValue,omitempty"`
		// Vocabulary is the raw vocabulary tree for enumerated parameters.
		Vocabulary json.RawMessage `json:"vocabulary,omitempty"`
	}

	// SearchFilter names a column filter a search supports.
	SearchFilter struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName,omitempty"`
		Description string `json:"description,omitempty"`
	}

	// CreateStepRequest creates a leaf step.
	CreateStepRequest struct {
		// SearchName names the platform search to run.
		SearchName string
		// Parameters maps parameter names to string values. Values must
		// already be in the platform's string encoding.
		Parameters map[string]string
		// CustomName optionally labels the step.
		CustomName string
	}

	// CreateTransformStepRequest creates a step whose search consumes the
	// result of another step.
	CreateTransformStepRequest struct {
		// RecordType scopes the search details lookup when InputParamName is
		// empty.
		RecordType string
		// SearchName names the transform search.
		SearchName string
		// Parameters are the transform's own parameters.
		Parameters map[string]string
		// InputStepID is the external id of the step being transformed.
		InputStepID int
		// InputParamName names the parameter that receives the input step id.
		// When empty the client resolves it from the search details (the
		// parameter of type "input-step").
		InputParamName string
		CustomName     string
	}

	// CreateCombinedStepRequest creates a binary combine step via the record
	// type's boolean meta-search. Operand parameters are sent empty; the real
	// inputs are wired through the step tree at strategy creation time. The
	// operand ids are carried for logging and name derivation only.
	CreateCombinedStepRequest struct {
		RecordType      string
		Operator        string
		PrimaryStepID   int
		SecondaryStepID int
		// Parameters holds extra meta-search parameters beyond the operand
		// and operator slots, for example a colocation window.
		Parameters map[string]string
		CustomName string
	}

	// CreatedStep is the platform's response to a step creation.
	CreatedStep struct {
		ID int `json:"id"`
	}

	// StepTree is the nested composition the platform executes: each node
	// names an external step id and its input subtrees.
	StepTree struct {
		StepID         int       `json:"stepId"`
		PrimaryInput   *StepTree `json:"primaryInput,omitempty"`
		SecondaryInput *StepTree `json:"secondaryInput,omitempty"`
	}

	// CreateStrategyRequest registers a step tree as a strategy.
	CreateStrategyRequest struct {
		Name        string
		Description string
		IsPublic    bool
		IsSaved     bool
		StepTree    *StepTree
	}

	// CreatedStrategy is the platform's response to a strategy creation.
	CreatedStrategy struct {
		ID int `json:"id"`
	}

	// StrategyPatch updates strategy metadata. Nil fields are not sent.
	StrategyPatch struct {
		Name        *string `json:"name,omitempty"`
		Description *string `json:"description,omitempty"`
		IsPublic    *bool   `json:"isPublic,omitempty"`
		IsSaved     *bool   `json:"isSaved,omitempty"`
	}

	// StrategySummary is one row of a strategy listing.
	StrategySummary struct {
		StrategyID      int    `json:"strategyId"`
		Name            string `json:"name"`
		Description     string `json:"description,omitempty"`
		RecordClassName string `json:"recordClassName,omitempty"`
		IsPublic        bool   `json:"isPublic,omitempty"`
		IsSaved         bool   `json:"isSaved,omitempty"`
		EstimatedSize   *int   `json:"estimatedSize,omitempty"`
	}

	// Strategy is the detailed view of one strategy. Step details are passed
	// through raw; the core reads only ids and counts from them.
	Strategy struct {
		StrategySummary
		RootStepID int                        `json:"rootStepId,omitempty"`
		StepTree   json.RawMessage            `json:"stepTree,omitempty"`
		Steps      map[string]json.RawMessage `json:"steps,omitempty"`
	}

	// StepFilter is a named filter applied to an external step.
	StepFilter struct {
		Name     string `json:"name"`
		Value    any    `json:"value,omitempty"`
		Disabled bool   `json:"disabled,omitempty"`
	}
)
