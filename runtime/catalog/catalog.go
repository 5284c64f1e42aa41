// Package catalog exposes the read side of the platform's search catalog to
// agents: which searches exist for a record type, what parameters they take,
// and how a free-form record-type hint maps onto a concrete record class.
// Vocabulary-aware parameter validation stays with the platform; the reader
// only surfaces the public read operations.
package catalog

import (
	"context"
	"encoding/json"

	"stratagem/runtime/strategy"
)

// Error codes produced by catalog lookups, surfaced through the common
// structured error type so the tool surface renders them uniformly.
const (
	// CodeSearchNotFound indicates the record type has no search with the
	// requested name.
	CodeSearchNotFound strategy.Code = "SEARCH_NOT_FOUND"
	// CodeRecordTypeNotFound indicates no record type matches the hint.
	CodeRecordTypeNotFound strategy.Code = "RECORD_TYPE_NOT_FOUND"
)

type (
	// Search is one catalog entry: a platform search an agent may select.
	Search struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name,omitempty"`
		Description string `json:"description,omitempty"`
	}

	// Parameter is one search parameter spec.
	Parameter struct {
		Name        string `json:"name"`
		Type        string `json:"type,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
		Help        string `json:"help,omitempty"`
		Required    bool   `json:"required,omitempty"`
		Default     any    `json:"default,omitempty"`
		// Vocabulary is the raw vocabulary tree for enumerated parameters,
		// passed through for the agent to inspect.
		Vocabulary json.RawMessage `json:"vocabulary,omitempty"`
	}

	// SearchDetails is a search with its full parameter specs.
	SearchDetails struct {
		Search
		Parameters []Parameter `json:"parameters,omitempty"`
	}

	// Reader is the catalog contract agents and tool handlers consume.
	// Implementations must be safe for concurrent use: sub-agents consult
	// the catalog in parallel.
	Reader interface {
		// ListSearches returns the searches available for a record type,
		// excluding structural meta-searches.
		ListSearches(ctx context.Context, recordType string) ([]Search, error)
		// SearchParameters returns one search with expanded parameter specs.
		SearchParameters(ctx context.Context, recordType, search string) (*SearchDetails, error)
		// ResolveRecordType maps a free-form hint ("genes", "Gene", a display
		// name) onto the concrete record type segment.
		ResolveRecordType(ctx context.Context, hint string) (string, error)
	}
)
