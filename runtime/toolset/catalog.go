package toolset

import (
	"context"
	"encoding/json"

	"stratagem/runtime/catalog"
	"stratagem/runtime/tools"
)

const listSearchesSchema = `{
	"type": "object",
	"properties": {
		"record_type": {"type": "string", "description": "Record type to list searches for. Hints like \"genes\" are resolved against the catalog"}
	},
	"required": ["record_type"],
	"additionalProperties": false
}`

const getSearchParametersSchema = `{
	"type": "object",
	"properties": {
		"record_type": {"type": "string"},
		"search_name": {"type": "string"}
	},
	"required": ["record_type", "search_name"],
	"additionalProperties": false
}`

type listSearchesResult struct {
	RecordType string           `json:"record_type"`
	Searches   []catalog.Search `json:"searches"`
}

func (t *Toolset) registerCatalogTools() {
	t.registry.MustRegister(tools.Spec{
		Name:        "list_searches",
		Description: "List the platform searches available for a record type.",
		Schema:      json.RawMessage(listSearchesSchema),
		Handler:     t.listSearches,
	})
	t.registry.MustRegister(tools.Spec{
		Name:        "get_search_parameters",
		Description: "Return a search's parameters: names, types, required flags, defaults, and vocabularies.",
		Schema:      json.RawMessage(getSearchParametersSchema),
		Handler:     t.getSearchParameters,
	})
}

func (t *Toolset) listSearches(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		RecordType string `json:"record_type"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	rt, err := t.cfg.Catalog.ResolveRecordType(ctx, args.RecordType)
	if err != nil {
		return nil, err
	}
	searches, err := t.cfg.Catalog.ListSearches(ctx, rt)
	if err != nil {
		return nil, err
	}
	return listSearchesResult{RecordType: rt, Searches: searches}, nil
}

func (t *Toolset) getSearchParameters(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		RecordType string `json:"record_type"`
		SearchName string `json:"search_name"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	rt, err := t.cfg.Catalog.ResolveRecordType(ctx, args.RecordType)
	if err != nil {
		return nil, err
	}
	return t.cfg.Catalog.SearchParameters(ctx, rt, args.SearchName)
}
