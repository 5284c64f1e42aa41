package catalog

import (
	"context"
	"strings"
	"sync"

	"stratagem/runtime/strategy"
	"stratagem/runtime/wdk"
)

// WDKReader implements Reader over the platform adapter with per-record-type
// caching. The catalog is effectively immutable for the lifetime of a
// deployment, so entries are cached forever once fetched; caches are
// read-mostly and guarded by one mutex.
type WDKReader struct {
	client wdk.Client

	mu          sync.Mutex
	recordTypes []wdk.RecordType
	searches    map[string][]Search
	details     map[string]*SearchDetails
}

var _ Reader = (*WDKReader)(nil)

// NewWDKReader builds a Reader over the given platform client.
func NewWDKReader(client wdk.Client) *WDKReader {
	return &WDKReader{
		client:   client,
		searches: make(map[string][]Search),
		details:  make(map[string]*SearchDetails),
	}
}

// ListSearches implements Reader. Boolean meta-searches are filtered out:
// they are combine plumbing, not searches an agent should select.
func (r *WDKReader) ListSearches(ctx context.Context, recordType string) ([]Search, error) {
	r.mu.Lock()
	cached, ok := r.searches[recordType]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := r.client.ListSearches(ctx, recordType)
	if err != nil {
		return nil, err
	}
	out := make([]Search, 0, len(raw))
	for _, s := range raw {
		if wdk.IsBooleanSearchName(s.URLSegment) {
			continue
		}
		out = append(out, Search{
			Name:        s.URLSegment,
			DisplayName: s.DisplayName,
			Description: s.Description,
		})
	}

	r.mu.Lock()
	r.searches[recordType] = out
	r.mu.Unlock()
	return out, nil
}

// SearchParameters implements Reader.
func (r *WDKReader) SearchParameters(ctx context.Context, recordType, search string) (*SearchDetails, error) {
	key := recordType + "/" + search
	r.mu.Lock()
	cached, ok := r.details[key]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := r.client.GetSearchDetails(ctx, recordType, search, true)
	if err != nil {
		if wdk.StatusOf(err) == 404 {
			return nil, strategy.Errorf(CodeSearchNotFound, "record type %q has no search %q", recordType, search).
				WithDetail("record_type", recordType).
				WithDetail("search", search)
		}
		return nil, err
	}

	details := &SearchDetails{
		Search: Search{
			Name:        raw.URLSegment,
			DisplayName: raw.DisplayName,
			Description: raw.Description,
		},
		Parameters: make([]Parameter, 0, len(raw.Parameters)),
	}
	for _, p := range raw.Parameters {
		details.Parameters = append(details.Parameters, Parameter{
			Name:        p.Name,
			Type:        p.Type,
			DisplayName: p.DisplayName,
			Help:        p.Help,
			Required:    p.IsRequired,
			Default:     p.DefaultValue,
			Vocabulary:  p.Vocabulary,
		})
	}

	r.mu.Lock()
	r.details[key] = details
	r.mu.Unlock()
	return details, nil
}

// ResolveRecordType implements Reader. Matching is forgiving: exact segment,
// then case-insensitive segment/name/display name, then a singular/plural
// fallback ("genes" resolves to "gene").
func (r *WDKReader) ResolveRecordType(ctx context.Context, hint string) (string, error) {
	if hint == "" {
		return "", strategy.NewError(CodeRecordTypeNotFound, "record type hint is empty")
	}
	types, err := r.loadRecordTypes(ctx)
	if err != nil {
		return "", err
	}

	for _, rt := range types {
		if rt.URLSegment == hint {
			return rt.URLSegment, nil
		}
	}
	lower := strings.ToLower(hint)
	for _, rt := range types {
		if strings.ToLower(rt.URLSegment) == lower ||
			strings.ToLower(rt.Name) == lower ||
			strings.ToLower(rt.DisplayName) == lower {
			return rt.URLSegment, nil
		}
	}
	trimmed := strings.TrimSuffix(lower, "s")
	if trimmed != lower {
		for _, rt := range types {
			if strings.ToLower(rt.URLSegment) == trimmed || strings.ToLower(rt.Name) == trimmed {
				return rt.URLSegment, nil
			}
		}
	}
	return "", strategy.Errorf(CodeRecordTypeNotFound, "no record type matches %q", hint).
		WithDetail("hint", hint)
}

func (r *WDKReader) loadRecordTypes(ctx context.Context) ([]wdk.RecordType, error) {
	r.mu.Lock()
	cached := r.recordTypes
	r.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	types, err := r.client.ListRecordTypes(ctx, false)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.recordTypes = types
	r.mu.Unlock()
	return types, nil
}
