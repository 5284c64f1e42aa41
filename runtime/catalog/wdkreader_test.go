package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stratagem/runtime/catalog"
	"stratagem/runtime/strategy"
	"stratagem/runtime/wdk"
)

// fakeWDK stubs the few platform calls the reader makes. Unstubbed methods
// panic through the embedded nil interface.
type fakeWDK struct {
	wdk.Client
	recordTypeCalls int
	searchCalls     int
	detailCalls     int
}

func (f *fakeWDK) ListRecordTypes(_ context.Context, _ bool) ([]wdk.RecordType, error) {
	f.recordTypeCalls++
	return []wdk.RecordType{
		{URLSegment: "gene", Name: "GeneRecordClasses.GeneRecordClass", DisplayName: "Gene"},
		{URLSegment: "transcript", DisplayName: "Transcript"},
	}, nil
}

func (f *fakeWDK) ListSearches(_ context.Context, recordType string) ([]wdk.Search, error) {
	f.searchCalls++
	return []wdk.Search{
		{URLSegment: "GenesByText", DisplayName: "Text search", Description: "Full text"},
		{URLSegment: "boolean_question_GeneRecordClasses", DisplayName: "Boolean"},
		{URLSegment: "GenesByLocation", DisplayName: "Location"},
	}, nil
}

func (f *fakeWDK) GetSearchDetails(_ context.Context, recordType, search string, expand bool) (*wdk.Search, error) {
	f.detailCalls++
	if search == "missing" {
		return nil, &wdk.Error{Status: 404, Message: "no such search"}
	}
	return &wdk.Search{
		URLSegment:  search,
		DisplayName: "Text search",
		Parameters: []wdk.Parameter{
			{Name: "text_expression", Type: "string", IsRequired: true, Help: "Terms to match"},
			{Name: "organism", Type: "multi-pick-vocabulary"},
		},
	}, nil
}

func TestWDKReaderListSearchesFiltersAndCaches(t *testing.T) {
	ctx := context.Background()
	fake := &fakeWDK{}
	r := catalog.NewWDKReader(fake)

	searches, err := r.ListSearches(ctx, "gene")
	require.NoError(t, err)
	require.Len(t, searches, 2)
	for _, s := range searches {
		require.NotContains(t, s.Name, "boolean_question")
	}

	_, err = r.ListSearches(ctx, "gene")
	require.NoError(t, err)
	require.Equal(t, 1, fake.searchCalls)
}

func TestWDKReaderSearchParameters(t *testing.T) {
	ctx := context.Background()
	fake := &fakeWDK{}
	r := catalog.NewWDKReader(fake)

	details, err := r.SearchParameters(ctx, "gene", "GenesByText")
	require.NoError(t, err)
	require.Equal(t, "GenesByText", details.Name)
	require.Len(t, details.Parameters, 2)
	require.True(t, details.Parameters[0].Required)
	require.Equal(t, "multi-pick-vocabulary", details.Parameters[1].Type)

	_, err = r.SearchParameters(ctx, "gene", "GenesByText")
	require.NoError(t, err)
	require.Equal(t, 1, fake.detailCalls)
}

func TestWDKReaderSearchNotFound(t *testing.T) {
	ctx := context.Background()
	r := catalog.NewWDKReader(&fakeWDK{})

	_, err := r.SearchParameters(ctx, "gene", "missing")
	require.Error(t, err)
	require.Equal(t, catalog.CodeSearchNotFound, strategy.CodeOf(err))
}

func TestWDKReaderResolveRecordType(t *testing.T) {
	ctx := context.Background()
	fake := &fakeWDK{}
	r := catalog.NewWDKReader(fake)

	tests := []struct {
		hint string
		want string
	}{
		{"gene", "gene"},
		{"Gene", "gene"},
		{"genes", "gene"},
		{"GeneRecordClasses.GeneRecordClass", "gene"},
		{"Transcript", "transcript"},
	}
	for _, tt := range tests {
		got, err := r.ResolveRecordType(ctx, tt.hint)
		require.NoError(t, err, "hint %q", tt.hint)
		require.Equal(t, tt.want, got, "hint %q", tt.hint)
	}

	// The record type list is fetched once.
	require.Equal(t, 1, fake.recordTypeCalls)

	_, err := r.ResolveRecordType(ctx, "pathway")
	require.Equal(t, catalog.CodeRecordTypeNotFound, strategy.CodeOf(err))

	_, err = r.ResolveRecordType(ctx, "")
	require.Equal(t, catalog.CodeRecordTypeNotFound, strategy.CodeOf(err))
}
