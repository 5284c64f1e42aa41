package wdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fastRetry keeps retried tests quick.
func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewHTTPClient(server.URL, opts...)
	require.NoError(t, err)
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// TestUserResolutionCachedAcrossCalls verifies the current-user lookup runs
// once per client and every mutation is scoped to the resolved id.
func TestUserResolutionCachedAcrossCalls(t *testing.T) {
	var userHits, stepHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/current", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&userHits, 1)
		writeJSON(t, w, map[string]any{"id": 42})
	})
	mux.HandleFunc("POST /users/42/steps", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]int64{"id": 100 + int64(atomic.AddInt32(&stepHits, 1))})
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	first, err := client.CreateStep(ctx, CreateStepRequest{
		SearchName: "GenesByText",
		Parameters: map[string]string{"text": "kinase"},
	})
	require.NoError(t, err)
	require.Equal(t, 101, first.ID)

	second, err := client.CreateStep(ctx, CreateStepRequest{
		SearchName: "GenesByText",
		Parameters: map[string]string{"text": "phosphatase"},
	})
	require.NoError(t, err)
	require.Equal(t, 102, second.ID)

	require.EqualValues(t, 1, atomic.LoadInt32(&userHits))
	require.EqualValues(t, 2, atomic.LoadInt32(&stepHits))
}

// TestCreateCombinedStepDiscoversBooleanSearch verifies the boolean
// meta-search resolution: the search is matched by prefix among the record
// type's searches, its operand slots are sent empty, and the discovery is
// cached per record type.
func TestCreateCombinedStepDiscoversBooleanSearch(t *testing.T) {
	var listHits, detailHits int32
	var captured stepBody

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": 7})
	})
	mux.HandleFunc("GET /record-types/transcript/searches", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listHits, 1)
		writeJSON(t, w, []Search{
			{URLSegment: "GenesByText"},
			{URLSegment: "boolean_question_TranscriptRecordClasses"},
		})
	})
	mux.HandleFunc("GET /record-types/transcript/searches/boolean_question_TranscriptRecordClasses", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&detailHits, 1)
		writeJSON(t, w, Search{
			URLSegment: "boolean_question_TranscriptRecordClasses",
			ParamNames: []string{"bq_left_op_transcript", "bq_right_op_transcript", "bq_operator_transcript"},
		})
	})
	mux.HandleFunc("POST /users/7/steps", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeJSON(t, w, map[string]int{"id": 901})
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	created, err := client.CreateCombinedStep(ctx, CreateCombinedStepRequest{
		RecordType:      "transcript",
		Operator:        "INTERSECT",
		PrimaryStepID:   11,
		SecondaryStepID: 12,
	})
	require.NoError(t, err)
	require.Equal(t, 901, created.ID)

	require.Equal(t, "boolean_question_TranscriptRecordClasses", captured.SearchName)
	require.Equal(t, map[string]string{
		"bq_left_op_transcript":  "",
		"bq_right_op_transcript": "",
		"bq_operator_transcript": "INTERSECT",
	}, captured.SearchConfig.Parameters)

	// Second combine on the same record type reuses the cached discovery.
	_, err = client.CreateCombinedStep(ctx, CreateCombinedStepRequest{RecordType: "transcript", Operator: "UNION"})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&listHits))
	require.EqualValues(t, 1, atomic.LoadInt32(&detailHits))
}

// TestCreateTransformStepResolvesInputParameter verifies the transform path
// finds the input-step parameter from the search details and wires the input
// step id into it.
func TestCreateTransformStepResolvesInputParameter(t *testing.T) {
	var captured stepBody

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": 42})
	})
	mux.HandleFunc("GET /record-types/gene/searches/GenesByOrthologs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("expandParams"))
		writeJSON(t, w, Search{
			URLSegment: "GenesByOrthologs",
			Parameters: []Parameter{
				{Name: "organism", Type: "string"},
				{Name: "gene_result", Type: "input-step"},
			},
		})
	})
	mux.HandleFunc("POST /users/42/steps", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeJSON(t, w, map[string]int{"id": 77})
	})

	client := newTestClient(t, mux)

	created, err := client.CreateTransformStep(context.Background(), CreateTransformStepRequest{
		RecordType:  "gene",
		SearchName:  "GenesByOrthologs",
		Parameters:  map[string]string{"organism": "Plasmodium falciparum"},
		InputStepID: 33,
	})
	require.NoError(t, err)
	require.Equal(t, 77, created.ID)
	require.Equal(t, map[string]string{
		"organism":    "Plasmodium falciparum",
		"gene_result": "33",
	}, captured.SearchConfig.Parameters)
}

// TestCallRetriesTransientFailures verifies 503 responses are retried until
// the call succeeds.
func TestCallRetriesTransientFailures(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, `{"message":"warming up"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, []RecordType{{URLSegment: "gene"}})
	})

	client := newTestClient(t, handler, WithRetryConfig(fastRetry(3)))

	out, err := client.ListRecordTypes(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "gene", out[0].URLSegment)
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

// TestCallDoesNotRetryTerminalFailures verifies a 400 aborts immediately and
// surfaces the platform's message.
func TestCallDoesNotRetryTerminalFailures(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, `{"message":"no such search"}`, http.StatusBadRequest)
	})

	client := newTestClient(t, handler, WithRetryConfig(fastRetry(4)))

	_, err := client.GetSearchDetails(context.Background(), "gene", "Nope", true)
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, http.StatusBadRequest, werr.Status)
	require.Equal(t, "no such search", werr.Message)
	require.Equal(t, http.StatusBadRequest, StatusOf(err))
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

// TestCallExhaustsRetries verifies persistent failures end in ExhaustedError
// still carrying the last platform status.
func TestCallExhaustsRetries(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, `{"message":"still down"}`, http.StatusServiceUnavailable)
	})

	client := newTestClient(t, handler, WithRetryConfig(fastRetry(2)))

	_, err := client.ListRecordTypes(context.Background(), false)
	require.Error(t, err)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 2, ex.Attempts)
	require.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

// TestCallRetriesMalformedSuccessBody verifies a 2xx body that fails to parse
// counts as transient.
func TestCallRetriesMalformedSuccessBody(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			_, _ = w.Write([]byte("definitely not json"))
			return
		}
		writeJSON(t, w, []RecordType{{URLSegment: "gene"}})
	})

	client := newTestClient(t, handler, WithRetryConfig(fastRetry(2)))

	out, err := client.ListRecordTypes(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

// TestCreateDatasetBody pins the dataset creation payload shape.
func TestCreateDatasetBody(t *testing.T) {
	var captured map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": 42})
	})
	mux.HandleFunc("POST /users/42/datasets", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeJSON(t, w, map[string]int{"id": 55})
	})

	client := newTestClient(t, mux)

	id, err := client.CreateDataset(context.Background(), []string{"PF3D7_0731500", "PF3D7_1133400"})
	require.NoError(t, err)
	require.Equal(t, 55, id)
	require.Equal(t, "idList", captured["sourceType"])
	content, ok := captured["sourceContent"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, []any{"PF3D7_0731500", "PF3D7_1133400"}, content["ids"])
}

// TestGetStepCountRequestsZeroRows verifies the count call asks for an empty
// page and reads the total from the report metadata.
func TestGetStepCountRequestsZeroRows(t *testing.T) {
	var captured map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": 42})
	})
	mux.HandleFunc("POST /users/42/steps/9/reports/standard", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeJSON(t, w, map[string]any{"meta": map[string]int{"totalCount": 123}})
	})

	client := newTestClient(t, mux)

	count, err := client.GetStepCount(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, 123, count)

	cfg, ok := captured["reportConfig"].(map[string]any)
	require.True(t, ok)
	pagination, ok := cfg["pagination"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 0, pagination["numRecords"])
}

// TestUpdateStepTreeUsesPut verifies tree replacement hits the step-tree
// subresource with the nested tree payload.
func TestUpdateStepTreeUsesPut(t *testing.T) {
	var method, path string
	var captured map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": 42})
	})
	mux.HandleFunc("/users/42/strategies/9/step-tree", func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusNoContent)
	})

	client := newTestClient(t, mux)

	err := client.UpdateStepTree(context.Background(), 9, &StepTree{
		StepID:       3,
		PrimaryInput: &StepTree{StepID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, method)
	require.Equal(t, "/users/42/strategies/9/step-tree", path)

	tree, ok := captured["stepTree"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 3, tree["stepId"])
	primary, ok := tree["primaryInput"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, primary["stepId"])
}

// TestStaticHeadersAttach verifies WithHeader values ride on every request.
func TestStaticHeadersAttach(t *testing.T) {
	var auth, accept string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		writeJSON(t, w, []RecordType{})
	})

	client := newTestClient(t, handler, WithHeader("Authorization", "Bearer token-1"))

	_, err := client.ListRecordTypes(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "Bearer token-1", auth)
	require.Equal(t, "application/json", accept)
}
