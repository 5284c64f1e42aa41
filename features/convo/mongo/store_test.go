package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"stratagem/runtime/convo"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongo() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

// mongoStore returns a store over a fresh collection named after the test,
// skipping when no Docker daemon is reachable.
func mongoStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongo()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	if err := testMongoClient.Database("stratagem_test").Collection(t.Name()).Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop collection: %v", err)
	}
	store, err := New(Options{
		Client:     testMongoClient,
		Database:   "stratagem_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := mongoStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	conv := &convo.Conversation{
		ID:            "conv-1",
		Title:         "Kinase hunt",
		SiteID:        "plasmodb",
		RecordType:    "transcript",
		WdkStrategyID: 42,
		Plans: map[string]convo.PlanArtifact{
			"g-1": {
				Name:        "Kinases in blood stage",
				RecordType:  "transcript",
				Description: "Text search then fold-change filter",
				Plan:        json.RawMessage(`{"steps":[{"id":"s1"}]}`),
				UpdatedAt:   created,
			},
		},
		Snapshots: map[string]convo.SnapshotRecord{
			"g-1": {ID: "snap-1", Graph: json.RawMessage(`{"steps":{}}`), UpdatedAt: created},
		},
		Messages: []convo.Message{
			{Role: "user", Content: "find kinases", CreatedAt: created},
			{
				Role:    "assistant",
				Content: "done",
				ToolCalls: []convo.ToolCall{
					{
						ID:        "call_1",
						Name:      "add_step",
						Args:      json.RawMessage(`{"search_name":"GenesByText"}`),
						Result:    json.RawMessage(`{"step_id":"s1"}`),
						StartedAt: created,
						Elapsed:   1500 * time.Millisecond,
					},
					{
						ID:    "call_2",
						Name:  "boolean_combine",
						Error: &convo.ToolFailure{Code: "TOOL_FAILED", Message: "left step missing"},
					},
				},
				Subtasks: []convo.SubtaskActivity{
					{
						Task:   "find kinases",
						Status: "done",
						Rounds: 2,
						Calls:  []convo.ToolCall{{ID: "call_3", Name: "add_step"}},
						Errors: []string{"round 1: timeout"},
					},
				},
				CreatedAt: created.Add(time.Minute),
			},
		},
		CreatedAt: created,
	}
	require.NoError(t, store.Create(ctx, conv))

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)
	require.Equal(t, conv.Title, got.Title)
	require.Equal(t, conv.SiteID, got.SiteID)
	require.Equal(t, conv.RecordType, got.RecordType)
	require.Equal(t, conv.WdkStrategyID, got.WdkStrategyID)
	require.True(t, got.CreatedAt.Equal(created))
	require.False(t, got.UpdatedAt.IsZero())

	require.Len(t, got.Plans, 1)
	require.Equal(t, "Kinases in blood stage", got.Plans["g-1"].Name)
	require.JSONEq(t, `{"steps":[{"id":"s1"}]}`, string(got.Plans["g-1"].Plan))
	require.Len(t, got.Snapshots, 1)
	require.Equal(t, "snap-1", got.Snapshots["g-1"].ID)

	require.Len(t, got.Messages, 2)
	first, second := got.Messages[0], got.Messages[1]
	require.Equal(t, "user", first.Role)
	require.True(t, first.CreatedAt.Equal(created))
	require.Len(t, second.ToolCalls, 2)
	require.Equal(t, "call_1", second.ToolCalls[0].ID)
	require.JSONEq(t, `{"search_name":"GenesByText"}`, string(second.ToolCalls[0].Args))
	require.Equal(t, 1500*time.Millisecond, second.ToolCalls[0].Elapsed)
	require.NotNil(t, second.ToolCalls[1].Error)
	require.Equal(t, "TOOL_FAILED", second.ToolCalls[1].Error.Code)
	require.Len(t, second.Subtasks, 1)
	require.Equal(t, "done", second.Subtasks[0].Status)
	require.Equal(t, []string{"round 1: timeout"}, second.Subtasks[0].Errors)
	require.Nil(t, got.Thinking)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	store := mongoStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &convo.Conversation{ID: "conv-1"}))
	err := store.Create(ctx, &convo.Conversation{ID: "conv-1"})
	require.ErrorIs(t, err, convo.ErrExists)
}

func TestGetMissingConversation(t *testing.T) {
	store := mongoStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, convo.ErrNotFound)
}

func TestUpdateAppliesPatch(t *testing.T) {
	store := mongoStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, &convo.Conversation{
		ID: "conv-1",
		Plans: map[string]convo.PlanArtifact{
			"g-old": {Name: "stale", UpdatedAt: now},
		},
	}))

	title := "Renamed"
	recordType := "gene"
	strategyID := 7
	require.NoError(t, store.Update(ctx, "conv-1", convo.Patch{
		Title:         &title,
		RecordType:    &recordType,
		WdkStrategyID: &strategyID,
		Plans: map[string]*convo.PlanArtifact{
			"g-old": nil,
			"g-new": {Name: "fresh", Plan: json.RawMessage(`{"steps":[]}`), UpdatedAt: now},
		},
		Snapshots: map[string]*convo.SnapshotRecord{
			"g-new": {ID: "snap-9", Graph: json.RawMessage(`{}`), UpdatedAt: now},
		},
	}))

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Title)
	require.Equal(t, "gene", got.RecordType)
	require.Equal(t, 7, got.WdkStrategyID)
	require.Len(t, got.Plans, 1)
	require.Equal(t, "fresh", got.Plans["g-new"].Name)
	require.Len(t, got.Snapshots, 1)
	require.Equal(t, "snap-9", got.Snapshots["g-new"].ID)

	err = store.Update(ctx, "missing", convo.Patch{Title: &title})
	require.ErrorIs(t, err, convo.ErrNotFound)
}

func TestAppendMessagePreservesOrder(t *testing.T) {
	store := mongoStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &convo.Conversation{ID: "conv-1"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendMessage(ctx, "conv-1", convo.Message{
			Role:    "user",
			Content: fmt.Sprintf("message %d", i),
		}))
	}

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	for i, msg := range got.Messages {
		require.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
		require.False(t, msg.CreatedAt.IsZero())
	}

	err = store.AppendMessage(ctx, "missing", convo.Message{Role: "user", Content: "x"})
	require.ErrorIs(t, err, convo.ErrNotFound)
}

func TestThinkingLifecycle(t *testing.T) {
	store := mongoStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &convo.Conversation{ID: "conv-1"}))
	require.NoError(t, store.UpdateThinking(ctx, "conv-1", &convo.Thinking{
		ToolCalls: []convo.ToolCall{{ID: "call_1", Name: "add_step"}},
		Subtasks:  []convo.SubtaskActivity{{Task: "find kinases", Status: "running"}},
	}))

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, got.Thinking)
	require.Len(t, got.Thinking.ToolCalls, 1)
	require.Len(t, got.Thinking.Subtasks, 1)
	require.False(t, got.Thinking.UpdatedAt.IsZero())

	require.NoError(t, store.ClearThinking(ctx, "conv-1"))
	got, err = store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Nil(t, got.Thinking)

	// A nil payload clears as well.
	require.NoError(t, store.UpdateThinking(ctx, "conv-1", &convo.Thinking{}))
	require.NoError(t, store.UpdateThinking(ctx, "conv-1", nil))
	got, err = store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Nil(t, got.Thinking)

	err = store.ClearThinking(ctx, "missing")
	require.ErrorIs(t, err, convo.ErrNotFound)
}

func TestStorePing(t *testing.T) {
	store := mongoStore(t)
	require.Equal(t, "convo-mongo", store.Name())
	require.NoError(t, store.Ping(context.Background()))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = Connect("", Options{Database: "db"})
	require.Error(t, err)
}
