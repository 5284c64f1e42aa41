package convo_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"stratagem/runtime/convo"
)

func TestInMemStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := convo.NewInMemStore()

	_, err := store.Get(ctx, "c1")
	require.ErrorIs(t, err, convo.ErrNotFound)

	require.NoError(t, store.Create(ctx, &convo.Conversation{ID: "c1", SiteID: "plasmo"}))
	require.ErrorIs(t, store.Create(ctx, &convo.Conversation{ID: "c1"}), convo.ErrExists)

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "plasmo", got.SiteID)
	require.False(t, got.CreatedAt.IsZero())

	rt := "gene"
	sid := 42
	require.NoError(t, store.Update(ctx, "c1", convo.Patch{
		RecordType:    &rt,
		WdkStrategyID: &sid,
		Plans: map[string]*convo.PlanArtifact{
			"g1": {Name: "Kinases", RecordType: "gene", Plan: json.RawMessage(`{"steps":[]}`)},
		},
	}))

	got, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "gene", got.RecordType)
	require.Equal(t, 42, got.WdkStrategyID)
	require.Equal(t, "Kinases", got.Plans["g1"].Name)

	// A nil artifact removes the plan entry.
	require.NoError(t, store.Update(ctx, "c1", convo.Patch{
		Plans: map[string]*convo.PlanArtifact{"g1": nil},
	}))
	got, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, got.Plans)
}

func TestInMemStoreMessagesAndThinking(t *testing.T) {
	ctx := context.Background()
	store := convo.NewInMemStore()
	require.NoError(t, store.Create(ctx, &convo.Conversation{ID: "c1"}))

	require.NoError(t, store.AppendMessage(ctx, "c1", convo.Message{Role: "user", Content: "find kinases"}))
	require.NoError(t, store.AppendMessage(ctx, "c1", convo.Message{
		Role:    "assistant",
		Content: "Done.",
		ToolCalls: []convo.ToolCall{
			{ID: "t1", Name: "add_step", Args: json.RawMessage(`{"search_name":"GenesByText"}`)},
		},
	}))

	require.NoError(t, store.UpdateThinking(ctx, "c1", &convo.Thinking{
		ToolCalls: []convo.ToolCall{{ID: "t2", Name: "get_strategy"}},
	}))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "find kinases", got.Messages[0].Content)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	require.NotNil(t, got.Thinking)
	require.Equal(t, "get_strategy", got.Thinking.ToolCalls[0].Name)

	require.NoError(t, store.ClearThinking(ctx, "c1"))
	got, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, got.Thinking)

	// Returned conversations are copies: mutating one never leaks back.
	got.Messages[0].Content = "mutated"
	again, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "find kinases", again.Messages[0].Content)

	require.ErrorIs(t, store.AppendMessage(ctx, "missing", convo.Message{}), convo.ErrNotFound)
	require.ErrorIs(t, store.UpdateThinking(ctx, "missing", nil), convo.ErrNotFound)
	require.ErrorIs(t, store.ClearThinking(ctx, "missing"), convo.ErrNotFound)
	require.ErrorIs(t, store.Update(ctx, "missing", convo.Patch{}), convo.ErrNotFound)
}
