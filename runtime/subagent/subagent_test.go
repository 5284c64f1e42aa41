package subagent_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"stratagem/runtime/model"
	"stratagem/runtime/subagent"
)

func TestSanitizeHistory(t *testing.T) {
	history := []model.Message{
		{Role: model.RoleUser, Content: "find kinases"},
		{Role: model.RoleAssistant, Content: "on it", ToolCalls: []model.ToolCall{
			{ID: "t1", Name: "add_step", Payload: json.RawMessage(`{}`)},
		}},
		{Role: model.RoleTool, ToolID: "t1", Content: `{"step_id":"s1"}`},
		{Role: model.RoleAssistant, Content: "added a text search"},
		{Role: model.RoleUser, Content: "now exclude plasmodium"},
	}

	got := subagent.SanitizeHistory(history)
	require.Len(t, got, 3)
	require.Equal(t, "find kinases", got[0].Content)
	require.Equal(t, "added a text search", got[1].Content)
	require.Equal(t, "now exclude plasmodium", got[2].Content)
	for _, m := range got {
		require.Empty(t, m.ToolCalls)
		require.Empty(t, m.ToolID)
	}
}

func TestSanitizeHistoryEmpty(t *testing.T) {
	require.Empty(t, subagent.SanitizeHistory(nil))
}
