package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairToolResults_MovesResultNextToCall(t *testing.T) {
	now := time.Now()
	turns := []Turn{
		UserTurn("what times are open tomorrow", 1, now),
		AssistantTurn("Let me check.", []ToolCall{{ID: "c1", Name: "get_availability"}}, 1, now),
		UserTurn("actually make it friday", 2, now),
		ToolResultTurn("c1", "get_availability", `{"slots":[]}`, 1, now),
	}

	out := PairToolResults(turns)
	require.Len(t, out, 4)
	assert.Equal(t, RoleUser, out[0].Role)
	assert.Equal(t, RoleAssistant, out[1].Role)
	assert.Equal(t, RoleTool, out[2].Role)
	assert.Equal(t, "c1", out[2].ToolCallID)
	assert.Equal(t, "actually make it friday", out[3].Text)
}

func TestPairToolResults_PendingPlaceholderAndOrphans(t *testing.T) {
	now := time.Now()
	turns := []Turn{
		AssistantTurn("", []ToolCall{{ID: "c1", Name: "set_meeting"}}, 1, now),
		ToolResultTurn("ghost", "end_call", `{}`, 1, now),
	}

	out := PairToolResults(turns)
	require.Len(t, out, 2)
	assert.Equal(t, "c1", out[1].ToolCallID)
	assert.Equal(t, PendingToolResult, out[1].Text)
}

func TestPairToolResults_Empty(t *testing.T) {
	assert.Nil(t, PairToolResults(nil))
}
