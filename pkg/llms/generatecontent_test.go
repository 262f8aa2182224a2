package llms_test

import (
	"testing"

	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFromTextParts(t *testing.T) {
	msg := llms.MessageFromTextParts(llms.RoleHuman, "hello", "world")
	assert.Equal(t, llms.RoleHuman, msg.Role)
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, "hello", msg.Parts[0].(llms.TextContent).Text)
	assert.Equal(t, "world", msg.Parts[1].(llms.TextContent).Text)
}

func TestMessageFromToolCalls(t *testing.T) {
	msg := llms.MessageFromToolCalls(llms.RoleAI,
		llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "query_database",
				Arguments: `{"sql":"SELECT 1"}`,
			},
		},
	)
	assert.Equal(t, llms.RoleAI, msg.Role)
	require.Len(t, msg.Parts, 1)

	tc, ok := msg.Parts[0].(llms.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "query_database", tc.FunctionCall.Name)
	assert.Equal(t, `{"sql":"SELECT 1"}`, tc.FunctionCall.Arguments)
}

func TestMessageFromToolResponse(t *testing.T) {
	msg := llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
		ToolCallID: "call_1",
		Name:       "query_database",
		Content:    "3 rows",
	})
	assert.Equal(t, llms.RoleTool, msg.Role)
	require.Len(t, msg.Parts, 1)

	resp, ok := msg.Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "call_1", resp.ToolCallID)
	assert.Equal(t, "3 rows", resp.Content)
}

func TestGetContent(t *testing.T) {
	msg := llms.MessageFromTextParts(llms.RoleAI, "line one", "line two")
	assert.Equal(t, "line one\nline two\n", msg.GetContent())

	msg = llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
		ToolCallID: "call_1",
		Name:       "list_tables",
		Content:    "users, orders",
	})
	assert.Contains(t, msg.GetContent(), "Response: ")
	assert.Contains(t, msg.GetContent(), "list_tables")
}
