package bedrock

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAnthropicInput(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You are a database assistant."),
		llms.MessageFromTextParts(llms.RoleHuman, "How many users are there?"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "toolu_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "query_database",
				Arguments: `{"sql":"SELECT COUNT(*) FROM users"}`,
			},
		}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "toolu_1",
			Name:       "query_database",
			Content:    "42",
		}),
	}
	opts := &llms.CallOptions{
		MaxTokens: 1024,
		Tools: []llms.Tool{
			{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        "query_database",
					Description: "Run a read-only SQL query",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"sql": map[string]any{"type": "string"},
						},
						"required": []any{"sql"},
					},
				},
			},
		},
	}

	body, err := buildAnthropicInput(messages, opts)
	require.NoError(t, err)

	var input anthropicInput
	require.NoError(t, json.Unmarshal(body, &input))

	assert.Equal(t, AnthropicLatestVersion, input.AnthropicVersion)
	assert.Equal(t, 1024, input.MaxTokens)
	assert.Equal(t, "You are a database assistant.", input.System)

	require.Len(t, input.Messages, 3)
	assert.Equal(t, "user", input.Messages[0].Role)
	assert.Equal(t, "assistant", input.Messages[1].Role)
	require.Len(t, input.Messages[1].Content, 1)
	assert.Equal(t, "tool_use", input.Messages[1].Content[0].Type)
	assert.Equal(t, "toolu_1", input.Messages[1].Content[0].ID)
	assert.Equal(t, "user", input.Messages[2].Role)
	assert.Equal(t, "tool_result", input.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", input.Messages[2].Content[0].ToolUseID)

	require.Len(t, input.Tools, 1)
	assert.Equal(t, "query_database", input.Tools[0].Name)
	assert.Equal(t, []string{"sql"}, input.Tools[0].InputSchema.Required)
}

func TestProcessInputMessagesMergesRoles(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "first"),
		llms.MessageFromTextParts(llms.RoleHuman, "second"),
		llms.MessageFromTextParts(llms.RoleAI, "reply"),
	}
	inputMessages, systemPrompt, err := processInputMessages(messages)
	require.NoError(t, err)
	assert.Empty(t, systemPrompt)

	require.Len(t, inputMessages, 2)
	assert.Equal(t, "user", inputMessages[0].Role)
	assert.Len(t, inputMessages[0].Content, 2)
	assert.Equal(t, "assistant", inputMessages[1].Role)
}

func TestParseAnthropicOutput(t *testing.T) {
	body := []byte(`{
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_2", "name": "list_tables", "input": {"schema": "public"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`)

	resp, err := parseAnthropicOutput(body)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 2)

	assert.Equal(t, "Let me check.", resp.Choices[0].Content)
	assert.Equal(t, AnthropicStopReasonToolUse, resp.Choices[0].StopReason)

	require.Len(t, resp.Choices[1].ToolCalls, 1)
	tc := resp.Choices[1].ToolCalls[0]
	assert.Equal(t, "toolu_2", tc.ID)
	assert.Equal(t, "list_tables", tc.FunctionCall.Name)
	assert.JSONEq(t, `{"schema":"public"}`, tc.FunctionCall.Arguments)
}

func TestParseAnthropicOutputEmpty(t *testing.T) {
	_, err := parseAnthropicOutput([]byte(`{"content": [], "stop_reason": "end_turn"}`))
	assert.Error(t, err)
}
