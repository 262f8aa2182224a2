package anthropic_test

import (
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llms/anthropic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Setenv(anthropic.TokenEnvVarName, "")
	_, err := anthropic.New(anthropic.WithModel("claude-sonnet-4-20250514"))
	assert.ErrorIs(t, err, anthropic.ErrMissingToken)

	_, err = anthropic.New(anthropic.WithToken("sk-test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	m, err := anthropic.New(anthropic.WithToken("sk-test"), anthropic.WithModel("claude-sonnet-4-20250514"))
	require.NoError(t, err)
	assert.Equal(t, llms.ProviderAnthropic, m.GetProviderType())
	assert.Equal(t, "claude-sonnet-4-20250514", m.GetName())
}

func TestProcessMessages(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You are a database assistant."),
		llms.MessageFromTextParts(llms.RoleHuman, "How many users?"),
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

	sdkMessages, system, err := anthropic.ProcessMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "You are a database assistant.", system)
	require.Len(t, sdkMessages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMessages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, sdkMessages[1].Role)
	// tool results travel as user messages in the Anthropic format
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMessages[2].Role)
}

func TestProcessMessagesMergesSystem(t *testing.T) {
	_, system, err := anthropic.ProcessMessages([]llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "one"),
		llms.MessageFromTextParts(llms.RoleSystem, "two"),
	})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", system)
}

func TestToTools(t *testing.T) {
	assert.Nil(t, anthropic.ToTools(nil))

	tools := anthropic.ToTools([]llms.Tool{{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "query_database",
			Description: "Run a SQL query",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql": map[string]any{"type": "string"},
				},
				// schema decoded from JSON carries []any, not []string
				"required": []any{"sql"},
			},
		},
	}})
	require.Len(t, tools, 1)
	tool := tools[0].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "query_database", tool.Name)
	assert.Equal(t, []string{"sql"}, tool.InputSchema.Required)
	assert.Contains(t, tool.InputSchema.Properties, "sql")
}

func TestIsThrottle(t *testing.T) {
	assert.False(t, anthropic.IsThrottle(nil))
	assert.False(t, anthropic.IsThrottle(errors.New("boom")))
	assert.False(t, anthropic.IsThrottle(&sdk.Error{StatusCode: http.StatusInternalServerError}))

	throttle := &sdk.Error{StatusCode: http.StatusTooManyRequests}
	assert.True(t, anthropic.IsThrottle(throttle))
	assert.True(t, anthropic.IsThrottle(errors.WithMessage(throttle, "model call failed")))
}
