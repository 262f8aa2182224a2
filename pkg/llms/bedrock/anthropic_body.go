package bedrock

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
)

// Ref: https://docs.aws.amazon.com/bedrock/latest/userguide/model-parameters-anthropic-claude-messages.html
// Also: https://docs.anthropic.com/claude/reference/messages_post

const (
	// AnthropicLatestVersion is the messages API version Bedrock expects.
	AnthropicLatestVersion = "bedrock-2023-05-31"

	anthropicRoleUser      = "user"
	anthropicRoleAssistant = "assistant"

	anthropicTypeText       = "text"
	anthropicTypeToolUse    = "tool_use"
	anthropicTypeToolResult = "tool_result"

	// AnthropicStopReasonEndTurn and friends are the stop_reason values in
	// the messages API output.
	AnthropicStopReasonEndTurn      = "end_turn"
	AnthropicStopReasonMaxTokens    = "max_tokens"
	AnthropicStopReasonStopSequence = "stop_sequence"
	AnthropicStopReasonToolUse      = "tool_use"

	defaultMaxTokens = 2048
)

// anthropicInputContent is a single content block in an input message.
type anthropicInputContent struct {
	// One of: "text", "tool_use", "tool_result"
	Type string `json:"type"`
	// Text content. Required if type is "text"
	Text string `json:"text,omitempty"`
	// Tool use fields
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
	// Tool result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicInputMessage struct {
	// One of: ["user", "assistant"]. The system prompt goes in the
	// top-level system field instead.
	Role    string                  `json:"role"`
	Content []anthropicInputContent `json:"content"`
}

type anthropicToolDef struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	InputSchema anthropicInputSchema `json:"input_schema"`
}

type anthropicInputSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

type anthropicInput struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	MaxTokens        int                      `json:"max_tokens"`
	System           string                   `json:"system,omitempty"`
	Messages         []*anthropicInputMessage `json:"messages"`
	Temperature      float64                  `json:"temperature,omitempty"`
	TopP             float64                  `json:"top_p,omitempty"`
	TopK             int                      `json:"top_k,omitempty"`
	StopSequences    []string                 `json:"stop_sequences,omitempty"`
	Tools            []anthropicToolDef       `json:"tools,omitempty"`
}

type anthropicOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Tool use fields
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

type anthropicOutput struct {
	Type       string                   `json:"type"`
	Role       string                   `json:"role"`
	Content    []anthropicOutputContent `json:"content"`
	StopReason string                   `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func buildAnthropicInput(messages []llms.Message, opts *llms.CallOptions) ([]byte, error) {
	inputMessages, systemPrompt, err := processInputMessages(messages)
	if err != nil {
		return nil, err
	}

	var tools []anthropicToolDef
	if len(opts.Tools) > 0 {
		tools = make([]anthropicToolDef, len(opts.Tools))
		for i, tool := range opts.Tools {
			schema := anthropicInputSchema{
				Type: "object",
			}
			if props, ok := tool.Function.Parameters["properties"].(map[string]any); ok {
				schema.Properties = props
			}
			schema.Required = requiredNames(tool.Function.Parameters["required"])

			tools[i] = anthropicToolDef{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				InputSchema: schema,
			}
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	input := anthropicInput{
		AnthropicVersion: AnthropicLatestVersion,
		MaxTokens:        maxTokens,
		System:           systemPrompt,
		Messages:         inputMessages,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		TopK:             opts.TopK,
		StopSequences:    opts.StopWords,
		Tools:            tools,
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Wrap(err, "bedrock: failed to marshal request body")
	}
	return body, nil
}

func requiredNames(v any) []string {
	switch typ := v.(type) {
	case []string:
		return typ
	case []any:
		names := make([]string, 0, len(typ))
		for _, item := range typ {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

// processInputMessages converts the generic messages to the Anthropic wire
// shape. Consecutive messages with the same wire role are merged into one
// message with multiple content blocks, as the messages API requires
// alternating roles. System messages become the top-level system prompt.
func processInputMessages(messages []llms.Message) ([]*anthropicInputMessage, string, error) {
	inputMessages := make([]*anthropicInputMessage, 0, len(messages))
	var systemPrompt string

	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}
		if msg.Role == llms.RoleSystem {
			for _, part := range msg.Parts {
				tc, ok := part.(llms.TextContent)
				if !ok {
					return nil, "", errors.New("bedrock: system prompt must be text")
				}
				if systemPrompt != "" {
					systemPrompt += "\n"
				}
				systemPrompt += tc.Text
			}
			continue
		}

		role, err := wireRole(msg.Role)
		if err != nil {
			return nil, "", err
		}

		content := make([]anthropicInputContent, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			c, err := wireContent(part)
			if err != nil {
				return nil, "", err
			}
			content = append(content, c)
		}

		if n := len(inputMessages); n > 0 && inputMessages[n-1].Role == role {
			inputMessages[n-1].Content = append(inputMessages[n-1].Content, content...)
			continue
		}
		inputMessages = append(inputMessages, &anthropicInputMessage{
			Role:    role,
			Content: content,
		})
	}
	return inputMessages, systemPrompt, nil
}

func wireRole(role llms.Role) (string, error) {
	switch role {
	case llms.RoleAI:
		return anthropicRoleAssistant, nil
	case llms.RoleHuman, llms.RoleGeneric, llms.RoleTool:
		return anthropicRoleUser, nil
	default:
		return "", errors.Errorf("bedrock: role not supported: %v", role)
	}
}

func wireContent(part llms.ContentPart) (anthropicInputContent, error) {
	switch p := part.(type) {
	case llms.TextContent:
		return anthropicInputContent{
			Type: anthropicTypeText,
			Text: p.Text,
		}, nil
	case llms.ToolCall:
		var input any
		if p.FunctionCall.Arguments != "" {
			if err := json.Unmarshal([]byte(p.FunctionCall.Arguments), &input); err != nil {
				return anthropicInputContent{}, errors.Wrap(err, "bedrock: failed to unmarshal tool call arguments")
			}
		}
		return anthropicInputContent{
			Type:  anthropicTypeToolUse,
			ID:    p.ID,
			Name:  p.FunctionCall.Name,
			Input: input,
		}, nil
	case llms.ToolCallResponse:
		return anthropicInputContent{
			Type:      anthropicTypeToolResult,
			ToolUseID: p.ToolCallID,
			Content:   p.Content,
		}, nil
	default:
		return anthropicInputContent{}, errors.Errorf("bedrock: unsupported content part type: %T", part)
	}
}

func parseAnthropicOutput(body []byte) (*llms.ContentResponse, error) {
	var output anthropicOutput
	if err := json.Unmarshal(body, &output); err != nil {
		return nil, errors.Wrap(err, "bedrock: failed to unmarshal response body")
	}

	if len(output.Content) == 0 {
		return nil, errors.New("bedrock: no results")
	}

	var textContent string
	var toolCalls []llms.ToolCall
	for _, c := range output.Content {
		switch c.Type {
		case anthropicTypeText:
			textContent += c.Text
		case anthropicTypeToolUse:
			argumentsJSON, err := json.Marshal(c.Input)
			if err != nil {
				return nil, errors.Wrap(err, "bedrock: failed to marshal tool arguments")
			}
			toolCalls = append(toolCalls, llms.ToolCall{
				ID:   c.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      c.Name,
					Arguments: string(argumentsJSON),
				},
			})
		}
	}

	generationInfo := map[string]any{
		"InputTokens":  output.Usage.InputTokens,
		"OutputTokens": output.Usage.OutputTokens,
		"TotalTokens":  output.Usage.InputTokens + output.Usage.OutputTokens,
	}

	var choices []*llms.ContentChoice
	if textContent != "" {
		choices = append(choices, &llms.ContentChoice{
			Content:        textContent,
			StopReason:     output.StopReason,
			GenerationInfo: generationInfo,
		})
	}
	if len(toolCalls) > 0 {
		choices = append(choices, &llms.ContentChoice{
			ToolCalls:      toolCalls,
			StopReason:     output.StopReason,
			GenerationInfo: generationInfo,
		})
	}
	if len(choices) == 0 {
		choices = append(choices, &llms.ContentChoice{
			Content:        output.Content[0].Text,
			StopReason:     output.StopReason,
			GenerationInfo: generationInfo,
		})
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}
