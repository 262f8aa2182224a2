// Package gateway adapts the provider model into the engine's converse
// surface: one call in, one classified turn out. It holds no conversation
// state and never mutates memory or cache.
package gateway

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llms/anthropic"
	"github.com/effective-security/mcpagent/pkg/llms/bedrock"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/xlog"
	"github.com/spf13/cast"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "gateway")

// TurnKind classifies a model turn.
type TurnKind int

const (
	// TurnFinalAnswer is a completed textual answer.
	TurnFinalAnswer TurnKind = iota
	// TurnToolCalls is a request to execute tools before continuing.
	TurnToolCalls
	// TurnStopped is a generation cut short (e.g. max_tokens).
	TurnStopped
)

// ToolCallRequest is one tool execution the model asked for, keyed by its
// correlation ID.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Usage is the token accounting of one turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ModelTurn is the classified result of one converse call.
type ModelTurn struct {
	Kind       TurnKind
	Text       string
	ToolCalls  []ToolCallRequest
	StopReason string
	Usage      Usage
}

// Gateway wraps a provider model.
type Gateway struct {
	model        llms.Model
	systemPrompt string
	maxTokens    int
	temperature  float64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSystemPrompt prepends a system message to every conversation.
func WithSystemPrompt(prompt string) Option {
	return func(g *Gateway) {
		g.systemPrompt = prompt
	}
}

// WithMaxTokens sets the per-turn generation budget.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) {
		g.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *Gateway) {
		g.temperature = t
	}
}

// New creates a Gateway over a provider model.
func New(model llms.Model, opts ...Option) *Gateway {
	g := &Gateway{
		model: model,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Model returns the underlying provider model.
func (g *Gateway) Model() llms.Model {
	return g.model
}

// IsThrottle reports whether err is a provider throttle response:
// HTTP 429 from the Anthropic API or ThrottlingException from Bedrock.
func IsThrottle(err error) bool {
	return anthropic.IsThrottle(err) || bedrock.IsThrottle(err)
}

// Converse sends the transcript and the tool catalog to the model and
// classifies the response into a ModelTurn.
func (g *Gateway) Converse(ctx context.Context, messages []llms.Message, tools []llms.Tool) (*ModelTurn, error) {
	provider := string(g.model.GetProviderType())
	modelName := g.model.GetName()

	if g.systemPrompt != "" {
		withSystem := make([]llms.Message, 0, len(messages)+1)
		withSystem = append(withSystem, llms.MessageFromTextParts(llms.RoleSystem, g.systemPrompt))
		messages = append(withSystem, messages...)
	}

	var callOpts []llms.CallOption
	if len(tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(tools))
	}
	if g.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(g.maxTokens))
	}
	if g.temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(g.temperature))
	}

	started := time.Now()
	resp, err := g.model.GenerateContent(ctx, messages, callOpts...)
	metricskey.PerfModelCall.MeasureSince(started, provider, modelName)
	if err != nil {
		if IsThrottle(err) {
			metricskey.StatsModelCallsThrottled.IncrCounter(1, provider, modelName)
		} else {
			metricskey.StatsModelCallsFailed.IncrCounter(1, provider, modelName)
		}
		return nil, errors.WithMessage(err, "model call failed")
	}
	if len(resp.Choices) == 0 {
		metricskey.StatsModelCallsFailed.IncrCounter(1, provider, modelName)
		return nil, errors.New("model returned no choices")
	}
	metricskey.StatsModelCallsSucceeded.IncrCounter(1, provider, modelName)

	turn := classify(resp)
	metricskey.StatsModelInputTokens.IncrCounter(float64(turn.Usage.InputTokens), provider, modelName)
	metricskey.StatsModelOutputTokens.IncrCounter(float64(turn.Usage.OutputTokens), provider, modelName)

	logger.ContextKV(ctx, xlog.DEBUG,
		"model", modelName,
		"stop_reason", turn.StopReason,
		"tool_calls", len(turn.ToolCalls))
	return turn, nil
}

func classify(resp *llms.ContentResponse) *ModelTurn {
	turn := &ModelTurn{}
	for _, choice := range resp.Choices {
		if turn.StopReason == "" {
			turn.StopReason = choice.StopReason
		}
		if choice.Content != "" {
			if turn.Text != "" {
				turn.Text += "\n"
			}
			turn.Text += choice.Content
		}
		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			turn.ToolCalls = append(turn.ToolCalls, ToolCallRequest{
				ID:        tc.ID,
				Name:      tc.FunctionCall.Name,
				Arguments: tc.FunctionCall.Arguments,
			})
		}
	}
	// providers stamp the same usage on every choice
	first := resp.Choices[0]
	turn.Usage.InputTokens = cast.ToInt64(first.GenerationInfo["InputTokens"])
	turn.Usage.OutputTokens = cast.ToInt64(first.GenerationInfo["OutputTokens"])

	switch {
	case len(turn.ToolCalls) > 0:
		turn.Kind = TurnToolCalls
	case turn.StopReason == "" ||
		turn.StopReason == "end_turn" ||
		turn.StopReason == "stop_sequence":
		turn.Kind = TurnFinalAnswer
	default:
		turn.Kind = TurnStopped
	}
	return turn
}
