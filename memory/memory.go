// Package memory keeps the ordered, bounded conversation transcript for a
// session and compacts old turns into a running summary.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "memory")

// TurnRole is who produced a turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
	TurnTool      TurnRole = "tool"
)

// ToolExchange records one completed tool invocation: the request the model
// made and the result it was fed back.
type ToolExchange struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Result    string        `json:"result"`
	Failed    bool          `json:"failed,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// Turn is one entry of the transcript.
type Turn struct {
	Role    TurnRole      `json:"role"`
	Content string        `json:"content,omitempty"`
	Tool    *ToolExchange `json:"tool,omitempty"`
	At      time.Time     `json:"at"`
}

// Summarizer folds compacted turns into the running summary. The default is
// Digest; an LLM-backed implementation may replace it.
type Summarizer func(ctx context.Context, prevSummary string, compacted []Turn) string

// Memory is the per-session transcript. Safe for concurrent use; all
// mutation happens under one mutex, so a compaction never interleaves with
// an append.
type Memory struct {
	mu         sync.Mutex
	turns      []Turn
	summary    string
	maxTurns   int
	recent     int
	summarize  Summarizer
	now        func() time.Time
	compactCtx context.Context
}

// Option configures a Memory.
type Option func(*Memory)

// WithSummarizer replaces the default local digest summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(m *Memory) {
		m.summarize = s
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		m.now = now
	}
}

// New creates a Memory with a live-turn budget and a recent window that is
// never compacted.
func New(maxTurns, recentWindow int, opts ...Option) *Memory {
	if maxTurns < 2 {
		maxTurns = 2
	}
	if recentWindow < 1 || recentWindow >= maxTurns {
		recentWindow = maxTurns / 2
	}
	m := &Memory{
		maxTurns:   maxTurns,
		recent:     recentWindow,
		summarize:  Digest,
		now:        time.Now,
		compactCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddUser appends a user turn.
func (m *Memory) AddUser(content string) {
	m.add(Turn{Role: TurnUser, Content: content})
}

// AddAssistant appends an assistant turn.
func (m *Memory) AddAssistant(content string) {
	m.add(Turn{Role: TurnAssistant, Content: content})
}

// AddToolExchange appends a completed tool exchange.
func (m *Memory) AddToolExchange(ex ToolExchange) {
	m.add(Turn{Role: TurnTool, Tool: &ex})
}

func (m *Memory) add(t Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.At = m.now()
	m.turns = append(m.turns, t)
	m.compactLocked()
}

// compactLocked folds turns beyond the recent window into the summary once
// the live transcript exceeds the budget. The recent window survives
// verbatim, and a trailing unresolved tool request is never separated from
// its response because exchanges enter the transcript only when complete.
func (m *Memory) compactLocked() {
	if len(m.turns) <= m.maxTurns {
		return
	}
	cut := len(m.turns) - m.recent
	compacted := m.turns[:cut]
	m.summary = m.summarize(m.compactCtx, m.summary, compacted)
	remaining := make([]Turn, len(m.turns)-cut)
	copy(remaining, m.turns[cut:])
	m.turns = remaining
	logger.KV(xlog.DEBUG, "compacted", cut, "live", len(m.turns))
}

// Turns returns a copy of the live transcript.
func (m *Memory) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Summary returns the running summary, empty until the first compaction.
func (m *Memory) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// Len returns the number of live turns.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// Clear drops the transcript and the summary.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
	m.summary = ""
}

// Messages renders the transcript as model messages. A non-empty summary
// becomes a leading user turn carrying the prior context; tool exchanges
// become the assistant tool-call message followed by the tool response.
func (m *Memory) Messages() []llms.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := make([]llms.Message, 0, len(m.turns)+1)
	if m.summary != "" {
		messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman,
			"Let's continue our conversation. Here's a summary of what we've discussed so far: "+m.summary))
	}
	for _, t := range m.turns {
		switch t.Role {
		case TurnUser:
			messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman, t.Content))
		case TurnAssistant:
			messages = append(messages, llms.MessageFromTextParts(llms.RoleAI, t.Content))
		case TurnTool:
			if t.Tool == nil {
				continue
			}
			messages = append(messages,
				llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
					ID:   t.Tool.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      t.Tool.Name,
						Arguments: t.Tool.Arguments,
					},
				}),
				llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
					ToolCallID: t.Tool.ID,
					Name:       t.Tool.Name,
					Content:    t.Tool.Result,
				}))
		}
	}
	return messages
}

// Digest is the default summarizer: a deterministic local digest of the
// compacted turns, newest appended last. It needs no model round-trip and
// is stable for tests.
func Digest(_ context.Context, prevSummary string, compacted []Turn) string {
	var sb strings.Builder
	if prevSummary != "" {
		sb.WriteString(prevSummary)
		sb.WriteString(" ")
	}
	for _, t := range compacted {
		switch t.Role {
		case TurnUser:
			fmt.Fprintf(&sb, "User asked: %s. ", slices.StringUpto(t.Content, 120))
		case TurnAssistant:
			fmt.Fprintf(&sb, "Assistant answered: %s. ", slices.StringUpto(t.Content, 120))
		case TurnTool:
			if t.Tool == nil {
				continue
			}
			if t.Tool.Failed {
				fmt.Fprintf(&sb, "Tool %s failed. ", t.Tool.Name)
			} else {
				fmt.Fprintf(&sb, "Tool %s returned: %s. ", t.Tool.Name, slices.StringUpto(t.Tool.Result, 80))
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// SummaryPrompt is the instruction used by the model-backed summarizer.
const SummaryPrompt = "Please provide a brief summary (2-3 sentences) of our conversation so far. " +
	"Focus on the key questions asked and insights provided."

// ModelSummarizer folds compacted turns into a summary using the model.
// On any failure it falls back to the local digest; compaction never fails.
func ModelSummarizer(model llms.Model) Summarizer {
	return func(ctx context.Context, prevSummary string, compacted []Turn) string {
		messages := []llms.Message{
			llms.MessageFromTextParts(llms.RoleHuman, SummaryPrompt),
		}
		if prevSummary != "" {
			messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman,
				"Earlier summary: "+prevSummary))
		}
		for _, t := range compacted {
			switch t.Role {
			case TurnUser:
				messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman, t.Content))
			case TurnAssistant:
				messages = append(messages, llms.MessageFromTextParts(llms.RoleAI, t.Content))
			case TurnTool:
				if t.Tool != nil {
					messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman,
						fmt.Sprintf("Tool %s returned: %s", t.Tool.Name, slices.StringUpto(t.Tool.Result, 500))))
				}
			}
		}

		resp, err := model.GenerateContent(ctx, messages)
		if err != nil || len(resp.Choices) == 0 {
			if err != nil {
				logger.ContextKV(ctx, xlog.WARNING, "reason", "summarizer_failed", "err", err.Error())
			}
			return Digest(ctx, prevSummary, compacted)
		}
		return resp.Choices[0].Content
	}
}
