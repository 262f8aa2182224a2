// Package orchestrator drives the model/tool conversation loop: it sends
// the transcript to the model, executes the tool calls the model requests,
// feeds the results back, and repeats until the model produces a final
// answer or the round budget runs out.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/cache"
	"github.com/effective-security/mcpagent/gateway"
	"github.com/effective-security/mcpagent/mcppool"
	"github.com/effective-security/mcpagent/memory"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/ratelimit"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "orchestrator")

// ModelTarget is the rate-limit target name for the model endpoint.
const ModelTarget = "model"

// maxNotFoundRounds aborts a query when the model keeps requesting tools
// that do not exist, round after round.
const maxNotFoundRounds = 3

// MaxRoundsNote is appended to the answer when the round budget runs out
// before the model produces a final answer.
const MaxRoundsNote = "[Max processing steps reached]"

// ServerTarget returns the rate-limit target name for a capability server.
func ServerTarget(server string) string {
	return "server:" + server
}

// QueryResult is the outcome of one processed query.
type QueryResult struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
	// Rounds is the number of model turns taken.
	Rounds int `json:"rounds"`
	// ToolCalls is the number of tool executions across all rounds.
	ToolCalls  int    `json:"tool_calls"`
	StopReason string `json:"stop_reason,omitempty"`
	// MaxRoundsHit reports that the round budget ran out before the model
	// produced a final answer.
	MaxRoundsHit bool          `json:"max_rounds_hit,omitempty"`
	Usage        gateway.Usage `json:"usage"`
}

// Orchestrator runs the bounded conversation loop. It is stateless across
// queries; all conversation state lives in the session Memory.
type Orchestrator struct {
	gw       *gateway.Gateway
	pool     *mcppool.Pool
	limiter  *ratelimit.Limiter
	cache    cache.Cache
	cacheTTL time.Duration
	rounds   int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache enables the advisory tool response cache.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithMaxRounds bounds the model/tool rounds per query.
func WithMaxRounds(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.rounds = n
		}
	}
}

// New creates an Orchestrator.
func New(gw *gateway.Gateway, pool *mcppool.Pool, limiter *ratelimit.Limiter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gw:      gw,
		pool:    pool,
		limiter: limiter,
		rounds:  10,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes one query against the session transcript. The user turn,
// every completed tool exchange, and the final answer are recorded in mem;
// exchanges that completed before a cancellation stay recorded.
func (o *Orchestrator) Run(ctx context.Context, mem *memory.Memory, reg *registry.Registry, query string) (*QueryResult, error) {
	mem.AddUser(query)
	tools := reg.ToModelSchema()
	res := &QueryResult{}
	notFoundRounds := 0

	for round := 1; round <= o.rounds; round++ {
		res.Rounds = round

		turn, err := o.converse(ctx, mem, tools)
		if err != nil {
			return nil, err
		}
		res.StopReason = turn.StopReason
		res.Usage.InputTokens += turn.Usage.InputTokens
		res.Usage.OutputTokens += turn.Usage.OutputTokens

		if turn.Kind != gateway.TurnToolCalls {
			if turn.Text != "" {
				mem.AddAssistant(turn.Text)
			}
			res.Answer = turn.Text
			if turn.Kind == gateway.TurnStopped {
				logger.ContextKV(ctx, xlog.WARNING,
					"reason", "generation_stopped",
					"stop_reason", turn.StopReason,
					"round", round)
			}
			return res, nil
		}

		// The model may narrate before requesting tools; keep the narration
		// in the transcript so the next round sees it.
		if turn.Text != "" {
			mem.AddAssistant(turn.Text)
		}

		logger.ContextKV(ctx, xlog.DEBUG,
			"status", "tool_calls_requested",
			"round", round,
			"count", len(turn.ToolCalls))

		outcomes := o.executeToolCalls(ctx, reg, turn.ToolCalls)
		res.ToolCalls += len(outcomes)

		allNotFound := len(outcomes) > 0
		for _, out := range outcomes {
			// A call aborted by cancellation never completed; recording it
			// would replay a fabricated failure into later queries.
			if out.cancelled {
				allNotFound = false
				continue
			}
			mem.AddToolExchange(out.ex)
			if !out.notFound {
				allNotFound = false
			}
		}
		if allNotFound {
			notFoundRounds++
			if notFoundRounds >= maxNotFoundRounds {
				return nil, errors.Newf("aborted after %d rounds of unknown tool requests", notFoundRounds)
			}
		} else {
			notFoundRounds = 0
		}

		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
	}

	res.MaxRoundsHit = true
	res.Answer = MaxRoundsNote
	mem.AddAssistant(res.Answer)
	logger.ContextKV(ctx, xlog.WARNING,
		"reason", "max_rounds_reached",
		"rounds", o.rounds,
		"tool_calls", res.ToolCalls)
	return res, nil
}

// converse runs one model turn under the model rate-limit target. A
// throttle response backs off and retries in place until the limiter's
// retry budget is spent.
func (o *Orchestrator) converse(ctx context.Context, mem *memory.Memory, tools []llms.Tool) (*gateway.ModelTurn, error) {
	for {
		if err := o.limiter.Admit(ctx, ModelTarget); err != nil {
			return nil, err
		}
		turn, err := o.gw.Converse(ctx, mem.Messages(), tools)
		if err == nil {
			o.limiter.Success(ModelTarget)
			return turn, nil
		}
		if gateway.IsThrottle(err) {
			metricskey.StatsRateLimitWaits.IncrCounter(1, ModelTarget)
			if lerr := o.limiter.Throttled(ModelTarget); lerr != nil {
				metricskey.StatsRateLimitExceeded.IncrCounter(1, ModelTarget)
				return nil, lerr
			}
			continue
		}
		// a non-throttle failure frees the in-flight slot but keeps the
		// backoff state; only success resets it
		o.limiter.Release(ModelTarget)
		return nil, err
	}
}

type toolOutcome struct {
	ex       memory.ToolExchange
	notFound bool
	// cancelled marks a call aborted by the query context; it is dropped
	// from the transcript instead of recorded as a failure.
	cancelled bool
}

// executeToolCalls fans out the round's tool calls concurrently and rejoins
// the results in request order, correlated by call ID. One failed call
// never fails the round: the failure is fed back to the model as that
// call's result.
func (o *Orchestrator) executeToolCalls(ctx context.Context, reg *registry.Registry, calls []gateway.ToolCallRequest) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("%s_%d", call.Name, i)
		}
		wg.Add(1)
		go func(i int, call gateway.ToolCallRequest) {
			defer wg.Done()
			outcomes[i] = o.executeToolCall(ctx, reg, call)
		}(i, call)
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) executeToolCall(ctx context.Context, reg *registry.Registry, call gateway.ToolCallRequest) toolOutcome {
	server, tool, err := reg.Resolve(call.Name)
	if err != nil {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, call.Name)
		logger.ContextKV(ctx, xlog.WARNING, "reason", "tool_not_found", "tool", call.Name)
		return toolOutcome{
			ex:       failedExchange(call, fmt.Sprintf("unknown tool %q", call.Name)),
			notFound: true,
		}
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			metricskey.StatsToolCallsFailed.IncrCounter(1, server, tool)
			return toolOutcome{
				ex: failedExchange(call, fmt.Sprintf("invalid arguments: %s", err.Error())),
			}
		}
	}

	key := cache.Key(server, tool, args)
	if o.cache != nil {
		if v, ok := o.cache.Get(ctx, key); ok {
			metricskey.StatsCacheHit.IncrCounter(1, "tool")
			logger.ContextKV(ctx, xlog.DEBUG, "status", "cache_hit", "server", server, "tool", tool)
			return toolOutcome{ex: memory.ToolExchange{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Result:    v,
			}}
		}
		metricskey.StatsCacheMiss.IncrCounter(1, "tool")
	}

	target := ServerTarget(server)
	if err := o.limiter.Admit(ctx, target); err != nil {
		// Admit fails only on context cancellation; the call never started.
		return toolOutcome{cancelled: true}
	}
	started := time.Now()
	content, err := o.pool.Invoke(ctx, server, tool, args)
	elapsed := time.Since(started)
	metricskey.PerfToolCall.MeasureSince(started, server, tool)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The query was cancelled mid-call; the call did not complete.
			o.limiter.Release(target)
			return toolOutcome{cancelled: true}
		case errors.Is(err, mcppool.ErrInvokeTimeout):
			o.limiter.TimedOut(target)
			metricskey.StatsToolCallsTimeout.IncrCounter(1, server, tool)
		default:
			o.limiter.Release(target)
			metricskey.StatsToolCallsFailed.IncrCounter(1, server, tool)
		}
		logger.ContextKV(ctx, xlog.WARNING,
			"reason", "tool_call_failed",
			"server", server,
			"tool", tool,
			"err", err.Error())
		ex := failedExchange(call, err.Error())
		ex.Latency = elapsed
		return toolOutcome{ex: ex}
	}
	o.limiter.Success(target)

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, server, tool)
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "tool_call_succeeded",
		"server", server,
		"tool", tool,
		"result", slices.StringUpto(content, 64))
	if o.cache != nil {
		o.cache.Put(ctx, key, content, o.cacheTTL)
	}
	return toolOutcome{ex: memory.ToolExchange{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Result:    content,
		Latency:   elapsed,
	}}
}

// failedExchange is the structured failure fed back to the model in place
// of the tool result.
func failedExchange(call gateway.ToolCallRequest, msg string) memory.ToolExchange {
	return memory.ToolExchange{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Result:    "Tool call failed: " + msg,
		Failed:    true,
	}
}
