package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsModelCallsSucceeded is base for counter metric for total model calls succeeded
	StatsModelCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_model_calls_succeeded",
		Help:         "stats_model_calls_succeeded provides total model calls succeeded",
		RequiredTags: []string{"provider", "model"},
	}

	StatsModelCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_model_calls_failed",
		Help:         "stats_model_calls_failed provides total model calls failed",
		RequiredTags: []string{"provider", "model"},
	}

	StatsModelCallsThrottled = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_model_calls_throttled",
		Help:         "stats_model_calls_throttled provides total model calls throttled by the provider",
		RequiredTags: []string{"provider", "model"},
	}

	StatsModelInputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_model_input_tokens",
		Help:         "stats_model_input_tokens provides total input tokens sent to the model",
		RequiredTags: []string{"provider", "model"},
	}

	StatsModelOutputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_model_output_tokens",
		Help:         "stats_model_output_tokens provides total output tokens received from the model",
		RequiredTags: []string{"provider", "model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"server", "tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"server", "tool"},
	}

	StatsToolCallsTimeout = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_timeout",
		Help:         "stats_tool_calls_timeout provides total tool calls that exceeded the invocation deadline",
		RequiredTags: []string{"server", "tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls for unknown tools",
		RequiredTags: []string{"tool"},
	}

	StatsCacheHit = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_cache_hit",
		Help:         "stats_cache_hit provides total response cache hits",
		RequiredTags: []string{"cache"},
	}

	StatsCacheMiss = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_cache_miss",
		Help:         "stats_cache_miss provides total response cache misses",
		RequiredTags: []string{"cache"},
	}

	StatsRateLimitWaits = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_rate_limit_waits",
		Help:         "stats_rate_limit_waits provides total admissions delayed by the rate limiter",
		RequiredTags: []string{"target"},
	}

	StatsRateLimitExceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_rate_limit_exceeded",
		Help:         "stats_rate_limit_exceeded provides total requests rejected after the retry budget",
		RequiredTags: []string{"target"},
	}

	StatsServersConnected = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_servers_connected",
		Help:         "stats_servers_connected provides total successful server connections",
		RequiredTags: []string{"server"},
	}

	StatsServersFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_servers_failed",
		Help:         "stats_servers_failed provides total failed server connections",
		RequiredTags: []string{"server"},
	}
)

// Perf
var (
	PerfQueryRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_query_run",
		Help:         "perf_query_run provides duration of a full query run",
		RequiredTags: []string{"session"},
	}

	PerfModelCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_model_call",
		Help:         "perf_model_call provides duration of a model call",
		RequiredTags: []string{"provider", "model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of a tool call",
		RequiredTags: []string{"server", "tool"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfModelCall,
	&PerfQueryRun,
	&PerfToolCall,
	&StatsCacheHit,
	&StatsCacheMiss,
	&StatsModelCallsFailed,
	&StatsModelCallsSucceeded,
	&StatsModelCallsThrottled,
	&StatsModelInputTokens,
	&StatsModelOutputTokens,
	&StatsRateLimitExceeded,
	&StatsRateLimitWaits,
	&StatsServersConnected,
	&StatsServersFailed,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
	&StatsToolCallsTimeout,
}
