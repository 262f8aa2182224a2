package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/cache"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/gateway"
	"github.com/effective-security/mcpagent/mcppool"
	"github.com/effective-security/mcpagent/memory"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llms/anthropic"
	"github.com/effective-security/mcpagent/pkg/llms/bedrock"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/ratelimit"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// Client is the composition root: it owns the connection pool, the tool
// registry, the model gateway, and the per-session memories, and exposes
// the engine operations the CLI and the HTTP server call.
type Client struct {
	cfg     *config.Config
	cfgFile string
	pool    *mcppool.Pool
	orch    *Orchestrator

	// summarizer is applied to newly created session memories; nil means
	// the default local digest.
	summarizer memory.Summarizer

	mu       sync.Mutex
	reg      *registry.Registry
	sessions map[string]*session
}

// session serializes queries per session: concurrent queries in one session
// run one at a time so the transcript ordering stays coherent.
type session struct {
	run sync.Mutex
	mem *memory.Memory
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	model    llms.Model
	cache    cache.Cache
	dialer   mcppool.Dialer
	cfgFile  string
	summarer memory.Summarizer
}

// WithModel overrides the provider model built from the configuration.
func WithModel(model llms.Model) ClientOption {
	return func(o *clientOptions) {
		o.model = model
	}
}

// WithCacheBackend overrides the tool response cache built from the
// configuration.
func WithCacheBackend(c cache.Cache) ClientOption {
	return func(o *clientOptions) {
		o.cache = c
	}
}

// WithDialer overrides the MCP session dialer.
func WithDialer(dial mcppool.Dialer) ClientOption {
	return func(o *clientOptions) {
		o.dialer = dial
	}
}

// WithConfigFile enables persisting configuration changes back to file.
func WithConfigFile(file string) ClientOption {
	return func(o *clientOptions) {
		o.cfgFile = file
	}
}

// WithSummarizer overrides the memory compaction summarizer.
func WithSummarizer(s memory.Summarizer) ClientOption {
	return func(o *clientOptions) {
		o.summarer = s
	}
}

// NewClient builds the engine from configuration.
func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	var co clientOptions
	for _, opt := range opts {
		opt(&co)
	}

	model := co.model
	if model == nil {
		var err error
		model, err = buildModel(cfg.Model)
		if err != nil {
			return nil, err
		}
	}

	toolCache := co.cache
	if toolCache == nil && cfg.Cache.Enabled {
		if cfg.Cache.RedisAddr != "" {
			toolCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr}), "mcpagent")
		} else {
			toolCache = cache.NewMemory(cfg.Cache.MaxEntries)
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		BaseDelay:  cfg.RateLimit.BaseDelay,
		MaxDelay:   cfg.RateLimit.MaxDelay,
		MaxRetries: cfg.RateLimit.MaxRetries,
	})

	gw := gateway.New(model,
		gateway.WithSystemPrompt(cfg.Model.SystemPrompt),
		gateway.WithMaxTokens(cfg.Model.MaxTokens),
		gateway.WithTemperature(cfg.Model.Temperature),
	)

	var poolOpts []mcppool.Option
	if co.dialer != nil {
		poolOpts = append(poolOpts, mcppool.WithDialer(co.dialer))
	}
	pool := mcppool.New(cfg.Servers, poolOpts...)

	var orchOpts []Option
	orchOpts = append(orchOpts, WithMaxRounds(cfg.Engine.MaxRounds))
	if toolCache != nil {
		orchOpts = append(orchOpts, WithCache(toolCache, cfg.Cache.TTL))
	}

	return &Client{
		cfg:        cfg,
		cfgFile:    co.cfgFile,
		pool:       pool,
		orch:       New(gw, pool, limiter, orchOpts...),
		reg:        registry.Build(nil, nil),
		summarizer: co.summarer,
		sessions:   make(map[string]*session),
	}, nil
}

func buildModel(cfg config.ModelConfig) (llms.Model, error) {
	switch llms.ProviderType(cfg.Provider) {
	case llms.ProviderAnthropic:
		return anthropic.New(anthropic.WithModel(cfg.Model))
	case llms.ProviderBedrock:
		return bedrock.New(bedrock.WithModel(cfg.Model), bedrock.WithRegion(cfg.Region))
	default:
		return nil, errors.Errorf("unsupported provider: %q", cfg.Provider)
	}
}

// Connect establishes sessions for the named servers, or all configured
// servers when no names are given, then rebuilds the tool registry from
// whatever is connected. Partial failure is not an error: the failed map
// carries the per-server causes.
func (c *Client) Connect(ctx context.Context, names ...string) (connected []string, failed map[string]error, err error) {
	connected, failed = c.pool.Connect(ctx, names...)
	for _, name := range connected {
		metricskey.StatsServersConnected.IncrCounter(1, name)
	}
	for name := range failed {
		metricskey.StatsServersFailed.IncrCounter(1, name)
	}
	if rerr := c.rebuildRegistry(ctx); rerr != nil {
		return connected, failed, rerr
	}
	return connected, failed, nil
}

func (c *Client) rebuildRegistry(ctx context.Context) error {
	tools, err := c.pool.ListTools(ctx)
	if err != nil {
		return err
	}
	reg := registry.Build(c.pool.Connected(), tools)
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
	logger.ContextKV(ctx, xlog.INFO,
		"status", "registry_rebuilt",
		"servers", len(c.pool.Connected()),
		"tools", reg.Len())
	return nil
}

func (c *Client) registry() *registry.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

// ProcessQuery runs one query in the named session. An empty sessionID
// gets a fresh session ID; the result carries the effective one.
func (c *Client) ProcessQuery(ctx context.Context, sessionID, query string) (*QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	if sessionID == "" {
		sessionID = chatmodel.NewSessionID()
	}
	ctx = chatmodel.WithChatContext(ctx, chatmodel.NewChatContext(sessionID, nil))

	started := time.Now()
	defer metricskey.PerfQueryRun.MeasureSince(started, sessionID)

	sess := c.session(sessionID)
	sess.run.Lock()
	defer sess.run.Unlock()

	res, err := c.orch.Run(ctx, sess.mem, c.registry(), query)
	if err != nil {
		return nil, err
	}
	res.SessionID = sessionID
	return res, nil
}

func (c *Client) session(sessionID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		var memOpts []memory.Option
		if c.summarizer != nil {
			memOpts = append(memOpts, memory.WithSummarizer(c.summarizer))
		}
		sess = &session{
			mem: memory.New(c.cfg.Engine.MaxTurns, c.cfg.Engine.RecentWindow, memOpts...),
		}
		c.sessions[sessionID] = sess
	}
	return sess
}

// SessionSummary returns the running compaction summary for a session,
// empty when the session does not exist or has not been compacted.
func (c *Client) SessionSummary(sessionID string) string {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return ""
	}
	return sess.mem.Summary()
}

// ClearSession drops a session's transcript and summary. Clearing an
// unknown session is a no-op.
func (c *Client) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// ListTools returns the current tool catalog.
func (c *Client) ListTools() []registry.Entry {
	return c.registry().Entries()
}

// Servers returns a snapshot of all configured server connections.
func (c *Client) Servers() []mcppool.ServerDescriptor {
	return c.pool.Descriptors()
}

// AddServer registers a new server, connects it, rebuilds the registry,
// and persists the configuration when a config file is set. The server
// stays registered even when the initial connect fails.
func (c *Client) AddServer(ctx context.Context, name string, srv *config.ServerConfig) error {
	if err := c.cfg.AddServer(name, srv); err != nil {
		return err
	}
	c.pool.Add(name, srv)

	if c.cfgFile != "" {
		if err := c.cfg.Save(c.cfgFile); err != nil {
			return err
		}
	}

	_, failed, err := c.Connect(ctx, name)
	if err != nil {
		return err
	}
	if ferr, ok := failed[name]; ok {
		return ferr
	}
	return nil
}

// Cleanup closes all server sessions. Idempotent.
func (c *Client) Cleanup() {
	c.pool.DisconnectAll()
}
