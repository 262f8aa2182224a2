// Package config loads and validates the engine configuration: the MCP
// server registry, model settings, and engine tuning knobs.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Transport kinds for MCP servers.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Default engine settings.
const (
	DefaultMaxRounds      = 10
	DefaultMaxTurns       = 20
	DefaultRecentWindow   = 8
	DefaultConnectTimeout = 30 * time.Second
	DefaultInvokeTimeout  = 60 * time.Second
	DefaultCacheTTL       = 5 * time.Minute
	DefaultCacheEntries   = 256
	DefaultRateBaseDelay  = time.Second
	DefaultRateMaxDelay   = 30 * time.Second
	DefaultRateRetries    = 5
)

// ServerConfig describes one MCP capability server.
type ServerConfig struct {
	// Transport is one of: stdio, sse, streamable-http.
	// Empty defaults to stdio when Command is set, sse otherwise.
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty" validate:"omitempty,oneof=stdio sse streamable-http"`
	// Command and Args launch a stdio server as a subprocess.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is extra environment for the subprocess, KEY=VALUE.
	Env []string `json:"env,omitempty" yaml:"env,omitempty"`
	// URL is the endpoint for sse and streamable-http transports.
	URL string `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`
	// ConnectTimeout bounds session establishment.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	// InvokeTimeout bounds a single tool invocation.
	InvokeTimeout time.Duration `json:"invoke_timeout,omitempty" yaml:"invoke_timeout,omitempty"`
}

// Kind returns the effective transport kind.
func (c *ServerConfig) Kind() string {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	return TransportSSE
}

// ModelConfig selects the LLM provider and model.
type ModelConfig struct {
	// Provider is ANTHROPIC or BEDROCK.
	Provider string `json:"provider" yaml:"provider" validate:"required,oneof=ANTHROPIC BEDROCK"`
	// Model is the provider model ID.
	Model string `json:"model" yaml:"model" validate:"required"`
	// Region is the AWS region for the BEDROCK provider.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`
	// SystemPrompt is prepended to every conversation.
	SystemPrompt string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// EngineConfig tunes the orchestration loop and conversation memory.
type EngineConfig struct {
	// MaxRounds bounds model/tool rounds per query.
	MaxRounds int `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty" validate:"omitempty,min=1"`
	// MaxTurns is the live transcript budget before compaction.
	MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty" validate:"omitempty,min=1"`
	// RecentWindow is the number of most recent turns never compacted.
	RecentWindow int `json:"recent_window,omitempty" yaml:"recent_window,omitempty" validate:"omitempty,min=1"`
}

// CacheConfig configures the tool response cache.
type CacheConfig struct {
	Enabled bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	// MaxEntries bounds the in-memory cache.
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	// RedisAddr switches the cache to Redis when set, host:port.
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
}

// RateLimitConfig configures the per-target admission backoff.
type RateLimitConfig struct {
	BaseDelay  time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay   time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Config is the root configuration.
type Config struct {
	Servers   map[string]*ServerConfig `json:"mcpServers" yaml:"mcpServers" validate:"dive,required"`
	Model     ModelConfig              `json:"model" yaml:"model"`
	Engine    EngineConfig             `json:"engine,omitempty" yaml:"engine,omitempty"`
	Cache     CacheConfig              `json:"cache,omitempty" yaml:"cache,omitempty"`
	RateLimit RateLimitConfig          `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

var validate = validator.New()

// Load reads the configuration from file, expands environment variables,
// applies defaults, and validates. A malformed server descriptor is fatal.
func Load(file string) (*Config, error) {
	cfg := new(Config)
	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load config: %s", file)
	}

	cfg.applyDefaults()

	if err := validate.Struct(cfg); err != nil {
		return nil, errors.WithMessagef(err, "invalid config: %s", file)
	}
	for name, srv := range cfg.Servers {
		if srv.Command == "" && srv.URL == "" {
			return nil, errors.Errorf("invalid config: server %q must set command or url", name)
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.MaxRounds == 0 {
		c.Engine.MaxRounds = DefaultMaxRounds
	}
	if c.Engine.MaxTurns == 0 {
		c.Engine.MaxTurns = DefaultMaxTurns
	}
	if c.Engine.RecentWindow == 0 {
		c.Engine.RecentWindow = DefaultRecentWindow
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheEntries
	}
	if c.RateLimit.BaseDelay == 0 {
		c.RateLimit.BaseDelay = DefaultRateBaseDelay
	}
	if c.RateLimit.MaxDelay == 0 {
		c.RateLimit.MaxDelay = DefaultRateMaxDelay
	}
	if c.RateLimit.MaxRetries == 0 {
		c.RateLimit.MaxRetries = DefaultRateRetries
	}
	for _, srv := range c.Servers {
		if srv.ConnectTimeout == 0 {
			srv.ConnectTimeout = DefaultConnectTimeout
		}
		if srv.InvokeTimeout == 0 {
			srv.InvokeTimeout = DefaultInvokeTimeout
		}
	}
}

// ServerNames returns the configured server names in stable sorted order.
// The registry and the pool iterate servers in this order, which makes
// tool name collision resolution deterministic.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddServer registers a new server descriptor after validating it.
func (c *Config) AddServer(name string, srv *ServerConfig) error {
	if name == "" {
		return errors.New("server name is required")
	}
	if srv == nil || (srv.Command == "" && srv.URL == "") {
		return errors.Errorf("server %q must set command or url", name)
	}
	if err := validate.Struct(srv); err != nil {
		return errors.WithMessagef(err, "invalid server config: %s", name)
	}
	if srv.ConnectTimeout == 0 {
		srv.ConnectTimeout = DefaultConnectTimeout
	}
	if srv.InvokeTimeout == 0 {
		srv.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.Servers == nil {
		c.Servers = map[string]*ServerConfig{}
	}
	c.Servers[name] = srv
	return nil
}

// Save persists the configuration back to file, as JSON or YAML depending
// on the file extension.
func (c *Config) Save(file string) error {
	var bs []byte
	var err error
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		bs, err = yaml.Marshal(c)
	default:
		bs, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(file, bs, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config: %s", file)
	}
	return nil
}
