package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/effective-security/mcpagent/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
mcpServers:
  postgres:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-postgres", "postgresql://localhost/db"]
  search:
    transport: sse
    url: http://localhost:8931/sse
model:
  provider: BEDROCK
  model: anthropic.claude-3-5-sonnet-20241022-v2:0
  region: us-east-1
engine:
  max_rounds: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "mcp.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"postgres", "search"}, cfg.ServerNames())
	assert.Equal(t, config.TransportStdio, cfg.Servers["postgres"].Kind())
	assert.Equal(t, config.TransportSSE, cfg.Servers["search"].Kind())

	// defaults
	assert.Equal(t, 5, cfg.Engine.MaxRounds)
	assert.Equal(t, config.DefaultMaxTurns, cfg.Engine.MaxTurns)
	assert.Equal(t, config.DefaultRecentWindow, cfg.Engine.RecentWindow)
	assert.Equal(t, config.DefaultConnectTimeout, cfg.Servers["postgres"].ConnectTimeout)
	assert.Equal(t, config.DefaultInvokeTimeout, cfg.Servers["postgres"].InvokeTimeout)
	assert.Equal(t, config.DefaultRateRetries, cfg.RateLimit.MaxRetries)
}

func TestLoadInvalidProvider(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
mcpServers: {}
model:
  provider: OPENAI
  model: gpt-4
`))
	assert.Error(t, err)
}

func TestLoadServerWithoutEndpoint(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
mcpServers:
  broken: {}
model:
  provider: ANTHROPIC
  model: claude-3-5-sonnet-20241022
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must set command or url")
}

func TestAddServerAndSave(t *testing.T) {
	file := writeConfig(t, testConfig)
	cfg, err := config.Load(file)
	require.NoError(t, err)

	err = cfg.AddServer("", &config.ServerConfig{URL: "http://localhost:9000"})
	assert.Error(t, err)

	err = cfg.AddServer("github", nil)
	assert.Error(t, err)

	err = cfg.AddServer("github", &config.ServerConfig{
		Transport: config.TransportStreamableHTTP,
		URL:       "http://localhost:9000/mcp",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "postgres", "search"}, cfg.ServerNames())
	assert.Equal(t, config.DefaultInvokeTimeout, cfg.Servers["github"].InvokeTimeout)

	require.NoError(t, cfg.Save(file))

	reloaded, err := config.Load(file)
	require.NoError(t, err)
	assert.Equal(t, cfg.ServerNames(), reloaded.ServerNames())
	assert.Equal(t, "http://localhost:9000/mcp", reloaded.Servers["github"].URL)
}

func TestSaveJSON(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, cfg.Save(file))

	reloaded, err := config.Load(file)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model.Model, reloaded.Model.Model)
	assert.Equal(t, 5*time.Minute, reloaded.Cache.TTL)
}
