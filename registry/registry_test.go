package registry_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcppool"
	"github.com/effective-security/mcpagent/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCollision(t *testing.T) {
	tools := map[string][]mcppool.ToolDescriptor{
		"alpha": {
			{Name: "search", Description: "Search alpha"},
			{Name: "status", Description: "Alpha status"},
		},
		"beta": {
			{Name: "search", Description: "Search beta"},
		},
	}

	r := registry.Build([]string{"alpha", "beta"}, tools)
	require.Equal(t, 3, r.Len())

	// first claimant keeps the bare name
	server, tool, err := r.Resolve("search")
	require.NoError(t, err)
	assert.Equal(t, "alpha", server)
	assert.Equal(t, "search", tool)

	// later claimant is qualified
	server, tool, err = r.Resolve("beta_search")
	require.NoError(t, err)
	assert.Equal(t, "beta", server)
	assert.Equal(t, "search", tool)

	// deterministic for a fixed order
	again := registry.Build([]string{"alpha", "beta"}, tools)
	assert.Equal(t, r.Entries(), again.Entries())
}

func TestResolveQualifiedBareTool(t *testing.T) {
	r := registry.Build([]string{"postgres"}, map[string][]mcppool.ToolDescriptor{
		"postgres": {{Name: "query_database"}},
	})

	// exposed bare name
	server, tool, err := r.Resolve("query_database")
	require.NoError(t, err)
	assert.Equal(t, "postgres", server)
	assert.Equal(t, "query_database", tool)

	// explicitly qualified form round-trips too
	server, tool, err = r.Resolve("postgres_query_database")
	require.NoError(t, err)
	assert.Equal(t, "postgres", server)
	assert.Equal(t, "query_database", tool)
}

func TestResolveUnknown(t *testing.T) {
	r := registry.Build(nil, nil)
	_, _, err := r.Resolve("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrUnknownTool))
}

func TestToModelSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sql": map[string]any{"type": "string"},
		},
		"required": []string{"sql"},
	}
	r := registry.Build([]string{"postgres"}, map[string][]mcppool.ToolDescriptor{
		"postgres": {{Name: "query_database", Description: "Run a SQL query", InputSchema: schema}},
	})

	tools := r.ToModelSchema()
	require.Len(t, tools, 1)
	assert.Equal(t, "function", tools[0].Type)
	assert.Equal(t, "query_database", tools[0].Function.Name)
	assert.Equal(t, "[postgres] Run a SQL query", tools[0].Function.Description)
	// schema passed through untouched
	assert.Equal(t, schema, tools[0].Function.Parameters)
}

func TestBuildQualifiedConflictSkipped(t *testing.T) {
	tools := map[string][]mcppool.ToolDescriptor{
		"alpha": {{Name: "beta_search"}},
		"beta":  {{Name: "search"}, {Name: "search"}},
	}
	// beta's second "search" would qualify to "beta_search", already taken
	// by alpha's bare tool
	r := registry.Build([]string{"alpha", "beta"}, tools)
	assert.Equal(t, 2, r.Len())
}
