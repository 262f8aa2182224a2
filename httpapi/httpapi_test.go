package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/httpapi"
	"github.com/effective-security/mcpagent/mcppool"
	"github.com/effective-security/mcpagent/orchestrator"
	"github.com/effective-security/mcpagent/ratelimit"
	"github.com/effective-security/mcpagent/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	connected []string
	failed    map[string]error
	result    *orchestrator.QueryResult
	queryErr  error
	tools     []registry.Entry
	servers   []mcppool.ServerDescriptor
	addErr    error

	addedServer   string
	clearedID     string
	connectedWith []string
}

func (e *fakeEngine) Connect(_ context.Context, names ...string) ([]string, map[string]error, error) {
	e.connectedWith = names
	return e.connected, e.failed, nil
}

func (e *fakeEngine) ProcessQuery(_ context.Context, sessionID, query string) (*orchestrator.QueryResult, error) {
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	res := *e.result
	res.SessionID = sessionID
	return &res, nil
}

func (e *fakeEngine) ListTools() []registry.Entry            { return e.tools }
func (e *fakeEngine) Servers() []mcppool.ServerDescriptor    { return e.servers }
func (e *fakeEngine) ClearSession(sessionID string)          { e.clearedID = sessionID }
func (e *fakeEngine) AddServer(_ context.Context, name string, _ *config.ServerConfig) error {
	e.addedServer = name
	return e.addErr
}

func doRequest(t *testing.T, engine httpapi.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	httpapi.Router(engine).ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := doRequest(t, &fakeEngine{}, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestQuery(t *testing.T) {
	engine := &fakeEngine{result: &orchestrator.QueryResult{
		Answer: "There are 42 users.",
		Rounds: 2,
	}}
	w := doRequest(t, engine, http.MethodPost, "/query",
		`{"session_id":"s1","query":"How many users?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res orchestrator.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "There are 42 users.", res.Answer)
	assert.Equal(t, 2, res.Rounds)
}

func TestQueryMissingBody(t *testing.T) {
	w := doRequest(t, &fakeEngine{}, http.MethodPost, "/query", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "query is required")
}

func TestQueryRateLimited(t *testing.T) {
	engine := &fakeEngine{queryErr: errors.WithMessage(ratelimit.ErrRateLimitExceeded, "target \"model\"")}
	w := doRequest(t, engine, http.MethodPost, "/query", `{"query":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "rate limit exceeded")
}

func TestConnect(t *testing.T) {
	engine := &fakeEngine{
		connected: []string{"alpha"},
		failed:    map[string]error{"beta": errors.New("connection refused")},
	}
	w := doRequest(t, engine, http.MethodPost, "/connect", `{"servers":["alpha","beta"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alpha", "beta"}, engine.connectedWith)

	var resp struct {
		Connected []string          `json:"connected"`
		Failed    map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"alpha"}, resp.Connected)
	assert.Contains(t, resp.Failed["beta"], "connection refused")
}

func TestConnectEmptyBody(t *testing.T) {
	engine := &fakeEngine{connected: []string{"alpha"}}
	w := doRequest(t, engine, http.MethodPost, "/connect", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, engine.connectedWith)
}

func TestListTools(t *testing.T) {
	engine := &fakeEngine{tools: []registry.Entry{{
		Server:      "db",
		Name:        "query_database",
		Exposed:     "query_database",
		Description: "Run a SQL query",
		InputSchema: map[string]any{"type": "object"},
	}}}
	w := doRequest(t, engine, http.MethodGet, "/tools", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tools []struct {
			Server string `json:"server"`
			Name   string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "db", resp.Tools[0].Server)
	assert.Equal(t, "query_database", resp.Tools[0].Name)
}

func TestListServers(t *testing.T) {
	engine := &fakeEngine{servers: []mcppool.ServerDescriptor{
		{Name: "db", Transport: "stdio", State: "connected"},
	}}
	w := doRequest(t, engine, http.MethodGet, "/servers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connected"`)
}

func TestAddServer(t *testing.T) {
	engine := &fakeEngine{}
	w := doRequest(t, engine, http.MethodPost, "/servers",
		`{"name":"db","server":{"command":"uvx","args":["postgres-mcp"]}}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "db", engine.addedServer)
}

func TestAddServerValidation(t *testing.T) {
	w := doRequest(t, &fakeEngine{}, http.MethodPost, "/servers", `{"server":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	engine := &fakeEngine{addErr: errors.New("connect failed")}
	w = doRequest(t, engine, http.MethodPost, "/servers", `{"name":"db","server":{"command":"x"}}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestClearSession(t *testing.T) {
	engine := &fakeEngine{}
	w := doRequest(t, engine, http.MethodDelete, "/session/s1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "s1", engine.clearedID)
}
