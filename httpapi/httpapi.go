// Package httpapi exposes the engine over HTTP: query processing, server
// management, and the tool catalog.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/mcppool"
	"github.com/effective-security/mcpagent/orchestrator"
	"github.com/effective-security/mcpagent/ratelimit"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/xlog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "httpapi")

// Engine is the surface of the orchestration client the API serves.
type Engine interface {
	Connect(ctx context.Context, names ...string) (connected []string, failed map[string]error, err error)
	ProcessQuery(ctx context.Context, sessionID, query string) (*orchestrator.QueryResult, error)
	ListTools() []registry.Entry
	Servers() []mcppool.ServerDescriptor
	AddServer(ctx context.Context, name string, srv *config.ServerConfig) error
	ClearSession(sessionID string)
}

// Router builds the HTTP handler over an engine.
func Router(engine Engine) http.Handler {
	routes := &engineRoutes{engine: engine}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", routes.getHealth)
	r.Get("/servers", routes.listServers)
	r.Get("/tools", routes.listTools)
	r.Post("/connect", routes.connect)
	r.Post("/servers", routes.addServer)
	r.Post("/query", routes.query)
	r.Delete("/session/{id}", routes.clearSession)
	return r
}

type engineRoutes struct {
	engine Engine
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.KV(xlog.WARNING, "reason", "encode_failed", "err", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *engineRoutes) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *engineRoutes) listServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, serverListResponse{Servers: h.engine.Servers()})
}

func (h *engineRoutes) listTools(w http.ResponseWriter, _ *http.Request) {
	entries := h.engine.ListTools()
	tools := make([]toolResponse, len(entries))
	for i, e := range entries {
		tools[i] = toolResponse{
			Server:      e.Server,
			Name:        e.Exposed,
			Description: e.Description,
			InputSchema: e.InputSchema,
		}
	}
	writeJSON(w, http.StatusOK, toolListResponse{Tools: tools})
}

func (h *engineRoutes) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errors.WithMessage(err, "invalid request"))
		return
	}

	connected, failed, err := h.engine.Connect(r.Context(), req.Servers...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := connectResponse{Connected: connected}
	if len(failed) > 0 {
		resp.Failed = make(map[string]string, len(failed))
		for name, ferr := range failed {
			resp.Failed[name] = ferr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *engineRoutes) addServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.WithMessage(err, "invalid request"))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	if err := h.engine.AddServer(r.Context(), req.Name, &req.Server); err != nil {
		logger.ContextKV(r.Context(), xlog.WARNING,
			"reason", "add_server_failed",
			"server", req.Name,
			"err", err.Error())
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, serverListResponse{Servers: h.engine.Servers()})
}

func (h *engineRoutes) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.WithMessage(err, "invalid request"))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}

	res, err := h.engine.ProcessQuery(r.Context(), req.SessionID, req.Query)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			status = http.StatusTooManyRequests
		}
		logger.ContextKV(r.Context(), xlog.WARNING,
			"reason", "query_failed",
			"session", req.SessionID,
			"err", err.Error())
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *engineRoutes) clearSession(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearSession(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

type connectRequest struct {
	// Servers limits the connect to the named servers; empty means all.
	Servers []string `json:"servers,omitempty"`
}

type connectResponse struct {
	Connected []string          `json:"connected"`
	Failed    map[string]string `json:"failed,omitempty"`
}

type addServerRequest struct {
	Name   string              `json:"name"`
	Server config.ServerConfig `json:"server"`
}

type queryRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

type serverListResponse struct {
	Servers []mcppool.ServerDescriptor `json:"servers"`
}

type toolResponse struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type toolListResponse struct {
	Tools []toolResponse `json:"tools"`
}
