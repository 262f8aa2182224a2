// Package registry aggregates tools advertised by connected servers into a
// single model-facing catalog with deterministic names.
package registry

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcppool"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "registry")

// ErrUnknownTool is returned when a tool name does not resolve to any
// registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Entry is one tool in the catalog.
type Entry struct {
	// Server owns the tool.
	Server string
	// Name is the original tool name on the server.
	Name string
	// Exposed is the model-facing name. Equal to Name unless qualified to
	// resolve a collision.
	Exposed     string
	Description string
	InputSchema map[string]any
}

// Registry is an immutable tool catalog. Rebuild after the set of connected
// servers changes.
type Registry struct {
	entries   []Entry
	byExposed map[string]int
}

// Qualify returns the qualified tool name for a server. Underscore, not
// dot: Bedrock tool names may not contain dots.
func Qualify(server, tool string) string {
	return fmt.Sprintf("%s_%s", server, tool)
}

// Build aggregates per-server tool lists into a catalog. Servers are
// visited in the given order; the first claimant of a name keeps it bare,
// later claimants get the qualified form. Deterministic for a fixed order.
func Build(order []string, tools map[string][]mcppool.ToolDescriptor) *Registry {
	r := &Registry{
		byExposed: make(map[string]int),
	}
	for _, server := range order {
		for _, tool := range tools[server] {
			exposed := tool.Name
			if _, taken := r.byExposed[exposed]; taken {
				exposed = Qualify(server, tool.Name)
			}
			if _, taken := r.byExposed[exposed]; taken {
				// Qualified name claimed by an earlier server's bare tool.
				// Config pathology; skip rather than guess a third name.
				logger.KV(xlog.WARNING,
					"reason", "tool_name_conflict",
					"server", server,
					"tool", tool.Name,
					"exposed", exposed)
				continue
			}
			r.byExposed[exposed] = len(r.entries)
			r.entries = append(r.entries, Entry{
				Server:      server,
				Name:        tool.Name,
				Exposed:     exposed,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return r
}

// Entries returns the catalog in stable order.
func (r *Registry) Entries() []Entry {
	return r.entries
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Resolve maps a model-facing tool name to its owning server and original
// tool name. Accepts the exposed name, or the qualified server_tool form
// for a tool registered under its bare name.
func (r *Registry) Resolve(name string) (server, tool string, err error) {
	if idx, ok := r.byExposed[name]; ok {
		e := r.entries[idx]
		return e.Server, e.Name, nil
	}
	// Accept an explicitly qualified name even when the tool is exposed
	// bare. Underscores are legal in both halves, so try every split.
	for i := strings.Index(name, "_"); i > 0; i = nextUnderscore(name, i) {
		srv, bare := name[:i], name[i+1:]
		if idx, ok := r.byExposed[bare]; ok && r.entries[idx].Server == srv {
			return srv, bare, nil
		}
	}
	return "", "", errors.WithMessagef(ErrUnknownTool, "%s", name)
}

func nextUnderscore(s string, after int) int {
	rel := strings.Index(s[after+1:], "_")
	if rel < 0 {
		return -1
	}
	return after + 1 + rel
}

// ToModelSchema projects the catalog into model tool definitions. The
// description is prefixed with the owning server in brackets; the input
// schema is passed through untouched.
func (r *Registry) ToModelSchema() []llms.Tool {
	tools := make([]llms.Tool, len(r.entries))
	for i, e := range r.entries {
		tools[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        e.Exposed,
				Description: fmt.Sprintf("[%s] %s", e.Server, e.Description),
				Parameters:  e.InputSchema,
			},
		}
	}
	return tools
}
