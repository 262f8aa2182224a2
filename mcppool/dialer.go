package mcppool

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/config"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	clientName    = "mcpagent"
	clientVersion = "0.1.0"
)

// Dial is the default Dialer. It creates an MCP client for the configured
// transport, starts it, and performs the initialize handshake.
func Dial(ctx context.Context, name string, cfg *config.ServerConfig) (Session, error) {
	var c *client.Client
	var err error

	kind := cfg.Kind()
	switch kind {
	case config.TransportStdio:
		// NewStdioMCPClient starts the subprocess and the transport.
		c, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	case config.TransportSSE:
		c, err = client.NewSSEMCPClient(cfg.URL, transport.WithHTTPClient(&http.Client{}))
	case config.TransportStreamableHTTP:
		c, err = client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPTimeout(cfg.ConnectTimeout))
	default:
		return nil, errors.Errorf("unsupported transport: %s", kind)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create %s client for server %q", kind, name)
	}

	if kind != config.TransportStdio {
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, errors.WithMessagef(err, "failed to start %s client for server %q", kind, name)
		}
	}

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, errors.WithMessagef(err, "failed to initialize server %q", name)
	}

	return &mcpSession{c: c}, nil
}

type mcpSession struct {
	c *client.Client
}

func (s *mcpSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := s.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	tools := make([]ToolDescriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema := map[string]any{
			"type": tool.InputSchema.Type,
		}
		if len(tool.InputSchema.Properties) > 0 {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}
		tools = append(tools, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	result, err := s.c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", false, err
	}

	var parts []string
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, textContent.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

func (s *mcpSession) Close() error {
	return s.c.Close()
}
