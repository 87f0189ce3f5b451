package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/llm"
)

const (
	clientName    = "webagent"
	clientVersion = "0.1.0"
)

// Connection is a live session with one MCP tool server.
type Connection interface {
	// Tools returns the tool definitions the server advertised at connect time.
	Tools() []llm.ToolDef
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer opens connections from descriptors.
type Dialer interface {
	Dial(ctx context.Context, name string, desc agentconfig.ConnectionDescriptor) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, name string, desc agentconfig.ConnectionDescriptor) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, name string, desc agentconfig.ConnectionDescriptor) (Connection, error) {
	return f(ctx, name, desc)
}

// MCPDialer opens MCP sessions over stdio, SSE or streamable HTTP.
type MCPDialer struct{}

// Dial starts the transport, runs the MCP handshake and lists the server's tools.
func (MCPDialer) Dial(ctx context.Context, name string, desc agentconfig.ConnectionDescriptor) (Connection, error) {
	c, err := newClient(ctx, desc)
	if err != nil {
		return nil, err
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
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}

	return &MCPConnection{
		name:   name,
		client: c,
		tools:  result.Tools,
	}, nil
}

func newClient(ctx context.Context, desc agentconfig.ConnectionDescriptor) (*client.Client, error) {
	switch desc.Kind() {
	case agentconfig.TransportStdio:
		env := os.Environ()
		for k, v := range desc.Env {
			env = append(env, k+"="+expandRef(v))
		}
		c, err := client.NewStdioMCPClient(desc.Command, env, desc.Args...)
		if err != nil {
			return nil, fmt.Errorf("starting %s: %w", desc.Command, err)
		}
		return c, nil

	case agentconfig.TransportSSE:
		c, err := client.NewSSEMCPClient(desc.URL, transport.WithHeaders(expandRefs(desc.Headers)))
		if err != nil {
			return nil, fmt.Errorf("creating SSE client for %s: %w", desc.URL, err)
		}
		// The event stream lives as long as the connection, not the dial.
		if err := c.Start(context.WithoutCancel(ctx)); err != nil {
			c.Close()
			return nil, fmt.Errorf("connecting to %s: %w", desc.URL, err)
		}
		return c, nil

	case agentconfig.TransportHTTP:
		c, err := client.NewStreamableHttpClient(desc.URL, transport.WithHTTPHeaders(expandRefs(desc.Headers)))
		if err != nil {
			return nil, fmt.Errorf("creating HTTP client for %s: %w", desc.URL, err)
		}
		if err := c.Start(context.WithoutCancel(ctx)); err != nil {
			c.Close()
			return nil, fmt.Errorf("connecting to %s: %w", desc.URL, err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", desc.Transport)
	}
}

// expandRef resolves a whole-value ${VAR} reference.
func expandRef(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func expandRefs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = expandRef(v)
	}
	return out
}

// MCPConnection wraps an mcp-go client for a single tool server.
type MCPConnection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool

	closeOnce sync.Once
	closeErr  error
}

// Tools converts MCP tool schemas to llm.ToolDef for the model API.
func (mc *MCPConnection) Tools() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(mc.tools))
	for _, t := range mc.tools {
		params := map[string]any{
			"type": t.InputSchema.Type,
		}
		if t.InputSchema.Properties != nil {
			params["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs
}

// CallTool invokes a tool on this MCP server and returns the text result.
// A result flagged as an error by the server is returned as text prefixed
// with "error: " so the model can see it.
func (mc *MCPConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := mc.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("calling tool %s on %s: %w", name, mc.name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}

	text := strings.Join(parts, "\n")
	if result.IsError {
		return "error: " + text, nil
	}
	return text, nil
}

// Close shuts down the session. Calling it more than once is safe.
func (mc *MCPConnection) Close() error {
	mc.closeOnce.Do(func() {
		mc.closeErr = mc.client.Close()
	})
	return mc.closeErr
}
