// Package mcpclient is a small MCP client used by the query command to drive
// a maigret-mcp server (or any MCP server) over stdio.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ClientName is announced to servers during initialization.
const ClientName = "maigret-mcp-query"

// ServerConfig describes how to spawn a stdio MCP server.
type ServerConfig struct {
	Command string
	Args    []string
	Env     map[string]string // Values are expanded with os.ExpandEnv.
}

// Session is an initialized connection to one MCP server.
type Session struct {
	client     *mcpclient.Client
	serverName string
	logger     *slog.Logger
}

// ToolInfo describes a tool advertised by the server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// CallResult is the flattened outcome of a tools/call.
type CallResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

// Dial spawns the server process and performs the initialization handshake.
func Dial(ctx context.Context, cfg ServerConfig, version string, logger *slog.Logger) (*Session, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("server command is required")
	}
	c, err := mcpclient.NewStdioMCPClient(cfg.Command, expandEnvMap(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}
	s, err := Connect(ctx, c, version, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

// Connect initializes an already constructed client.
func Connect(ctx context.Context, c *mcpclient.Client, version string, logger *slog.Logger) (*Session, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("MCP start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initResp, err := c.Initialize(ctx, initReq)
	if err != nil {
		return nil, fmt.Errorf("MCP initialize: %w", err)
	}

	logger.Debug("MCP server connected",
		slog.String("server", initResp.ServerInfo.Name),
		slog.String("server_version", initResp.ServerInfo.Version),
		slog.String("protocol", initResp.ProtocolVersion),
	)
	return &Session{client: c, serverName: initResp.ServerInfo.Name, logger: logger}, nil
}

// ServerName returns the name the server announced.
func (s *Session) ServerName() string {
	return s.serverName
}

// ListTools returns the server's tool catalog sorted by name.
func (s *Session) ListTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools: %w", err)
	}
	out := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CallTool invokes a tool. Tool-level failures come back with IsError set;
// protocol failures (unknown tool, invalid arguments) are returned as errors.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	s.logger.DebugContext(ctx, "mcp tool executing", slog.String("tool", name))

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	callResult, err := s.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s failed: %w", name, err)
	}
	return &CallResult{
		Text:    formatContent(callResult.Content),
		IsError: callResult.IsError,
	}, nil
}

// Close terminates the connection and the server process.
func (s *Session) Close() error {
	return s.client.Close()
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// Non-text content (image, audio, resource) is serialized as JSON.
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		result["required"] = append([]string(nil), schema.Required...)
	}
	return result
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	sort.Strings(env)
	return env
}
