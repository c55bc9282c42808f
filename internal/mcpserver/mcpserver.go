// Package mcpserver exposes the dispatcher's tools over the Model Context
// Protocol using the official MCP Go SDK.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jkaninda/maigret-mcp/internal/dispatch"
	"github.com/jkaninda/maigret-mcp/internal/tools"
)

// Name is the implementation name announced during initialization.
const Name = "maigret-mcp"

// Server serves the dispatcher's tool catalog over MCP.
type Server struct {
	server     *mcp.Server
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New creates a Server and registers every tool the dispatcher knows.
func New(d *dispatch.Dispatcher, version string, logger *slog.Logger) *Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    Name,
		Version: version,
	}, &mcp.ServerOptions{Logger: logger})

	s := &Server{server: server, dispatcher: d, logger: logger}
	for _, t := range d.List() {
		server.AddTool(toSDKTool(t), s.handler(t.Name()))
	}
	server.AddReceivingMiddleware(s.unknownToolMiddleware)
	return s
}

// Run serves MCP over stdin/stdout until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.run(ctx, &mcp.StdioTransport{})
}

// run starts the server on the given transport. Tests use in-memory transports.
func (s *Server) run(ctx context.Context, transport mcp.Transport) error {
	err := s.server.Run(ctx, transport)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// unknownToolMiddleware answers tools/call for unregistered names with
// JSON-RPC MethodNotFound.
func (s *Server) unknownToolMiddleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		if method != "tools/call" {
			return next(ctx, method, req)
		}
		if call, ok := req.(*mcp.CallToolRequest); ok && call.Params != nil {
			if _, err := s.dispatcher.Lookup(call.Params.Name); err != nil {
				return nil, toRPCError(err)
			}
		}
		return next(ctx, method, req)
	}
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decodeArguments(req.Params.Arguments)
		if err != nil {
			return nil, toRPCError(err)
		}

		result, err := s.dispatcher.Call(ctx, name, args)
		if err != nil {
			s.logger.WarnContext(ctx, "tool call rejected",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return nil, toRPCError(err)
		}
		return toSDKResult(result), nil
	}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object: %w", tools.ErrInvalidArguments, err)
	}
	return args, nil
}

// toRPCError maps dispatcher errors onto JSON-RPC error codes.
func toRPCError(err error) error {
	switch {
	case errors.Is(err, dispatch.ErrMethodNotFound):
		return &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, tools.ErrInvalidArguments):
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	default:
		return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
}

func toSDKTool(t tools.Tool) *mcp.Tool {
	return &mcp.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
	}
}

func toSDKResult(r *tools.Result) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: r.Output}},
		IsError: r.IsError,
	}
}
