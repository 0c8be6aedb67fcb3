// Package mcpserver exposes the gateway's live tools over MCP Streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"ejunz/internal/eventbus"
	"ejunz/pkg/protocol"
)

// ServerName is reported to MCP clients during initialization
const ServerName = "ejunz-gateway"

// Bridge is the tool source. *toolcall.Bridge satisfies it.
type Bridge interface {
	Tools() []protocol.Tool
	CallTool(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Server mirrors the bridge's tools into an MCP server
type Server struct {
	mcp    *mcp.Server
	bridge Bridge
	logger *zap.Logger

	mu    sync.Mutex
	names map[string]struct{}
}

// New creates a server and registers the bridge's current tools
func New(bridge Bridge, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcp:    mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil),
		bridge: bridge,
		logger: logger.Named("mcp"),
		names:  make(map[string]struct{}),
	}
	s.Sync()
	return s
}

// Handler serves the Streamable HTTP transport
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

// Sync replaces the registered tools with the bridge's current listing
func (s *Server) Sync() {
	tools := s.bridge.Tools()

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		live[t.Name] = struct{}{}
		s.mcp.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema(t.InputSchema),
		}, s.handler(t.Name))
	}

	var stale []string
	for name := range s.names {
		if _, ok := live[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.mcp.RemoveTools(stale...)
	}
	s.names = live
	s.logger.Debug("tools synced", zap.Int("count", len(live)), zap.Int("removed", len(stale)))
}

// Run resyncs on every ToolsUpdate until ctx is done
func (s *Server) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(16, eventbus.Topics(eventbus.TopicTools))
	defer sub.Close()

	// catch changes made before the subscription existed
	s.Sync()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			s.Sync()
		}
	}
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.Params.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}

		result, err := s.bridge.CallTool(ctx, name, args)
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}

		text, ok := result.(string)
		if !ok {
			data, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s result: %w", name, err)
			}
			text = string(data)
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
	}
}

// inputSchema decodes a provider schema, forcing an object type since MCP
// rejects anything else
func inputSchema(raw json.RawMessage) map[string]any {
	schema := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
			schema = map[string]any{}
		}
	}
	schema["type"] = "object"
	return schema
}
