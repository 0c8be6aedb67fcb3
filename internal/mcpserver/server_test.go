package mcpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ejunz/internal/eventbus"
	"ejunz/internal/toolcall"
	"ejunz/pkg/protocol"
)

type fakeBridge struct {
	mu    sync.Mutex
	tools []protocol.Tool
	args  map[string]string
}

func (f *fakeBridge) Tools() []protocol.Tool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Tool(nil), f.tools...)
}

func (f *fakeBridge) setTools(tools ...protocol.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *fakeBridge) CallTool(_ context.Context, name string, args json.RawMessage) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.args == nil {
		f.args = map[string]string{}
	}
	f.args[name] = string(args)
	switch name {
	case "echo":
		return "echoed", nil
	case "status":
		return map[string]any{"on": true}, nil
	default:
		return nil, toolcall.ErrNotConnected
	}
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: ts.URL}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func listNames(t *testing.T, session *mcp.ClientSession) []string {
	t.Helper()
	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestServer_ListAndCall(t *testing.T) {
	bridge := &fakeBridge{tools: []protocol.Tool{
		{Name: "echo", Description: "Echo", InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)},
		{Name: "status"},
		{Name: "offline"},
	}}
	session := connect(t, New(bridge, "test", nil))

	assert.ElementsMatch(t, []string{"echo", "status", "offline"}, listNames(t, session))

	ctx := context.Background()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "echoed", res.Content[0].(*mcp.TextContent).Text)
	assert.JSONEq(t, `{"text":"hi"}`, bridge.args["echo"])

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "status", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"on":true}`, res.Content[0].(*mcp.TextContent).Text)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "offline", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "not connected")
}

func TestServer_SyncRemovesStaleTools(t *testing.T) {
	bridge := &fakeBridge{tools: []protocol.Tool{{Name: "echo"}, {Name: "status"}}}
	s := New(bridge, "test", nil)
	session := connect(t, s)
	assert.Len(t, listNames(t, session), 2)

	bridge.setTools(protocol.Tool{Name: "status"})
	s.Sync()
	assert.Equal(t, []string{"status"}, listNames(t, session))
}

func TestServer_RunResyncsOnToolsUpdate(t *testing.T) {
	bridge := &fakeBridge{}
	s := New(bridge, "test", nil)
	bus := eventbus.New(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, bus)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	bridge.setTools(protocol.Tool{Name: "echo"})
	assert.Eventually(t, func() bool {
		bus.Publish(eventbus.ToolsUpdate{ProviderID: "edge-1"})
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.names["echo"]
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInputSchema(t *testing.T) {
	assert.Equal(t, map[string]any{"type": "object"}, inputSchema(nil))
	assert.Equal(t, map[string]any{"type": "object"}, inputSchema(json.RawMessage(`not json`)))
	s := inputSchema(json.RawMessage(`{"type":"string","properties":{}}`))
	assert.Equal(t, "object", s["type"])
	assert.Contains(t, s, "properties")
}
