package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ejunz/internal/correlation"
	"ejunz/internal/eventbus"
	"ejunz/pkg/protocol"
)

type fakeProvider struct {
	id        string
	tools     []protocol.Tool
	connected bool
	calls     int
	result    json.RawMessage
	err       error
}

func (p *fakeProvider) ID() string             { return p.id }
func (p *fakeProvider) Tools() []protocol.Tool { return p.tools }
func (p *fakeProvider) Connected() bool        { return p.connected }
func (p *fakeProvider) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	p.calls++
	return p.result, p.err
}

type fakeCatalog map[string]string

func (c fakeCatalog) FindTool(ctx context.Context, name string) (string, bool, error) {
	id, ok := c[name]
	return id, ok, nil
}

type recordingPublisher struct {
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(ev eventbus.Event) {
	p.events = append(p.events, ev)
}

func TestCallToolUnknownNameFailsFast(t *testing.T) {
	bridge := NewBridge(nil, nil, Hooks{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := bridge.CallTool(ctx, "missing", nil)

	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestCallToolCatalogOnlyIsNotConnected(t *testing.T) {
	bridge := NewBridge(fakeCatalog{"weather": "edge-1"}, nil, Hooks{}, nil)

	_, err := bridge.CallTool(context.Background(), "weather", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Contains(t, err.Error(), "edge-1")

	_, err = bridge.CallTool(context.Background(), "other", nil)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestCallToolDisconnectedOwnerNeverCalled(t *testing.T) {
	p := &fakeProvider{id: "edge-1", tools: []protocol.Tool{{Name: "echo"}}}
	bridge := NewBridge(nil, nil, Hooks{}, nil)
	bridge.AddProvider(p)

	_, err := bridge.CallTool(context.Background(), "echo", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, 0, p.calls)
}

func TestCallToolUnwrapsEnvelope(t *testing.T) {
	var observed []string
	p := &fakeProvider{
		id:        "edge-1",
		tools:     []protocol.Tool{{Name: "echo"}},
		connected: true,
		result:    json.RawMessage(`{"content":[{"type":"text","text":"{\"temp\":21}"}]}`),
	}
	bridge := NewBridge(nil, nil, Hooks{OnCall: func(name string, err error) { observed = append(observed, name) }}, nil)
	bridge.AddProvider(p)

	result, err := bridge.CallTool(context.Background(), "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": float64(21)}, result)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, []string{"echo"}, observed)
}

func TestCallToolProviderError(t *testing.T) {
	p := &fakeProvider{id: "c1", tools: []protocol.Tool{{Name: "x"}}, connected: true, err: correlation.ErrConnectionClosed}
	bridge := NewBridge(nil, nil, Hooks{}, nil)
	bridge.AddProvider(p)

	_, err := bridge.CallTool(context.Background(), "x", nil)
	assert.True(t, errors.Is(err, correlation.ErrConnectionClosed))
}

func TestToolListingChangesArePublished(t *testing.T) {
	pub := &recordingPublisher{}
	bridge := NewBridge(nil, pub, Hooks{}, nil)

	bridge.AddProvider(&fakeProvider{id: "a", tools: []protocol.Tool{{Name: "zeta"}, {Name: "alpha"}}, connected: true})
	bridge.AddProvider(&fakeProvider{id: "b", tools: []protocol.Tool{{Name: "beta"}}, connected: true})

	names := func(tools []protocol.Tool) []string {
		var out []string
		for _, t := range tools {
			out = append(out, t.Name)
		}
		return out
	}
	assert.Equal(t, []string{"alpha", "beta", "zeta"}, names(bridge.Tools()))

	bridge.SetTools("a", []protocol.Tool{{Name: "alpha"}})
	bridge.RemoveProvider("b")
	bridge.RemoveProvider("unknown")

	require.Len(t, pub.events, 4)
	last := pub.events[3].(eventbus.ToolsUpdate)
	assert.Equal(t, "b", last.ProviderID)
	assert.Equal(t, []string{"alpha"}, names(last.Tools))
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"json text", `{"content":[{"type":"text","text":"[1,2]"}]}`, []any{float64(1), float64(2)}},
		{"plain text", `{"content":[{"type":"text","text":"sunny"}]}`, "sunny"},
		{"multiple texts joined", `{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`, "a\nb"},
		{"no envelope", `{"ok":true}`, map[string]any{"ok": true}},
		{"scalar", `42`, float64(42)},
		{"null", `null`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unwrap("t", json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Unwrap("t", json.RawMessage(`{"content":[{"type":"text","text":"denied"}],"isError":true}`))
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "denied", toolErr.Message)
}

type loopbackPeer struct {
	table *correlation.Table
	sent  []*protocol.RPCMessage
	reply func(req *protocol.RPCMessage) *protocol.RPCMessage
}

func (p *loopbackPeer) SendRPC(ctx context.Context, msg *protocol.RPCMessage) error {
	p.sent = append(p.sent, msg)
	if p.reply != nil {
		resp := p.reply(msg)
		go SettleResponse(p.table, resp)
	}
	return nil
}

func TestCallRPCMatchesResponseByID(t *testing.T) {
	table := correlation.NewTable(nil, correlation.Hooks{})
	peer := &loopbackPeer{table: table, reply: func(req *protocol.RPCMessage) *protocol.RPCMessage {
		resp, _ := protocol.NewResult(req.ID, map[string]any{"content": []map[string]string{{"type": "text", "text": "ok"}}})
		return resp
	}}

	raw, err := CallRPC(context.Background(), peer, table, "echo", json.RawMessage(`{"a":1}`), time.Second)
	require.NoError(t, err)
	require.Len(t, peer.sent, 1)
	assert.Equal(t, protocol.MethodToolsCall, peer.sent[0].Method)

	value, err := Unwrap("echo", raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 0, table.Len())
}

func TestCallRPCErrorResponse(t *testing.T) {
	table := correlation.NewTable(nil, correlation.Hooks{})
	peer := &loopbackPeer{table: table, reply: func(req *protocol.RPCMessage) *protocol.RPCMessage {
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "no such tool")
	}}

	_, err := CallRPC(context.Background(), peer, table, "echo", nil, time.Second)
	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.CodeMethodNotFound, rpcErr.Code)
}

func TestCallRPCTimesOut(t *testing.T) {
	table := correlation.NewTable(nil, correlation.Hooks{})
	peer := &loopbackPeer{table: table}

	_, err := CallRPC(context.Background(), peer, table, "slow", nil, 10*time.Millisecond)
	assert.True(t, errors.Is(err, correlation.ErrTimeout))
	assert.Equal(t, 0, table.Len())
}
