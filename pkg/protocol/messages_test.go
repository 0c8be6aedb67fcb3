package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInboundFamilies(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"handshake envelope", `{"protocol":"handshake","version":"1"}`, "control"},
		{"widget envelope wins over type", `{"protocol":"widget","type":"ping"}`, "control"},
		{"jsonrpc request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "jsonrpc"},
		{"jsonrpc response", `{"jsonrpc":"2.0","id":"a","result":{}}`, "jsonrpc"},
		{"jsonrpc wins over key", `{"jsonrpc":"2.0","key":"publish","method":"ping","id":2}`, "jsonrpc"},
		{"publish", `{"key":"publish","event":"x","payload":{"a":1}}`, "pubsub"},
		{"subscribe", `{"key":"subscribe","event":"x"}`, "pubsub"},
		{"unknown key is named", `{"key":"other","type":"foo"}`, "named"},
		{"typed ping", `{"type":"ping"}`, "typed"},
		{"typed asr audio", `{"type":"asr/audio","audio":"AAAA"}`, "typed"},
		{"unknown type", `{"type":"custom/thing","x":1}`, "named"},
		{"bare object", `{"x":1}`, "named"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseInbound([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.family())
		})
	}
}

func TestParseInboundMalformed(t *testing.T) {
	for _, input := range []string{"", "   ", "not json", "[1,2]", `{"type":`, `"ping"`} {
		_, err := ParseInbound([]byte(input))
		assert.True(t, errors.Is(err, ErrMalformed), "input %q", input)
	}
}

func TestParseInboundNamedUsesTypeThenEvent(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"event":"cursor/move","x":3}`))
	require.NoError(t, err)
	named := msg.(*NamedMessage)
	assert.Equal(t, "cursor/move", named.Name)
	assert.JSONEq(t, `{"event":"cursor/move","x":3}`, string(named.Payload))

	msg, err = ParseInbound([]byte(`{"type":"foo","event":"bar"}`))
	require.NoError(t, err)
	assert.Equal(t, "foo", msg.(*NamedMessage).Name)

	msg, err = ParseInbound([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "message", msg.(*NamedMessage).Name)
}

func TestTypedMessageFields(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"voice_chat","text":"hi","agentId":"a1","speak":false}`))
	require.NoError(t, err)
	typed := msg.(*TypedMessage)
	assert.Equal(t, "hi", typed.Text)
	assert.Equal(t, "a1", typed.AgentID)
	require.NotNil(t, typed.Speak)
	assert.False(t, *typed.Speak)
}

func TestRPCMessageShape(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	require.NoError(t, err)
	rpc := msg.(*RPCMessage)
	assert.True(t, rpc.IsResponse())
	assert.False(t, rpc.IsNotification())

	msg, err = ParseInbound([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	rpc = msg.(*RPCMessage)
	assert.True(t, rpc.IsNotification())
	assert.False(t, rpc.IsResponse())

	msg, err = ParseInbound([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}`))
	require.NoError(t, err)
	rpc = msg.(*RPCMessage)
	assert.False(t, rpc.HasID())
	assert.Equal(t, CodeParseError, rpc.Error.Code)
}

func TestNewErrorResponseNullID(t *testing.T) {
	resp := NewErrorResponse(nil, CodeMethodNotFound, "method not found")
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32601,"message":"method not found"}}`, string(data))
}

func TestNewRequestAndResult(t *testing.T) {
	req, err := NewRequest("abc", MethodToolsCall, ToolsCallParams{Name: "echo", Arguments: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`, string(data))

	res, err := NewResult(json.RawMessage(`5`), map[string]bool{"ok": true})
	require.NoError(t, err)
	data, err = json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":{"ok":true}}`, string(data))
}

func TestOutboundMarshal(t *testing.T) {
	data, err := Outbound{Event: EventAgentDone, Payload: AgentDone{RecordID: "r1"}}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"agent/done","payload":{"recordId":"r1"}}`, string(data))

	data, err = Outbound{Event: EventPong}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong"}`, string(data))
}
