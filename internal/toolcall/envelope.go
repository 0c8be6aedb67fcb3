package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ejunz/internal/correlation"
	"ejunz/pkg/protocol"
)

type contentEnvelope struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Unwrap turns a tools/call result into what callers consume. An MCP
// content envelope yields its text parsed as JSON, or the raw text when
// that fails. Anything else is decoded as plain JSON.
func Unwrap(tool string, raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var env contentEnvelope
	if raw[0] == '{' && json.Unmarshal(raw, &env) == nil && env.Content != nil {
		var texts []string
		for _, c := range env.Content {
			if c.Type == "text" {
				texts = append(texts, c.Text)
			}
		}
		text := strings.Join(texts, "\n")

		if env.IsError {
			return nil, &ToolError{Tool: tool, Message: text}
		}
		if len(texts) == 0 {
			var generic any
			if err := json.Unmarshal(raw, &generic); err != nil {
				return nil, fmt.Errorf("decode %s result: %w", tool, err)
			}
			return generic, nil
		}

		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed, nil
		}
		return text, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", tool, err)
	}
	return value, nil
}

// Sender writes one JSON-RPC message to a peer
type Sender interface {
	SendRPC(ctx context.Context, msg *protocol.RPCMessage) error
}

// CallRPC sends one tools/call request to a peer and waits for the
// response matched through table. The raw result is returned.
func CallRPC(ctx context.Context, peer Sender, table *correlation.Table, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return Request(ctx, peer, table, protocol.MethodToolsCall, protocol.ToolsCallParams{Name: name, Arguments: args}, timeout)
}

// Request sends one JSON-RPC request and waits for its response
func Request(ctx context.Context, peer Sender, table *correlation.Table, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := correlation.NewID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pending, err := table.Register(id, method, timeout)
	if err != nil {
		return nil, err
	}
	if err := peer.SendRPC(ctx, req); err != nil {
		pending.Cancel()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	return pending.Wait(ctx)
}

// SettleResponse matches a JSON-RPC response against table
func SettleResponse(table *correlation.Table, msg *protocol.RPCMessage) bool {
	if msg.Error != nil {
		return table.Settle(msg.ID, nil, msg.Error)
	}
	return table.Settle(msg.ID, msg.Result, nil)
}
