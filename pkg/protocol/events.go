package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound client event names
const (
	EventPong         = "pong"
	EventError        = "error"
	EventHandshakeAck = "handshake/ack"
	EventWidgetAck    = "widget/ack"
	EventStatus       = "status"
	EventToolsUpdate  = "tools/update"
	EventTool         = "tool"
	EventASRResult    = "asr/result"
	EventASRSpeech    = "asr/speech"
	EventASRError     = "asr/error"
	EventTTSAudio     = "tts/audio"
	EventTTSDone      = "tts/done"
	EventTTSError     = "tts/error"
	EventAgentDelta   = "agent/delta"
	EventAgentContent = "agent/content"
	EventAgentDone    = "agent/done"
	EventBusMessage   = "message"
)

// Outbound is a gateway-to-client event
type Outbound struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Marshal encodes the event for the wire
func (o Outbound) Marshal() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", o.Event, err)
	}
	return data, nil
}

// ErrorPayload accompanies error, asr/error and tts/error events
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// HandshakeAck answers a handshake control envelope
type HandshakeAck struct {
	ClientID string `json:"clientId"`
	Domain   string `json:"domain,omitempty"`
	Version  string `json:"version"`
	Agent    string `json:"agentId,omitempty"`
}

// WidgetAck answers a widget control envelope
type WidgetAck struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}

// ASRResult is a partial or final transcript
type ASRResult struct {
	Text     string `json:"text"`
	Final    bool   `json:"final"`
	ItemID   string `json:"itemId,omitempty"`
	RecordID string `json:"recordId,omitempty"`
}

// ASRSpeech reports server-side voice activity
type ASRSpeech struct {
	Speaking bool `json:"speaking"`
}

// AudioChunk carries base64 PCM for the client to play
type AudioChunk struct {
	RecordID string `json:"recordId,omitempty"`
	Audio    string `json:"audio"`
}

// AgentDelta is one streamed piece of assistant text
type AgentDelta struct {
	RecordID string `json:"recordId"`
	Delta    string `json:"delta"`
}

// AgentContent is the full assistant message of a record
type AgentContent struct {
	RecordID string `json:"recordId"`
	Content  string `json:"content"`
}

// AgentDone marks the end of a record
type AgentDone struct {
	RecordID string `json:"recordId"`
	Error    string `json:"error,omitempty"`
}

// ToolResult answers a typed tools/call message
type ToolResult struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusPayload reports a status change of a client or edge
type StatusPayload struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// ToolsUpdatePayload lists the tools currently reachable through the gateway
type ToolsUpdatePayload struct {
	Tools []Tool `json:"tools"`
}

// BusMessage is an event-bus message forwarded to a subscribed client
type BusMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
