package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound is one decoded client frame. The concrete type identifies the
// message family; families are checked in dispatch priority order.
type Inbound interface {
	family() string
}

// Control protocol names carried in the "protocol" field
const (
	ControlHandshake = "handshake"
	ControlWidget    = "widget"
)

// Pub/sub control keys carried in the "key" field
const (
	KeyPublish     = "publish"
	KeySubscribe   = "subscribe"
	KeyUnsubscribe = "unsubscribe"
)

// Typed message discriminators carried in the "type" field
const (
	TypePing      = "ping"
	TypeStatus    = "status"
	TypeVoiceChat = "voice_chat"
	TypeToolsCall = "tools/call"
	TypeASRStart  = "asr/start"
	TypeASRAudio  = "asr/audio"
	TypeASRCommit = "asr/commit"
	TypeASRStop   = "asr/stop"
	TypeTTSSpeak  = "tts/speak"
	TypeTTSStop   = "tts/stop"
)

var typedMessages = map[string]bool{
	TypePing:      true,
	TypeStatus:    true,
	TypeVoiceChat: true,
	TypeToolsCall: true,
	TypeASRStart:  true,
	TypeASRAudio:  true,
	TypeASRCommit: true,
	TypeASRStop:   true,
	TypeTTSSpeak:  true,
	TypeTTSStop:   true,
}

// ErrMalformed is returned for frames that are not a JSON object
var ErrMalformed = errors.New("malformed message")

// ControlEnvelope carries widget control and handshake messages
type ControlEnvelope struct {
	Protocol     string          `json:"protocol"`
	Action       string          `json:"action,omitempty"`
	ID           string          `json:"id,omitempty"`
	Version      string          `json:"version,omitempty"`
	Capabilities *Capabilities   `json:"capabilities,omitempty"`
	Widgets      json.RawMessage `json:"widgets,omitempty"`
}

// Capabilities are announced by a client during the handshake
type Capabilities struct {
	Tools bool         `json:"tools,omitempty"`
	Audio *AudioFormat `json:"audio,omitempty"`
}

// AudioFormat describes a PCM stream
type AudioFormat struct {
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// PubSubMessage bridges the client onto the shared event bus
type PubSubMessage struct {
	Key     string          `json:"key"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TypedMessage is the legacy typed message family. Which fields are
// required depends on Type; handlers validate them.
type TypedMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Audio     string          `json:"audio,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Speak     *bool           `json:"speak,omitempty"`
	Status    string          `json:"status,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Language  string          `json:"language,omitempty"`
	Voice     string          `json:"voice,omitempty"`
}

// NamedMessage is any frame that matched no known family. Name comes from
// the "type" or "event" field and Payload is the whole frame.
type NamedMessage struct {
	Name    string
	Payload json.RawMessage
}

func (*ControlEnvelope) family() string { return "control" }
func (*RPCMessage) family() string      { return "jsonrpc" }
func (*PubSubMessage) family() string   { return "pubsub" }
func (*TypedMessage) family() string    { return "typed" }
func (*NamedMessage) family() string    { return "named" }

type discriminators struct {
	Protocol string `json:"protocol"`
	JSONRPC  string `json:"jsonrpc"`
	Key      string `json:"key"`
	Type     string `json:"type"`
	Event    string `json:"event"`
}

// ParseInbound decodes a client frame into its message family.
// First match wins: control envelope, JSON-RPC, pub/sub, typed, named.
func ParseInbound(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}

	var p discriminators
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case p.Protocol != "":
		var msg ControlEnvelope
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("%w: control envelope: %v", ErrMalformed, err)
		}
		return &msg, nil

	case p.JSONRPC == JSONRPCVersion:
		var msg RPCMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("%w: jsonrpc: %v", ErrMalformed, err)
		}
		return &msg, nil

	case p.Key == KeyPublish || p.Key == KeySubscribe || p.Key == KeyUnsubscribe:
		var msg PubSubMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("%w: pubsub: %v", ErrMalformed, err)
		}
		return &msg, nil

	case typedMessages[p.Type]:
		var msg TypedMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, p.Type, err)
		}
		return &msg, nil
	}

	name := p.Type
	if name == "" {
		name = p.Event
	}
	if name == "" {
		name = "message"
	}
	return &NamedMessage{Name: name, Payload: json.RawMessage(append([]byte(nil), trimmed...))}, nil
}
