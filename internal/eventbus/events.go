// Package eventbus carries domain events between connections. Events form
// a closed set; the topic of each is fixed by its type.
package eventbus

import (
	"encoding/json"
	"fmt"

	"ejunz/pkg/protocol"
)

// Topics, one per event type
const (
	TopicStatus = "status"
	TopicTools  = "tools"
	TopicWidget = "widget"
	TopicRecord = "record"
	TopicNamed  = "named"
)

// Event is one of StatusUpdate, ToolsUpdate, WidgetUpdate, RecordEvent or NamedEvent
type Event interface {
	Topic() string
	sealed()
}

// StatusUpdate reports a client or edge changing state
type StatusUpdate struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Domain string `json:"domain,omitempty"`
	Status string `json:"status"`
}

// ToolsUpdate carries the full tool listing after a provider changed
type ToolsUpdate struct {
	ProviderID string          `json:"providerId"`
	Tools      []protocol.Tool `json:"tools"`
}

// WidgetUpdate is a widget control change made by a client
type WidgetUpdate struct {
	ClientID string          `json:"clientId"`
	Domain   string          `json:"domain,omitempty"`
	Action   string          `json:"action"`
	Widgets  json.RawMessage `json:"widgets,omitempty"`
}

// RecordKind distinguishes the stages of an agent reply
type RecordKind string

const (
	RecordDelta   RecordKind = "delta"
	RecordContent RecordKind = "content"
	RecordDone    RecordKind = "done"
)

// RecordEvent is progress on one agent chat record
type RecordEvent struct {
	Kind     RecordKind `json:"kind"`
	RecordID string     `json:"recordId"`
	Domain   string     `json:"domain,omitempty"`
	ClientID string     `json:"clientId,omitempty"`
	Delta    string     `json:"delta,omitempty"`
	Content  string     `json:"content,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// NamedEvent is an application event identified only by name
type NamedEvent struct {
	Name    string          `json:"name"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (StatusUpdate) Topic() string { return TopicStatus }
func (ToolsUpdate) Topic() string  { return TopicTools }
func (WidgetUpdate) Topic() string { return TopicWidget }
func (RecordEvent) Topic() string  { return TopicRecord }
func (NamedEvent) Topic() string   { return TopicNamed }

func (StatusUpdate) sealed() {}
func (ToolsUpdate) sealed()  {}
func (WidgetUpdate) sealed() {}
func (RecordEvent) sealed()  {}
func (NamedEvent) sealed()   {}

// Decode rebuilds an event from its topic and JSON body
func Decode(topic string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch topic {
	case TopicStatus:
		var v StatusUpdate
		err = json.Unmarshal(data, &v)
		ev = v
	case TopicTools:
		var v ToolsUpdate
		err = json.Unmarshal(data, &v)
		ev = v
	case TopicWidget:
		var v WidgetUpdate
		err = json.Unmarshal(data, &v)
		ev = v
	case TopicRecord:
		var v RecordEvent
		err = json.Unmarshal(data, &v)
		ev = v
	case TopicNamed:
		var v NamedEvent
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", topic, err)
	}
	return ev, nil
}
