package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ejunz/pkg/protocol"
)

func TestPublishFiltersByTopic(t *testing.T) {
	bus := New(nil, nil)
	status := bus.Subscribe(4, Topics(TopicStatus))
	all := bus.Subscribe(4, nil)
	defer status.Close()
	defer all.Close()

	bus.Publish(StatusUpdate{Kind: "client", ID: "c1", Status: "online"})
	bus.Publish(RecordEvent{Kind: RecordDelta, RecordID: "r1", Delta: "hi"})

	assert.Equal(t, StatusUpdate{Kind: "client", ID: "c1", Status: "online"}, <-status.C)
	assert.Len(t, status.C, 0)
	assert.Len(t, all.C, 2)
}

func TestFullSubscriberDropsAndCounts(t *testing.T) {
	var droppedTopics []string
	bus := New(nil, func(topic string) { droppedTopics = append(droppedTopics, topic) })
	sub := bus.Subscribe(1, nil)
	defer sub.Close()

	bus.Publish(NamedEvent{Name: "a"})
	bus.Publish(NamedEvent{Name: "b"})

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, []string{TopicNamed}, droppedTopics)
	assert.Equal(t, NamedEvent{Name: "a"}, <-sub.C)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := New(nil, nil)
	sub := bus.Subscribe(1, nil)
	assert.Equal(t, 1, bus.Len())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Len())

	_, ok := <-sub.C
	assert.False(t, ok)

	bus.Publish(NamedEvent{Name: "after close"})
}

func TestDecodeRoundTripsEveryTopic(t *testing.T) {
	events := []Event{
		StatusUpdate{Kind: "edge", ID: "e1", Status: "offline"},
		ToolsUpdate{ProviderID: "e1", Tools: []protocol.Tool{{Name: "echo"}}},
		WidgetUpdate{ClientID: "c1", Action: "show", Widgets: json.RawMessage(`["clock"]`)},
		RecordEvent{Kind: RecordDone, RecordID: "r1", Error: "boom"},
		NamedEvent{Name: "cursor", Payload: json.RawMessage(`{"x":1}`)},
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		got, err := Decode(ev.Topic(), data)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}

	_, err := Decode("nope", []byte(`{}`))
	assert.Error(t, err)
}

func TestRedisBridgeRemoteEnvelopes(t *testing.T) {
	bus := New(nil, nil)
	bridge := NewRedisBridge(bus, nil, "", nil)
	all := bus.Subscribe(4, nil)
	local := bus.subscribe(4, nil, true)
	defer all.Close()
	defer local.Close()

	own, err := bridge.encode(StatusUpdate{ID: "c1", Status: "online"})
	require.NoError(t, err)
	assert.False(t, bridge.handleRemote(string(own)))

	other := NewRedisBridge(New(nil, nil), nil, "", nil)
	foreign, err := other.encode(StatusUpdate{ID: "c2", Status: "online"})
	require.NoError(t, err)
	assert.True(t, bridge.handleRemote(string(foreign)))

	assert.Equal(t, StatusUpdate{ID: "c2", Status: "online"}, <-all.C)
	assert.Len(t, local.C, 0, "remote events are not sent back to redis")

	assert.False(t, bridge.handleRemote("not json"))
	assert.False(t, bridge.handleRemote(`{"origin":"x","topic":"bogus","data":{}}`))
}
