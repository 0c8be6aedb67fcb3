package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured
const DefaultRedisChannel = "ejunz:events"

// envelope is the cross-process wire form of an event
type envelope struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data"`
}

// RedisBridge mirrors local events to other gateway processes through
// Redis pub/sub and replays theirs onto the local bus
type RedisBridge struct {
	bus     *Bus
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *zap.Logger
}

// NewRedisBridge creates a bridge; channel defaults to DefaultRedisChannel
func NewRedisBridge(bus *Bus, client redis.UniversalClient, channel string, logger *zap.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		bus:     bus,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.With(zap.String("component", "redis_bridge")),
	}
}

// NewRedisClient parses a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Origin identifies this process in envelopes
func (r *RedisBridge) Origin() string {
	return r.origin
}

// Run forwards events in both directions until ctx ends
func (r *RedisBridge) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	local := r.bus.subscribe(256, nil, true)
	defer local.Close()

	remote := pubsub.Channel()
	r.logger.Info("redis bridge running", zap.String("channel", r.channel))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-local.C:
			if !ok {
				return nil
			}
			payload, err := r.encode(ev)
			if err != nil {
				r.logger.Warn("failed to encode event", zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.Warn("failed to publish event", zap.String("topic", ev.Topic()), zap.Error(err))
			}
		case msg, ok := <-remote:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			r.handleRemote(msg.Payload)
		}
	}
}

func (r *RedisBridge) encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Origin: r.origin, Topic: ev.Topic(), Data: data})
}

// handleRemote replays one envelope locally, skipping our own
func (r *RedisBridge) handleRemote(payload string) bool {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("dropping malformed envelope", zap.Error(err))
		return false
	}
	if env.Origin == r.origin {
		return false
	}
	ev, err := Decode(env.Topic, env.Data)
	if err != nil {
		r.logger.Warn("dropping undecodable envelope", zap.Error(err))
		return false
	}
	r.bus.publishRemote(ev)
	return true
}
