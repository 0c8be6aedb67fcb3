package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Filter selects the events a subscription receives; nil accepts all
type Filter func(Event) bool

// Topics builds a filter accepting the given topics
func Topics(topics ...string) Filter {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return func(ev Event) bool { return set[ev.Topic()] }
}

// Bus fans events out to subscribers without blocking publishers.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	dropped atomic.Int64
	onDrop  func(topic string)
	logger  *zap.Logger
}

// Subscription receives events on C until Close
type Subscription struct {
	C <-chan Event

	ch        chan Event
	filter    Filter
	localOnly bool
	id        uint64
	bus       *Bus
	once      sync.Once
}

// New creates an empty bus. onDrop, if set, is called for each missed delivery.
func New(logger *zap.Logger, onDrop func(topic string)) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		onDrop: onDrop,
		logger: logger,
	}
}

// Subscribe registers a subscriber with a buffer of size events
func (b *Bus) Subscribe(size int, filter Filter) *Subscription {
	return b.subscribe(size, filter, false)
}

func (b *Bus) subscribe(size int, filter Filter, localOnly bool) *Subscription {
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		C:         ch,
		ch:        ch,
		filter:    filter,
		localOnly: localOnly,
		id:        b.nextID,
		bus:       b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber
func (b *Bus) Publish(ev Event) {
	b.publish(ev, true)
}

// publishRemote delivers an event that arrived from another process
func (b *Bus) publishRemote(ev Event) {
	b.publish(ev, false)
}

func (b *Bus) publish(ev Event, local bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.localOnly && !local {
			continue
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(ev.Topic())
			}
			b.logger.Debug("subscriber full, dropping event",
				zap.String("topic", ev.Topic()),
				zap.Uint64("subscription", sub.id))
		}
	}
}

// Dropped returns how many deliveries were missed
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Len returns the number of live subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes and closes C. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
