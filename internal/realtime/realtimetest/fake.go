// Package realtimetest provides an in-memory provider for realtime streams.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"ejunz/internal/realtime"
)

// ErrConnClosed is returned by reads and writes on a closed FakeConn
var ErrConnClosed = errors.New("fake connection closed")

// Dialer hands out FakeConns
type Dialer struct {
	// AutoAck answers session.update with session.updated
	AutoAck bool
	// Err fails every dial
	Err error
	// Gate, when set, blocks dials until it is closed
	Gate chan struct{}

	dials atomic.Int64
	mu    sync.Mutex
	conns []*Conn
	ready chan *Conn
}

// NewDialer creates a dialer that acknowledges init messages when autoAck is set
func NewDialer(autoAck bool) *Dialer {
	return &Dialer{AutoAck: autoAck, ready: make(chan *Conn, 16)}
}

// Dial implements realtime.Dialer
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (realtime.Conn, error) {
	d.dials.Add(1)
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}

	conn := newConn(d.AutoAck)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	select {
	case d.ready <- conn:
	default:
	}
	return conn, nil
}

// Dials returns the number of Dial calls
func (d *Dialer) Dials() int64 {
	return d.dials.Load()
}

// Next waits for the next dialed connection
func (d *Dialer) Next(ctx context.Context) (*Conn, error) {
	select {
	case conn := <-d.ready:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Conns returns every connection dialed so far
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Conn is an in-memory provider connection
type Conn struct {
	autoAck bool

	in      chan []byte
	closed  chan struct{}
	failed  chan error
	once    sync.Once
	written chan map[string]any

	mu   sync.Mutex
	sent []map[string]any
}

func newConn(autoAck bool) *Conn {
	return &Conn{
		autoAck: autoAck,
		in:      make(chan []byte, 64),
		closed:  make(chan struct{}),
		failed:  make(chan error, 1),
		written: make(chan map[string]any, 256),
	}
}

// Read implements realtime.Conn
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.failed:
		return nil, err
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteJSON implements realtime.Conn
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	select {
	case c.written <- msg:
	default:
	}

	if c.autoAck && msg["type"] == "session.update" {
		c.Push(map[string]any{"type": "session.updated"})
	}
	return nil
}

// Close implements realtime.Conn
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close was called
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers a provider message to the reader
func (c *Conn) Push(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

// Fail makes the next read return err
func (c *Conn) Fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

// Sent returns every message written so far
func (c *Conn) Sent() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.sent...)
}

// SentTypes returns the type field of every message written so far
func (c *Conn) SentTypes() []string {
	var types []string
	for _, msg := range c.Sent() {
		t, _ := msg["type"].(string)
		types = append(types, t)
	}
	return types
}

// NextWrite waits for the next written message
func (c *Conn) NextWrite(ctx context.Context) (map[string]any, error) {
	select {
	case msg := <-c.written:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
