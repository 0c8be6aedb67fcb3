// Package realtime manages lazily established streaming connections to
// speech providers. A Stream owns at most one downstream connection and
// moves through Closed, Connecting, InitPending and Ready.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultInitTimeout bounds the wait for a provider's init acknowledgment
const DefaultInitTimeout = 5 * time.Second

var (
	// ErrClosedBeforeInit rejects a connection attempt interrupted by Close
	ErrClosedBeforeInit = errors.New("closed before init complete")

	// ErrNotReady is returned when sending on a stream with no connection
	ErrNotReady = errors.New("stream not connected")
)

// State of a Stream
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateInitPending
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateInitPending:
		return "init_pending"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StreamConfig describes one provider endpoint and its message vocabulary
type StreamConfig struct {
	Name        string
	URL         string
	Header      http.Header
	InitTimeout time.Duration
	DialTimeout time.Duration

	// Init builds the session initialization message; nil sends nothing
	Init func() any
	// AckTypes are message types that acknowledge Init
	AckTypes []string

	// Handle receives every inbound message and reports whether its type
	// was recognized
	Handle func(msgType string, raw json.RawMessage) bool
	// OnClose is called when the connection drops without Close being called
	OnClose func(err error)
	// OnInitFallback is called when Init is not acknowledged in time
	OnInitFallback func(name string)
}

// Stream is a lazily connected downstream session
type Stream struct {
	cfg    StreamConfig
	dialer Dialer
	logger *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	state   State
	gen     uint64
	conn    Conn
	cancel  context.CancelFunc
	acked   chan struct{}
	closing chan struct{}

	dials     atomic.Int64
	fallbacks atomic.Int64
}

// NewStream creates a closed stream
func NewStream(cfg StreamConfig, dialer Dialer, logger *zap.Logger) *Stream {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With(zap.String("stream", cfg.Name)),
	}
}

// State returns the current state
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dials returns how many connection attempts were made
func (s *Stream) Dials() int64 {
	return s.dials.Load()
}

// InitFallbacks returns how many times Init went unacknowledged
func (s *Stream) InitFallbacks() int64 {
	return s.fallbacks.Load()
}

// Ensure makes the stream Ready. Concurrent callers share one attempt and
// observe the same outcome; ctx only bounds how long this caller waits.
func (s *Stream) Ensure(ctx context.Context) error {
	if s.State() == StateReady {
		return nil
	}

	ch := s.group.DoChan("connect", func() (any, error) {
		return nil, s.connect()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) connect() error {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	closing := make(chan struct{})
	s.closing = closing
	s.mu.Unlock()

	s.dials.Add(1)
	dialCtx, cancelDial := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.cfg.URL, s.cfg.Header)
	cancelDial()
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateClosed
		}
		s.mu.Unlock()
		s.logger.Warn("connect failed", zap.Error(err))
		return fmt.Errorf("%s connect: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return ErrClosedBeforeInit
	}
	readCtx, cancel := context.WithCancel(context.Background())
	acked := make(chan struct{})
	s.conn = conn
	s.cancel = cancel
	s.acked = acked
	s.state = StateInitPending
	s.mu.Unlock()

	go s.readLoop(readCtx, conn, gen)

	if s.cfg.Init != nil {
		if msg := s.cfg.Init(); msg != nil {
			if err := conn.WriteJSON(readCtx, msg); err != nil {
				s.drop(gen, err)
				return fmt.Errorf("%s init: %w", s.cfg.Name, err)
			}
		}
	}

	timer := time.NewTimer(s.cfg.InitTimeout)
	defer timer.Stop()

	select {
	case <-acked:
	case <-timer.C:
		s.fallbacks.Add(1)
		if s.cfg.OnInitFallback != nil {
			s.cfg.OnInitFallback(s.cfg.Name)
		}
		s.logger.Warn("init not acknowledged, proceeding",
			zap.Duration("timeout", s.cfg.InitTimeout))
	case <-closing:
		return ErrClosedBeforeInit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateInitPending {
		return ErrClosedBeforeInit
	}
	s.state = StateReady
	s.logger.Debug("stream ready")
	return nil
}

func (s *Stream) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.drop(gen, err)
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping malformed provider message", zap.Error(err))
			continue
		}

		if !s.current(gen) {
			return
		}
		if s.isAck(env.Type) {
			s.markAcked(gen)
		}

		handled := s.cfg.Handle != nil && s.cfg.Handle(env.Type, data)
		if !handled && !s.isAck(env.Type) {
			s.logger.Debug("ignoring provider message", zap.String("type", env.Type))
		}
	}
}

func (s *Stream) isAck(msgType string) bool {
	for _, t := range s.cfg.AckTypes {
		if t == msgType {
			return true
		}
	}
	return false
}

func (s *Stream) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Stream) markAcked(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.acked == nil {
		return
	}
	select {
	case <-s.acked:
	default:
		close(s.acked)
	}
}

// drop tears down the connection of generation gen after a transport error
func (s *Stream) drop(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn, cancel, closing := s.conn, s.cancel, s.closing
	s.reset()
	s.mu.Unlock()

	close(closing)
	cancel()
	conn.Close()

	s.logger.Warn("stream dropped", zap.Error(err))
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(err)
	}
}

// reset clears connection state; caller holds mu
func (s *Stream) reset() {
	s.state = StateClosed
	s.conn = nil
	s.cancel = nil
	s.acked = nil
	s.closing = nil
}

// Send writes one message on a stream that has a connection
func (s *Stream) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || (state != StateReady && state != StateInitPending) {
		return fmt.Errorf("%s send: %w", s.cfg.Name, ErrNotReady)
	}
	if err := conn.WriteJSON(ctx, v); err != nil {
		return fmt.Errorf("%s send: %w", s.cfg.Name, err)
	}
	return nil
}

// Close tears the stream down from any state. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	conn, cancel, closing := s.conn, s.cancel, s.closing
	s.reset()
	s.mu.Unlock()

	if closing != nil {
		close(closing)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close downstream", zap.Error(err))
		}
	}
	return nil
}
