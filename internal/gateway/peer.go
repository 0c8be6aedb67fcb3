package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// outbox delivers frames to a connected peer without blocking
type outbox interface {
	Send(data []byte) bool
}

// peer owns one upgraded WebSocket: a buffered send queue drained by
// writePump and a blocking read loop
type peer struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	dropped      atomic.Int64
	onDrop       func()
	logger       *zap.Logger
}

func newPeer(conn *websocket.Conn, buffer int, pingInterval time.Duration, maxMessage int64, onDrop func(), logger *zap.Logger) *peer {
	if buffer <= 0 {
		buffer = 256
	}
	if maxMessage > 0 {
		conn.SetReadLimit(maxMessage)
	}
	return &peer{
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		onDrop:       onDrop,
		logger:       logger,
	}
}

// Send queues a frame; a full queue drops it
func (p *peer) Send(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	case <-p.done:
		return false
	default:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
		p.logger.Warn("send buffer full, dropping message")
		return false
	}
}

// SendJSON marshals v and queues it
func (p *peer) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to marshal outbound message", zap.Error(err))
		return false
	}
	return p.Send(data)
}

// writePump is the only writer of data frames
func (p *peer) writePump() {
	var ping <-chan time.Time
	if p.pingInterval > 0 {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("write failed", zap.Error(err))
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug("ping failed", zap.Error(err))
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// readLoop hands every text frame to handle until the connection fails
func (p *peer) readLoop(handle func([]byte)) error {
	if p.pingInterval > 0 {
		deadline := 2 * p.pingInterval
		_ = p.conn.SetReadDeadline(time.Now().Add(deadline))
		p.conn.SetPongHandler(func(string) error {
			return p.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if p.pingInterval > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(2 * p.pingInterval))
		}
		handle(data)
	}
}

// Close sends a close frame and releases the connection. Safe to call twice.
func (p *peer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = p.conn.Close()
	})
}

// isClosed reports whether Close was called
func (p *peer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

var errPeerGone = errors.New("peer connection closed")
