package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ejunz/internal/auth"
	"ejunz/internal/correlation"
	"ejunz/internal/eventbus"
	"ejunz/internal/middleware"
	"ejunz/internal/store"
	"ejunz/internal/toolcall"
	"ejunz/pkg/protocol"
)

// edgeSession is a connected tool host speaking MCP JSON-RPC
type edgeSession struct {
	id     string
	gw     *Gateway
	peer   *peer
	table  *correlation.Table
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	tools      []protocol.Tool
	registered bool
	closed     bool
}

func newEdgeSession(gw *Gateway, id string, p *peer, logger *zap.Logger) *edgeSession {
	ctx, cancel := context.WithCancel(gw.ctx)
	return &edgeSession{
		id:     id,
		gw:     gw,
		peer:   p,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		table: correlation.NewTable(logger, correlation.Hooks{
			OnUnmatched: func(string) { gw.metrics.UnmatchedResponse() },
			OnTimeout:   func(string) { gw.metrics.CorrelationTimeout() },
		}),
	}
}

func (e *edgeSession) ID() string { return "edge:" + e.id }

func (e *edgeSession) Tools() []protocol.Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Tool(nil), e.tools...)
}

func (e *edgeSession) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *edgeSession) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return toolcall.CallRPC(ctx, e, e.table, name, args, e.gw.cfg.Gateway.RequestTimeout())
}

func (e *edgeSession) SendRPC(_ context.Context, msg *protocol.RPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal jsonrpc message: %w", err)
	}
	if !e.peer.Send(data) {
		return errPeerGone
	}
	return nil
}

// initialize runs the MCP handshake and loads the edge's tools. An edge
// that never acknowledges initialize is still asked for its tools.
func (e *edgeSession) initialize() error {
	_, err := toolcall.Request(e.ctx, e, e.table, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.MCPProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      protocol.Implementation{Name: "ejunz-gateway", Version: e.gw.version},
	}, e.gw.cfg.Gateway.EdgeInitTimeout())

	var timeout *correlation.TimeoutError
	switch {
	case err == nil:
	case errors.As(err, &timeout):
		e.gw.metrics.InitFallback()
		e.logger.Warn("edge did not acknowledge initialize, continuing", zap.Duration("timeout", e.gw.cfg.Gateway.EdgeInitTimeout()))
	default:
		return fmt.Errorf("initialize edge: %w", err)
	}

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	if err != nil {
		return err
	}
	if err := e.SendRPC(e.ctx, note); err != nil {
		return err
	}
	return e.refreshTools(e.ctx)
}

func (e *edgeSession) refreshTools(ctx context.Context) error {
	raw, err := toolcall.Request(ctx, e, e.table, protocol.MethodToolsList, struct{}{}, e.gw.cfg.Gateway.RequestTimeout())
	if err != nil {
		return err
	}
	var listed protocol.ToolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("decode tools/list: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return correlation.ErrConnectionClosed
	}
	e.tools = listed.Tools
	first := !e.registered
	e.registered = true
	e.mu.Unlock()

	if first {
		e.gw.bridge.AddProvider(e)
	} else {
		e.gw.bridge.SetTools(e.ID(), listed.Tools)
	}
	if err := e.gw.store.ReplaceProviderTools(context.WithoutCancel(ctx), e.ID(), listed.Tools); err != nil {
		e.logger.Warn("failed to persist edge tools", zap.Error(err))
	}
	e.logger.Info("edge tools registered", zap.Int("count", len(listed.Tools)))
	return nil
}

func (e *edgeSession) spawn(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// handle processes one frame from the edge; only JSON-RPC is understood
func (e *edgeSession) handle(data []byte) {
	var msg protocol.RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.JSONRPC != protocol.JSONRPCVersion {
		e.logger.Debug("dropping non jsonrpc frame from edge")
		return
	}

	switch {
	case msg.IsResponse():
		toolcall.SettleResponse(e.table, &msg)
	case !msg.HasID():
		if msg.Method == protocol.MethodToolsListChanged {
			e.spawn(func() {
				if err := e.refreshTools(e.ctx); err != nil {
					e.logger.Info("failed to refresh edge tools", zap.Error(err))
				}
			})
		}
	case msg.Method == protocol.MethodPing:
		reply, err := protocol.NewResult(msg.ID, struct{}{})
		if err == nil {
			_ = e.SendRPC(e.ctx, reply)
		}
	default:
		_ = e.SendRPC(e.ctx, protocol.NewErrorResponse(msg.ID, protocol.CodeMethodNotFound, "method not found: "+msg.Method))
	}
}

func (e *edgeSession) publishStatus(status string) {
	e.gw.bus.Publish(eventbus.StatusUpdate{Kind: "edge", ID: e.id, Status: status})
}

// close tears the edge down: pending calls fail, its tools disappear
func (e *edgeSession) close() {
	e.table.RejectAll("edge disconnected")

	e.mu.Lock()
	registered := e.registered
	e.closed = true
	e.mu.Unlock()

	if registered {
		e.gw.bridge.RemoveProvider(e.ID())
	}
	e.cancel()
	e.wg.Wait()
}

// handleEdge upgrades /edge and serves one tool host
func (g *Gateway) handleEdge(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	result := g.wsAuth.Authenticate(r)
	if !result.Authenticated() {
		g.wsAuth.RejectUpgrade(w, result.Error)
		return
	}
	info := result.AuthInfo
	if info.Kind != auth.KindEdge {
		g.wsAuth.RejectUpgrade(w, &middleware.ErrInvalidToken)
		return
	}
	id, _, ok := resolveIdentity(r, info, "edgeId")
	if !ok {
		g.wsAuth.RejectUpgrade(w, &middleware.ErrInvalidToken)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, result.ResponseHeader())
	if err != nil {
		g.logger.Debug("edge upgrade failed", zap.Error(err))
		return
	}

	logger := g.logger.With(zap.String("edge_id", id))
	e := newEdgeSession(g, id, g.newPeer(conn, logger), logger)
	err = g.admit(func() error { return g.edges.Claim(id, e) })
	switch {
	case errors.Is(err, errShuttingDown):
		e.cancel()
		middleware.CloseWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	case err != nil:
		e.cancel()
		g.metrics.DuplicateRejected()
		logger.Info("rejecting duplicate edge connection")
		middleware.CloseWith(conn, middleware.CloseAlreadyConnected, ErrAlreadyConnected.Error())
		return
	}
	g.metrics.ConnectionOpened(true)
	logger.Info("edge connected")
	go g.serveEdge(e)
}

func (g *Gateway) serveEdge(e *edgeSession) {
	defer g.conns.Done()

	go e.peer.writePump()
	e.spawn(func() {
		if err := e.initialize(); err != nil {
			e.logger.Warn("edge setup failed", zap.Error(err))
			return
		}
		e.publishStatus(store.ClientOnline)
	})

	if err := e.peer.readLoop(e.handle); err != nil && !e.peer.isClosed() {
		e.logger.Debug("edge read ended", zap.Error(err))
	}

	e.peer.Close(websocket.CloseNormalClosure, "")
	e.close()
	e.publishStatus(store.ClientOffline)
	g.edges.Release(e.id, e)
	g.metrics.ConnectionClosed(true)
	e.logger.Info("edge disconnected")
}
