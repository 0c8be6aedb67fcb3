// Package gateway accepts client and edge WebSocket connections and
// multiplexes each client onto speech providers, tool hosts and agent chat.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ejunz/internal/agent"
	"ejunz/internal/auth"
	"ejunz/internal/config"
	"ejunz/internal/eventbus"
	"ejunz/internal/middleware"
	"ejunz/internal/monitoring"
	"ejunz/internal/realtime"
	"ejunz/internal/store"
	"ejunz/internal/toolcall"
	"ejunz/internal/version"
	"ejunz/pkg/protocol"
)

// Store is the persistence the gateway needs. *store.Store satisfies it.
type Store interface {
	GetClient(ctx context.Context, domain, id string) (*store.Client, error)
	SetClientStatus(ctx context.Context, domain, id, status string) error
	SaveAudio(ctx context.Context, recordID string, data []byte) error
	ReplaceProviderTools(ctx context.Context, providerID string, tools []protocol.Tool) error
}

// ChatDispatcher starts agent replies. *agent.Dispatcher satisfies it.
type ChatDispatcher interface {
	Dispatch(ctx context.Context, req agent.ChatRequest) (string, error)
}

// Options wires the gateway to its collaborators
type Options struct {
	Config    *config.Config
	Validator middleware.TokenValidator
	Store     Store
	Bus       *eventbus.Bus
	Bridge    *toolcall.Bridge
	Chats     ChatDispatcher
	Metrics   *monitoring.GatewayMetrics
	// Dialer connects to speech providers; defaults to realtime.WSDialer
	Dialer realtime.Dialer
	// MCP, when set, is served at /mcp behind token auth
	MCP       http.Handler
	RateLimit *middleware.RateLimitMiddleware
	Logger    *zap.Logger
}

// clientConn is the registry handle of a client connection
type clientConn struct {
	peer    *peer
	session *Session
}

// Gateway is the HTTP entry point and owner of all live connections
type Gateway struct {
	cfg       *config.Config
	store     Store
	bus       *eventbus.Bus
	busBuffer int
	bridge    *toolcall.Bridge
	chats     ChatDispatcher
	metrics   *monitoring.GatewayMetrics
	dialer    realtime.Dialer
	mcp       http.Handler
	version   string

	wsAuth    *middleware.WebSocketAuthenticator
	httpAuth  *middleware.AuthMiddleware
	rateLimit *middleware.RateLimitMiddleware
	upgrader  websocket.Upgrader
	logger    *zap.Logger

	clients *Registry[*clientConn]
	edges   *Registry[*edgeSession]

	// ctx outlives HTTP requests; connection goroutines derive from it
	ctx    context.Context
	cancel context.CancelFunc

	// admitMu orders registry claims against the start of Shutdown
	admitMu      sync.Mutex
	shuttingDown bool
	conns        sync.WaitGroup
}

// errShuttingDown refuses connections that finish upgrading after Shutdown began
var errShuttingDown = errors.New("gateway shutting down")

// admit runs claim and counts the connection unless Shutdown has begun.
// Every admitted connection is visible to Shutdown's close pass.
func (g *Gateway) admit(claim func() error) error {
	g.admitMu.Lock()
	defer g.admitMu.Unlock()
	if g.shuttingDown {
		return errShuttingDown
	}
	if err := claim(); err != nil {
		return err
	}
	g.conns.Add(1)
	return nil
}

// New creates a gateway. Config, Validator, Store, Bus, Bridge and Chats are required.
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("gateway: config is required")
	case opts.Validator == nil:
		return nil, fmt.Errorf("gateway: token validator is required")
	case opts.Store == nil, opts.Bus == nil, opts.Bridge == nil, opts.Chats == nil:
		return nil, fmt.Errorf("gateway: store, bus, bridge and dispatcher are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewGatewayMetrics()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = realtime.WSDialer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       opts.Config,
		store:     opts.Store,
		bus:       opts.Bus,
		busBuffer: opts.Config.Gateway.SendBuffer,
		bridge:    opts.Bridge,
		chats:     opts.Chats,
		metrics:   metrics,
		dialer:    dialer,
		mcp:       opts.MCP,
		version:   version.Info(),
		wsAuth:    middleware.NewWebSocketAuthenticator(opts.Validator, logger),
		httpAuth: middleware.NewAuthMiddleware(opts.Validator, middleware.AuthMiddlewareConfig{
			Kinds:  []string{auth.KindClient, auth.KindAPI},
			Logger: logger,
		}),
		rateLimit: opts.RateLimit,
		logger:    logger,
		clients:   NewRegistry[*clientConn](),
		edges:     NewRegistry[*edgeSession](),
		ctx:       ctx,
		cancel:    cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	metrics.SetVersion(g.version)
	metrics.SetStatus(monitoring.StatusHealthy)
	return g, nil
}

// Handler returns the gateway's HTTP routes
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/metrics", g.handleMetrics)
	mux.Handle("/ws", g.limited(http.HandlerFunc(g.handleClient)))
	mux.Handle("/edge", g.limited(http.HandlerFunc(g.handleEdge)))
	if g.mcp != nil {
		path := g.cfg.MCP.Path
		if path == "" {
			path = "/mcp"
		}
		mux.Handle(path, g.httpAuth.Wrap(g.limited(g.mcp)))
	}
	return mux
}

func (g *Gateway) limited(next http.Handler) http.Handler {
	if g.rateLimit == nil {
		return next
	}
	return g.rateLimit.Wrap(next)
}

// Run serves HTTP on the configured port until ctx is done, then shuts down
func (g *Gateway) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", g.cfg.Port),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", zap.String("addr", server.Addr), zap.String("version", g.version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway server: %w", err)
		}
	case <-ctx.Done():
	}

	g.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown", zap.Error(err))
	}
	return g.Shutdown(shutdownCtx)
}

// Shutdown closes every live connection and waits for their teardown
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.metrics.SetStatus("stopping")
	g.admitMu.Lock()
	g.shuttingDown = true
	g.admitMu.Unlock()
	g.cancel()

	var eg errgroup.Group
	g.clients.Each(func(_ string, cc *clientConn) {
		eg.Go(func() error {
			cc.peer.Close(websocket.CloseGoingAway, "server shutting down")
			return nil
		})
	})
	g.edges.Each(func(_ string, e *edgeSession) {
		eg.Go(func() error {
			e.peer.Close(websocket.CloseGoingAway, "server shutting down")
			return nil
		})
	})
	_ = eg.Wait()

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

// Clients returns the number of connected clients
func (g *Gateway) Clients() int { return g.clients.Len() }

// Edges returns the number of connected edges
func (g *Gateway) Edges() int { return g.edges.Len() }

func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := g.cfg.Gateway.AllowedOrigins
	origin := r.Header.Get("Origin")
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	g.logger.Info("rejected origin", zap.String("origin", origin))
	return false
}

// resolveIdentity picks the connection id and domain. Values bound in the
// token win; query parameters may only repeat them.
func resolveIdentity(r *http.Request, info *middleware.AuthInfo, idParam string) (id, domain string, ok bool) {
	q := r.URL.Query()

	id = info.ClientID
	if qid := strings.TrimSpace(q.Get(idParam)); qid != "" {
		if id != "" && id != qid {
			return "", "", false
		}
		id = qid
	}
	if id == "" {
		id = info.ClientName
	}

	domain = info.Domain
	if qd := strings.TrimSpace(q.Get("domain")); qd != "" {
		if domain != "" && domain != qd {
			return "", "", false
		}
		domain = qd
	}
	if domain == "" {
		domain = store.DefaultDomain
	}
	return id, domain, id != ""
}

func (g *Gateway) newPeer(conn *websocket.Conn, logger *zap.Logger) *peer {
	gw := g.cfg.Gateway
	return newPeer(conn, gw.SendBuffer, gw.PingInterval(), gw.MaxMessageBytes, g.metrics.EventDropped, logger)
}

// handleClient upgrades /ws and runs one client session
func (g *Gateway) handleClient(w http.ResponseWriter, r *http.Request) {
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
	if info.Kind == auth.KindEdge {
		g.wsAuth.RejectUpgrade(w, &middleware.ErrInvalidToken)
		return
	}
	id, domain, ok := resolveIdentity(r, info, "clientId")
	if !ok {
		g.wsAuth.RejectUpgrade(w, &middleware.ErrInvalidToken)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, result.ResponseHeader())
	if err != nil {
		g.logger.Debug("client upgrade failed", zap.Error(err))
		return
	}

	logger := g.logger.With(zap.String("client_id", id), zap.String("domain", domain))
	cc := &clientConn{peer: g.newPeer(conn, logger)}
	err = g.admit(func() error {
		if err := g.clients.Claim(clientKey(domain, id), cc); err != nil {
			return err
		}
		cc.session = newSession(g, id, domain, cc.peer)
		return nil
	})
	switch {
	case errors.Is(err, errShuttingDown):
		middleware.CloseWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	case err != nil:
		g.metrics.DuplicateRejected()
		logger.Info("rejecting duplicate client connection")
		middleware.CloseWith(conn, middleware.CloseAlreadyConnected, ErrAlreadyConnected.Error())
		return
	}

	g.metrics.ConnectionOpened(false)
	logger.Info("client connected", zap.String("token", info.TokenID))
	go g.serveClient(cc, logger)
}

func (g *Gateway) serveClient(cc *clientConn, logger *zap.Logger) {
	defer g.conns.Done()
	s := cc.session

	s.start()
	go cc.peer.writePump()

	err := cc.peer.readLoop(func(data []byte) {
		s.Handle(s.ctx, data)
	})
	if err != nil && !cc.peer.isClosed() {
		logger.Debug("client read ended", zap.Error(err))
	}

	cc.peer.Close(websocket.CloseNormalClosure, "")
	s.Close()
	s.wait()
	s.setStatus(store.ClientOffline)
	g.clients.Release(s.key, cc)
	g.metrics.ConnectionClosed(false)
	logger.Info("client disconnected")
}
