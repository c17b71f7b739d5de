// Package gateway exposes the companion service over HTTP and WebSocket.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/companion/internal/agent"
	"github.com/soyeahso/companion/internal/config"
	"github.com/soyeahso/companion/internal/hooks"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/metrics"
	"github.com/soyeahso/companion/internal/records"
	"github.com/soyeahso/companion/internal/reminder"
	"github.com/soyeahso/companion/internal/version"
)

var ErrClientClosed = errors.New("client connection closed")

// Conversations is the conversational surface. *agent.Service implements it.
type Conversations interface {
	HandleMessage(ctx context.Context, tenantID, sessionID, text string) (*agent.Reply, error)
	Search(ctx context.Context, tenantID, query string, limit int) ([]agent.Snippet, error)
	Clear(ctx context.Context, tenantID, sessionID string) (int, error)
}

// Records is the tenant record surface. *records.Gateway implements it.
type Records interface {
	Fetch(ctx context.Context, key string) (*records.View, error)
	Upsert(ctx context.Context, key string, f records.Fields) (*records.View, error)
	CompleteVisit(ctx context.Context, key string, number int, date, notes string) (*records.View, error)
	List(ctx context.Context, status records.Status) ([]records.View, error)
	Delete(ctx context.Context, key string, confirm bool) error
}

// Reminders is the reminder scheduler surface. *reminder.Scheduler implements it.
type Reminders interface {
	RunOnce(ctx context.Context, now time.Time) ([]reminder.Reminder, error)
	Stats() reminder.Stats
}

// Server is the companion HTTP + WebSocket server.
type Server struct {
	cfg       config.GatewayConfig
	token     string
	log       *logging.Logger
	conv      Conversations
	records   Records
	reminders Reminders
	metrics   *metrics.Metrics
	hooks     *hooks.Manager

	clients     *ClientRegistry
	handlers    map[string]RequestHandler
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
	startedAt   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

func WithRecords(r Records) ServerOption          { return func(s *Server) { s.records = r } }
func WithReminders(r Reminders) ServerOption      { return func(s *Server) { s.reminders = r } }
func WithMetrics(m *metrics.Metrics) ServerOption { return func(s *Server) { s.metrics = m } }
func WithHooks(h *hooks.Manager) ServerOption     { return func(s *Server) { s.hooks = h } }

// WithToken overrides the token resolved from config and environment.
func WithToken(token string) ServerOption { return func(s *Server) { s.token = token } }

// New creates a gateway server in front of conv.
func New(cfg config.GatewayConfig, conv Conversations, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		token:       ResolveToken(cfg.Auth),
		log:         log.Sub("gateway"),
		conv:        conv,
		clients:     NewClientRegistry(log.Sub("clients")),
		handlers:    make(map[string]RequestHandler),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin allows requests without an Origin header and browser
// requests whose Origin is in allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || originAllowed(origin, allowed)
	}
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the registered RPC method names, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestIDHeader)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.AllowedOrigins))

	r.NotFound(handleNotFound)
	s.registerHTTPRoutes(r)
	return r
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start listens for HTTP and WebSocket connections. It blocks until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	if s.token == "" && s.cfg.Bind != "" && s.cfg.Bind != "loopback" {
		return fmt.Errorf("gateway auth token is required when bind is %q", s.cfg.Bind)
	}

	addr := resolveBindAddr(s.cfg)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Bind != "" && s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled; tokens travel in cleartext")
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpServer, s.addr = srv, ln.Addr().String()
	s.mu.Unlock()
	s.startedAt = time.Now()

	if s.token == "" {
		s.log.Warn().Msg("gateway auth disabled")
	}
	s.log.Info().
		Str("addr", s.Addr()).
		Int("methods", len(s.handlers)).
		Msg("gateway server ready")
	s.hooks.Emit(ctx, hooks.EventGatewayStart, "", map[string]any{"addr": s.Addr()})

	done := make(chan struct{})
	defer close(done)
	go s.authLimiter.cleanup(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		s.log.Info().Msg("shutting down gateway server")
		s.hooks.Emit(context.Background(), hooks.EventGatewayStop, "", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// handleWebSocket upgrades to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited: too many failed auth attempts")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many failed auth attempts")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayload)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()
	s.readLoop(r.Context(), client)
}

// handshake runs challenge → connect → hello-ok.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	challenge, err := NewEvent("connect.challenge", map[string]any{
		"nonce": uuid.New().String(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
			return nil, fmt.Errorf("parsing connect params: %w", err)
		}
	}
	var presented string
	if params.Auth != nil {
		presented = params.Auth.Token
	}
	if res := Authorize(s.token, presented); !res.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", res.Reason)
		return nil, fmt.Errorf("auth failed: %s", res.Reason)
	}

	conn.SetReadDeadline(time.Time{})
	client := NewClient(conn, params.Client, s.log.Sub("ws"))

	build := version.Get()
	resp, err := NewResponse(frame.ID, HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version: build.Version,
			Commit:  build.Commit,
			ConnID:  client.ConnID,
		},
		Methods:  s.Methods(),
		MaxBytes: maxPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	return client, nil
}

// readLoop processes frames from an authenticated client.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if errors.Is(err, errBadFrame) {
				client.RespondError("", ErrorShape{Code: "protocol_error", Message: "invalid frame"})
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}
		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		s.dispatch(ctx, client, frame)
	}
}

// dispatch routes a request frame to its handler.
func (s *Server) dispatch(ctx context.Context, client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}
	handler(&RequestContext{Ctx: ctx, Client: client, Frame: frame, Server: s})
}

func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}
