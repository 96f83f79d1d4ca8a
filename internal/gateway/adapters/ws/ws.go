// Package ws implements the WebSocket protocol adapter.
//
// After the upgrade the server sends a welcome frame and waits for an auth
// frame carrying a bearer token; everything else is rejected until the
// connection is authenticated. Authenticated clients may subscribe to bus
// topics, send request frames through the pipeline, and exchange
// heartbeats. Connections that miss three heartbeat intervals are closed.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/common/spec/topic"
	"github.com/aico-ai/gateway/common/version"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
	"github.com/aico-ai/gateway/internal/gateway/auth"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
	"github.com/aico-ai/gateway/internal/gateway/metrics"
	"github.com/aico-ai/gateway/internal/gateway/pipeline"
)

// Defaults when the config leaves fields unset.
const (
	DefaultPath              = "/ws"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxFrameSize      = 10 << 20
	DefaultMaxConnections    = 256
)

// Close codes beyond the RFC set.
const (
	closeUnauthorized = 4401
	closeOverloaded   = 1013
)

const adapterName = "websocket"

// authDeadline bounds how long an upgraded connection may sit
// unauthenticated.
const authDeadline = 10 * time.Second

// Bus is the slice of the bus client the adapter needs for broadcasts.
type Bus interface {
	Subscribe(pattern string, callback client.Callback) (*client.Subscription, error)
	Unsubscribe(sub *client.Subscription) error
}

// frame is the JSON message exchanged on the socket. One struct covers all
// frame types; unused fields stay empty.
type frame struct {
	Type string `json:"type"`

	// welcome
	ClientID string `json:"client_id,omitempty"`
	Server   string `json:"server,omitempty"`
	Version  string `json:"version,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// subscribe / unsubscribe / broadcast
	Topic string `json:"topic,omitempty"`

	// request / response
	ID            string          `json:"id,omitempty"`
	MessageType   string          `json:"message_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`

	// heartbeat_ack / broadcast
	Timestamp string `json:"timestamp,omitempty"`
}

// conn is one client connection.
type conn struct {
	id       string
	ws       *websocket.Conn
	identity *auth.Identity

	writeMu sync.Mutex

	mu            sync.Mutex
	subs          map[string]*client.Subscription
	lastHeartbeat time.Time
}

// Server is the WebSocket adapter.
type Server struct {
	host     string
	port     int
	path     string
	maxConns int
	maxFrame int64
	interval time.Duration

	pipeline *pipeline.Pipeline
	bus      Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	ln       net.Listener

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds Server dependencies and settings.
type Config struct {
	Host              string
	Port              int
	Path              string
	MaxConnections    int
	MaxFrameSize      int64
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	Pipeline          *pipeline.Pipeline
	Bus               Bus
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// New creates the adapter (does not bind the port).
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	s := &Server{
		host:     cfg.Host,
		port:     cfg.Port,
		path:     cfg.Path,
		maxConns: cfg.MaxConnections,
		maxFrame: cfg.MaxFrameSize,
		interval: cfg.HeartbeatInterval,
		pipeline: cfg.Pipeline,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		conns:    make(map[*conn]struct{}),
	}
	origins := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			o := r.Header.Get("Origin")
			for _, allowed := range origins {
				if allowed == "*" || allowed == o {
					return true
				}
			}
			return false
		},
	}
	return s
}

// Name implements adapters.Adapter.
func (s *Server) Name() string { return adapterName }

// Handler returns the upgrade handler so tests can mount it on httptest.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Start binds the port and serves upgrades in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket adapter: listen %s: %w", addr, err)
	}
	s.ln = ln

	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	s.server = &http.Server{Handler: mux}

	s.wg.Add(1)
	go s.heartbeatLoop()

	go func() {
		s.logger.Info("websocket adapter listening", "addr", ln.Addr().String(), "path", s.path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket adapter stopped", "error", err)
		}
	}()
	return nil
}

// Addr reports where the adapter is listening. Nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes every connection with a normal close frame and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for _, c := range conns {
		s.closeConn(c, websocket.CloseNormalClosure, "server shutting down")
	}
	s.wg.Wait()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleUpgrade accepts one client.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Screen(r.RemoteAddr); err != nil {
		http.Error(w, apierr.Detail(err), apierr.Status(err))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		id:            uuid.NewString(),
		ws:            ws,
		subs:          make(map[string]*client.Subscription),
		lastHeartbeat: time.Now(),
	}

	s.mu.Lock()
	overloaded := s.closed || len(s.conns) >= s.maxConns
	if !overloaded {
		s.conns[c] = struct{}{}
	}
	s.mu.Unlock()

	if overloaded {
		s.writeClose(c, closeOverloaded, "too many connections")
		ws.Close()
		return
	}

	s.metrics.WSOpened()
	s.wg.Add(1)
	go s.serve(c, r.RemoteAddr)
}

// serve runs one connection to completion.
func (s *Server) serve(c *conn, remoteAddr string) {
	defer s.wg.Done()
	defer func() {
		s.dropConn(c)
		s.metrics.WSClosed()
	}()

	c.ws.SetReadLimit(s.maxFrame)

	s.writeFrame(c, &frame{
		Type:     "welcome",
		ClientID: c.id,
		Server:   "aico-gateway",
		Version:  version.Version,
	})

	if !s.awaitAuth(c, remoteAddr) {
		s.writeClose(c, closeUnauthorized, "authentication required")
		c.ws.Close()
		return
	}

	c.ws.SetReadDeadline(time.Time{})
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.writeClose(c, websocket.CloseMessageTooBig, "frame too large")
			}
			c.ws.Close()
			return
		}
		s.dispatch(c, remoteAddr, &f)
	}
}

// awaitAuth reads the first frame and authenticates its token.
func (s *Server) awaitAuth(c *conn, remoteAddr string) bool {
	c.ws.SetReadDeadline(time.Now().Add(authDeadline))

	var f frame
	if err := c.ws.ReadJSON(&f); err != nil || f.Type != "auth" {
		return false
	}
	id, err := s.pipeline.Authenticate(context.Background(), auth.Request{
		BearerToken: f.Token,
		RemoteAddr:  remoteAddr,
	})
	if err != nil {
		s.logger.Warn("websocket auth failed", "client_id", c.id, "error", err)
		return false
	}
	c.identity = id
	s.writeFrame(c, &frame{Type: "auth_ok", ClientID: c.id})
	return true
}

func (s *Server) dispatch(c *conn, remoteAddr string, f *frame) {
	switch f.Type {
	case "subscribe":
		s.handleSubscribe(c, f)
	case "unsubscribe":
		s.handleUnsubscribe(c, f)
	case "request":
		s.handleRequest(c, remoteAddr, f)
	case "heartbeat":
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		s.writeFrame(c, &frame{
			Type:      "heartbeat_ack",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	default:
		s.writeFrame(c, &frame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

func (s *Server) handleSubscribe(c *conn, f *frame) {
	pattern := topic.Normalize(f.Topic)
	if err := s.pipeline.AuthorizeTopic(c.identity, pattern); err != nil {
		s.writeFrame(c, &frame{Type: "error", Topic: f.Topic, Error: apierr.Detail(err)})
		return
	}

	c.mu.Lock()
	_, already := c.subs[pattern]
	c.mu.Unlock()
	if already {
		return
	}

	sub, err := s.bus.Subscribe(pattern, func(t string, env *envelope.Envelope) error {
		s.metrics.BusReceived()
		s.writeFrame(c, &frame{
			Type:      "broadcast",
			Topic:     t,
			Data:      env.Payload.Data,
			Timestamp: env.Metadata.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		s.writeFrame(c, &frame{Type: "error", Topic: f.Topic, Error: "subscription failed"})
		return
	}
	c.mu.Lock()
	c.subs[pattern] = sub
	c.mu.Unlock()
}

func (s *Server) handleUnsubscribe(c *conn, f *frame) {
	pattern := topic.Normalize(f.Topic)
	c.mu.Lock()
	sub, ok := c.subs[pattern]
	delete(c.subs, pattern)
	c.mu.Unlock()
	if ok {
		_ = s.bus.Unsubscribe(sub)
	}
}

func (s *Server) handleRequest(c *conn, remoteAddr string, f *frame) {
	env := envelope.New(adapterName, f.MessageType, envelope.Payload{Data: f.Payload})
	res, _, err := s.pipeline.Handle(s.requestContext(), pipeline.Request{
		Envelope:   env,
		RemoteAddr: remoteAddr,
		Identity:   c.identity,
		Size:       int64(len(f.Payload)),
	})

	resp := frame{Type: "response", ID: f.ID}
	ok := err == nil && res.Success
	resp.Success = &ok
	switch {
	case err != nil:
		resp.Error = apierr.Detail(err)
	case res.Success:
		resp.CorrelationID = res.CorrelationID
		resp.Data = res.Response.Payload.Data
	default:
		resp.CorrelationID = res.CorrelationID
		resp.Error = "upstream error"
		if res.Error != nil && json.Valid(res.Error.Payload.Data) {
			resp.Data = res.Error.Payload.Data
		}
	}
	s.writeFrame(c, &resp)
}

// requestContext ties in-flight requests to the adapter lifetime so
// shutdown surfaces a terminal error instead of hanging.
func (s *Server) requestContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// heartbeatLoop closes connections that missed three intervals.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * s.interval)
			s.mu.Lock()
			var stale []*conn
			for c := range s.conns {
				c.mu.Lock()
				if c.lastHeartbeat.Before(cutoff) {
					stale = append(stale, c)
				}
				c.mu.Unlock()
			}
			s.mu.Unlock()
			for _, c := range stale {
				s.logger.Info("closing stale websocket", "client_id", c.id)
				s.closeConn(c, websocket.CloseNormalClosure, "heartbeat timeout")
			}
		}
	}
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) writeFrame(c *conn, f *frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(f); err != nil {
		s.logger.Debug("websocket write failed", "client_id", c.id, "error", err)
	}
}

func (s *Server) writeClose(c *conn, code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) closeConn(c *conn, code int, reason string) {
	s.writeClose(c, code, reason)
	c.ws.Close()
}

// dropConn removes the connection and tears down its bus subscriptions.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	c.mu.Lock()
	subs := make([]*client.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*client.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		_ = s.bus.Unsubscribe(sub)
	}
}
