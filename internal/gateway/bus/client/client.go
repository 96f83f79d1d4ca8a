// Package client implements the message bus session used by every gateway
// component: it connects to the broker's two endpoints, publishes envelopes,
// and dispatches subscription callbacks.
//
// Callbacks run serially on a single goroutine per client, preserving
// per-topic receive order. A callback that returns an error (or panics) is
// logged and its subscription kept; user callbacks are expected to be
// idempotent.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aico-ai/gateway/common/retry"
	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/common/spec/topic"
	"github.com/aico-ai/gateway/internal/gateway/bus"
	"github.com/aico-ai/gateway/internal/gateway/metrics"
)

var (
	// ErrConnectFailed is returned when the broker is unreachable.
	ErrConnectFailed = errors.New("bus client: connect failed")
	// ErrNotConnected is returned by Publish before Connect (or after Disconnect).
	ErrNotConnected = errors.New("bus client: not connected")
)

// Callback handles one delivered envelope. It runs on the client's dispatch
// goroutine; blocking here delays subsequent deliveries for this client.
type Callback func(topic string, env *envelope.Envelope) error

// Subscription is the handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	id       int
	pattern  string
	prefix   string
	callback Callback
}

// Pattern returns the subscription's topic pattern.
func (s *Subscription) Pattern() string { return s.pattern }

// Client is a bus session. Safe for concurrent Publish; Subscribe and
// Unsubscribe are serialized against each other.
type Client struct {
	source  string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pubConn  net.Conn
	subConn  net.Conn
	subs     map[int]*Subscription
	nextID   int
	ctx      context.Context
	cancel   context.CancelFunc
	recvDone chan struct{}
}

// Config holds client options.
type Config struct {
	// Source identifies this client as envelope metadata.source.
	Source string
	// Logger may be nil for slog.Default().
	Logger *slog.Logger
	// Metrics counts published envelopes; nil disables counting.
	Metrics *metrics.Metrics
}

// New creates an unconnected Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		source:  cfg.Source,
		logger:  logger,
		metrics: cfg.Metrics,
		subs:    make(map[int]*Subscription),
	}
}

// Connect opens the publisher and subscriber sockets and starts the receive
// goroutine. Re-entrant: calling Connect on a connected client is a no-op.
func (c *Client) Connect(brokerHost string, pubPort, subPort int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubConn != nil {
		return nil
	}

	pubConn, err := net.Dial("tcp", net.JoinHostPort(brokerHost, fmt.Sprint(pubPort)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	subConn, err := net.Dial("tcp", net.JoinHostPort(brokerHost, fmt.Sprint(subPort)))
	if err != nil {
		pubConn.Close()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c.pubConn = pubConn
	c.subConn = subConn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.recvDone = make(chan struct{})

	// Re-install filters for subscriptions that survived a reconnect.
	for prefix := range c.activePrefixesLocked() {
		if err := bus.WriteSubscribe(subConn, prefix); err != nil {
			c.logger.Warn("re-subscribe failed", "prefix", prefix, "err", err)
		}
	}

	go c.receiveLoop(c.ctx, subConn, c.recvDone)
	return nil
}

// Disconnect closes both sockets with zero linger and stops the receive
// goroutine, waiting for the in-flight callback (if any) to return.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.pubConn == nil {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	pubConn, subConn := c.pubConn, c.subConn
	recvDone := c.recvDone
	c.pubConn, c.subConn = nil, nil
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	closeNoLinger(pubConn)
	closeNoLinger(subConn)
	<-recvDone
}

func closeNoLinger(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	conn.Close()
}

// PublishOption customizes an outgoing envelope.
type PublishOption func(*envelope.Envelope)

// WithCorrelationID sets the correlation_id attribute.
func WithCorrelationID(id string) PublishOption {
	return func(e *envelope.Envelope) { e.SetAttribute(envelope.AttrCorrelationID, id) }
}

// WithAttributes merges attrs into the envelope's attributes.
func WithAttributes(attrs map[string]string) PublishOption {
	return func(e *envelope.Envelope) {
		for k, v := range attrs {
			e.SetAttribute(k, v)
		}
	}
}

// Publish constructs an envelope for payload and sends it on t. It returns
// the published envelope so callers can read its message ID.
func (c *Client) Publish(t string, payload envelope.Payload, opts ...PublishOption) (*envelope.Envelope, error) {
	norm := topic.Normalize(t)
	env := envelope.New(c.source, norm, payload)
	for _, opt := range opts {
		opt(env)
	}
	if err := c.PublishEnvelope(norm, env); err != nil {
		return nil, err
	}
	return env, nil
}

// PublishEnvelope sends a prepared envelope on t. The router uses this after
// rewriting envelope metadata.
func (c *Client) PublishEnvelope(t string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubConn == nil {
		return ErrNotConnected
	}
	// Serialized writes keep this client's publish order on the wire.
	if err := bus.WriteMessage(c.pubConn, topic.Normalize(t), raw); err != nil {
		return fmt.Errorf("bus client: publish: %w", err)
	}
	if c.metrics != nil {
		c.metrics.BusPublished()
	}
	return nil
}

// Subscribe registers callback for every topic matching pattern and installs
// the pattern's static prefix as the broker-side filter. Patterns with
// ambiguous wildcard segments are rejected.
func (c *Client) Subscribe(pattern string, callback Callback) (*Subscription, error) {
	if err := topic.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	norm := topic.Normalize(pattern)
	prefix := topic.StaticPrefix(norm)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subConn == nil {
		return nil, ErrNotConnected
	}

	firstForPrefix := true
	for _, s := range c.subs {
		if s.prefix == prefix {
			firstForPrefix = false
			break
		}
	}

	c.nextID++
	sub := &Subscription{id: c.nextID, pattern: norm, prefix: prefix, callback: callback}
	c.subs[sub.id] = sub

	if firstForPrefix {
		if err := bus.WriteSubscribe(c.subConn, prefix); err != nil {
			delete(c.subs, sub.id)
			return nil, fmt.Errorf("bus client: subscribe: %w", err)
		}
	}
	return sub, nil
}

// Unsubscribe removes the subscription. When it was the last one sharing its
// broker-side prefix, the filter is cancelled too.
func (c *Client) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[sub.id]; !ok {
		return nil
	}
	delete(c.subs, sub.id)

	for _, s := range c.subs {
		if s.prefix == sub.prefix {
			return nil
		}
	}
	if c.subConn != nil {
		if err := bus.WriteUnsubscribe(c.subConn, sub.prefix); err != nil {
			return fmt.Errorf("bus client: unsubscribe: %w", err)
		}
	}
	return nil
}

// activePrefixesLocked returns the distinct broker-side prefixes for current
// subscriptions. Caller holds c.mu.
func (c *Client) activePrefixesLocked() map[string]struct{} {
	prefixes := make(map[string]struct{}, len(c.subs))
	for _, s := range c.subs {
		prefixes[s.prefix] = struct{}{}
	}
	return prefixes
}

// receiveLoop reads messages off the subscriber socket and dispatches them.
// On a connection error it reconnects with exponential backoff until the
// context is cancelled by Disconnect.
func (c *Client) receiveLoop(ctx context.Context, conn net.Conn, done chan struct{}) {
	defer close(done)

	backoff := retry.NewBackoff(250*time.Millisecond, 5*time.Second)

	for {
		t, raw, err := bus.ReadMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("bus receive error, reconnecting", "err", err)
			conn = c.reconnect(ctx, backoff)
			if conn == nil {
				return
			}
			backoff.Reset()
			continue
		}

		env, err := envelope.Parse(raw)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "topic", t, "err", err)
			continue
		}
		c.dispatch(t, env)
	}
}

// reconnect re-dials the broker's subscriber endpoint and re-installs
// filters. Returns nil when the context is cancelled first.
func (c *Client) reconnect(ctx context.Context, backoff *retry.Backoff) net.Conn {
	for {
		if err := backoff.Wait(ctx); err != nil {
			return nil
		}

		c.mu.Lock()
		if c.subConn == nil {
			c.mu.Unlock()
			return nil
		}
		addr := c.subConn.RemoteAddr().String()
		c.mu.Unlock()

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			c.logger.Debug("broker re-dial failed", "addr", addr, "err", err)
			continue
		}

		c.mu.Lock()
		c.subConn = conn
		for prefix := range c.activePrefixesLocked() {
			bus.WriteSubscribe(conn, prefix)
		}
		c.mu.Unlock()

		c.logger.Info("bus client reconnected", "addr", addr)
		return conn
	}
}

// dispatch invokes every callback whose pattern matches the topic, serially
// on the receive goroutine. Callback panics are contained.
func (c *Client) dispatch(t string, env *envelope.Envelope) {
	c.mu.Lock()
	matched := make([]*Subscription, 0, 2)
	for _, s := range c.subs {
		if topic.Match(s.pattern, t) {
			matched = append(matched, s)
		}
	}
	c.mu.Unlock()

	for _, s := range matched {
		c.invoke(s, t, env)
	}
}

func (c *Client) invoke(s *Subscription, t string, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscription callback panicked",
				"pattern", s.pattern, "topic", t, "panic", r)
		}
	}()
	if err := s.callback(t, env); err != nil {
		c.logger.Error("subscription callback failed",
			"pattern", s.pattern, "topic", t, "err", err)
	}
}
