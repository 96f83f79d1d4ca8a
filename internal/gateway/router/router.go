// Package router correlates gateway requests with bus responses. Each
// routed envelope is published on its mapped internal topic with a fresh
// correlation id; the matching response or error envelope completes the
// pending request, or a timeout does.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
)

// Defaults when the config leaves fields unset.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxMessageSize = 10 << 20
)

// Topics the router listens on for completions.
const (
	responseTopicPattern = "api/response/**"
	errorTopicPattern    = "system/error/**"
)

// routerSource overwrites metadata.source on forwarded envelopes.
const routerSource = "router"

// Bus is the slice of the bus client the router needs.
type Bus interface {
	PublishEnvelope(t string, env *envelope.Envelope) error
	Subscribe(pattern string, callback client.Callback) (*client.Subscription, error)
	Unsubscribe(sub *client.Subscription) error
}

// Result is the outcome of one routed request.
type Result struct {
	Success       bool
	Response      *envelope.Envelope
	Error         *envelope.Envelope
	CorrelationID string
}

type outcome struct {
	env   *envelope.Envelope
	isErr bool
}

// Router routes external requests onto the bus and awaits their responses.
type Router struct {
	mapping *Mapping
	bus     Bus
	timeout time.Duration
	maxSize int64
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan outcome
	subs    []*client.Subscription
}

// Config holds Router dependencies and settings.
type Config struct {
	Mapping        *Mapping
	Bus            Bus
	Timeout        time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

// New creates a Router. Call Start to install the response subscriptions.
func New(cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Router{
		mapping: cfg.Mapping,
		bus:     cfg.Bus,
		timeout: cfg.Timeout,
		maxSize: cfg.MaxMessageSize,
		logger:  cfg.Logger,
		pending: make(map[string]chan outcome),
	}
}

// Start subscribes to the response and error topics.
func (r *Router) Start() error {
	for _, pattern := range []string{responseTopicPattern, errorTopicPattern} {
		isErr := pattern == errorTopicPattern
		sub, err := r.bus.Subscribe(pattern, func(t string, env *envelope.Envelope) error {
			r.complete(env, isErr)
			return nil
		})
		if err != nil {
			r.Stop()
			return err
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	return nil
}

// Stop removes the subscriptions. In-flight Route calls time out normally.
func (r *Router) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = r.bus.Unsubscribe(sub)
	}
}

// PendingCount reports the number of in-flight requests.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Route publishes the envelope on its mapped internal topic and blocks
// until a correlated response, an error envelope, the router timeout, or
// context cancellation. The pending entry is removed on every path.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (*Result, error) {
	internal, err := r.mapping.Resolve(env.Metadata.MessageType)
	if err != nil {
		return nil, err
	}

	raw, err := env.Marshal()
	if err != nil {
		return nil, apierr.E(apierr.ErrValidation, "unserializable envelope")
	}
	if int64(len(raw)) > r.maxSize {
		return nil, apierr.E(apierr.ErrMessageTooLarge, "message exceeds %d bytes", r.maxSize)
	}

	cid := uuid.NewString()

	// Register before publishing so a fast response cannot race the map.
	ch := make(chan outcome, 1)
	r.mu.Lock()
	r.pending[cid] = ch
	r.mu.Unlock()
	defer r.drop(cid)

	out := env.Clone()
	out.Metadata.Source = routerSource
	out.SetAttribute(envelope.AttrCorrelationID, cid)
	out.SetAttribute(envelope.AttrExternalTopic, env.Metadata.MessageType)

	if err := r.bus.PublishEnvelope(internal, out); err != nil {
		return nil, apierr.E(apierr.ErrPublishFailed, "publish to %q failed", internal)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		if o.isErr {
			return &Result{Success: false, Error: o.env, CorrelationID: cid}, nil
		}
		return &Result{Success: true, Response: o.env, CorrelationID: cid}, nil
	case <-timer.C:
		return nil, apierr.E(apierr.ErrTimeout, "request timeout after %s", r.timeout)
	case <-ctx.Done():
		return nil, apierr.E(apierr.ErrShuttingDown, "request canceled")
	}
}

// complete resolves the pending request a response or error envelope
// correlates to. Envelopes with no or unknown correlation ids are dropped;
// duplicate completions land here as unknown and are dropped too.
func (r *Router) complete(env *envelope.Envelope, isErr bool) {
	cid := env.CorrelationID()
	if cid == "" {
		r.logger.Warn("response without correlation id dropped",
			"message_id", env.Metadata.MessageID, "source", env.Metadata.Source)
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[cid]
	if ok {
		delete(r.pending, cid)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("unmatched response dropped", "correlation_id", cid)
		return
	}
	ch <- outcome{env: env, isErr: isErr}
}

// drop removes a pending entry if completion has not already claimed it.
func (r *Router) drop(cid string) {
	r.mu.Lock()
	delete(r.pending, cid)
	r.mu.Unlock()
}
