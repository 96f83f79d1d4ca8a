// Package pipeline chains the gateway's request stages in their fixed
// order: security filter, authentication, rate limit, validation,
// authorization, routing. Every adapter funnels its requests through one
// shared Pipeline so the stages and their ordering exist in exactly one
// place.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/common/spec/topic"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
	"github.com/aico-ai/gateway/internal/gateway/auth"
	"github.com/aico-ai/gateway/internal/gateway/ratelimit"
	"github.com/aico-ai/gateway/internal/gateway/router"
	"github.com/aico-ai/gateway/internal/gateway/security"
	"github.com/aico-ai/gateway/internal/gateway/validate"
)

// Request is one inbound message plus the transport facts the stages need.
type Request struct {
	// Envelope is the message to route. Its payload may be rewritten by
	// sanitization.
	Envelope *envelope.Envelope
	// RemoteAddr is the client's network address ("ip:port" or bare ip).
	RemoteAddr string
	// Credentials carries what the transport presented. Ignored when
	// Identity is already set (connection-scoped auth, e.g. WebSocket).
	Credentials auth.Request
	// Identity short-circuits authentication when the adapter already
	// resolved the principal.
	Identity *auth.Identity
	// Size is the wire size of the inbound request body.
	Size int64
}

// Pipeline wires the stages together.
type Pipeline struct {
	filter    *security.Filter
	auth      *auth.Authenticator
	authz     *auth.Authorizer
	limiter   *ratelimit.Limiter
	validator *validate.Registry
	router    *router.Router
	logger    *slog.Logger
}

// Config holds the stage implementations.
type Config struct {
	Filter     *security.Filter
	Auth       *auth.Authenticator
	Authz      *auth.Authorizer
	Limiter    *ratelimit.Limiter
	Validator  *validate.Registry
	Router     *router.Router
	Logger     *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		filter:    cfg.Filter,
		auth:      cfg.Auth,
		authz:     cfg.Authz,
		limiter:   cfg.Limiter,
		validator: cfg.Validator,
		router:    cfg.Router,
		logger:    cfg.Logger,
	}
}

// MaxBodySize returns the security filter's request size cap so adapters
// can bound their reads.
func (p *Pipeline) MaxBodySize() int64 {
	return p.filter.MaxSize()
}

// Screen applies the IP filter alone. Adapters use it on endpoints that
// never reach Handle (health, auth).
func (p *Pipeline) Screen(remoteAddr string) error {
	return p.filter.CheckIP(remoteAddr)
}

// Throttle spends one rate-limit token for the client, failing open on
// internal limiter errors.
func (p *Pipeline) Throttle(client string) error {
	return p.checkRate(client)
}

// AuthorizeTopic checks subscription access to a topic or pattern. The
// wildcard tail is dropped first, so "logs/**" authorizes as "logs".
func (p *Pipeline) AuthorizeTopic(id *auth.Identity, pattern string) error {
	base := topic.StaticPrefix(pattern)
	if base == "" {
		base = pattern
	}
	return p.authz.Authorize(id, actionFor(base), nil)
}

// Authenticate resolves credentials to an identity without routing
// anything. Adapters with connection-scoped auth call this once up front.
func (p *Pipeline) Authenticate(ctx context.Context, creds auth.Request) (*auth.Identity, error) {
	return p.auth.Authenticate(ctx, creds)
}

// Handle runs the request through every stage and routes it. The returned
// identity is the authenticated principal even when a later stage failed.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*router.Result, *auth.Identity, error) {
	if err := p.filter.CheckIP(req.RemoteAddr); err != nil {
		return nil, nil, err
	}
	if err := p.filter.CheckSize(req.Size); err != nil {
		return nil, nil, err
	}
	if err := p.screenPayload(req.Envelope); err != nil {
		return nil, nil, err
	}

	id := req.Identity
	if id == nil {
		var err error
		id, err = p.auth.Authenticate(ctx, req.Credentials)
		if err != nil {
			return nil, nil, err
		}
	}
	ctx = auth.WithIdentity(ctx, id)

	if err := p.checkRate(clientID(id, req.RemoteAddr)); err != nil {
		return nil, id, err
	}
	if err := p.validator.Validate(req.Envelope.Metadata.MessageType, req.Envelope.Payload.Data); err != nil {
		return nil, id, err
	}
	if err := p.authz.Authorize(id, actionFor(req.Envelope.Metadata.MessageType), req.Envelope); err != nil {
		return nil, id, err
	}

	res, err := p.router.Route(ctx, req.Envelope)
	if err != nil {
		return nil, id, err
	}
	return res, id, nil
}

// screenPayload inspects the decoded payload for attack patterns and
// rewrites it sanitized. Non-JSON payloads fail validation later; here they
// pass through untouched.
func (p *Pipeline) screenPayload(env *envelope.Envelope) error {
	if len(env.Payload.Data) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(env.Payload.Data, &doc); err != nil {
		return nil
	}
	if err := p.filter.Inspect(doc); err != nil {
		return err
	}
	clean, err := json.Marshal(p.filter.Sanitize(doc))
	if err != nil {
		return apierr.E(apierr.ErrSecurity, "request rejected")
	}
	env.Payload.Data = clean
	return nil
}

// checkRate never takes the request down with it: an internal failure in
// the limiter fails open with a warning.
func (p *Pipeline) checkRate(client string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("rate limiter failure, failing open", "panic", r)
			err = nil
		}
	}()
	return p.limiter.Check(client)
}

// clientID keys rate-limit buckets: the authenticated user when known,
// the remote IP otherwise.
func clientID(id *auth.Identity, remoteAddr string) string {
	if id != nil && id.UserUUID != "" {
		return id.UserUUID
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// actionFor converts a message topic to its permission action form:
// "api/users/get" → "api.users.get".
func actionFor(messageType string) string {
	return strings.ReplaceAll(topic.Normalize(messageType), topic.Separator, ".")
}
