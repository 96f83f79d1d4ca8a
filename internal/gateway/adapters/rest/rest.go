// Package rest implements the HTTP/1.1 protocol adapter.
//
// Endpoints under the configured prefix (default /api/v1):
//
//	GET  {prefix}/health            → liveness
//	GET  {prefix}/gateway/status    → adapter list, uptime, version
//	GET  {prefix}/gateway/metrics   → counter snapshot
//	POST {prefix}/auth/authenticate → PIN login, issues access + refresh tokens
//	POST {prefix}/auth/refresh      → rotates the access token
//	POST {prefix}/auth/logout       → revokes the presented token
//
// Every other path under the prefix is packed into a message envelope and
// run through the full pipeline; the route becomes the message type
// ("POST {prefix}/users/authenticate" → "api/users/authenticate").
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/common/trace"
	"github.com/aico-ai/gateway/common/version"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
	"github.com/aico-ai/gateway/internal/gateway/auth"
	"github.com/aico-ai/gateway/internal/gateway/metrics"
	"github.com/aico-ai/gateway/internal/gateway/pipeline"
)

// DefaultPrefix mounts the gateway's routes when the config has none.
const DefaultPrefix = "/api/v1"

const adapterName = "rest"

// StatusProvider supplies the adapter list for the status endpoint.
type StatusProvider interface {
	AdapterNames() []string
}

// Server is the REST adapter.
type Server struct {
	host      string
	port      int
	prefix    string
	origins   []string
	pipeline  *pipeline.Pipeline
	auth      *auth.Authenticator
	metrics   *metrics.Metrics
	status    StatusProvider
	logger    *slog.Logger
	mux       *http.ServeMux
	server    *http.Server
	ln        net.Listener
	startedAt time.Time
}

// Config holds Server dependencies and settings.
type Config struct {
	Host        string
	Port        int
	Prefix      string
	CORSOrigins []string
	Pipeline    *pipeline.Pipeline
	Auth        *auth.Authenticator
	Metrics     *metrics.Metrics
	Status      StatusProvider
	Logger      *slog.Logger
}

// New creates the adapter (does not bind the port).
func New(cfg Config) *Server {
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Server{
		host:     cfg.Host,
		port:     cfg.Port,
		prefix:   prefix,
		origins:  cfg.CORSOrigins,
		pipeline: cfg.Pipeline,
		auth:     cfg.Auth,
		metrics:  cfg.Metrics,
		status:   cfg.Status,
		logger:   cfg.Logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET "+s.prefix+"/health", s.handleHealth)
	s.mux.HandleFunc("GET "+s.prefix+"/gateway/status", s.handleStatus)
	s.mux.HandleFunc("GET "+s.prefix+"/gateway/metrics", s.handleMetrics)
	s.mux.HandleFunc("POST "+s.prefix+"/auth/authenticate", s.handleAuthenticate)
	s.mux.HandleFunc("POST "+s.prefix+"/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST "+s.prefix+"/auth/logout", s.handleLogout)
	s.mux.HandleFunc(s.prefix+"/", s.handleRouted)
}

// Name implements adapters.Adapter.
func (s *Server) Name() string { return adapterName }

// ServeHTTP lets tests drive the adapter without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withRequestLog(s.withCORS(s.mux)).ServeHTTP(w, r)
}

// Start binds the port and serves in the background. Blocks until the
// listener is established so callers know the port is open.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rest adapter: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.startedAt = time.Now()

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		s.logger.Info("rest adapter listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rest adapter stopped", "error", err)
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

// Stop drains in-flight requests until the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- core endpoints ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var adapterNames []string
	if s.status != nil {
		adapterNames = s.status.AdapterNames()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"version":        version.Version,
		"commit":         version.GitCommit,
		"adapters":       adapterNames,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// --- auth endpoints ---

type authenticateRequest struct {
	UserUUID string `json:"user_uuid"`
	PIN      string `json:"pin"`
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Screen(r.RemoteAddr); err != nil {
		s.writeAPIError(w, err)
		return
	}
	if err := s.pipeline.Throttle(clientIP(r)); err != nil {
		s.writeAPIError(w, err)
		return
	}

	var req authenticateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id, err := s.auth.AuthenticatePIN(req.UserUUID, req.PIN)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	pair, err := s.auth.IssueTokens(r.Context(), id, r.Header.Get("X-Device-UUID"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jwt_token":     pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
		"token_type":    pair.TokenType,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 8192)).Decode(&body); err == nil {
			token = body.RefreshToken
		}
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "no token presented")
		return
	}
	pair, err := s.auth.Refresh(r.Context(), token)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jwt_token":  pair.AccessToken,
		"expires_in": pair.ExpiresIn,
		"token_type": pair.TokenType,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "no token presented")
		return
	}
	if err := s.auth.RevokeToken(r.Context(), token); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- routed requests ---

// handleRouted packs the request into an envelope and runs the pipeline.
func (s *Server) handleRouted(w http.ResponseWriter, r *http.Request) {
	messageType := s.messageType(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, s.pipeline.MaxBodySize()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	env := envelope.New(adapterName, messageType, envelope.Payload{Data: body})
	env.SetAttribute("http_method", r.Method)
	env.SetAttribute("http_path", r.URL.Path)
	if tid := trace.FromContext(r.Context()); tid != "" {
		env.SetAttribute(envelope.AttrTraceID, tid)
	}

	res, _, err := s.pipeline.Handle(r.Context(), pipeline.Request{
		Envelope:   env,
		RemoteAddr: r.RemoteAddr,
		Size:       int64(len(body)),
		Credentials: auth.Request{
			BearerToken:   bearerToken(r),
			APIKey:        r.Header.Get("X-API-Key"),
			SessionCookie: cookieValue(r, "aico_session"),
			RemoteAddr:    r.RemoteAddr,
		},
	})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if !res.Success {
		writeUpstreamError(w, res.Error)
		return
	}
	writePayload(w, res.Response.Payload)
}

// messageType derives the bus message type from the URL:
// "{prefix}/users/get" → "api/users/get".
func (s *Server) messageType(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, s.prefix)
	path = strings.Trim(path, "/")
	return "api/" + path
}

// --- middleware ---

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := trace.Ensure(r.Context())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		s.metrics.ObserveRequest(rec.status)
		s.logger.InfoContext(ctx, "request",
			"method", r.Method,
			"url", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", clientIP(r),
		)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Device-UUID")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// --- helpers ---

func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	status := apierr.Status(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, apierr.Detail(err))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func cookieValue(r *http.Request, name string) string {
	if c, err := r.Cookie(name); err == nil {
		return c.Value
	}
	return ""
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writePayload sends a routed response payload through as-is.
func writePayload(w http.ResponseWriter, p envelope.Payload) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(p.Data) > 0 {
		_, _ = w.Write(p.Data)
	} else {
		_, _ = w.Write([]byte("{}"))
	}
}

// writeUpstreamError surfaces a backend error envelope. The payload is
// passed through when it is JSON; otherwise a generic body is sent.
func writeUpstreamError(w http.ResponseWriter, errEnv *envelope.Envelope) {
	if errEnv != nil && json.Valid(errEnv.Payload.Data) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(errEnv.Payload.Data)
		return
	}
	writeError(w, http.StatusBadGateway, "upstream error")
}
