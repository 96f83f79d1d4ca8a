// Package app wires the gateway components together and owns their
// lifecycle: configuration, keys, storage, broker, bus client, logging
// pipeline, auth services, router, and the protocol adapters, started in
// dependency order and stopped in reverse.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aico-ai/gateway/internal/gateway/adapters"
	"github.com/aico-ai/gateway/internal/gateway/adapters/ipc"
	"github.com/aico-ai/gateway/internal/gateway/adapters/rest"
	"github.com/aico-ai/gateway/internal/gateway/adapters/ws"
	"github.com/aico-ai/gateway/internal/gateway/auth"
	"github.com/aico-ai/gateway/internal/gateway/bus/broker"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
	"github.com/aico-ai/gateway/internal/gateway/config"
	"github.com/aico-ai/gateway/internal/gateway/keys"
	"github.com/aico-ai/gateway/internal/gateway/logging"
	"github.com/aico-ai/gateway/internal/gateway/metrics"
	"github.com/aico-ai/gateway/internal/gateway/pipeline"
	"github.com/aico-ai/gateway/internal/gateway/ratelimit"
	"github.com/aico-ai/gateway/internal/gateway/router"
	"github.com/aico-ai/gateway/internal/gateway/security"
	"github.com/aico-ai/gateway/internal/gateway/session"
	"github.com/aico-ai/gateway/internal/gateway/store"
	"github.com/aico-ai/gateway/internal/gateway/validate"
)

// Config holds everything New needs beyond the config file: principals and
// schemas that the caller resolves from its own sources.
type Config struct {
	View *config.View

	// PINUsers are the local credentials accepted on /users/authenticate.
	PINUsers []auth.PINUser
	// APIKeys maps configured API keys to principals.
	APIKeys []auth.APIKeyEntry
	// RolePermissions maps role names to permission patterns. Empty uses
	// the built-in defaults.
	RolePermissions map[string][]string
	// Schemas maps topic prefixes to JSON schema documents for the
	// message validator.
	Schemas map[string][]byte
	// Routes maps external request topics to internal bus topics. Empty
	// uses the built-in default ("api/*" passthrough).
	Routes map[string]string

	// LogWriter receives direct log output (default os.Stderr).
	LogWriter io.Writer
}

func defaultRolePermissions() map[string][]string {
	return map[string][]string{
		"admin": {"*"},
		"user":  {"api.*", "conversation.*"},
	}
}

// App is the assembled gateway process.
type App struct {
	view   *config.View
	logger *slog.Logger

	keys      *keys.Service
	store     *store.Store
	broker    *broker.Broker
	busClient *client.Client
	transport *logging.Transport
	consumer  *logging.Consumer
	sessions  *session.Service
	limiter   *ratelimit.Limiter
	router    *router.Router
	pipeline  *pipeline.Pipeline
	metrics   *metrics.Metrics
	adapters  []adapters.Adapter

	busHost          string
	busPubPort       int
	busSubPort       int
	embeddedBroker   bool
	sessionInterval  time.Duration
	shutdownDeadline time.Duration

	cancel context.CancelFunc
}

// New builds the component graph in dependency order. Nothing touches the
// network yet; Start does the binding.
func New(cfg Config) (*App, error) {
	v := cfg.View
	if v == nil {
		var err error
		if v, err = config.Load(nil); err != nil {
			return nil, err
		}
	}

	ks, err := keys.FromEnv()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(v.String("database.path", "aico_gateway.db"))
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	// The bus client logs through the direct path: its origin is on the
	// transport deny list, so a plain stderr logger loses nothing.
	logWriter := cfg.LogWriter
	if logWriter == nil {
		logWriter = os.Stderr
	}
	directLogger := slog.New(slog.NewTextHandler(logWriter, nil))

	counters := metrics.New()
	busClient := client.New(client.Config{Source: "gateway", Logger: directLogger, Metrics: counters})

	levels := logging.NewLevels(
		v.String("logging.default_level", "INFO"),
		v.StringMap("logging.levels"),
	)
	// The broker sits under the log transport, so its own entries take the
	// direct path rather than riding the bus they would have to traverse.
	denyList := append([]string{"gateway.broker"}, v.StringSlice("logging.deny", nil)...)
	transport := logging.NewTransport(logging.TransportConfig{
		Publisher:      busClient,
		BufferCapacity: v.Int("logging.buffer_capacity", 0),
		DenyList:       denyList,
		Direct:         logWriter,
	})
	handler := logging.NewHandler(transport, levels, "gateway", "app")
	logger := handler.Logger()
	moduleLogger := func(module string) *slog.Logger {
		return handler.WithModule(module).Logger()
	}

	a := &App{
		view:             v,
		logger:           logger,
		keys:             ks,
		store:            st,
		busClient:        busClient,
		transport:        transport,
		metrics:          counters,
		busHost:          v.String("bus.host", "127.0.0.1"),
		busPubPort:       v.Int("bus.pub_port", 5555),
		busSubPort:       v.Int("bus.sub_port", 5556),
		embeddedBroker:   v.Bool("bus.embedded_broker", true),
		sessionInterval:  v.Duration("sessions.cleanup_interval", 24*time.Hour),
		shutdownDeadline: v.Duration("router.timeout", router.DefaultTimeout) + time.Second,
	}
	if a.embeddedBroker {
		a.broker = broker.New(moduleLogger("broker"))
	}

	a.sessions = session.New(st.DB(), moduleLogger("session"))

	tokens, err := auth.NewTokenService(ks,
		v.Duration("auth.access_ttl", 0),
		v.Duration("auth.refresh_ttl", 0))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: token service: %w", err)
	}
	pins := auth.NewPINVerifier(cfg.PINUsers, []byte(v.String("auth.pin_pepper", "aico-pin")),
		v.Int("auth.pin_max_attempts", 0),
		v.Duration("auth.pin_lockout_window", 0),
		moduleLogger("auth"))
	authn, err := auth.New(auth.Config{
		Tokens:   tokens,
		Sessions: a.sessions,
		Keys:     ks,
		PINs:     pins,
		APIKeys:  cfg.APIKeys,
		Logger:   moduleLogger("auth"),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: authenticator: %w", err)
	}

	rolePerms := cfg.RolePermissions
	if rolePerms == nil {
		rolePerms = defaultRolePermissions()
	}
	authz := auth.NewAuthorizer(rolePerms,
		v.String("auth.default_policy", auth.PolicyDeny),
		moduleLogger("authz"))

	filter, err := security.New(security.Config{
		AllowIPs:       v.StringSlice("security.allow_ips", nil),
		DenyIPs:        v.StringSlice("security.deny_ips", nil),
		MaxRequestSize: int64(v.Int("security.max_request_size", 0)),
		ExtraPatterns:  v.StringSlice("security.extra_patterns", nil),
		Logger:         moduleLogger("security"),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: security filter: %w", err)
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: v.Int("ratelimit.requests_per_minute", 0),
		BurstSize:         v.Int("ratelimit.burst_size", ratelimit.DefaultBurstSize),
		CleanupInterval:   v.Duration("ratelimit.cleanup_interval", 0),
		Logger:            moduleLogger("ratelimit"),
	})

	registry := validate.NewRegistry(v.Bool("validation.strict", false), moduleLogger("validate"))
	for prefix, schema := range cfg.Schemas {
		if err := registry.Register(prefix, schema); err != nil {
			st.Close()
			return nil, fmt.Errorf("app: schema %q: %w", prefix, err)
		}
	}

	routes := cfg.Routes
	if routes == nil {
		routes = map[string]string{"api/*": ""}
	}
	mapping, err := router.NewMapping(routes)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: topic mapping: %w", err)
	}
	a.router = router.New(router.Config{
		Mapping:        mapping,
		Bus:            busClient,
		Timeout:        v.Duration("router.timeout", 0),
		MaxMessageSize: int64(v.Int("router.max_message_size", 0)),
		Logger:         moduleLogger("router"),
	})

	a.consumer = logging.NewConsumer(
		logging.NewRepository(st.DB()),
		busClient,
		moduleLogger("logconsumer"))

	a.pipeline = pipeline.New(pipeline.Config{
		Filter:    filter,
		Auth:      authn,
		Authz:     authz,
		Limiter:   a.limiter,
		Validator: registry,
		Router:    a.router,
		Logger:    moduleLogger("pipeline"),
	})

	a.adapters = []adapters.Adapter{
		rest.New(rest.Config{
			Host:        v.String("adapters.rest.host", "127.0.0.1"),
			Port:        v.Int("adapters.rest.port", 8080),
			Prefix:      v.String("adapters.rest.prefix", ""),
			CORSOrigins: v.StringSlice("adapters.rest.cors_origins", []string{"*"}),
			Pipeline:    a.pipeline,
			Auth:        authn,
			Metrics:     a.metrics,
			Status:      a,
			Logger:      moduleLogger("rest"),
		}),
		ws.New(ws.Config{
			Host:              v.String("adapters.websocket.host", "127.0.0.1"),
			Port:              v.Int("adapters.websocket.port", 8081),
			Path:              v.String("adapters.websocket.path", ""),
			MaxConnections:    v.Int("adapters.websocket.max_connections", 0),
			MaxFrameSize:      int64(v.Int("adapters.websocket.max_frame_size", 0)),
			HeartbeatInterval: v.Duration("adapters.websocket.heartbeat_interval", 0),
			AllowedOrigins:    v.StringSlice("adapters.websocket.allowed_origins", nil),
			Pipeline:          a.pipeline,
			Bus:               busClient,
			Metrics:           a.metrics,
			Logger:            moduleLogger("websocket"),
		}),
		ipc.New(ipc.Config{
			SocketPath:   v.String("adapters.ipc.socket_path", ""),
			FallbackAddr: v.String("adapters.ipc.fallback_addr", ""),
			Pipeline:     a.pipeline,
			Metrics:      a.metrics,
			Logger:       moduleLogger("ipc"),
		}),
	}

	return a, nil
}

// AdapterNames implements rest.StatusProvider.
func (a *App) AdapterNames() []string {
	names := make([]string, 0, len(a.adapters))
	for _, ad := range a.adapters {
		names = append(names, ad.Name())
	}
	return names
}

// Start brings the process up: broker, bus client, logging pipeline,
// background maintenance, then the adapters. On any failure everything
// already started is torn down.
func (a *App) Start(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.broker != nil {
		if err := a.broker.Start(a.busHost, a.busPubPort, a.busSubPort); err != nil {
			a.teardown(ctx, nil)
			return err
		}
		// Ephemeral ports resolve at bind time.
		if a.busPubPort == 0 {
			a.busPubPort = a.broker.PubAddr().(*net.TCPAddr).Port
		}
		if a.busSubPort == 0 {
			a.busSubPort = a.broker.SubAddr().(*net.TCPAddr).Port
		}
	}
	if err := a.busClient.Connect(a.busHost, a.busPubPort, a.busSubPort); err != nil {
		a.teardown(ctx, nil)
		return fmt.Errorf("app: bus connect: %w", err)
	}

	if err := a.router.Start(); err != nil {
		a.teardown(ctx, nil)
		return fmt.Errorf("app: router: %w", err)
	}
	if err := a.consumer.Start(); err != nil {
		a.teardown(ctx, nil)
		return fmt.Errorf("app: log consumer: %w", err)
	}

	// The bus is live: flush everything buffered since process start.
	a.transport.SetReady()

	go a.sessions.RunMaintenance(bg, a.sessionInterval)
	go a.limiter.Run(bg)

	var started []adapters.Adapter
	for _, ad := range a.adapters {
		if err := ad.Start(ctx); err != nil {
			a.teardown(ctx, started)
			return fmt.Errorf("app: start %s adapter: %w", ad.Name(), err)
		}
		started = append(started, ad)
		a.logger.Info("adapter started", "adapter", ad.Name())
	}

	a.logger.Info("gateway running",
		"adapters", len(a.adapters),
		"bus_pub_port", a.busPubPort,
		"bus_sub_port", a.busSubPort)
	return nil
}

// Stop shuts everything down in reverse order. In-flight requests get
// terminal responses within the router timeout plus one second.
func (a *App) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownDeadline)
	defer cancel()

	a.teardown(ctx, a.adapters)
	return nil
}

func (a *App) teardown(ctx context.Context, startedAdapters []adapters.Adapter) {
	for i := len(startedAdapters) - 1; i >= 0; i-- {
		ad := startedAdapters[i]
		if err := ad.Stop(ctx); err != nil {
			a.logger.Warn("adapter stop failed", "adapter", ad.Name(), "error", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.router.Stop()
	a.consumer.Stop()
	a.busClient.Disconnect()
	if a.broker != nil {
		a.broker.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}

// Run starts the app and blocks until SIGINT/SIGTERM, then stops it.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return a.Stop()
}
