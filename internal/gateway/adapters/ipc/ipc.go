// Package ipc implements the trusted local request/reply adapter.
//
// Local processes connect over a UNIX domain socket (TCP loopback where the
// platform has none) and exchange envelopes with the same length-prefixed
// framing the bus uses. Connections carry a trusted local identity; each
// connection is served serially, one request at a time.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
	"github.com/aico-ai/gateway/internal/gateway/auth"
	"github.com/aico-ai/gateway/internal/gateway/bus"
	"github.com/aico-ai/gateway/internal/gateway/metrics"
	"github.com/aico-ai/gateway/internal/gateway/pipeline"
)

// Defaults when the config leaves fields unset.
const (
	DefaultSocketPath   = "/tmp/aico_gateway.sock"
	DefaultFallbackAddr = "127.0.0.1:8082"
)

const adapterName = "ipc"

// errorSchema tags reply envelopes produced by the adapter itself.
const errorSchema = "aico.ipc.error"

// Server is the local IPC adapter.
type Server struct {
	socketPath   string
	fallbackAddr string

	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	logger   *slog.Logger

	ln       net.Listener
	unlink   string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool
}

// Config holds Server dependencies and settings.
type Config struct {
	SocketPath   string
	FallbackAddr string
	Pipeline     *pipeline.Pipeline
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// New creates the adapter (does not bind the socket).
func New(cfg Config) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.FallbackAddr == "" {
		cfg.FallbackAddr = DefaultFallbackAddr
	}
	return &Server{
		socketPath:   cfg.SocketPath,
		fallbackAddr: cfg.FallbackAddr,
		pipeline:     cfg.Pipeline,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Name implements adapters.Adapter.
func (s *Server) Name() string { return adapterName }

// Start binds the socket and accepts connections in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, unlink, err := s.listen()
	if err != nil {
		return err
	}
	s.ln = ln
	s.unlink = unlink
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("ipc adapter listening", "addr", ln.Addr().String())
	return nil
}

// listen binds the UNIX socket, falling back to TCP loopback when the
// platform or filesystem refuses.
func (s *Server) listen() (net.Listener, string, error) {
	if runtime.GOOS != "windows" {
		// A stale socket file from a crashed process blocks the bind;
		// remove it only if nothing answers on it.
		if _, err := os.Stat(s.socketPath); err == nil {
			if c, err := net.Dial("unix", s.socketPath); err == nil {
				c.Close()
				return nil, "", fmt.Errorf("ipc adapter: socket %s already in use", s.socketPath)
			}
			os.Remove(s.socketPath)
		}

		ln, err := net.Listen("unix", s.socketPath)
		if err == nil {
			if err := os.Chmod(s.socketPath, 0o600); err != nil {
				ln.Close()
				os.Remove(s.socketPath)
				return nil, "", fmt.Errorf("ipc adapter: chmod socket: %w", err)
			}
			return ln, s.socketPath, nil
		}
		s.logger.Warn("ipc adapter: unix socket unavailable, falling back to loopback",
			"path", s.socketPath, "error", err)
	}

	ln, err := net.Listen("tcp", s.fallbackAddr)
	if err != nil {
		return nil, "", fmt.Errorf("ipc adapter: listen %s: %w", s.fallbackAddr, err)
	}
	return ln, "", nil
}

// Addr reports where the adapter is listening. Nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

// serve handles one connection serially: read a request, run it through
// the pipeline, write the reply, repeat.
func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	identity, err := s.pipeline.Authenticate(s.ctx, auth.Request{
		TrustedLocal: true,
		RemoteAddr:   c.RemoteAddr().String(),
	})
	if err != nil {
		s.logger.Warn("ipc auth failed", "error", err)
		return
	}

	for {
		topic, raw, err := bus.ReadMessage(c)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("ipc read failed", "error", err)
			}
			return
		}

		var env envelope.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.writeError(c, topic, nil, apierr.E(apierr.ErrValidation, "malformed envelope: %v", err))
			continue
		}
		if env.Metadata.MessageType == "" {
			env.Metadata.MessageType = topic
		}

		res, _, err := s.pipeline.Handle(s.ctx, pipeline.Request{
			Envelope:   &env,
			RemoteAddr: c.RemoteAddr().String(),
			Identity:   identity,
			Size:       int64(len(raw)),
		})
		if err != nil {
			s.metrics.ObserveRequest(apierr.Status(err))
			s.writeError(c, topic, &env, err)
			if s.ctx.Err() != nil {
				return
			}
			continue
		}
		s.metrics.ObserveRequest(200)

		reply := res.Response
		if !res.Success {
			reply = res.Error
		}
		if reply == nil {
			s.writeError(c, topic, &env, apierr.E(apierr.ErrPublishFailed, "empty response"))
			continue
		}
		if err := s.writeReply(c, reply); err != nil {
			s.logger.Debug("ipc write failed", "error", err)
			return
		}
	}
}

// writeReply frames one envelope back to the client.
func (s *Server) writeReply(c net.Conn, env *envelope.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return bus.WriteMessage(c, env.Metadata.MessageType, raw)
}

// writeError synthesizes an error reply envelope in the adapter's name.
func (s *Server) writeError(c net.Conn, topic string, req *envelope.Envelope, cause error) {
	data, _ := json.Marshal(map[string]string{"error": apierr.Detail(cause)})
	payload := envelope.Payload{Schema: errorSchema, Data: data}

	var reply *envelope.Envelope
	if req != nil {
		reply = envelope.Reply(req, adapterName, "system/error/"+topic, payload)
	} else {
		reply = envelope.New(adapterName, "system/error/"+topic, payload)
	}
	if err := s.writeReply(c, reply); err != nil {
		s.logger.Debug("ipc error write failed", "error", err)
	}
}

// Stop closes the listener, drops live connections, and unlinks the
// socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.unlink != "" {
		os.Remove(s.unlink)
	}
	return nil
}
