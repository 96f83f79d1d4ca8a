package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/auth"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
	"github.com/aico-ai/gateway/internal/gateway/keys"
	"github.com/aico-ai/gateway/internal/gateway/metrics"
	"github.com/aico-ai/gateway/internal/gateway/pipeline"
	"github.com/aico-ai/gateway/internal/gateway/ratelimit"
	"github.com/aico-ai/gateway/internal/gateway/router"
	"github.com/aico-ai/gateway/internal/gateway/security"
	"github.com/aico-ai/gateway/internal/gateway/validate"
)

// fakeBus echoes routed requests and lets tests push broadcasts.
type fakeBus struct {
	mu      sync.Mutex
	respond client.Callback
	subs    map[string]client.Callback
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]client.Callback)}
}

func (b *fakeBus) PublishEnvelope(t string, env *envelope.Envelope) error {
	b.mu.Lock()
	respond := b.respond
	b.mu.Unlock()
	if respond != nil {
		resp := envelope.Reply(env, "backend", "api/response/"+t, env.Payload)
		go respond("api/response/"+t, resp)
	}
	return nil
}

func (b *fakeBus) Subscribe(pattern string, cb client.Callback) (*client.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.HasPrefix(pattern, "api/response/") {
		b.respond = cb
	} else {
		b.subs[pattern] = cb
	}
	return &client.Subscription{}, nil
}

func (b *fakeBus) Unsubscribe(*client.Subscription) error { return nil }

func (b *fakeBus) broadcast(pattern, t string, env *envelope.Envelope) {
	b.mu.Lock()
	cb := b.subs[pattern]
	b.mu.Unlock()
	if cb != nil {
		cb(t, env)
	}
}

type testRig struct {
	server *Server
	bus    *fakeBus
	url    string
	token  string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ks, err := keys.New(bytes.Repeat([]byte{0x33}, 32))
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := auth.NewTokenService(ks, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	authn, err := auth.New(auth.Config{Tokens: tokens, Keys: ks, Logger: log})
	if err != nil {
		t.Fatal(err)
	}

	filter, err := security.New(security.Config{Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	mapping, err := router.NewMapping(map[string]string{"api/*": ""})
	if err != nil {
		t.Fatal(err)
	}
	bus := newFakeBus()
	rt := router.New(router.Config{Mapping: mapping, Bus: bus, Timeout: time.Second, Logger: log})
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rt.Stop)

	p := pipeline.New(pipeline.Config{
		Filter:    filter,
		Auth:      authn,
		Authz:     auth.NewAuthorizer(map[string][]string{"user": {"api.*", "logs"}}, auth.PolicyDeny, log),
		Limiter:   ratelimit.New(ratelimit.Config{RequestsPerMinute: 6000, BurstSize: 100, Logger: log}),
		Validator: validate.NewRegistry(false, log),
		Router:    rt,
		Logger:    log,
	})

	s := New(Config{
		Pipeline:          p,
		Bus:               bus,
		Metrics:           metrics.New(),
		Logger:            log,
		HeartbeatInterval: time.Second,
	})

	hts := httptest.NewServer(s.Handler())
	t.Cleanup(hts.Close)

	token, err := tokens.Issue(&auth.Identity{UserUUID: "user-1", Roles: []string{"user"}}, auth.TokenTypeAccess)
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{
		server: s,
		bus:    bus,
		url:    "ws" + strings.TrimPrefix(hts.URL, "http"),
		token:  token,
	}
}

func dial(t *testing.T, rig *testRig) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(rig.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, c *websocket.Conn, f frame) {
	t.Helper()
	if err := c.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// authenticate performs the welcome/auth handshake.
func authenticate(t *testing.T, rig *testRig) *websocket.Conn {
	t.Helper()
	c := dial(t, rig)
	if w := readFrame(t, c); w.Type != "welcome" || w.ClientID == "" {
		t.Fatalf("welcome = %+v", w)
	}
	writeFrame(t, c, frame{Type: "auth", Token: rig.token})
	if f := readFrame(t, c); f.Type != "auth_ok" {
		t.Fatalf("auth reply = %+v", f)
	}
	return c
}

func TestWelcomeAndAuth(t *testing.T) {
	rig := newTestRig(t)
	authenticate(t, rig)
}

func TestAuthFailureCloses4401(t *testing.T) {
	rig := newTestRig(t)
	c := dial(t, rig)
	readFrame(t, c) // welcome
	writeFrame(t, c, frame{Type: "auth", Token: "garbage"})

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	err := c.ReadJSON(&f)
	if err == nil {
		t.Fatal("connection survived bad auth")
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != closeUnauthorized {
		t.Fatalf("close error = %v, want code 4401", err)
	}
}

func TestRequestEcho(t *testing.T) {
	rig := newTestRig(t)
	c := authenticate(t, rig)

	writeFrame(t, c, frame{
		Type:        "request",
		ID:          "req-1",
		MessageType: "api/echo/test",
		Payload:     json.RawMessage(`{"text":"ping"}`),
	})
	f := readFrame(t, c)
	if f.Type != "response" || f.ID != "req-1" {
		t.Fatalf("frame = %+v", f)
	}
	if f.Success == nil || !*f.Success {
		t.Fatalf("request failed: %+v", f)
	}
	if f.CorrelationID == "" || !strings.Contains(string(f.Data), "ping") {
		t.Errorf("response frame incomplete: %+v", f)
	}
}

func TestRequestUnauthorizedTopic(t *testing.T) {
	rig := newTestRig(t)
	c := authenticate(t, rig)

	writeFrame(t, c, frame{
		Type:        "request",
		ID:          "req-2",
		MessageType: "admin/wipe",
		Payload:     json.RawMessage(`{}`),
	})
	f := readFrame(t, c)
	if f.Success == nil || *f.Success {
		t.Fatalf("unauthorized request succeeded: %+v", f)
	}
	if f.Error == "" {
		t.Error("no error detail on failed response")
	}
}

func TestHeartbeat(t *testing.T) {
	rig := newTestRig(t)
	c := authenticate(t, rig)

	writeFrame(t, c, frame{Type: "heartbeat"})
	f := readFrame(t, c)
	if f.Type != "heartbeat_ack" || f.Timestamp == "" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestSubscribeAndBroadcast(t *testing.T) {
	rig := newTestRig(t)
	c := authenticate(t, rig)

	writeFrame(t, c, frame{Type: "subscribe", Topic: "logs/**"})

	// Give the server a beat to install the subscription, then push an
	// event through the bus.
	deadline := time.Now().Add(time.Second)
	for {
		rig.bus.mu.Lock()
		installed := rig.bus.subs["logs/**"] != nil
		rig.bus.mu.Unlock()
		if installed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never reached the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env, _ := envelope.NewJSON("security", "log.entry", "", map[string]string{"msg": "login"})
	rig.bus.broadcast("logs/**", "logs/security", env)

	f := readFrame(t, c)
	if f.Type != "broadcast" || f.Topic != "logs/security" {
		t.Fatalf("frame = %+v", f)
	}
	if !strings.Contains(string(f.Data), "login") {
		t.Errorf("broadcast data = %s", f.Data)
	}
}

func TestSubscribeUnauthorizedTopic(t *testing.T) {
	rig := newTestRig(t)
	c := authenticate(t, rig)

	writeFrame(t, c, frame{Type: "subscribe", Topic: "system/secrets/**"})
	f := readFrame(t, c)
	if f.Type != "error" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestUnknownFrameType(t *testing.T) {
	rig := newTestRig(t)
	c := authenticate(t, rig)

	writeFrame(t, c, frame{Type: "dance"})
	f := readFrame(t, c)
	if f.Type != "error" || !strings.Contains(f.Error, "dance") {
		t.Fatalf("frame = %+v", f)
	}
}

func TestStopClosesConnections(t *testing.T) {
	rig := newTestRig(t)
	c := authenticate(t, rig)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rig.server.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := c.ReadJSON(&f); err == nil {
		t.Fatal("connection survived shutdown")
	}
	if rig.server.ConnectionCount() != 0 {
		t.Errorf("connections remain: %d", rig.server.ConnectionCount())
	}
}
