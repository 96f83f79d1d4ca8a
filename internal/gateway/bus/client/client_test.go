package client_test

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/bus/broker"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
	"github.com/aico-ai/gateway/internal/gateway/metrics"
)

func startBroker(t *testing.T) (*broker.Broker, int, int) {
	t.Helper()
	b := broker.New(nil)
	if err := b.Start("127.0.0.1", 0, 0); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(b.Stop)
	pubPort := b.PubAddr().(*net.TCPAddr).Port
	subPort := b.SubAddr().(*net.TCPAddr).Port
	return b, pubPort, subPort
}

func connectClient(t *testing.T, source string, pubPort, subPort int) *client.Client {
	t.Helper()
	c := client.New(client.Config{Source: source})
	if err := c.Connect("127.0.0.1", pubPort, subPort); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// collector gathers delivered envelopes for assertions.
type collector struct {
	mu     sync.Mutex
	topics []string
	envs   []*envelope.Envelope
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 64)}
}

func (c *collector) callback(topic string, env *envelope.Envelope) error {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestConnect_Unreachable(t *testing.T) {
	c := client.New(client.Config{Source: "test"})
	err := c.Connect("127.0.0.1", 1, 1)
	if !errors.Is(err, client.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c := client.New(client.Config{Source: "test"})
	_, err := c.Publish("a/b", envelope.Payload{})
	if !errors.Is(err, client.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	col := newCollector()
	if _, err := c.Subscribe("api/echo", col.callback); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	payload := json.RawMessage(`{"text":"hello"}`)
	sent, err := c.Publish("api/echo", envelope.Payload{Data: payload})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	col.wait(t, 1)
	got := col.envs[0]
	if got.Metadata.MessageID != sent.Metadata.MessageID {
		t.Error("message ID changed in transit")
	}
	if string(got.Payload.Data) != string(payload) {
		t.Errorf("payload not byte-identical: %s", got.Payload.Data)
	}
	if got.Metadata.Source != "test" {
		t.Errorf("source = %q", got.Metadata.Source)
	}
}

func TestPublish_CountsMetric(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	m := metrics.New()
	c := client.New(client.Config{Source: "test", Metrics: m})
	if err := c.Connect("127.0.0.1", pubPort, subPort); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)

	for i := 0; i < 3; i++ {
		if _, err := c.Publish("api/counted", envelope.Payload{}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := m.Snapshot()["bus_published"]; got != 3 {
		t.Errorf("bus_published = %d, want 3", got)
	}
}

func TestSubscribe_DottedTopicNormalized(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	col := newCollector()
	if _, err := c.Subscribe("logs.auth.login", col.callback); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := c.Publish("logs/auth/login", envelope.Payload{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	col.wait(t, 1)
	if col.topics[0] != "logs/auth/login" {
		t.Errorf("topic = %q", col.topics[0])
	}
}

func TestSubscribe_Wildcards(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	col := newCollector()
	if _, err := c.Subscribe("logs/**", col.callback); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	for _, topic := range []string{"logs/security", "logs/auth/login", "logs/router/route"} {
		if _, err := c.Publish(topic, envelope.Payload{}); err != nil {
			t.Fatalf("publish %s: %v", topic, err)
		}
	}
	// A non-matching topic must not be delivered.
	if _, err := c.Publish("metrics/cpu", envelope.Payload{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	col.wait(t, 3)
	time.Sleep(200 * time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.topics) != 3 {
		t.Fatalf("expected exactly 3 deliveries, got %d: %v", len(col.topics), col.topics)
	}
	want := []string{"logs/security", "logs/auth/login", "logs/router/route"}
	for i, w := range want {
		if col.topics[i] != w {
			t.Errorf("delivery %d: got %q, want %q (publish order must hold)", i, col.topics[i], w)
		}
	}
}

func TestSubscribe_RejectsAmbiguousPattern(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	if _, err := c.Subscribe("logs/*extra", func(string, *envelope.Envelope) error { return nil }); err == nil {
		t.Error("expected error for ambiguous wildcard segment")
	}
}

func TestUnsubscribe(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	col := newCollector()
	sub, err := c.Subscribe("a/**", col.callback)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := c.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := c.Publish("a/b", envelope.Payload{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.topics) != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %v", col.topics)
	}
}

func TestCallbackErrorKeepsSubscription(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	var mu sync.Mutex
	calls := 0
	seen := make(chan struct{}, 8)
	_, err := c.Subscribe("x/**", func(string, *envelope.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		seen <- struct{}{}
		return errors.New("handler failure")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if _, err := c.Publish("x/y", envelope.Payload{}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(3 * time.Second):
			t.Fatal("callback not re-invoked after error; subscription was dropped")
		}
	}
}

func TestDisconnect_Reentrant(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	c.Disconnect()
	c.Disconnect() // second call must be a no-op

	if _, err := c.Publish("a/b", envelope.Payload{}); !errors.Is(err, client.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestConnect_Reentrant(t *testing.T) {
	_, pubPort, subPort := startBroker(t)
	c := connectClient(t, "test", pubPort, subPort)

	if err := c.Connect("127.0.0.1", pubPort, subPort); err != nil {
		t.Fatalf("re-entrant connect: %v", err)
	}
}
