package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/common/trace"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
	"github.com/aico-ai/gateway/internal/gateway/store"
)

type capturedPublish struct {
	topic   string
	payload envelope.Payload
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
	fail      bool
}

func (f *fakePublisher) Publish(t string, payload envelope.Payload, _ ...client.PublishOption) (*envelope.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("publisher down")
	}
	f.published = append(f.published, capturedPublish{topic: t, payload: payload})
	return nil, nil
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, p := range f.published {
		out[i] = p.topic
	}
	return out
}

func testEntry(module, msg string) *Entry {
	return &Entry{
		Timestamp: time.Now().UTC(),
		Level:     LevelInfo,
		Subsystem: "gateway",
		Module:    module,
		Message:   msg,
	}
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append(testEntry("rest", fmt.Sprintf("m%d", i)))
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	drained := b.Drain()
	if len(drained) != 3 {
		t.Fatalf("drained %d entries, want 3", len(drained))
	}
	for i, e := range drained {
		want := fmt.Sprintf("m%d", i+2)
		if e.Message != want {
			t.Errorf("entry %d message = %q, want %q", i, e.Message, want)
		}
	}
	if b.Len() != 0 {
		t.Errorf("buffer not empty after drain")
	}
}

func TestLevelsResolutionPrecedence(t *testing.T) {
	levels := NewLevels("INFO", map[string]string{
		"gateway":        "WARNING",
		"gateway.router": "DEBUG",
	})

	tests := []struct {
		subsystem, module string
		want              slog.Level
	}{
		{"gateway", "router", slog.LevelDebug},
		{"gateway", "rest", slog.LevelWarn},
		{"other", "thing", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := levels.Resolve(tc.subsystem, tc.module); got != tc.want {
			t.Errorf("Resolve(%s, %s) = %v, want %v", tc.subsystem, tc.module, got, tc.want)
		}
	}
	if levels.Enabled("gateway", "rest", slog.LevelInfo) {
		t.Error("INFO should be suppressed for gateway.rest")
	}
}

func TestTransportBuffersUntilReady(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(TransportConfig{Publisher: pub, BufferCapacity: 10})

	tr.Emit(testEntry("rest", "first"))
	tr.Emit(testEntry("router", "second"))
	if len(pub.topics()) != 0 {
		t.Fatal("published before ready")
	}

	tr.SetReady()
	topics := pub.topics()
	if len(topics) != 2 {
		t.Fatalf("published %d entries after flush, want 2", len(topics))
	}
	if topics[0] != "logs/gateway/rest" || topics[1] != "logs/gateway/router" {
		t.Errorf("flush order wrong: %v", topics)
	}

	tr.Emit(testEntry("ws", "third"))
	if got := pub.topics(); len(got) != 3 || got[2] != "logs/gateway/ws" {
		t.Errorf("post-ready publish failed: %v", got)
	}
}

func TestSetReadyDoesNotStrandConcurrentEmits(t *testing.T) {
	pub := &fakePublisher{}
	var direct bytes.Buffer
	tr := NewTransport(TransportConfig{Publisher: pub, Direct: &direct, BufferCapacity: 100})
	for i := 0; i < 50; i++ {
		tr.Emit(testEntry("rest", fmt.Sprintf("pre-%d", i)))
	}

	stop := make(chan struct{})
	var emitted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					tr.Emit(testEntry("ws", "during flush"))
					emitted.Add(1)
				}
			}
		}()
	}

	tr.SetReady()
	close(stop)
	wg.Wait()

	// Every entry either reached the bus or was counted as a buffer drop.
	total := 50 + emitted.Load()
	accounted := int64(len(pub.topics())) + int64(tr.Dropped())
	if accounted != total {
		t.Fatalf("emitted %d entries, accounted for %d (published %d, dropped %d)",
			total, accounted, len(pub.topics()), tr.Dropped())
	}
	if n := tr.buffer.Len(); n != 0 {
		t.Errorf("%d entries stranded in the drained buffer", n)
	}
}

func TestTransportDenyListGoesDirect(t *testing.T) {
	pub := &fakePublisher{}
	var direct bytes.Buffer
	tr := NewTransport(TransportConfig{
		Publisher: pub,
		Direct:    &direct,
		DenyList:  []string{"gateway.custom"},
	})
	tr.SetReady()

	tr.Emit(testEntry("logconsumer", "built-in deny"))
	tr.Emit(testEntry("custom", "configured deny"))
	if len(pub.topics()) != 0 {
		t.Fatal("deny-listed entries should not reach the bus")
	}
	out := direct.String()
	if !strings.Contains(out, "built-in deny") || !strings.Contains(out, "configured deny") {
		t.Errorf("direct output missing entries: %q", out)
	}
}

func TestTransportPublishFailureFallsBack(t *testing.T) {
	pub := &fakePublisher{fail: true}
	var direct bytes.Buffer
	tr := NewTransport(TransportConfig{Publisher: pub, Direct: &direct})
	tr.SetReady()

	tr.Emit(testEntry("rest", "must not vanish"))
	if !strings.Contains(direct.String(), "must not vanish") {
		t.Error("entry lost when publish failed")
	}
}

func TestHandlerBuildsEntries(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(TransportConfig{Publisher: pub})
	tr.SetReady()
	levels := NewLevels("DEBUG", nil)

	logger := NewHandler(tr, levels, "gateway", "rest").Logger()
	ctx := trace.WithTraceID(context.Background(), "t_abc123")
	logger.InfoContext(ctx, "request handled",
		"user_uuid", "u-1",
		"topic", "api/users/get",
		"password", "hunter22",
		"status", 200,
	)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 1 {
		t.Fatalf("published %d entries, want 1", len(pub.published))
	}
	e, err := ParseEntry(pub.published[0].payload.Data)
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	if e.Level != LevelInfo || e.Subsystem != "gateway" || e.Module != "rest" {
		t.Errorf("entry origin wrong: %+v", e)
	}
	if e.TraceID != "t_abc123" {
		t.Errorf("trace id = %q", e.TraceID)
	}
	if e.UserUUID != "u-1" || e.Topic != "api/users/get" {
		t.Errorf("reserved attrs not lifted: %+v", e)
	}
	if e.Extra["password"] == "hunter22" {
		t.Error("sensitive attr not redacted")
	}
	if e.Extra["status"] != "200" {
		t.Errorf("extra status = %q", e.Extra["status"])
	}
	if e.Function == "" || e.Line == 0 {
		t.Error("source location missing")
	}
}

func TestHandlerRespectsLevels(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(TransportConfig{Publisher: pub})
	tr.SetReady()
	levels := NewLevels("WARNING", nil)

	logger := NewHandler(tr, levels, "gateway", "rest").Logger()
	logger.Info("suppressed")
	logger.Warn("emitted")

	if got := pub.topics(); len(got) != 1 {
		t.Fatalf("published %d entries, want 1", len(got))
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	repo := NewRepository(st.DB())
	ctx := context.Background()

	e := testEntry("router", "routed request")
	e.TraceID = "t_xyz"
	e.Extra = map[string]string{"duration_ms": "12"}
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if got[0].Message != "routed request" || got[0].TraceID != "t_xyz" {
		t.Errorf("entry mismatch: %+v", got[0])
	}
	if got[0].Extra["duration_ms"] != "12" {
		t.Errorf("extra mismatch: %v", got[0].Extra)
	}

	n, err := repo.PruneBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

func TestConsumerPersistsBusEntries(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	repo := NewRepository(st.DB())

	var direct bytes.Buffer
	tr := NewTransport(TransportConfig{Publisher: &fakePublisher{}, Direct: &direct})
	tr.SetReady()
	logger := NewHandler(tr, NewLevels("DEBUG", nil), "gateway", "logconsumer").Logger()

	c := NewConsumer(repo, nil, logger)

	e := testEntry("session", "session created")
	data, _ := e.Marshal()
	env := envelope.New("gateway", "log.entry", envelope.Payload{Schema: EntrySchema, Data: data})
	if err := c.handle(e.BusTopic(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := repo.Recent(context.Background(), 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("recent: %v (%d rows)", err, len(got))
	}
	if got[0].Message != "session created" {
		t.Errorf("message = %q", got[0].Message)
	}

	// Malformed payloads are discarded, not fatal.
	bad := envelope.New("gateway", "log.entry", envelope.Payload{Schema: EntrySchema, Data: []byte("not json")})
	if err := c.handle("logs/x/y", bad); err != nil {
		t.Fatalf("handle malformed: %v", err)
	}
	if !strings.Contains(direct.String(), "malformed") {
		t.Error("malformed discard not logged on direct path")
	}
}
