package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
)

// EntrySchema tags log entry payloads on the bus.
const EntrySchema = "aico.log.entry"

// dropAnnounceInterval limits how often the transport announces buffer drops.
const dropAnnounceInterval = time.Minute

// Publisher is the slice of the bus client the transport needs.
type Publisher interface {
	Publish(topic string, payload envelope.Payload, opts ...client.PublishOption) (*envelope.Envelope, error)
}

// Transport moves log entries from producers onto the bus. Until SetReady is
// called, entries accumulate in the bounded buffer; afterwards they publish
// directly. Entries from deny-listed origins — and anything that fails to
// publish — take the direct console path so a log is never silently lost and
// the pipeline never feeds itself.
type Transport struct {
	publisher Publisher
	buffer    *Buffer
	direct    io.Writer

	deny map[string]struct{}

	// flushMu serializes buffer appends against the SetReady flip, so no
	// entry lands in a buffer that was already drained.
	ready   atomic.Bool
	flushMu sync.Mutex

	announceMu   sync.Mutex
	lastAnnounce time.Time
	announced    uint64
}

// TransportConfig holds Transport options.
type TransportConfig struct {
	// Publisher is the connected bus client. Required before SetReady.
	Publisher Publisher
	// BufferCapacity bounds the pre-ready buffer (default 1000).
	BufferCapacity int
	// DenyList holds "subsystem.module" origins forced onto the direct path.
	// The consumer's and bus client's own origins are always included.
	DenyList []string
	// Direct is the fallback writer (default os.Stderr).
	Direct io.Writer
}

// Built-in deny list guard: the pipeline's own emission points.
var builtinDeny = []string{
	"gateway.logconsumer",
	"gateway.bus",
}

// NewTransport creates a Transport.
func NewTransport(cfg TransportConfig) *Transport {
	direct := cfg.Direct
	if direct == nil {
		direct = os.Stderr
	}
	deny := make(map[string]struct{}, len(cfg.DenyList)+len(builtinDeny))
	for _, d := range append(builtinDeny, cfg.DenyList...) {
		deny[d] = struct{}{}
	}
	return &Transport{
		publisher: cfg.Publisher,
		buffer:    NewBuffer(cfg.BufferCapacity),
		direct:    direct,
		deny:      deny,
	}
}

// Emit accepts one entry from a producer. Never blocks and never fails: the
// worst case is a direct console write.
func (t *Transport) Emit(e *Entry) {
	if _, denied := t.deny[e.Origin()]; denied {
		t.writeDirect(e)
		return
	}

	if !t.ready.Load() {
		t.flushMu.Lock()
		if !t.ready.Load() {
			evicted := t.buffer.Append(e)
			t.flushMu.Unlock()
			if evicted {
				t.maybeAnnounceDrops()
			}
			return
		}
		// SetReady won the race; publish directly.
		t.flushMu.Unlock()
	}

	if err := t.publish(e); err != nil {
		t.writeDirect(e)
	}
}

// SetReady switches new entries to the direct-publish path and flushes the
// buffered backlog onto the bus in FIFO order. The flip and the drain share
// flushMu with the buffering path, so an entry emitted during the flush is
// either part of the backlog or published directly.
func (t *Transport) SetReady() {
	t.flushMu.Lock()
	t.ready.Store(true)
	backlog := t.buffer.Drain()
	t.flushMu.Unlock()

	for _, e := range backlog {
		if err := t.publish(e); err != nil {
			t.writeDirect(e)
		}
	}
}

// Dropped returns the number of entries evicted from the startup buffer.
func (t *Transport) Dropped() uint64 {
	return t.buffer.Dropped()
}

func (t *Transport) publish(e *Entry) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	_, err = t.publisher.Publish(e.BusTopic(), envelope.Payload{Schema: EntrySchema, Data: data})
	return err
}

// maybeAnnounceDrops writes a single WARNING line per interval summarizing
// buffer evictions. The announcement itself uses the direct path.
func (t *Transport) maybeAnnounceDrops() {
	t.announceMu.Lock()
	defer t.announceMu.Unlock()

	now := time.Now()
	if now.Sub(t.lastAnnounce) < dropAnnounceInterval {
		return
	}
	total := t.buffer.Dropped()
	delta := total - t.announced
	t.lastAnnounce = now
	t.announced = total

	t.writeDirect(&Entry{
		Timestamp: now.UTC(),
		Level:     LevelWarning,
		Subsystem: "gateway",
		Module:    "logbuffer",
		Message:   fmt.Sprintf("log buffer overflow: %d entries dropped (%d total)", delta, total),
	})
}

// writeDirect formats the entry as a plain text line on the fallback writer.
func (t *Transport) writeDirect(e *Entry) {
	fmt.Fprintf(t.direct, "%s [%s] %s.%s: %s\n",
		e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Subsystem, e.Module, e.Message)
}
