package logging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/aico-ai/gateway/common/redact"
	"github.com/aico-ai/gateway/common/trace"
)

// Reserved attribute keys the handler lifts into Entry fields instead of the
// extra map.
const (
	attrUserUUID  = "user_uuid"
	attrSessionID = "session_id"
	attrTopic     = "topic"
)

// Handler is a slog.Handler that turns records into Entry values and hands
// them to the Transport. One Handler serves a single subsystem/module pair;
// derive more with WithModule.
type Handler struct {
	transport *Transport
	levels    *Levels
	subsystem string
	module    string
	attrs     []slog.Attr

	groupPrefix string
}

// NewHandler creates a Handler for the given origin.
func NewHandler(transport *Transport, levels *Levels, subsystem, module string) *Handler {
	return &Handler{
		transport: transport,
		levels:    levels,
		subsystem: subsystem,
		module:    module,
	}
}

// WithModule returns a handler emitting under the same subsystem but a
// different module name.
func (h *Handler) WithModule(module string) *Handler {
	clone := *h
	clone.module = module
	return &clone
}

// Logger returns a slog.Logger backed by this handler.
func (h *Handler) Logger() *slog.Logger {
	return slog.New(h)
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return h.levels.Enabled(h.subsystem, h.module, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	e := &Entry{
		Timestamp: rec.Time.UTC(),
		Level:     LevelName(rec.Level),
		Subsystem: h.subsystem,
		Module:    h.module,
		Message:   rec.Message,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if tid := trace.FromContext(ctx); tid != "" {
		e.TraceID = tid
	}
	if rec.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{rec.PC}).Next()
		e.Function = frame.Function
		e.File = frame.File
		e.Line = frame.Line
	}

	extra := make(map[string]string)
	collect := func(a slog.Attr) {
		val := a.Value.Resolve()
		switch a.Key {
		case attrUserUUID:
			e.UserUUID = val.String()
		case attrSessionID:
			e.SessionID = val.String()
		case attrTopic:
			e.Topic = val.String()
		default:
			extra[h.groupPrefix+a.Key] = fmt.Sprint(val.Any())
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	if len(extra) > 0 {
		e.Extra = redact.Map(extra)
	}

	h.transport.Emit(e)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup flattens the group into key prefixes rather than nesting, since
// Entry extras are a flat string map.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	clone.module = h.module
	clone.groupPrefix = h.groupPrefix + name + "."
	return &clone
}
