// Package logging implements the gateway's log pipeline: slog handler →
// bounded buffer → bus transport → consumer → logs table.
//
// Three rules govern the pipeline: never lose a log silently (drops are
// counted and announced), never block a producer (the buffer evicts oldest on
// overflow), and never recurse (bus and consumer log points are deny-listed
// onto a direct console path).
package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level names persisted to the logs table.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// LevelName converts an slog level to the gateway's level name. slog has no
// CRITICAL; anything above ERROR maps to it.
func LevelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarning
	case l == slog.LevelError:
		return LevelError
	default:
		return LevelCritical
	}
}

// ParseLevel converts a level name to an slog level, defaulting to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning, "WARN":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Entry is one structured log record, owned by the pipeline until persisted.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Subsystem string            `json:"subsystem"`
	Module    string            `json:"module"`
	Function  string            `json:"function,omitempty"`
	File      string            `json:"file,omitempty"`
	Line      int               `json:"line,omitempty"`
	Topic     string            `json:"topic"`
	Message   string            `json:"message"`
	UserUUID  string            `json:"user_uuid,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// BusTopic returns the topic this entry is published on: logs/<subsystem>/<module>.
func (e *Entry) BusTopic() string {
	return fmt.Sprintf("logs/%s/%s", e.Subsystem, e.Module)
}

// Origin returns the "subsystem.module" identifier checked against the deny list.
func (e *Entry) Origin() string {
	return e.Subsystem + "." + e.Module
}

// Marshal serializes the entry for the bus.
func (e *Entry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEntry decodes an entry received off the bus.
func ParseEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("log entry parse: %w", err)
	}
	if e.Message == "" && e.Level == "" {
		return nil, fmt.Errorf("log entry parse: empty record")
	}
	return &e, nil
}
