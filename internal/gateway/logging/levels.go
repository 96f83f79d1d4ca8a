package logging

import (
	"log/slog"
	"sync"
)

// Levels resolves the effective log level for an emission point. Resolution
// order, most specific wins: "subsystem.module" → "subsystem" → default.
type Levels struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

// NewLevels creates a resolver with the given default level and named
// overrides. Override keys are "subsystem" or "subsystem.module"; values are
// level names ("DEBUG", "INFO", ...).
func NewLevels(def string, overrides map[string]string) *Levels {
	l := &Levels{
		def:       ParseLevel(def),
		overrides: make(map[string]slog.Level, len(overrides)),
	}
	for k, v := range overrides {
		l.overrides[k] = ParseLevel(v)
	}
	return l
}

// Resolve returns the effective minimum level for (subsystem, module).
func (l *Levels) Resolve(subsystem, module string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if lvl, ok := l.overrides[subsystem+"."+module]; ok {
		return lvl
	}
	if lvl, ok := l.overrides[subsystem]; ok {
		return lvl
	}
	return l.def
}

// Enabled reports whether a record at level should be emitted from
// (subsystem, module).
func (l *Levels) Enabled(subsystem, module string, level slog.Level) bool {
	return level >= l.Resolve(subsystem, module)
}
