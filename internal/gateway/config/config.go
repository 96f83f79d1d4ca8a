// Package config provides the read-only hierarchical configuration view
// consumed by every gateway component.
//
// Configuration is loaded once at startup from an optional YAML document and
// frozen; lookups use dotted paths ("bus.pub_port", "auth.access_ttl").
// A small set of process environment variables override well-known keys:
//
//	AICO_LOG_LEVEL    → logging.default_level
//	AICO_API_PORT     → adapters.rest.port
//	AICO_API_HOST     → adapters.rest.host
//	AICO_ENVIRONMENT  → environment
//
// Re-initialization during run is not supported; components capture the
// values they need at construction time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// View is an immutable hierarchical key lookup.
type View struct {
	root map[string]any
}

// envOverrides maps process environment variables onto config paths.
var envOverrides = map[string]string{
	"AICO_LOG_LEVEL":   "logging.default_level",
	"AICO_API_PORT":    "adapters.rest.port",
	"AICO_API_HOST":    "adapters.rest.host",
	"AICO_ENVIRONMENT": "environment",
}

// Load parses a YAML document into a View and applies environment overrides.
// An empty document yields a View that answers every lookup with the default.
func Load(data []byte) (*View, error) {
	root := make(map[string]any)
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("config parse: %w", err)
		}
	}
	v := &View{root: root}
	for env, path := range envOverrides {
		if val := os.Getenv(env); val != "" {
			v.set(path, val)
		}
	}
	return v, nil
}

// LoadFile reads and parses the YAML file at path. A missing file is not an
// error: the gateway runs on defaults plus environment overrides.
func LoadFile(path string) (*View, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Load(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("config read %s: %w", path, err)
	}
	return Load(data)
}

// set writes a value at a dotted path, creating intermediate maps. Only used
// during Load; the View is immutable afterwards.
func (v *View) set(path, value string) {
	parts := strings.Split(path, ".")
	node := v.root
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// lookup walks the dotted path and returns the raw value.
func (v *View) lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var node any = v.root
	for _, p := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// String returns the string at path, or def when absent.
func (v *View) String(path, def string) string {
	raw, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch val := raw.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return def
	}
}

// Int returns the integer at path, or def when absent or unparseable.
func (v *View) Int(path string, def int) int {
	raw, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch val := raw.(type) {
	case int:
		return val
	case float64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

// Float64 returns the float at path, or def when absent or unparseable.
func (v *View) Float64(path string, def float64) float64 {
	raw, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch val := raw.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the boolean at path, or def when absent or unparseable.
func (v *View) Bool(path string, def bool) bool {
	raw, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch val := raw.(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

// Duration returns the duration at path parsed with time.ParseDuration
// ("30s", "15m"), or def when absent or unparseable.
func (v *View) Duration(path string, def time.Duration) time.Duration {
	raw, ok := v.lookup(path)
	if !ok {
		return def
	}
	if s, ok := raw.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

// StringSlice returns the list of strings at path, or def when absent.
// Scalar entries of other YAML types are skipped.
func (v *View) StringSlice(path string, def []string) []string {
	raw, ok := v.lookup(path)
	if !ok {
		return def
	}
	list, ok := raw.([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// StringMap returns the string→string mapping at path, or nil when absent.
func (v *View) StringMap(path string) map[string]string {
	raw, ok := v.lookup(path)
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Sub returns a View rooted at path. Lookups on the sub-view are relative.
// A missing path yields an empty view, not nil.
func (v *View) Sub(path string) *View {
	raw, ok := v.lookup(path)
	if !ok {
		return &View{root: map[string]any{}}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return &View{root: map[string]any{}}
	}
	return &View{root: m}
}
