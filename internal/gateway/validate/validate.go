// Package validate checks message payloads against per-topic JSON Schemas.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aico-ai/gateway/common/spec/topic"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

// Registry maps topic prefixes to compiled schemas. Lookup picks the
// longest registered prefix of the message topic. Topics with no schema
// pass unless the registry is strict.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	// prefixes holds the registered keys longest-first for lookup.
	prefixes []string
	strict   bool
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry. In strict mode messages on
// unregistered topics are rejected instead of passed through.
func NewRegistry(strict bool, logger *slog.Logger) *Registry {
	return &Registry{
		schemas: make(map[string]*jsonschema.Schema),
		strict:  strict,
		logger:  logger,
	}
}

// Register compiles schemaJSON and binds it to the topic prefix. The prefix
// is normalized, so "api.users" and "api/users" register the same key.
// Re-registering a prefix replaces its schema.
func (r *Registry) Register(topicPrefix string, schemaJSON []byte) error {
	key := topic.Normalize(topicPrefix)
	if key == "" {
		return fmt.Errorf("validate: empty topic prefix")
	}

	compiler := jsonschema.NewCompiler()
	url := "schema://" + key
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("validate: schema for %q: %w", key, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("validate: schema for %q: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[key]; !exists {
		r.prefixes = append(r.prefixes, key)
		sort.Slice(r.prefixes, func(i, j int) bool {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		})
	}
	r.schemas[key] = schema
	r.logger.Debug("schema registered", "topic", key)
	return nil
}

// Validate checks the payload of a message on the given topic.
func (r *Registry) Validate(t string, payload json.RawMessage) error {
	schema, matched := r.lookup(topic.Normalize(t))
	if schema == nil {
		if r.strict {
			return apierr.E(apierr.ErrValidation, "no schema for topic %q", t)
		}
		return nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return apierr.E(apierr.ErrValidation, "payload is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		r.logger.Debug("payload rejected", "topic", t, "schema", matched, "error", err)
		return apierr.E(apierr.ErrValidation, "payload does not match schema for %q", matched)
	}
	return nil
}

// lookup returns the schema bound to the longest prefix of t.
func (r *Registry) lookup(t string) (*jsonschema.Schema, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, prefix := range r.prefixes {
		if t == prefix || strings.HasPrefix(t, prefix+topic.Separator) {
			return r.schemas[prefix], prefix
		}
	}
	return nil, ""
}
