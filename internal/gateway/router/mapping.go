package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aico-ai/gateway/common/spec/topic"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

// Mapping resolves external topics to internal bus topics. Entries are
// either exact ("api/users/authenticate" → "users/authenticate") or prefix
// rules whose key ends in "/*"; a prefix rule's value replaces the matched
// prefix, and an empty value strips it.
type Mapping struct {
	exact    map[string]string
	prefixes []prefixRule
}

type prefixRule struct {
	prefix string
	target string
}

// NewMapping validates and compiles the configured table. Two prefix rules
// on the same prefix make resolution ambiguous and are refused.
func NewMapping(entries map[string]string) (*Mapping, error) {
	m := &Mapping{exact: make(map[string]string)}
	seen := make(map[string]string)

	for rawKey, rawVal := range entries {
		key := topic.Normalize(rawKey)
		val := topic.Normalize(rawVal)

		if strings.HasSuffix(key, "/*") {
			prefix := strings.TrimSuffix(key, "/*")
			if prefix == "" {
				return nil, fmt.Errorf("router: mapping %q: empty prefix", rawKey)
			}
			if prev, dup := seen[prefix]; dup {
				return nil, fmt.Errorf("router: ambiguous mapping: %q and %q share prefix %q", prev, rawKey, prefix)
			}
			seen[prefix] = rawKey
			m.prefixes = append(m.prefixes, prefixRule{prefix: prefix, target: val})
			continue
		}
		if strings.Contains(key, "*") {
			return nil, fmt.Errorf("router: mapping %q: wildcards only allowed as a trailing /*", rawKey)
		}
		if _, dup := m.exact[key]; dup {
			return nil, fmt.Errorf("router: duplicate mapping for %q", rawKey)
		}
		m.exact[key] = val
	}

	// Longest prefix first so resolution can take the first hit.
	sort.Slice(m.prefixes, func(i, j int) bool {
		return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
	})
	return m, nil
}

// Resolve maps an external topic to its internal topic. Exact entries win
// over prefix rules; among prefix rules the longest wins.
func (m *Mapping) Resolve(external string) (string, error) {
	t := topic.Normalize(external)
	if internal, ok := m.exact[t]; ok {
		return internal, nil
	}
	for _, rule := range m.prefixes {
		if !strings.HasPrefix(t, rule.prefix+topic.Separator) {
			continue
		}
		rest := strings.TrimPrefix(t, rule.prefix+topic.Separator)
		if rule.target == "" {
			return rest, nil
		}
		return rule.target + topic.Separator + rest, nil
	}
	return "", apierr.E(apierr.ErrNoRoute, "no route for %q", external)
}
