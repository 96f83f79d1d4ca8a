// Package topic defines the bus topic grammar: normalization between dotted
// and slashed notation, static prefix extraction for broker-side filters, and
// client-side wildcard matching.
//
// Topics are hierarchical names. "api.users.get" and "api/users/get" are the
// same topic; everything is normalized to the slashed form before dispatch.
// Subscriptions filter broker-side on a static prefix and refine client-side
// with wildcards: "*" matches exactly one segment, "**" matches zero or more.
package topic

import (
	"fmt"
	"strings"
)

// Separator is the canonical segment separator on the wire.
const Separator = "/"

// Normalize converts a dotted or slashed topic to canonical slashed form and
// trims any trailing separator.
func Normalize(t string) string {
	t = strings.ReplaceAll(t, ".", Separator)
	return strings.TrimSuffix(t, Separator)
}

// StaticPrefix returns the longest leading part of a normalized pattern that
// contains no wildcard. The broker filters on this prefix; the client applies
// the full pattern afterwards. For "logs/**" the prefix is "logs/", for a
// pattern with no wildcard it is the whole pattern.
func StaticPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// ValidatePattern rejects subscription patterns whose wildcard use is
// ambiguous: a segment may be "*", "**", or a literal, never a mix
// (e.g. "logs/*extra" or "logs/***").
func ValidatePattern(pattern string) error {
	p := Normalize(pattern)
	if p == "" {
		return fmt.Errorf("topic pattern must not be empty")
	}
	for _, seg := range strings.Split(p, Separator) {
		if strings.Contains(seg, "*") && seg != "*" && seg != "**" {
			return fmt.Errorf("ambiguous wildcard segment %q in pattern %q", seg, pattern)
		}
	}
	return nil
}

// Match reports whether the normalized topic matches the normalized pattern.
// "*" matches exactly one segment; "**" matches zero or more segments.
func Match(pattern, t string) bool {
	return matchSegments(
		splitNonEmpty(Normalize(pattern)),
		splitNonEmpty(Normalize(t)),
	)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}

// matchSegments is a backtracking matcher over topic segments. "**" tries the
// shortest expansion first and grows on failure.
func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}

	head, rest := pattern[0], pattern[1:]

	if head == "**" {
		for skip := 0; skip <= len(segs); skip++ {
			if matchSegments(rest, segs[skip:]) {
				return true
			}
		}
		return false
	}

	if len(segs) == 0 {
		return false
	}
	if head != "*" && head != segs[0] {
		return false
	}
	return matchSegments(rest, segs[1:])
}
