package topic_test

import (
	"testing"

	"github.com/aico-ai/gateway/common/spec/topic"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"api.users.get", "api/users/get"},
		{"api/users/get", "api/users/get"},
		{"logs.auth.login", "logs/auth/login"},
		{"logs/", "logs"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := topic.Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStaticPrefix(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"logs/**", "logs/"},
		{"api/*/get", "api/"},
		{"api/users/get", "api/users/get"},
		{"**", ""},
	}
	for _, tc := range cases {
		if got := topic.StaticPrefix(tc.in); got != tc.want {
			t.Errorf("StaticPrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"logs/**", "api/*/get", "api/users/get", "*", "**", "logs.*.login"}
	for _, p := range valid {
		if err := topic.ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) unexpected error: %v", p, err)
		}
	}

	invalid := []string{"", "logs/*extra", "logs/***", "a/b*c", "a/**x"}
	for _, p := range invalid {
		if err := topic.ValidatePattern(p); err == nil {
			t.Errorf("ValidatePattern(%q) expected error", p)
		}
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topicName string
		want               bool
	}{
		// Literal patterns.
		{"api/users/get", "api/users/get", true},
		{"api/users/get", "api/users/list", false},
		{"api.users.get", "api/users/get", true},

		// Single-segment wildcard.
		{"api/*/get", "api/users/get", true},
		{"api/*/get", "api/get", false},
		{"api/*", "api/users", true},
		{"api/*", "api/users/get", false},

		// Multi-segment wildcard.
		{"logs/**", "logs/security", true},
		{"logs/**", "logs/auth/login", true},
		{"logs/**", "logs", true},
		{"logs/**", "metrics/cpu", false},
		{"**", "anything/at/all", true},
		{"**/error", "system/bus/error", true},
		{"**/error", "system/error", true},
		{"**/error", "error", true},
		{"**/error", "system/errors", false},

		// Mixed.
		{"api/**/response", "api/v1/users/response", true},
		{"api/*/response/*", "api/v1/response/ok", true},
	}
	for _, tc := range cases {
		if got := topic.Match(tc.pattern, tc.topicName); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.topicName, got, tc.want)
		}
	}
}
