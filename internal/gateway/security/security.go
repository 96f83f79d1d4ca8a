// Package security implements the first stage of the adapter pipeline:
// client IP screening, request size caps, payload sanitization and attack
// pattern detection.
package security

import (
	"log/slog"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

// DefaultMaxRequestSize caps inbound payloads at 10 MiB.
const DefaultMaxRequestSize = 10 << 20

// Default attack patterns, checked case-insensitively against the textual
// form of each payload string.
var defaultAttackPatterns = []string{
	`union\s+select`,
	`;\s*drop\s+table`,
	`'\s*or\s+'?1'?\s*=\s*'?1`,
	`\.\./\.\./`,
	`on(?:error|load|click|mouseover)\s*=`,
	`<\s*iframe`,
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	htmlTagRe     = regexp.MustCompile(`(?s)<[^>]*>`)
	urlSchemeRe   = regexp.MustCompile(`(?i)(?:javascript|vbscript)\s*:`)
)

// Filter screens inbound requests. All rejections surface the same security
// error; the reason is logged, never returned to the client.
type Filter struct {
	allow    []netip.Prefix
	deny     []netip.Prefix
	maxSize  int64
	patterns []*regexp.Regexp
	logger   *slog.Logger
}

// Config holds Filter settings. Allow and Deny entries are addresses or
// CIDR blocks; extra patterns extend the built-in attack set.
type Config struct {
	AllowIPs       []string
	DenyIPs        []string
	MaxRequestSize int64
	ExtraPatterns  []string
	Logger         *slog.Logger
}

// New compiles the filter. Bad CIDR entries and bad patterns are
// configuration errors.
func New(cfg Config) (*Filter, error) {
	f := &Filter{
		maxSize: cfg.MaxRequestSize,
		logger:  cfg.Logger,
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxRequestSize
	}

	var err error
	if f.allow, err = parsePrefixes(cfg.AllowIPs); err != nil {
		return nil, err
	}
	if f.deny, err = parsePrefixes(cfg.DenyIPs); err != nil {
		return nil, err
	}

	for _, p := range append(append([]string(nil), defaultAttackPatterns...), cfg.ExtraPatterns...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, apierr.E(apierr.ErrSecurity, "bad attack pattern %q: %v", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// CheckIP screens the remote address against the deny list and, when an
// allow list is configured, against it too.
func (f *Filter) CheckIP(remoteAddr string) error {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		f.logger.Warn("unparseable remote address", "addr", remoteAddr)
		return apierr.E(apierr.ErrSecurity, "request rejected")
	}

	for _, p := range f.deny {
		if p.Contains(addr) {
			f.logger.Warn("denied client address", "addr", host)
			return apierr.E(apierr.ErrSecurity, "request rejected")
		}
	}
	if len(f.allow) > 0 {
		for _, p := range f.allow {
			if p.Contains(addr) {
				return nil
			}
		}
		f.logger.Warn("client address outside allow list", "addr", host)
		return apierr.E(apierr.ErrSecurity, "request rejected")
	}
	return nil
}

// CheckSize rejects payloads above the configured cap.
func (f *Filter) CheckSize(size int64) error {
	if size > f.maxSize {
		return apierr.E(apierr.ErrMessageTooLarge, "request exceeds %d bytes", f.maxSize)
	}
	return nil
}

// MaxSize returns the configured payload cap in bytes.
func (f *Filter) MaxSize() int64 { return f.maxSize }

// Inspect walks the payload and rejects it if any string matches an attack
// pattern.
func (f *Filter) Inspect(payload any) error {
	var hit string
	walkStrings(payload, func(s string) bool {
		for _, re := range f.patterns {
			if re.MatchString(s) {
				hit = re.String()
				return false
			}
		}
		return true
	})
	if hit != "" {
		f.logger.Warn("attack pattern matched", "pattern", hit)
		return apierr.E(apierr.ErrSecurity, "request rejected")
	}
	return nil
}

// Sanitize strips script blocks, HTML tags and script URL schemes from
// every string in the payload, recursively through maps and lists.
// Sanitizing already-clean data returns it unchanged, so the operation is
// idempotent.
func (f *Filter) Sanitize(payload any) any {
	switch v := payload.(type) {
	case string:
		return sanitizeString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = f.Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = f.Sanitize(val)
		}
		return out
	default:
		return payload
	}
}

func sanitizeString(s string) string {
	s = scriptBlockRe.ReplaceAllString(s, "")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = urlSchemeRe.ReplaceAllString(s, "")
	return s
}

// walkStrings visits every string in the payload until the visitor returns
// false.
func walkStrings(payload any, visit func(string) bool) bool {
	switch v := payload.(type) {
	case string:
		return visit(v)
	case map[string]any:
		for k, val := range v {
			if !visit(k) || !walkStrings(val, visit) {
				return false
			}
		}
	case []any:
		for _, val := range v {
			if !walkStrings(val, visit) {
				return false
			}
		}
	}
	return true
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, apierr.E(apierr.ErrSecurity, "bad ip entry %q", e)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, apierr.E(apierr.ErrSecurity, "bad cidr entry %q", e)
		}
		out = append(out, p)
	}
	return out, nil
}
