// Package sanitize neutralizes executable and markup content in values
// received from tool servers before they reach callers or logs.
package sanitize

import (
	"html"
	"regexp"
	"strings"
)

// MaxDepthSentinel replaces nested containers once the recursion budget
// is exhausted.
const MaxDepthSentinel = "[MAX_DEPTH_EXCEEDED]"

// Limits bounds sanitizer output.
type Limits struct {
	MaxDepth     int // container nesting budget
	MaxStringLen int // free-text truncation cap
	MaxIconLen   int // icon glyph truncation cap
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:     10,
		MaxStringLen: 10_000,
		MaxIconLen:   10,
	}
}

// Pre-compiled markup patterns stripped from every string.
var (
	scriptBlockRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	scriptTagRe   = regexp.MustCompile(`(?i)</?script\b[^>]*>`)
	jsSchemeRe    = regexp.MustCompile(`(?i)javascript\s*:`)
	eventAttrRe   = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// Sanitizer applies Limits to arbitrary decoded-JSON values.
// It never mutates its input; callers can diff before/after for auditing.
type Sanitizer struct {
	limits Limits
}

// New creates a Sanitizer. Zero limit fields fall back to defaults.
func New(limits Limits) *Sanitizer {
	def := DefaultLimits()
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = def.MaxDepth
	}
	if limits.MaxStringLen <= 0 {
		limits.MaxStringLen = def.MaxStringLen
	}
	if limits.MaxIconLen <= 0 {
		limits.MaxIconLen = def.MaxIconLen
	}
	return &Sanitizer{limits: limits}
}

// Sanitize returns a sanitized copy of v. Strings are escaped, stripped
// of script content, and truncated. Maps and slices are copied and
// recursed into up to MaxDepth levels; deeper containers are replaced by
// MaxDepthSentinel. Numbers, booleans, and nil pass through unchanged.
func (s *Sanitizer) Sanitize(v any) any {
	return s.sanitizeValue(v, s.limits.MaxDepth)
}

func (s *Sanitizer) sanitizeValue(v any, depth int) any {
	switch val := v.(type) {
	case string:
		return s.String(val)
	case map[string]any:
		if depth <= 0 {
			return MaxDepthSentinel
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[s.String(k)] = s.sanitizeValue(item, depth-1)
		}
		return out
	case []any:
		if depth <= 0 {
			return MaxDepthSentinel
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.sanitizeValue(item, depth-1)
		}
		return out
	default:
		// numbers, booleans, nil
		return v
	}
}

// String sanitizes a single free-text string.
func (s *Sanitizer) String(in string) string {
	return s.clean(in, s.limits.MaxStringLen)
}

// Icon sanitizes an icon glyph, truncating to the icon cap.
func (s *Sanitizer) Icon(in string) string {
	return s.clean(in, s.limits.MaxIconLen)
}

func (s *Sanitizer) clean(in string, maxLen int) string {
	out := strings.ToValidUTF8(in, "")

	// Decode entities before stripping so encoded payloads
	// ("&lt;script&gt;") cannot slip past the patterns. Escaping the
	// decoded form at the end also keeps sanitization idempotent.
	out = html.UnescapeString(out)

	// Strip repeatedly: removing a match can splice surrounding text into
	// a new match (e.g. "<scr<script></script>ipt>").
	out = stripAll(out, scriptBlockRe)
	out = stripAll(out, scriptTagRe)
	out = stripAll(out, jsSchemeRe)
	out = eventAttrRe.ReplaceAllString(out, "")

	out = html.EscapeString(out)

	if len(out) > maxLen {
		out = truncateUTF8(out, maxLen)
	}
	return out
}

func stripAll(s string, re *regexp.Regexp) string {
	for {
		next := re.ReplaceAllString(s, "")
		if next == s {
			return next
		}
		s = next
	}
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
