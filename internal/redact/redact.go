// Package redact scrubs credential-looking text from free-form note
// payloads before they are queued for remote sync. Local storage keeps the
// original; only the outbound copy is sanitized.
package redact

import (
	"regexp"
	"strings"
)

var (
	keyExpr       = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvPattern     = regexp.MustCompile(`(?i)(` + keyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemPattern    = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
)

// Note returns the payload with anything credential-shaped replaced.
func Note(input string) string {
	if input == "" {
		return ""
	}
	out := pemPattern.ReplaceAllString(input, "[REDACTED]")
	out = kvPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return strings.TrimRight(match[:idx+1], " ") + "[REDACTED]"
	})
	out = bearerPattern.ReplaceAllString(out, "[REDACTED]")
	return out
}
