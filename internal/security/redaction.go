// Package security scrubs secrets from text before it is logged or
// printed.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr     = `(?:password|passwd|secret|license[_-]?key|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	licenseKeyPattern = regexp.MustCompile(`\bTUNNEL-[0-9]+-[A-Za-z0-9]+\b`)
	pemKeyPattern     = regexp.MustCompile(`(?s)-----BEGIN [^-]*PRIVATE KEY-----.*?-----END [^-]*PRIVATE KEY-----`)
	userinfoPattern   = regexp.MustCompile(`(?i)\b((?:socks5?|https?|tcp)://)[^\s/@]+@`)
)

// Redact masks license keys, private key blocks, credentials in URLs
// and key=value secrets.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := pemKeyPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = licenseKeyPattern.ReplaceAllString(out, "TUNNEL-[REDACTED]")
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	return userinfoPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
}
