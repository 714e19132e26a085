package shared

import (
	"log/slog"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Each rule's replacement keeps the label (capture group 1) so the reader
// can still tell what was removed.
var redactRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)((?:password|passwd|secret|refresh[_-]?token|access[_-]?token|api[_-]?key)\s*[:=]\s*)"?[^\s"&,]{4,}"?`), "${1}" + redacted},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redacted},
	// Compact JWS; the base64url header of a JSON object always opens with eyJ.
	{regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`), redacted},
}

// Redact masks credentials embedded in free text: key=value secrets,
// bearer tokens and JWTs.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

var secretKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// IsSecretKey reports whether a field or variable name suggests its value
// is a credential. Plural "tokens" names usage counters and is exempt.
func IsSecretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" || strings.Contains(k, "tokens") {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactAttr is a slog ReplaceAttr hook. Secret-named attributes lose
// their value entirely; string values are passed through Redact.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSecretKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); v != "" {
			if masked := Redact(v); masked != v {
				return slog.String(a.Key, masked)
			}
		}
	}
	return a
}
