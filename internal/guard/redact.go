// Package guard holds the two string filters every piece of text passes
// through before it persists or reaches the model: Redact masks secrets,
// Sanitize neutralizes ANSI poisoning and prompt injection. Both are pure
// and idempotent.
package guard

import "regexp"

// rule pairs a pattern with its literal replacement.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// Ordered: specific forms run before generic catch-alls so the generic pass
// sees already-masked text.
var redactRules = []rule{
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-\._~+/]+=*`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)api[-_]?key["']?[:=]\s*["']?[a-zA-Z0-9\-_]{10,}["']?`), "api_key: [REDACTED]"},
	{regexp.MustCompile(`(?i)password\s+(?:is\s+)?["']?[^"'\s}]+["']?`), "password: [REDACTED]"},
	{regexp.MustCompile(`(?i)password["']?[:=]\s*["']?[^"'\s}]+["']?`), "password: [REDACTED]"},
	{regexp.MustCompile(`(?i)token["']?[:=]\s*["']?[a-zA-Z0-9\-_]{10,}["']?`), "token: [REDACTED]"},
	{regexp.MustCompile(`(?s)-----BEGIN ([A-Z ]+ )?PRIVATE KEY-----.*?-----END ([A-Z ]+ )?PRIVATE KEY-----`), "[PRIVATE KEY REDACTED]"},
	// Multi-line obfuscation: key on one line, value assignment on the next.
	{regexp.MustCompile(`(?i)(?:key|secret|token)\s*[\n\r]+\s*[:=]\s*[^\s]+`), "[OBFUSCATED_SECRET_REDACTED]"},
	{regexp.MustCompile(`[A-Za-z0-9+/]{100,}=*`), "[BASE64_BLOB_REDACTED]"},
	{regexp.MustCompile(`(?i)(?:SECRET|PASSWORD|TOKEN|KEY|CREDENTIALS|ACCESS_KEY|SECRET_KEY)\s*[:=]\s*[^\s,]+`), "credentials: [REDACTED]"},
	{regexp.MustCompile(`(?i)["']?client[-_]secret["']?\s*[:=]\s*["']?[^"'\s,]+["']?`), "client_secret: [REDACTED]"},
}

// Redact masks secrets in s. Two passes so a value exposed by the first
// sweep (nested or overlapping forms) is caught by the second.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for pass := 0; pass < 2; pass++ {
		for _, r := range redactRules {
			s = r.re.ReplaceAllString(s, r.repl)
		}
	}
	return s
}

// RedactAny applies Redact recursively across strings, slices and
// string-keyed maps. Other values pass through unchanged.
func RedactAny(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = RedactAny(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = Redact(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = RedactAny(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = Redact(e)
		}
		return out
	default:
		return v
	}
}
