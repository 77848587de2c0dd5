package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Redactor masks secrets in field maps, messages and query strings.
type Redactor struct {
	keys     []string
	patterns []*regexp.Regexp
}

// DefaultRedactor covers credentials, API keys and signed-link tokens.
func DefaultRedactor() *Redactor {
	return &Redactor{
		keys: []string{"password", "secret", "token", "api_key", "apikey", "authorization", "signature"},
		patterns: []*regexp.Regexp{
			// JWT-shaped signed links
			regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
			regexp.MustCompile(`(?i)(token|secret|api_key)=[^&\s]+`),
		},
	}
}

func (r *Redactor) sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactFields returns a copy of fields with sensitive values replaced.
func (r *Redactor) RedactFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch {
		case r.sensitive(k):
			out[k] = redacted
		default:
			if s, ok := v.(string); ok {
				v = r.Redact(s)
			}
			out[k] = v
		}
	}
	return out
}

// Redact masks secret-looking substrings in s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllStringFunc(s, func(m string) string {
			if i := strings.IndexByte(m, '='); i > 0 && !strings.HasPrefix(m, "eyJ") {
				return m[:i+1] + redacted
			}
			return redacted
		})
	}
	return s
}

// RedactQuery masks sensitive parameters in a raw query string.
func (r *Redactor) RedactQuery(query string) string {
	if query == "" {
		return ""
	}

	parts := strings.Split(query, "&")
	for i, part := range parts {
		key, _, found := strings.Cut(part, "=")
		if found && r.sensitive(key) {
			parts[i] = key + "=" + redacted
		}
	}
	return strings.Join(parts, "&")
}
