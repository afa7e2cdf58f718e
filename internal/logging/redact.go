package logging

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Header and query parameter names whose values are never logged.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"cookie",
	"api_key",
	"apikey",
	"session",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._~+/=-]{8,})`),
	regexp.MustCompile(`(?i)(token|secret|password|session)=([^&\s"']+)`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces bearer tokens and secret-looking query parameters in s.
func Redact(s string) string {
	result := secretPatterns[0].ReplaceAllString(s, RedactedValue)
	return secretPatterns[1].ReplaceAllString(result, "${1}="+RedactedValue)
}

// RedactURL returns raw with sensitive query values and userinfo replaced.
// Unparseable input falls back to Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redact(raw)
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	query := u.Query()
	changed := false
	for key := range query {
		if IsSensitiveField(key) {
			query.Set(key, RedactedValue)
			changed = true
		}
	}
	if changed {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// RedactHeader returns a loggable copy of h.
func RedactHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if IsSensitiveField(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = Redact(strings.Join(values, ", "))
	}
	return out
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
