package logging

import (
	"regexp"
	"strings"
	"sync"
)

// RedactedText is the replacement text for sensitive data
const RedactedText = "[REDACTED]"

var (
	// Matches: password=xxx, pwd=xxx, pass=xxx, client_secret=xxx, AccountKey=xxx (until next delimiter)
	secretParamPattern = regexp.MustCompile(`(?i)(password|pwd|pass|client_secret|clientsecret|accountkey|sig)=[^;&\s]+`)

	// Pattern to match bearer tokens (three base64 segments separated by dots)
	jwtPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	// Pattern to match connection string credentials (user:pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`)
)

// SanitizeConnectionString removes sensitive data from connection strings.
// Use this before logging any connection string or source URL.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := secretParamPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
	return secrets.redact(sanitized)
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before logging any error from source or catalog operations.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := secretParamPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
	return secrets.redact(sanitized)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// minRedactLength avoids redacting trivially short values that would mangle unrelated text.
const minRedactLength = 4

// secretRegistry holds credential values resolved at startup so that they can
// be scrubbed from anything that goes through the sanitizers.
type secretRegistry struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

var secrets = &secretRegistry{values: make(map[string]struct{})}

// RegisterSecret marks a credential value for redaction in sanitized output.
func RegisterSecret(value string) {
	if len(value) < minRedactLength {
		return
	}
	secrets.mu.Lock()
	defer secrets.mu.Unlock()
	secrets.values[value] = struct{}{}
}

func (r *secretRegistry) redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for v := range r.values {
		s = strings.ReplaceAll(s, v, RedactedText)
	}
	return s
}
