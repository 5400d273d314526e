package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern redacts its last capture group, or the whole match when the
// pattern has no groups.
type secretPattern struct {
	re *regexp.Regexp
}

// secretPatterns cover credentials that show up in audit reasons, log values
// and captured test output.
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{12,})`)},
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{12,})`)},
	{regexp.MustCompile(`(?i)(X-API-Key:\s*)(\S{8,})`)},
	{regexp.MustCompile(`(?i)([?&](?:api_key|token|access_token)=)([^&\s"]{8,})`)},
	{regexp.MustCompile(`([a-z][a-z0-9+.\-]*://[^:/@\s]+:)([^@\s]+)(?:@)`)},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`)},
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},
}

// Redact replaces credentials in input with [REDACTED], keeping the label
// that preceded them.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, p := range secretPatterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			sub := p.re.FindStringSubmatch(match)
			if len(sub) < 3 {
				return redactedPlaceholder
			}
			suffix := ""
			if strings.HasSuffix(match, "@") {
				suffix = "@"
			}
			return sub[1] + redactedPlaceholder + suffix
		})
	}
	return result
}

var sensitiveEnvKeys = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnv returns a copy of KEY=VALUE pairs with the values of
// secret-looking keys replaced.
func RedactEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, found := strings.Cut(kv, "=")
		lower := strings.ToLower(key)
		secret := false
		for _, s := range sensitiveEnvKeys {
			if strings.Contains(lower, s) {
				secret = true
				break
			}
		}
		if found && secret {
			kv = key + "=" + redactedPlaceholder
		}
		out = append(out, kv)
	}
	return out
}
