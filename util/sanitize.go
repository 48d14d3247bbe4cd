package util

import (
	"strings"
)

// RedactionMarker replaces sensitive values before they are persisted
// anywhere a human or exporter can read them back.
const RedactionMarker = "REDACTED"

// defaultSensitiveKeys are always redacted, regardless of configuration.
var defaultSensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"pwd":           true,
	"token":         true,
	"auth":          true,
	"authorization": true,
	"api_key":       true,
	"apikey":        true,
	"api-key":       true,
	"secret":        true,
	"client_secret": true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"credential":    true,
	"credentials":   true,
}

// SanitizeMap returns a copy of m with sensitive values replaced by
// RedactionMarker. Keys in extra are redacted in addition to the built-in
// list; matching is case-insensitive. Nested maps are sanitized recursively.
func SanitizeMap(m map[string]interface{}, extra []string) map[string]interface{} {
	if m == nil {
		return nil
	}

	extraSet := make(map[string]bool, len(extra))
	for _, k := range extra {
		extraSet[strings.ToLower(k)] = true
	}

	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		lower := strings.ToLower(k)
		switch {
		case defaultSensitiveKeys[lower] || extraSet[lower]:
			result[k] = RedactionMarker
		default:
			if nested, ok := v.(map[string]interface{}); ok {
				result[k] = SanitizeMap(nested, extra)
			} else {
				result[k] = v
			}
		}
	}
	return result
}

// Truncate shortens s to max bytes, appending a marker when cut. Used to
// bound log buffers stored on execution records.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
