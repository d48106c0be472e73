package logging

import (
	"log/slog"
	"strings"
)

// SensitiveFields contains key names whose values are never logged.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_key":    true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"jwt":           true,
	"session":       true,
	"cookie":        true,
	"x-api-key":     true,
}

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a key is or contains a sensitive name.
func IsSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// RedactPayload returns a deep copy of payload with values under sensitive
// keys replaced by MaskedValue. Nested objects and arrays are walked.
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if IsSensitiveField(k) && v != nil {
			out[k] = MaskedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactPayload(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	}
	return v
}

// PayloadAttr returns a slog attribute holding the redacted payload.
func PayloadAttr(payload map[string]any) slog.Attr {
	return slog.Any("payload", RedactPayload(payload))
}

// MaskString keeps the first and last characters of s and masks the rest.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}
