package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys never reach the output with their value: bearer tokens, the
// JWT and webhook signing secrets, keystore passphrases and delivery
// signatures.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"secret":        {},
	"hmacsecret":    {},
	"passphrase":    {},
	"signature":     {},
	"privatekey":    {},
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Redact masks a sensitive attribute. Empty values pass through. Every
// logger built by this package applies it.
func Redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// MaskField is Redact for a string value built at the call site.
func MaskField(key, value string) slog.Attr {
	return Redact(slog.String(key, value))
}

// RedactURL drops credentials and the query string from a webhook target so
// it can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactedValue
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	if u.RawQuery != "" {
		u.RawQuery = RedactedValue
	}
	return u.String()
}
