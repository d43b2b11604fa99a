package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// Identifiers of cycles and their parts are safe to log. Actor and partner
// identities are not.
var safeKeys = map[string]struct{}{
	"service":     {},
	"env":         {},
	"error":       {},
	"reason":      {},
	"state":       {},
	"cycle_id":    {},
	"commit_id":   {},
	"intent_id":   {},
	"proposal_id": {},
	"leg_id":      {},
	"run_id":      {},
}

// IsAllowlisted reports whether key may be logged in clear.
func IsAllowlisted(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute whose value is redacted unless the key is
// allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
