package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs. Trade
// URLs carry a personal access token and deposit memos can identify a wallet
// owner, so neither is ever logged verbatim.
const RedactedValue = "[REDACTED]"

var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"operation": {},
	"order":     {},
	"listing":   {},
	"account":   {},
	"status":    {},
	"error":     {},
	"addr":      {},
}

// MaskField returns a slog.Attr with the value replaced by the redaction
// placeholder unless the key is known to be safe. Empty values pass through
// unchanged so absent optional fields do not look like masked secrets.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
