package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces values too short to mask partially.
const RedactedValue = "[REDACTED]"

const addressKeep = 4

// MaskAddress keeps the first and last four characters of a wallet address so
// operators can correlate log lines without exposing the full value.
func MaskAddress(key, address string) slog.Attr {
	return slog.String(key, maskAddress(address))
}

func maskAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	switch {
	case trimmed == "":
		return ""
	case len(trimmed) <= 2*addressKeep+2:
		return RedactedValue
	}
	return trimmed[:addressKeep] + "…" + trimmed[len(trimmed)-addressKeep:]
}
