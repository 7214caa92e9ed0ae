// Package obslog builds the structured logger used across the relay and
// tunnel client. It wraps log/slog with a ReplaceAttr hook that redacts
// secret-shaped fields before they ever reach an output stream, the way
// the wider example corpus sanitizes connection strings and API keys
// before logging them.
package obslog

import (
	"log/slog"
	"os"
	"strings"
)

// redactedKeys are attribute keys masked wherever they appear, top-level
// or nested inside a slog.Group. Matching is case-insensitive.
var redactedKeys = map[string]struct{}{
	"apikey":            {},
	"api_key":           {},
	"token":             {},
	"password":          {},
	"authkey":           {},
	"auth_key":          {},
	"secret":            {},
	"registrationapikey": {},
	"clientauthkey":     {},
}

const redactedText = "[REDACTED]"

func isSecretKey(key string) bool {
	_, ok := redactedKeys[strings.ToLower(key)]
	return ok
}

// redactAttr implements slog.HandlerOptions.ReplaceAttr.
func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		a.Value = slog.StringValue(redactedText)
		return a
	}
	return a
}

// Level parses the LOG_LEVEL environment contract (DEBUG, INFO, WARN, ERROR).
func Level(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger. Output is always structured JSON on
// stderr so it can be shipped to any log aggregator without reparsing.
func New(levelStr string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       Level(levelStr),
		ReplaceAttr: redactAttr,
	})
	return slog.New(h)
}
