// Package logging builds the broker's single process-wide logger. Grounded
// on wingthing's internal/logger: a leveled slog.Logger is constructed once
// at startup and passed down explicitly (never a hidden global), with one
// constraint that is non-negotiable here — the MCP stdio transport owns
// stdout, so every log line must go to stderr.
package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// New parses level ("debug", "info", "warn", "error") and returns a logger
// writing text-formatted records to stderr.
func New(level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown log level %q (want debug, info, warn, or error)", level)
	}
}
