// Package dispatcher routes an incoming "run" call to either the ephemeral
// backend or the session manager, and formats the resulting output for an
// MCP tool response.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/SecBear/nix-sandbox-mcp/internal/backend"
	"github.com/SecBear/nix-sandbox-mcp/internal/config"
	"github.com/SecBear/nix-sandbox-mcp/internal/session"
)

// MaxOutputSize is the hard ceiling on the text blob returned to the MCP
// client.
const MaxOutputSize = 1024 * 1024 // 1 MiB

const truncationMarker = "\n\n[truncated — output exceeded 1MB]"

// Dispatcher ties configuration, the ephemeral backend, and the session
// manager together behind the single entry point the MCP tool handler
// calls.
type Dispatcher struct {
	cfg       *config.Config
	ephemeral *backend.Ephemeral
	sessions  *session.Manager
	logger    *slog.Logger
}

// New constructs a Dispatcher.
func New(cfg *config.Config, ephemeral *backend.Ephemeral, sessions *session.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, ephemeral: ephemeral, sessions: sessions, logger: logger}
}

// Outcome is a formatted, ready-to-return tool result.
type Outcome struct {
	Text    string
	IsError bool
}

// Run looks up envName, resolves project mounting, and routes to the
// session manager (when sessionID is non-empty) or the ephemeral backend.
func (d *Dispatcher) Run(ctx context.Context, code, envName, sessionID string) Outcome {
	envMeta, ok := d.cfg.Environments[envName]
	if !ok {
		names := make([]string, 0, len(d.cfg.Environments))
		for name := range d.cfg.Environments {
			names = append(names, name)
		}
		sort.Strings(names)
		return Outcome{
			Text:    fmt.Sprintf("unknown environment: %q. Available: %v", envName, names),
			IsError: true,
		}
	}

	d.logger.Info("running code", "env", envName, "code_len", len(code), "session", sessionID)

	projectEnv := d.cfg.ProjectEnvVars()

	var result backend.Result
	var err error
	if sessionID != "" {
		result, err = d.sessions.Execute(ctx, sessionID, envName, envMeta, code, projectEnv)
	} else {
		beMeta := backend.EnvironmentMeta{Exec: envMeta.Exec, TimeoutSeconds: envMeta.TimeoutSeconds}
		result, err = d.ephemeral.Execute(ctx, beMeta, code, projectEnv)
	}

	if err != nil {
		d.logger.Error("execution failed", "error", err)
		return Outcome{Text: fmt.Sprintf("execution error: %v", err), IsError: true}
	}

	return FormatResult(result.ExitCode, result.Stdout, result.Stderr)
}

// FormatResult combines exit code, stdout, and stderr into a single
// truncated text blob. Any non-zero exit code marks the outcome as an
// error.
func FormatResult(exitCode int32, stdout, stderr string) Outcome {
	var combined string
	switch {
	case stdout != "" && stderr != "":
		combined = stdout + "\n--- stderr ---\n" + stderr
	case stdout != "":
		combined = stdout
	case stderr != "":
		combined = stderr
	}

	return Outcome{
		Text:    truncate(combined, MaxOutputSize),
		IsError: exitCode != 0,
	}
}

// truncate cuts s to at most maxBytes on a rune boundary, appending the
// truncation marker when it does.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	end := maxBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end] + truncationMarker
}
