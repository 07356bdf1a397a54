// Package backend implements one-shot, per-call sandboxed execution: spawn
// a wrapper, stream code in, collect output under a wall-clock timeout, no
// state survives between calls.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Result is the outcome of executing code in a sandbox, whether ephemeral
// or inside a session agent.
type Result struct {
	ExitCode int32
	Stdout   string
	Stderr   string
}

// EnvironmentMeta is the subset of an environment descriptor the backend
// needs to spawn and bound a call. Declared here (rather than imported from
// package config) so backend has no dependency on configuration parsing —
// the dispatcher adapts config.EnvironmentMeta into this at the call site.
type EnvironmentMeta struct {
	Exec           string
	TimeoutSeconds uint64
}

// Backend executes code in a sandboxed environment. Ephemeral satisfies it;
// the session manager has its own Execute keyed by session id and does not,
// and the dispatcher calls each of them directly rather than through this
// interface.
type Backend interface {
	Execute(ctx context.Context, env EnvironmentMeta, code string, projectEnv []string) (Result, error)
}

// Ephemeral spawns the environment's wrapper fresh for every call.
type Ephemeral struct {
	logger *slog.Logger
}

// NewEphemeral constructs an Ephemeral backend.
func NewEphemeral(logger *slog.Logger) *Ephemeral {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ephemeral{logger: logger}
}

// Execute spawns env.Exec with stdin/stdout/stderr piped, writes code to
// stdin and closes it (EOF is the wrapper's signal to run), then drains
// stdout and stderr concurrently under a single wall-clock timeout. On
// timeout the child is killed and no partial output is returned.
func (e *Ephemeral) Execute(ctx context.Context, env EnvironmentMeta, code string, projectEnv []string) (Result, error) {
	timeout := time.Duration(env.TimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(env.Exec)
	cmd.Env = append(cmd.Environ(), projectEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("backend: open stdin for %s: %w", filepath.Base(env.Exec), err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("backend: spawn %s: %w", env.Exec, err)
	}

	if _, err := io.WriteString(stdin, code); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Result{}, fmt.Errorf("backend: write code to stdin: %w", err)
	}
	_ = stdin.Close() // EOF signals the wrapper to execute

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-execCtx.Done():
		_ = cmd.Process.Kill()
		<-done
		return Result{}, fmt.Errorf("backend: execution timed out after %s", timeout)
	case err := <-done:
		exitCode := int32(-1)
		if cmd.ProcessState != nil {
			exitCode = int32(cmd.ProcessState.ExitCode())
		}
		if err != nil && cmd.ProcessState == nil {
			return Result{}, fmt.Errorf("backend: wait for process: %w", err)
		}
		return Result{
			ExitCode: exitCode,
			Stdout:   lossyUTF8(stdout.Bytes()),
			Stderr:   lossyUTF8(stderr.Bytes()),
		}, nil
	}
}

// lossyUTF8 decodes arbitrary bytes as UTF-8, substituting the Unicode
// replacement character for anything invalid rather than erroring —
// sandboxed programs are not guaranteed to emit valid UTF-8.
func lossyUTF8(b []byte) string {
	decoder := unicode.UTF8.NewDecoder()
	out, _, err := transform.Bytes(decoder, b)
	if err != nil {
		// Best-effort: fall back to the raw bytes reinterpreted as a Go
		// string, which itself performs no validation.
		return string(b)
	}
	return string(out)
}
