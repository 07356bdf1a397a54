// Package transport owns a child sandbox-agent process and serializes
// framed request/response exchanges over its stdin/stdout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SecBear/nix-sandbox-mcp/internal/framing"
	"github.com/SecBear/nix-sandbox-mcp/internal/protocol"
)

// ErrNotAlive is returned by Request when the transport's child process has
// already been torn down.
var ErrNotAlive = errors.New("transport: agent process is not alive")

// PipeTransport owns a child process and communicates with it via
// length-prefixed JSON on the child's stdin (requests) and stdout
// (responses). Safe for concurrent use: Request acquires the stdin lock
// then the stdout lock, in that order, so two concurrent requests cannot
// interleave their bytes and callers coming from different goroutines can
// never deadlock against each other.
type PipeTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *framing.Reader
	writer *framing.Writer

	stdinMu  sync.Mutex
	stdoutMu sync.Mutex

	alive  atomic.Bool
	logger *slog.Logger
}

// Spawn starts execPath as a child process with piped stdio, sets env on
// top of the broker's own environment, and blocks until the agent's
// unsolicited "ready" handshake arrives or readyTimeout elapses. Any other
// first message, a timeout, or a closed stream is a fatal startup error —
// the child is killed before Spawn returns it.
func Spawn(ctx context.Context, execPath string, readyTimeout time.Duration, env []string, logger *slog.Logger) (*PipeTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("spawning agent process", "exec", execPath)

	cmd := exec.Command(execPath)
	cmd.Env = append(cmd.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: spawn agent %q: %w", execPath, err)
	}
	go drainStderr(stderr, logger, execPath)

	pt := &PipeTransport{
		cmd:    cmd,
		stdin:  stdin,
		reader: framing.NewReader(stdout),
		writer: framing.NewWriter(stdin),
		logger: logger,
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	payload, err := recvWithContext(readyCtx, pt.reader)
	if err != nil {
		pt.killAndReap()
		return nil, fmt.Errorf("transport: agent did not send ready within %s: %w", readyTimeout, err)
	}
	resp, err := protocol.UnmarshalResponse(payload)
	if err != nil {
		pt.killAndReap()
		return nil, fmt.Errorf("transport: parsing agent ready message: %w", err)
	}
	if !resp.IsReady() {
		pt.killAndReap()
		return nil, fmt.Errorf("transport: expected ready message, got type %q", resp.Type)
	}

	pt.alive.Store(true)
	logger.Debug("agent is ready", "exec", execPath)
	return pt, nil
}

// Request sends req to the agent and waits for its response. Because
// callers are already serialized by a session's execute lock, contention on
// these locks is effectively single-writer/single-reader — they exist
// defensively.
func (pt *PipeTransport) Request(ctx context.Context, req protocol.AgentRequest) (protocol.AgentResponse, error) {
	if !pt.alive.Load() {
		return protocol.AgentResponse{}, ErrNotAlive
	}

	pt.stdinMu.Lock()
	defer pt.stdinMu.Unlock()
	pt.stdoutMu.Lock()
	defer pt.stdoutMu.Unlock()

	payload, err := protocol.MarshalRequest(req)
	if err != nil {
		return protocol.AgentResponse{}, fmt.Errorf("transport: encode request: %w", err)
	}
	if err := pt.writer.Send(ctx, payload); err != nil {
		return protocol.AgentResponse{}, fmt.Errorf("transport: send request: %w", err)
	}

	respPayload, err := recvWithContext(ctx, pt.reader)
	if err != nil {
		return protocol.AgentResponse{}, fmt.Errorf("transport: receive response: %w", err)
	}
	resp, err := protocol.UnmarshalResponse(respPayload)
	if err != nil {
		return protocol.AgentResponse{}, err
	}
	return resp, nil
}

// Shutdown is idempotent: it attempts one graceful "shutdown" request
// (errors logged and ignored), flips the alive flag, then kills and reaps
// the child regardless of whether the graceful attempt succeeded.
func (pt *PipeTransport) Shutdown(ctx context.Context) error {
	if !pt.alive.Load() {
		return nil
	}

	if _, err := pt.Request(ctx, protocol.ShutdownRequest()); err != nil {
		pt.logger.Warn("graceful shutdown failed, killing agent", "error", err)
	}

	pt.alive.Store(false)
	pt.killAndReap()
	pt.logger.Debug("agent process shut down")
	return nil
}

// IsAlive reports whether the transport still considers its child usable.
// This is advisory only: a dead child is discovered for certain on the next
// Request.
func (pt *PipeTransport) IsAlive() bool {
	return pt.alive.Load()
}

func (pt *PipeTransport) killAndReap() {
	if pt.cmd.Process != nil {
		_ = pt.cmd.Process.Kill()
	}
	_ = pt.cmd.Wait()
}

// recvWithContext runs a blocking Recv in the background so it can be
// abandoned on context cancellation; the goroutine exits on its own once
// the pipe errors out (which killAndReap guarantees for the ready-handshake
// timeout path).
func recvWithContext(ctx context.Context, r *framing.Reader) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		payload, err := r.Recv(context.Background())
		ch <- result{payload, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.payload, res.err
	}
}

func drainStderr(stderr io.Reader, logger *slog.Logger, exec string) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			logger.Debug("agent stderr", "exec", exec, "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
