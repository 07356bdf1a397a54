// Package session implements the session lifecycle and multiplexing
// engine: creation, environment affinity, per-session serialization,
// background reaping, and graceful bulk teardown of long-lived sandboxed
// interpreter processes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SecBear/nix-sandbox-mcp/internal/backend"
	"github.com/SecBear/nix-sandbox-mcp/internal/config"
	"github.com/SecBear/nix-sandbox-mcp/internal/protocol"
	"github.com/SecBear/nix-sandbox-mcp/internal/transport"
)

// Manager keeps two registries, both keyed by session id: the session
// registry and a per-session execute-lock registry. Both are guarded by a
// reader-writer lock; per-session locks are shared-ownership handles
// (ordinary pointers, kept alive by whichever goroutine still references
// them) so they survive registry removal while a caller still holds them.
//
// The Manager is the only stateful singleton in the broker. It is
// constructed once in cmd/sandboxd/main.go and passed down explicitly.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	locksMu sync.RWMutex
	locks   map[string]*sync.Mutex
}

// NewManager constructs a session manager with the given tuning.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// getExecuteLock returns the shared mutex for sessionID, creating it if
// necessary. Fast path: read lock for the common case of an existing
// session. Slow path: write lock, re-checked via map's idempotent
// get-or-insert semantics.
func (m *Manager) getExecuteLock(sessionID string) *sync.Mutex {
	m.locksMu.RLock()
	if lock, ok := m.locks[sessionID]; ok {
		m.locksMu.RUnlock()
		return lock
	}
	m.locksMu.RUnlock()

	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if lock, ok := m.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[sessionID] = lock
	return lock
}

// Execute runs code in a session, creating it if needed. The per-session
// execute lock is acquired for the remainder of the call, so concurrent
// requests for the same session id are processed one at a time; different
// session ids proceed in parallel. The lock is a plain sync.Mutex, which
// does not hand it to waiters in the order they arrived.
func (m *Manager) Execute(ctx context.Context, sessionID, envName string, envMeta config.EnvironmentMeta, code string, projectEnv []string) (backend.Result, error) {
	lock := m.getExecuteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.getOrCreate(ctx, sessionID, envName, envMeta, projectEnv)
	if err != nil {
		return backend.Result{}, err
	}

	interpreter := ResolveInterpreter(envName, envMeta)
	req := protocol.ExecuteRequest(sessionID, interpreter, code)

	resp, err := sess.Request(ctx, req)
	if err != nil {
		return backend.Result{}, fmt.Errorf("session: communicate with agent: %w", err)
	}

	switch resp.Type {
	case protocol.ResponseResult:
		return backend.Result{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
	case protocol.ResponseError:
		return backend.Result{ExitCode: 1, Stdout: "", Stderr: resp.Message}, nil
	default:
		return backend.Result{}, fmt.Errorf("session: unexpected agent response type %q", resp.Type)
	}
}

// getOrCreate looks up an existing session or spawns a new one. The caller
// must hold sessionID's execute lock — that guarantees no concurrent
// creation race, making the final insertion unconditional.
func (m *Manager) getOrCreate(ctx context.Context, sessionID, envName string, envMeta config.EnvironmentMeta, projectEnv []string) (*Session, error) {
	m.sessionsMu.RLock()
	existing, ok := m.sessions[sessionID]
	m.sessionsMu.RUnlock()
	if ok {
		if existing.EnvName != envName {
			return nil, fmt.Errorf(
				"session %q is bound to environment %q, not %q; use a different session ID, or omit session for ephemeral execution",
				sessionID, existing.EnvName, envName,
			)
		}
		return existing, nil
	}

	if envMeta.SessionExec == nil {
		return nil, fmt.Errorf("session: environment %q does not support sessions (no session_exec configured)", envName)
	}

	pt, err := transport.Spawn(ctx, *envMeta.SessionExec, m.cfg.AgentReadyTimeout, projectEnv, m.logger)
	if err != nil {
		return nil, fmt.Errorf("session: start session agent for %q: %w", envName, err)
	}

	sess := newSession(sessionID, envName, pt)
	m.logger.Info("created new session", "session", sessionID, "env", envName)

	m.sessionsMu.Lock()
	m.sessions[sessionID] = sess
	m.sessionsMu.Unlock()

	return sess, nil
}

// CleanupExpired removes and shuts down sessions past their idle timeout or
// max lifetime. Called by the background reaper. Errors during shutdown
// are logged, never fatal.
func (m *Manager) CleanupExpired(ctx context.Context) {
	m.sessionsMu.RLock()
	var expired []string
	for id, sess := range m.sessions {
		idleExpired := sess.IsIdleExpired(m.cfg.IdleTimeout)
		lifetimeExpired := sess.IsLifetimeExpired(m.cfg.MaxLifetime)
		if idleExpired || lifetimeExpired {
			reason := "idle timeout"
			if lifetimeExpired {
				reason = "max lifetime"
			}
			m.logger.Debug("session expired", "session", id, "reason", reason)
			expired = append(expired, id)
		}
	}
	m.sessionsMu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.sessionsMu.Lock()
	m.locksMu.Lock()
	toShutdown := make([]*Session, 0, len(expired))
	for _, id := range expired {
		if sess, ok := m.sessions[id]; ok {
			toShutdown = append(toShutdown, sess)
			delete(m.sessions, id)
			delete(m.locks, id)
		}
	}
	m.locksMu.Unlock()
	m.sessionsMu.Unlock()

	for _, sess := range toShutdown {
		m.logger.Info("cleaning up expired session", "session", sess.ID)
		if err := sess.Shutdown(ctx); err != nil {
			m.logger.Warn("error shutting down session", "session", sess.ID, "error", err)
		}
	}
}

// DestroyAll drains and shuts down every session. Called on broker
// shutdown (MCP client disconnect) after the reaper has been stopped.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.sessionsMu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		all = append(all, sess)
		delete(m.sessions, id)
	}
	m.sessionsMu.Unlock()

	m.locksMu.Lock()
	m.locks = make(map[string]*sync.Mutex)
	m.locksMu.Unlock()

	for _, sess := range all {
		m.logger.Info("destroying session", "session", sess.ID)
		if err := sess.Shutdown(ctx); err != nil {
			m.logger.Warn("error destroying session", "session", sess.ID, "error", err)
		}
	}
}

// StartReaper runs the background reaper loop in the calling goroutine,
// sweeping expired sessions every ReaperInterval; the first sweep happens
// one interval after the call. Returns when ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.logger.Debug("reaper sweep")
			m.CleanupExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ResolveInterpreter maps an environment to the interpreter name the agent
// protocol expects. An explicit InterpreterType on the descriptor always
// wins (set by custom sandbox artifacts); otherwise bundled presets are
// resolved by name, with anything unrecognized passed through unchanged.
func ResolveInterpreter(envName string, envMeta config.EnvironmentMeta) string {
	if envMeta.InterpreterType != nil && *envMeta.InterpreterType != "" {
		return *envMeta.InterpreterType
	}
	switch envName {
	case "python":
		return "python"
	case "shell":
		return "bash"
	case "node":
		return "node"
	default:
		return envName
	}
}
