package session

import (
	"context"
	"sync"
	"time"

	"github.com/SecBear/nix-sandbox-mcp/internal/protocol"
	"github.com/SecBear/nix-sandbox-mcp/internal/transport"
)

// Session is a thin wrapper around a transport: one persistent sandboxed
// agent, bound to the environment it was created with, tracking creation
// and last-use time for the reaper.
type Session struct {
	ID      string
	EnvName string

	createdAt time.Time

	lastUsedMu sync.Mutex
	lastUsed   time.Time

	transport *transport.PipeTransport
}

func newSession(id, envName string, t *transport.PipeTransport) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		EnvName:   envName,
		createdAt: now,
		lastUsed:  now,
		transport: t,
	}
}

// Request updates last-used to now, then forwards through the transport and
// returns the agent's response verbatim.
func (s *Session) Request(ctx context.Context, req protocol.AgentRequest) (protocol.AgentResponse, error) {
	s.lastUsedMu.Lock()
	s.lastUsed = time.Now()
	s.lastUsedMu.Unlock()

	return s.transport.Request(ctx, req)
}

// Shutdown delegates to the transport. Idempotent via the transport's own
// alive flag.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

// IsIdleExpired reports whether this session has gone unused for longer
// than timeout.
func (s *Session) IsIdleExpired(timeout time.Duration) bool {
	s.lastUsedMu.Lock()
	lastUsed := s.lastUsed
	s.lastUsedMu.Unlock()
	return time.Since(lastUsed) > timeout
}

// IsLifetimeExpired reports whether this session has existed longer than
// maxLifetime, regardless of activity.
func (s *Session) IsLifetimeExpired(maxLifetime time.Duration) bool {
	return time.Since(s.createdAt) > maxLifetime
}
