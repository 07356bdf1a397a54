package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SecBear/nix-sandbox-mcp/internal/config"
	"github.com/SecBear/nix-sandbox-mcp/internal/framing"
	"github.com/SecBear/nix-sandbox-mcp/internal/protocol"
)

// TestMain re-executes this binary as a tiny stateful fake agent when asked,
// the same subprocess-helper pattern used in package transport's tests. The
// fake agent tracks a single integer variable so session persistence (S3 in
// the testable-properties scenarios) is actually observable.
func TestMain(m *testing.M) {
	if os.Getenv("NIX_SANDBOX_FAKE_AGENT") == "1" {
		runFakeStatefulAgent()
		return
	}
	os.Exit(m.Run())
}

func runFakeStatefulAgent() {
	w := framing.NewWriter(os.Stdout)
	r := framing.NewReader(os.Stdin)
	ctx := context.Background()

	bootMarker := os.Getpid()

	ready, _ := protocol.MarshalResponse(protocol.AgentResponse{Type: protocol.ResponseReady})
	if err := w.Send(ctx, ready); err != nil {
		os.Exit(1)
	}

	var x int
	hasX := false

	for {
		payload, err := r.Recv(ctx)
		if err != nil {
			return
		}
		var req protocol.AgentRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}
		switch req.Type {
		case protocol.RequestShutdown:
			return
		case protocol.RequestExecute:
			var resp protocol.AgentResponse
			switch strings.TrimSpace(req.Code) {
			case "x = 41":
				x = 41
				hasX = true
				resp = protocol.AgentResponse{Type: protocol.ResponseResult, ID: req.ID, Stdout: ""}
			case "print(x + 1)":
				if !hasX {
					resp = protocol.AgentResponse{Type: protocol.ResponseError, Message: "x is not defined"}
				} else {
					resp = protocol.AgentResponse{Type: protocol.ResponseResult, ID: req.ID, Stdout: "42\n"}
				}
			case "boot_marker":
				resp = protocol.AgentResponse{Type: protocol.ResponseResult, ID: req.ID, Stdout: pidString(bootMarker)}
			default:
				resp = protocol.AgentResponse{Type: protocol.ResponseResult, ID: req.ID, Stdout: "ok:" + req.Code}
			}
			p, _ := protocol.MarshalResponse(resp)
			_ = w.Send(ctx, p)
		}
	}
}

func pidString(pid int) string {
	return "pid:" + itoa(pid)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func fakeAgentEnv() []string {
	return []string{"NIX_SANDBOX_FAKE_AGENT=1"}
}

func testEnvMeta(t *testing.T, sessionExec bool) config.EnvironmentMeta {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	meta := config.EnvironmentMeta{Backend: config.BackendJail, Exec: self, TimeoutSeconds: 5, MemoryMB: 512}
	if sessionExec {
		meta.SessionExec = &self
	}
	return meta
}

func testManager() *Manager {
	cfg := DefaultConfig()
	cfg.AgentReadyTimeout = 2 * time.Second
	cfg.IdleTimeout = 300 * time.Second
	cfg.ReaperInterval = time.Hour
	return NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSessionStatePersistsAcrossCalls(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	env := testEnvMeta(t, true)

	if _, err := m.Execute(ctx, "s1", "python", env, "x = 41", fakeAgentEnv()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	result, err := m.Execute(ctx, "s1", "python", env, "print(x + 1)", fakeAgentEnv())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result.Stdout != "42\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "42\n")
	}

	m.DestroyAll(ctx)
}

func TestSessionAffinityRejected(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	env := testEnvMeta(t, true)

	if _, err := m.Execute(ctx, "s1", "python", env, "x = 41", fakeAgentEnv()); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := m.Execute(ctx, "s1", "shell", env, "echo hi", fakeAgentEnv())
	if err == nil {
		t.Fatal("expected affinity error")
	}
	if !strings.Contains(err.Error(), "python") || !strings.Contains(err.Error(), "shell") {
		t.Errorf("error should mention both environments: %v", err)
	}

	// Session is untouched: a correctly-addressed call still works.
	result, err := m.Execute(ctx, "s1", "python", env, "print(x + 1)", fakeAgentEnv())
	if err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
	if result.Stdout != "42\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "42\n")
	}

	m.DestroyAll(ctx)
}

func TestSessionWithoutSessionExecFails(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	env := testEnvMeta(t, false) // no SessionExec

	_, err := m.Execute(ctx, "s2", "test", env, "x = 1", nil)
	if err == nil {
		t.Fatal("expected error for environment without session_exec")
	}

	m.sessionsMu.RLock()
	_, exists := m.sessions["s2"]
	m.sessionsMu.RUnlock()
	if exists {
		t.Error("no session should have been registered")
	}
}

func TestConcurrentCallsOnSameSessionAreSerialized(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	env := testEnvMeta(t, true)

	if _, err := m.Execute(ctx, "s3", "python", env, "boot", fakeAgentEnv()); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Execute(ctx, "s3", "python", env, "boot", fakeAgentEnv())
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}

	m.DestroyAll(ctx)
}

func TestDifferentSessionsRunConcurrently(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	env := testEnvMeta(t, true)

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c"}
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, err := m.Execute(ctx, id, "python", env, "x = 41", fakeAgentEnv())
			errs[i] = err
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("session %s: %v", ids[i], err)
		}
	}

	m.DestroyAll(ctx)
}

func TestResolveInterpreter(t *testing.T) {
	none := config.EnvironmentMeta{}
	cases := map[string]string{"python": "python", "shell": "bash", "node": "node", "custom": "custom"}
	for envName, want := range cases {
		if got := ResolveInterpreter(envName, none); got != want {
			t.Errorf("ResolveInterpreter(%q) = %q, want %q", envName, got, want)
		}
	}

	python := "python"
	withType := config.EnvironmentMeta{InterpreterType: &python}
	if got := ResolveInterpreter("data-science", withType); got != "python" {
		t.Errorf("interpreter_type should override name matching, got %q", got)
	}
}

func TestIdleReaperRemovesExpiredSession(t *testing.T) {
	m := testManager()
	m.cfg.IdleTimeout = 50 * time.Millisecond
	ctx := context.Background()
	env := testEnvMeta(t, true)

	if _, err := m.Execute(ctx, "s4", "python", env, "x = 41", fakeAgentEnv()); err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	m.CleanupExpired(ctx)

	m.sessionsMu.RLock()
	_, exists := m.sessions["s4"]
	m.sessionsMu.RUnlock()
	if exists {
		t.Error("expected expired session to be removed")
	}

	// A subsequent call with the same id creates a fresh session rather
	// than erroring.
	if _, err := m.Execute(ctx, "s4", "python", env, "x = 41", fakeAgentEnv()); err != nil {
		t.Fatalf("recreate after reap: %v", err)
	}
	m.DestroyAll(ctx)
}

func TestIdleInvariantNotReapedWithinTimeout(t *testing.T) {
	m := testManager()
	m.cfg.IdleTimeout = time.Hour
	ctx := context.Background()
	env := testEnvMeta(t, true)

	if _, err := m.Execute(ctx, "s5", "python", env, "x = 41", fakeAgentEnv()); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.CleanupExpired(ctx)

	m.sessionsMu.RLock()
	_, exists := m.sessions["s5"]
	m.sessionsMu.RUnlock()
	if !exists {
		t.Error("session within idle timeout must not be reaped")
	}

	m.DestroyAll(ctx)
}
