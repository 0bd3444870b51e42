package delegation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/manifest"
	"github.com/agentsupervisor/agentsupervisor/internal/vault"
)

type fakeNestedSession struct {
	mu     sync.Mutex
	events []Event
	alive  bool
}

func (f *fakeNestedSession) SendMessage(ctx context.Context, content, messageID string) error {
	return nil
}

func (f *fakeNestedSession) Receive(ctx context.Context) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return Event{}, fmt.Errorf("no more events")
	}
	e := f.events[0]
	f.events = f.events[1:]
	return e, nil
}

func (f *fakeNestedSession) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeNestedSession) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	return nil
}

type fakeSupervisor struct {
	mu    sync.Mutex
	spawn int
}

func (f *fakeSupervisor) RunAgent(ctx context.Context, req RunAgentRequest) (NestedSession, error) {
	f.mu.Lock()
	f.spawn++
	f.mu.Unlock()
	if req.OnStatus != nil {
		req.OnStatus("started")
	}
	return &fakeNestedSession{alive: true, events: []Event{
		{Type: "response", Content: "ok", Done: true},
	}}, nil
}

type fakeResolver struct{ dir string }

func (f *fakeResolver) Resolve(ctx context.Context, agentURL string) (string, error) {
	return f.dir, nil
}

func writeTestBundle(t *testing.T, dir string) {
	t.Helper()
	const body = `{
		"name": "sub-agent",
		"runtime": {"image": "python:3.12-slim", "run_command": "python agent.py"}
	}`
	if err := writeFile(filepath.Join(dir, "manifest.yaml"), body); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func newTestHandler(t *testing.T, allowedAgents []string) (*Handler, *fakeSupervisor) {
	t.Helper()
	bundleDir := t.TempDir()
	writeTestBundle(t, bundleDir)

	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.json"), "")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	sup := &fakeSupervisor{}
	h := NewHandler(nil, "", Deps{
		ParentManifest: &manifest.Manifest{
			Permissions: manifest.Permissions{
				Delegation: manifest.Delegation{Enabled: true, AllowedAgents: allowedAgents},
			},
		},
		Supervisor:     sup,
		Resolver:       &fakeResolver{dir: bundleDir},
		Vault:          v,
		ParentStateDir: t.TempDir(),
	})
	return h, sup
}

func TestHandleRunRejectsDisallowedAgent(t *testing.T) {
	h, sup := newTestHandler(t, []string{"trusted-agent"})

	var got Response
	h.replyFn(func(r Response) { got = r })
	h.handleRun(context.Background(), Command{RequestID: "r1", AgentURL: "https://example.com/some-other-agent"})

	if got.Type != "error" {
		t.Fatalf("expected error response for disallowed agent, got %+v", got)
	}
	if sup.spawn != 0 {
		t.Errorf("expected no sub-agent spawned, got %d", sup.spawn)
	}
}

func TestHandleRunAllowsMatchingAgent(t *testing.T) {
	h, sup := newTestHandler(t, []string{"trusted-agent"})

	var got Response
	h.replyFn(func(r Response) { got = r })
	h.handleRun(context.Background(), Command{RequestID: "r1", AgentURL: "https://example.com/trusted-agent"})

	if got.Type != "session" {
		t.Fatalf("expected session response, got %+v", got)
	}
	if sup.spawn != 1 {
		t.Errorf("expected one sub-agent spawned, got %d", sup.spawn)
	}
}

func TestConcurrentRunDoesNotRaceSessionIDs(t *testing.T) {
	h, sup := newTestHandler(t, nil)

	var mu sync.Mutex
	seen := make(map[string]bool)
	h.replyFn(func(r Response) {
		if r.Type != "session" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		seen[r.SessionID] = true
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.handleRun(context.Background(), Command{RequestID: fmt.Sprintf("r%d", i), AgentURL: "agent"})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Errorf("expected 20 distinct session ids, got %d", len(seen))
	}
	if sup.spawn != 20 {
		t.Errorf("expected 20 spawns, got %d", sup.spawn)
	}
}

func TestOutputRingCapsAt1000Lines(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	entry := &sessionEntry{}
	for i := 0; i < 1500; i++ {
		h.appendOutput(entry, fmt.Sprintf("line-%d", i))
	}
	if len(entry.output) != maxOutputLines {
		t.Fatalf("expected ring capped at %d, got %d", maxOutputLines, len(entry.output))
	}
	if entry.output[len(entry.output)-1] != "line-1499" {
		t.Errorf("expected last line to be the most recent, got %q", entry.output[len(entry.output)-1])
	}
}

func TestHandleMonitorUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	var got Response
	h.replyFn(func(r Response) { got = r })
	h.handleMonitor(Command{RequestID: "r1", SessionID: "does-not-exist"})
	if got.Type != "error" {
		t.Fatalf("expected error for unknown session, got %+v", got)
	}
}

func TestHandleStopRemovesSession(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	var runResp Response
	h.replyFn(func(r Response) { runResp = r })
	h.handleRun(context.Background(), Command{RequestID: "r1", AgentURL: "agent"})
	if runResp.Type != "session" {
		t.Fatalf("setup failed: %+v", runResp)
	}

	var stopResp Response
	h.replyFn(func(r Response) { stopResp = r })
	h.handleStop(context.Background(), Command{RequestID: "r2", SessionID: runResp.SessionID})
	if stopResp.Type != "stopped" {
		t.Fatalf("expected stopped response, got %+v", stopResp)
	}

	h.mu.Lock()
	_, stillThere := h.sessions[runResp.SessionID]
	h.mu.Unlock()
	if stillThere {
		t.Error("expected session to be removed after stop")
	}
}

func TestHandleMessageStreamsUntilDone(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	var runResp Response
	h.replyFn(func(r Response) { runResp = r })
	h.handleRun(context.Background(), Command{RequestID: "r1", AgentURL: "agent"})

	var events []Response
	var mu sync.Mutex
	h.replyFn(func(r Response) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, r)
	})

	done := make(chan struct{})
	go func() {
		h.handleMessage(context.Background(), Command{RequestID: "r2", SessionID: runResp.SessionID, Content: "hello"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleMessage did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected at least one stream_event response")
	}
	last := events[len(events)-1]
	if !last.Done {
		t.Errorf("expected final event to be Done, got %+v", last)
	}
}
