package agentsession

import (
	"context"
	"testing"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider/localexec"
)

func newTestSandbox(t *testing.T) sandboxprovider.Sandbox {
	t.Helper()
	p := localexec.New(t.TempDir())
	sbx, err := p.Create(context.Background(), sandboxprovider.CreateOptions{Name: "agent"})
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	t.Cleanup(func() { sbx.Kill(context.Background()) })
	return sbx
}

// echoAgentScript reads newline-delimited JSON commands from stdin and
// echoes a ready line immediately, then a response for every message.
const echoAgentScript = `
echo '{"type":"ready"}'
while IFS= read -r line; do
  case "$line" in
    *'"type":"shutdown"'*) exit 0 ;;
    *'"type":"message"'*) echo '{"type":"response","content":"echo","done":true}' ;;
  esac
done
`

func TestSessionReadyMessageShutdown(t *testing.T) {
	ctx := context.Background()
	sbx := newTestSandbox(t)

	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{Command: echoAgentScript, Stdin: true})
	if err != nil {
		t.Fatalf("run agent script: %v", err)
	}

	s := New(sbx, proc, TeardownConfig{})
	if err := s.WaitReady(5 * time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	if err := s.SendMessage(ctx, "hello", "m1"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	event, err := s.Receive(recvCtx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if event.Type != "response" || event.Content != "echo" || !event.Done {
		t.Errorf("unexpected event: %+v", event)
	}

	if !s.IsAlive() {
		t.Error("expected session to still be alive before shutdown")
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSessionDropsNonJSONLines(t *testing.T) {
	ctx := context.Background()
	sbx := newTestSandbox(t)

	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{
		Command: `echo 'not json'; echo '{"type":"ready"}'`,
		Stdin:   true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	s := New(sbx, proc, TeardownConfig{})
	if err := s.WaitReady(5 * time.Second); err != nil {
		t.Fatalf("WaitReady should skip the non-JSON line: %v", err)
	}
	s.Shutdown(ctx)
}
