package localexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

func TestCreateRunAndReadWriteFile(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()

	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "test-agent"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sbx.Kill(ctx)

	if err := sbx.WriteFile(ctx, "/workspace/hello.txt", []byte("hi there"), "user"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := sbx.ReadFile(ctx, "/workspace/hello.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hi there" {
		t.Errorf("ReadFile = %q, want %q", data, "hi there")
	}

	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{Command: "echo out123; echo err456 1>&2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var stdout, stderr strings.Builder
	if err := proc.Wait(ctx, func(b []byte) { stdout.Write(b) }, func(b []byte) { stderr.Write(b) }); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !strings.Contains(stdout.String(), "out123") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "err456") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if proc.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", proc.ExitCode())
	}
}

func TestRunNonZeroExit(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "exit-test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sbx.Kill(ctx)

	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{Command: "exit 7"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	proc.Wait(ctx, nil, nil)
	if proc.ExitCode() != 7 {
		t.Errorf("exit code = %d, want 7", proc.ExitCode())
	}
}

func TestStdin(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "stdin-test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sbx.Kill(ctx)

	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{Command: "read line; echo got:$line", Stdin: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := sbx.SendStdin(ctx, proc.PID(), []byte("hello\n")); err != nil {
		t.Fatalf("SendStdin: %v", err)
	}

	var out strings.Builder
	done := make(chan error, 1)
	go func() { done <- proc.Wait(ctx, func(b []byte) { out.Write(b) }, nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process")
	}
	if !strings.Contains(out.String(), "got:hello") {
		t.Errorf("stdout = %q", out.String())
	}
}
