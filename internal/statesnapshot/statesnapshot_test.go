package statesnapshot

import (
	"context"
	"testing"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider/localexec"
)

var allowDirs = []string{"workspace", "data", "output", "state"}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := localexec.New(t.TempDir())

	src, err := p.Create(ctx, sandboxCreateOpts("source"))
	if err != nil {
		t.Fatalf("Create source sandbox: %v", err)
	}
	defer src.Kill(ctx)

	if err := src.WriteFile(ctx, "/workspace/notes.txt", []byte("persisted state"), "user"); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := src.WriteFile(ctx, "/tmp/scratch.txt", []byte("should not be captured"), "user"); err != nil {
		t.Fatalf("seed scratch file: %v", err)
	}

	archive, err := Create(ctx, src, allowDirs, DefaultMaxSnapshotBytes)
	if err != nil {
		t.Fatalf("Create snapshot: %v", err)
	}
	if len(archive) == 0 {
		t.Fatal("expected non-empty archive")
	}

	dst, err := p.Create(ctx, sandboxCreateOpts("dest"))
	if err != nil {
		t.Fatalf("Create dest sandbox: %v", err)
	}
	defer dst.Kill(ctx)

	if err := Restore(ctx, dst, archive, allowDirs, DefaultMaxSnapshotBytes); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	data, err := dst.ReadFile(ctx, "/workspace/notes.txt")
	if err != nil {
		t.Fatalf("ReadFile after restore: %v", err)
	}
	if string(data) != "persisted state" {
		t.Errorf("restored content = %q", data)
	}

	if _, err := dst.ReadFile(ctx, "/tmp/scratch.txt"); err == nil {
		t.Error("expected /tmp/scratch.txt to be excluded from the snapshot")
	}
}

func TestSanitizeRejectsPathTraversal(t *testing.T) {
	malicious := buildTar(map[string]string{
		"workspace/ok.txt":          "fine",
		"../../etc/passwd":          "pwned",
		"workspace/../../etc/hosts": "also pwned",
	})

	clean, err := sanitize(malicious, allowDirs, DefaultMaxSnapshotBytes)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	names := tarNames(t, clean)
	if len(names) != 1 || names[0] != "workspace/ok.txt" {
		t.Errorf("sanitize kept %v, want only workspace/ok.txt", names)
	}
}
