package vault

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAddGetRemoveList(t *testing.T) {
	t.Setenv("AGENTSUPERVISOR_MACHINE_ID", "test-machine")
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.enc")

	v, err := Open(path, "passphrase")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := v.Add("anthropic", "sk-real-abc123", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := v.Get("anthropic", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-real-abc123" {
		t.Errorf("Get = %q, want sk-real-abc123", got)
	}

	entries := v.List()
	if len(entries) != 1 || entries[0].Provider != "anthropic" {
		t.Errorf("List = %+v", entries)
	}
	if entries[0].LastUsedAt.IsZero() {
		t.Error("expected LastUsedAt to be set after Get")
	}

	ok, err := v.Remove("anthropic", "")
	if err != nil || !ok {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	if len(v.List()) != 0 {
		t.Error("expected empty vault after remove")
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Setenv("AGENTSUPERVISOR_MACHINE_ID", "test-machine")
	v, err := Open(filepath.Join(t.TempDir(), "keys.enc"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Get("nope", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReopen_WrongMachineFailsDecryption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.enc")

	t.Setenv("AGENTSUPERVISOR_MACHINE_ID", "machine-a")
	v1, err := Open(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := v1.Add("openai", "sk-secret", ""); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTSUPERVISOR_MACHINE_ID", "machine-b")
	v2, err := Open(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Get("openai", ""); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed across machines, got %v", err)
	}
}

func TestEnvMap(t *testing.T) {
	t.Setenv("AGENTSUPERVISOR_MACHINE_ID", "test-machine")
	v, err := Open(filepath.Join(t.TempDir(), "keys.enc"), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Add("anthropic", "sk-real", ""); err != nil {
		t.Fatal(err)
	}
	envs, err := v.EnvMap([]string{"anthropic", "openai"})
	if err != nil {
		t.Fatal(err)
	}
	if envs["ANTHROPIC_API_KEY"] != "sk-real" {
		t.Errorf("envs = %+v", envs)
	}
	if _, ok := envs["OPENAI_API_KEY"]; ok {
		t.Error("expected no entry for missing provider")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Error("expected equal strings to match")
	}
	if ConstantTimeEqual("abc", "abd") {
		t.Error("expected different strings to not match")
	}
	if ConstantTimeEqual("abc", "abcd") {
		t.Error("expected different-length strings to not match")
	}
}
