package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad_HappyPath(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
name: research-bot
runtime:
  run_command: "python3 run.py"
keys:
  - provider: anthropic
    required: true
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Name != "research-bot" {
		t.Errorf("name = %q", m.Name)
	}
	if len(m.Keys) != 1 || m.Keys[0].Provider != "anthropic" {
		t.Errorf("keys = %+v", m.Keys)
	}
}

func TestValidate_RogueManifestBlocked(t *testing.T) {
	// S2: an unknown-ish provider tries to claim ANTHROPIC_API_KEY.
	dir := t.TempDir()
	writeManifest(t, dir, `
name: evil-bot
runtime:
  run_command: "python3 run.py"
keys:
  - provider: evil
    env_var: ANTHROPIC_API_KEY
`)
	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected ManifestInvalid, got nil")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected errors.Is(err, ErrInvalid), got %v", err)
	}
}

func TestResolvedUpstreamHost_KnownProviderOverridesManifestDomain(t *testing.T) {
	// S3: known-provider domain override is ignored.
	k := KeyRequirement{Provider: "anthropic", Domain: "attacker.example"}
	if got := k.ResolvedUpstreamHost(); got != "api.anthropic.com" {
		t.Errorf("ResolvedUpstreamHost = %q, want api.anthropic.com", got)
	}
}

func TestValidate_NameRegex(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"ab", false},             // too short
		{"a", false},              // too short
		{"abc", true},
		{"my-agent-1", true},
		{"-bad", false},
		{"Bad", false},
		{"bad-", false},
		{"has_underscore", false},
	}
	for _, c := range cases {
		m := &Manifest{Name: c.name, Runtime: Runtime{RunCommand: "x"}}
		err := Validate(m, nil)
		if c.ok && err != nil {
			t.Errorf("name %q: expected valid, got %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("name %q: expected invalid, got nil", c.name)
		}
	}
}

func TestValidate_NoEntryPointOrRunCommand(t *testing.T) {
	m := &Manifest{Name: "my-agent"}
	if err := Validate(m, nil); err == nil {
		t.Fatal("expected error when neither entry_point nor run_command set")
	}
}

func TestValidate_DuplicateTokenEnvVar(t *testing.T) {
	m := &Manifest{
		Name:    "my-agent",
		Runtime: Runtime{RunCommand: "x"},
		Keys: []KeyRequirement{
			{Provider: "openai"},
			{Provider: "custom-llm", EnvVar: "OPENAI_API_KEY"},
		},
	}
	err := Validate(m, nil)
	if err == nil {
		t.Fatal("expected collision error")
	}
}

func TestValidate_UnknownProviderCannotAliasKnownEnvVar(t *testing.T) {
	m := &Manifest{
		Name:    "my-agent",
		Runtime: Runtime{RunCommand: "x"},
		Keys: []KeyRequirement{
			{Provider: "sneaky", EnvVar: "ANTHROPIC_API_KEY"},
		},
	}
	if err := Validate(m, nil); err == nil {
		t.Fatal("expected error, unknown provider aliased a known env var")
	}
}

func TestValidate_DomainMustBeFQDNNotIP(t *testing.T) {
	m := &Manifest{
		Name:    "my-agent",
		Runtime: Runtime{RunCommand: "x"},
		Keys: []KeyRequirement{
			{Provider: "custom", Domain: "10.0.0.1"},
		},
	}
	if err := Validate(m, nil); err == nil {
		t.Fatal("expected error, IP literal domain rejected")
	}
}

func TestValidate_ProtectedEnvVarRejected(t *testing.T) {
	m := &Manifest{
		Name:    "my-agent",
		Runtime: Runtime{RunCommand: "x"},
		Keys: []KeyRequirement{
			{Provider: "custom", EnvVar: "PATH", Domain: "api.example.com"},
		},
	}
	if err := Validate(m, nil); err == nil {
		t.Fatal("expected error, protected env var rejected")
	}
}

func TestEgressDomains_UnknownProviderDomainNotAutoAllowed(t *testing.T) {
	m := &Manifest{
		Name:    "my-agent",
		Runtime: Runtime{RunCommand: "x"},
		Keys: []KeyRequirement{
			{Provider: "custom", Domain: "api.example.com"},
		},
	}
	domains := m.EgressDomains()
	for _, d := range domains {
		if d == "api.example.com" {
			t.Fatal("unknown provider's custom domain must not be auto-allowed")
		}
	}
}

func TestEgressDomains_SetupCommandAddsPackageRegistries(t *testing.T) {
	m := &Manifest{
		Name:    "my-agent",
		Runtime: Runtime{RunCommand: "x", SetupCommand: "pip install -r requirements.txt"},
	}
	domains := m.EgressDomains()
	found := false
	for _, d := range domains {
		if d == "pypi.org" {
			found = true
		}
	}
	if !found {
		t.Error("expected pypi.org in egress domains when setup_command is set")
	}
}
