package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentsupervisor/agentsupervisor/internal/manifest"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider/localexec"
	"github.com/agentsupervisor/agentsupervisor/internal/vault"
)

func writeBundle(t *testing.T, runCommand string) string {
	t.Helper()
	dir := t.TempDir()
	manifestYAML := `
name: echo-agent
runtime:
  run_command: "` + runCommand + `"
`
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func TestStartHappyPath(t *testing.T) {
	ctx := context.Background()
	bundleDir := writeBundle(t, `echo '{"type":"ready"}'; while read -r l; do :; done`)

	sup := &Supervisor{Provider: localexec.New(t.TempDir())}

	var statuses []string
	sess, err := sup.Start(ctx, StartOptions{
		BundleDir:   bundleDir,
		StateDir:    filepath.Join(t.TempDir(), "state"),
		SessionName: "t1",
		OnStatus:    func(s string) { statuses = append(statuses, s) },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Shutdown(context.Background())

	if len(statuses) == 0 {
		t.Error("expected status callbacks")
	}
	if !sess.IsAlive() {
		t.Error("expected session alive after Start")
	}
}

func TestStartFailsWithoutRunCommand(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	manifestYAML := "name: no-run\nruntime: {}\n"
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	sup := &Supervisor{Provider: localexec.New(t.TempDir())}
	_, err := sup.Start(ctx, StartOptions{BundleDir: dir, StateDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for manifest with no run_command")
	}
}

func TestComputeNetworkPolicyUnrestricted(t *testing.T) {
	m := &manifest.Manifest{Permissions: manifest.Permissions{NetworkUnrestricted: true}}
	p := computeNetworkPolicy(m)
	if !p.Unrestricted {
		t.Error("expected unrestricted policy")
	}
}

func TestComputeNetworkPolicyRestricted(t *testing.T) {
	m := &manifest.Manifest{
		Permissions: manifest.Permissions{
			Network: []manifest.NetworkPermission{{Domain: "example.com"}},
		},
	}
	p := computeNetworkPolicy(m)
	if p.Unrestricted {
		t.Error("expected restricted policy")
	}
	if len(p.DenyOutCIDRs) == 0 {
		t.Error("expected a deny-all CIDR")
	}
	found := false
	for _, d := range p.AllowOutFQDNs {
		if d == "example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected example.com in allowlist, got %v", p.AllowOutFQDNs)
	}
}

func TestHardenAbortsWhenKeysRequiredAndHidepidFails(t *testing.T) {
	ctx := context.Background()
	p := localexec.New(t.TempDir())
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "harden-test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sbx.Kill(ctx)

	// localexec has no real mount namespace, so the hidepid remount
	// always fails; with hasKeys=true that failure must abort.
	if err := harden(ctx, sbx, true); err == nil {
		t.Error("expected harden to abort when keys are required and hidepid remount fails")
	}
}

func TestHardenToleratesHidepidFailureWithoutKeys(t *testing.T) {
	ctx := context.Background()
	p := localexec.New(t.TempDir())
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "harden-test-2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sbx.Kill(ctx)

	if err := harden(ctx, sbx, false); err != nil {
		t.Errorf("expected harden to tolerate hidepid failure without key requirements, got %v", err)
	}
}

func TestEnvPrefixEscapesSingleQuotes(t *testing.T) {
	env := agentEnv{"API_KEY": "it's-a-secret"}
	prefix := envPrefix(env)
	want := `API_KEY='it'\''s-a-secret' `
	if prefix != want {
		t.Errorf("envPrefix = %q, want %q", prefix, want)
	}
}

func TestUploadBundleCopiesFiles(t *testing.T) {
	ctx := context.Background()
	bundleDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(bundleDir, "main.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(bundleDir, "lib"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "lib", "util.py"), []byte("x=1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := localexec.New(t.TempDir())
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "upload-test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sbx.Kill(ctx)

	if err := uploadBundle(ctx, sbx, bundleDir, "/workspace"); err != nil {
		t.Fatalf("uploadBundle: %v", err)
	}

	data, err := sbx.ReadFile(ctx, "/workspace/main.py")
	if err != nil || string(data) != "print('hi')" {
		t.Errorf("main.py not uploaded correctly: %v %q", err, data)
	}
	data, err = sbx.ReadFile(ctx, "/workspace/lib/util.py")
	if err != nil || string(data) != "x=1" {
		t.Errorf("lib/util.py not uploaded correctly: %v %q", err, data)
	}
}

func TestRandomHexTokenLength(t *testing.T) {
	tok, err := randomHexToken(16)
	if err != nil {
		t.Fatalf("randomHexToken: %v", err)
	}
	if len(tok) != 32 {
		t.Errorf("expected 32 hex chars for 16 bytes, got %d", len(tok))
	}
}

func TestStartCredentialProxyExcludesPassthroughFromRoutes(t *testing.T) {
	ctx := context.Background()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.json"), "test-passphrase")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if err := v.Add("customthing", "real-secret-value", ""); err != nil {
		t.Fatalf("vault add: %v", err)
	}

	sup := &Supervisor{Vault: v}
	m := &manifest.Manifest{
		Keys: []manifest.KeyRequirement{
			{Provider: "customthing", EnvVar: "CUSTOMTHING_API_KEY", Passthrough: true},
		},
	}

	p := localexec.New(t.TempDir())
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "credproxy-test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sbx.Kill(ctx)

	pid, env, err := sup.startCredentialProxy(ctx, sbx, m)
	if err != nil {
		t.Fatalf("startCredentialProxy: %v", err)
	}
	if pid != "" {
		t.Errorf("expected no credential-proxy process for an all-passthrough manifest, got pid %q", pid)
	}
	if env["CUSTOMTHING_API_KEY"] != "real-secret-value" {
		t.Errorf("expected passthrough key's real value inline, got %q", env["CUSTOMTHING_API_KEY"])
	}
}

func TestStartCredentialProxySkipsOptionalUnresolvedKeys(t *testing.T) {
	ctx := context.Background()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.json"), "test-passphrase")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	sup := &Supervisor{Vault: v}
	m := &manifest.Manifest{
		Keys: []manifest.KeyRequirement{
			{Provider: "optional-provider", Required: false},
		},
	}

	p := localexec.New(t.TempDir())
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "credproxy-test-2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sbx.Kill(ctx)

	pid, env, err := sup.startCredentialProxy(ctx, sbx, m)
	if err != nil {
		t.Fatalf("startCredentialProxy: %v", err)
	}
	if pid != "" {
		t.Errorf("expected no process started, got pid %q", pid)
	}
	if len(env) != 0 {
		t.Errorf("expected empty env for an unresolved optional key, got %v", env)
	}
}

func TestStartCredentialProxyFailsOnMissingRequiredKey(t *testing.T) {
	ctx := context.Background()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.json"), "test-passphrase")
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	sup := &Supervisor{Vault: v}
	m := &manifest.Manifest{
		Keys: []manifest.KeyRequirement{
			{Provider: "missing-provider", Required: true},
		},
	}

	p := localexec.New(t.TempDir())
	sbx, err := p.Create(ctx, sandboxprovider.CreateOptions{Name: "credproxy-test-3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sbx.Kill(ctx)

	if _, _, err := sup.startCredentialProxy(ctx, sbx, m); err == nil {
		t.Error("expected error when a required key has no vault entry")
	}
}

func TestStartDestroysSandboxOnSetupFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	manifestYAML := `
name: bad-setup
runtime:
  setup_command: "exit 1"
  run_command: "echo '{\"type\":\"ready\"}'"
`
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	baseDir := t.TempDir()
	sup := &Supervisor{Provider: localexec.New(baseDir)}
	_, err := sup.Start(ctx, StartOptions{BundleDir: dir, StateDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected setup command failure to propagate")
	}
	if entries, _ := os.ReadDir(baseDir); len(entries) != 0 {
		t.Errorf("expected the sandbox to be destroyed after setup failure, %d sandbox dir(s) remain", len(entries))
	}
}
