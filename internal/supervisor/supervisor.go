// Package supervisor implements spec.md §4.5: the end-to-end session
// start sequence (provision, network-policy, upload, restore, harden,
// credential proxy, delegation proxy, setup command, agent process)
// and its mirrored shutdown. internal/sandboxprovider.Provider is the
// external collaborator; two concrete providers ship
// (dockerprovider, k8sprovider) plus localexec for tests and
// single-host use.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/agentsession"
	"github.com/agentsupervisor/agentsupervisor/internal/auditlog"
	"github.com/agentsupervisor/agentsupervisor/internal/delegation"
	"github.com/agentsupervisor/agentsupervisor/internal/manifest"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/vault"
)

const (
	rootUser  = "root"
	agentUser = "user"

	// workspaceDir anchors the state-snapshot allowlist: bundle code lands
	// in workspace, data/output/state are the other persisted
	// subdirectories. Grounded on internal/statesnapshot's root-relative
	// tar (`-C /`).
	workspaceDir = "/workspace"

	// credProxyBinPath / delegateProxyBinPath are where the sandbox
	// template image is expected to ship the proxy binaries this repo
	// builds as cmd/sandboxcredproxy and cmd/sandboxdelegate. Baking
	// them into the template image (rather than uploading a compiled
	// binary from the host on every session start) mirrors the
	// teacher's own "sandbox template already has the tooling it needs"
	// assumption for its base images.
	credProxyBinPath     = "/usr/local/bin/agentsupervisor-credproxy"
	delegateProxyBinPath = "/usr/local/bin/agentsupervisor-delegate"

	defaultSetupTimeout = 10 * time.Minute
	defaultReadyTimeout = 20 * time.Minute
	credProxyReadyWait  = 30 * time.Second
	delegateReadyWait   = 30 * time.Second
)

// Supervisor drives one sandboxed agent session end to end.
type Supervisor struct {
	Provider   sandboxprovider.Provider
	Vault      *vault.Vault
	Resolver   delegation.BundleResolver
	Prompter   delegation.CredentialPrompter
	Discoverer delegation.Discoverer

	// MaxSnapshotBytes overrides statesnapshot.DefaultMaxSnapshotBytes
	// when non-zero.
	MaxSnapshotBytes int64

	// AuditLog records session lifecycle events when non-nil. Optional:
	// a nil AuditLog makes every Record call a no-op.
	AuditLog *auditlog.Log
}

// StartOptions configures one top-level (non-delegated) session.
type StartOptions struct {
	BundleDir   string
	StateDir    string
	SessionName string
	OnStatus    func(status string)
}

// Start runs spec.md §4.5 end to end and returns a ready Agent
// Session. Every failure before the agent process starts destroys the
// sandbox before returning.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (*agentsession.Session, error) {
	m, err := manifest.Load(opts.BundleDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load manifest: %w", err)
	}
	return s.startWithManifest(ctx, m, opts.BundleDir, opts.StateDir, opts.SessionName, opts.OnStatus)
}

// RunAgent implements delegation.Supervisor, letting the Delegation
// Handler spawn nested sessions through the exact same path Start
// uses.
func (s *Supervisor) RunAgent(ctx context.Context, req delegation.RunAgentRequest) (delegation.NestedSession, error) {
	m, err := manifest.Load(req.BundleDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load sub-agent manifest: %w", err)
	}
	sessionName := "sub-" + m.Name
	return s.startWithManifest(ctx, m, req.BundleDir, req.StateDir, sessionName, req.OnStatus)
}

func (s *Supervisor) startWithManifest(ctx context.Context, m *manifest.Manifest, bundleDir, stateDir, sessionName string, onStatus func(string)) (*agentsession.Session, error) {
	status := func(msg string) {
		if onStatus != nil {
			onStatus(msg)
		}
	}

	// Step 1: provision with an allowlisted env subset and the
	// computed network policy.
	status("Provisioning sandbox")
	policy := computeNetworkPolicy(m)
	sbx, err := s.Provider.Create(ctx, sandboxprovider.CreateOptions{
		Name:          m.Name + "-" + sessionName,
		Template:      sandboxTemplate(m),
		Env:           provisioningEnv(),
		NetworkPolicy: policy,
		MaxMemoryMB:   m.Runtime.Resources.MaxMemoryMB,
		MaxCPU:        m.Runtime.Resources.MaxCPU,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: create sandbox: %w", err)
	}
	s.AuditLog.Record(ctx, sessionName, m.Name, auditlog.EventSessionCreated, nil)

	// Every failure from here on must destroy the sandbox before
	// returning; handedOff tracks whether we got far enough to hand the
	// sandbox off to an AgentSession for its own idempotent teardown.
	var handedOff bool
	defer func() {
		if !handedOff {
			sbx.Kill(context.Background())
		}
	}()

	// Step 3: upload the agent bundle.
	status("Uploading agent bundle")
	if err := uploadBundle(ctx, sbx, bundleDir, workspaceDir); err != nil {
		return nil, fmt.Errorf("supervisor: upload bundle: %w", err)
	}

	// Step 4: restore state, if any exists.
	if err := s.restoreState(ctx, sbx, stateDir); err != nil {
		return nil, fmt.Errorf("supervisor: restore state: %w", err)
	}

	// Step 5: harden.
	status("Hardening sandbox")
	if err := harden(ctx, sbx, len(m.Keys) > 0); err != nil {
		return nil, fmt.Errorf("supervisor: harden sandbox: %w", err)
	}

	// Step 6: start the credential proxy.
	status("Starting credential proxy")
	credProxyPID, proxyEnv, err := s.startCredentialProxy(ctx, sbx, m)
	if err != nil {
		return nil, fmt.Errorf("supervisor: start credential proxy: %w", err)
	}

	// Step 7: start the delegation proxy, if enabled.
	var handler *delegation.Handler
	if m.Permissions.Delegation.Enabled {
		status("Starting delegation proxy")
		handler, err = s.startDelegationProxy(ctx, sbx, m, stateDir)
		if err != nil {
			return nil, fmt.Errorf("supervisor: start delegation proxy: %w", err)
		}
	}

	// Step 8: run the setup command.
	if m.Runtime.SetupCommand != "" {
		status("Running setup command")
		if err := runSetupCommand(ctx, sbx, m.Runtime.SetupCommand); err != nil {
			s.AuditLog.Record(ctx, sessionName, m.Name, auditlog.EventSetupCommandFailed, map[string]string{"error": err.Error()})
			return nil, fmt.Errorf("supervisor: setup command: %w", err)
		}
	}

	// Step 9: start the agent process.
	status("Starting agent")
	runCmd := m.Runtime.RunCommand
	if runCmd == "" {
		return nil, fmt.Errorf("supervisor: manifest has no run_command (entry_point runtimes not yet supported)")
	}
	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{
		Command: envPrefix(proxyEnv) + runCmd,
		User:    agentUser,
		Stdin:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: start agent process: %w", err)
	}

	maxBytes := s.MaxSnapshotBytes
	sess := agentsession.New(sbx, proc, agentsession.TeardownConfig{
		StateDir:          stateDir,
		AllowDirs:         manifest.StateAllowDirs,
		MaxSnapshotBytes:  maxBytes,
		AuditLog:          s.AuditLog,
		SessionID:         sessionName,
		AgentName:         m.Name,
		DelegationHandler: handler,
		CredProxyPID:      credProxyPID,
	})

	// sess now owns the sandbox and destroys it through its own
	// idempotent teardown; the defer above must not destroy it again.
	handedOff = true

	if err := sess.WaitReady(defaultReadyTimeout); err != nil {
		sess.Shutdown(context.Background())
		return nil, fmt.Errorf("supervisor: agent did not become ready: %w", err)
	}
	s.AuditLog.Record(ctx, sessionName, m.Name, auditlog.EventSessionReady, nil)

	return sess, nil
}

func randomHexToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func sandboxTemplate(m *manifest.Manifest) string {
	if m.Runtime.SandboxTemplate != "" {
		return m.Runtime.SandboxTemplate
	}
	return manifest.DefaultSandboxTemplate
}
