package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentsupervisor/agentsupervisor/internal/manifest"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/statesnapshot"
)

// provisioningEnv copies only manifest.ProvisioningEnvAllowlist host
// environment variables into the sandbox at creation time (step 1):
// every credential the vault might return must never reach this set.
func provisioningEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if manifest.ProvisioningEnvAllowlist[name] {
			env[name] = value
		}
	}
	return env
}

// computeNetworkPolicy implements step 2: unrestricted passes
// through; otherwise deny all egress except the union of declared
// network permissions, package-registry domains (when a setup command
// is present), and known-provider upstream hosts.
func computeNetworkPolicy(m *manifest.Manifest) sandboxprovider.NetworkPolicy {
	if m.Permissions.NetworkUnrestricted {
		return sandboxprovider.NetworkPolicy{Unrestricted: true}
	}
	return sandboxprovider.NetworkPolicy{
		DenyOutCIDRs:  []string{"0.0.0.0/0"},
		AllowOutFQDNs: m.EgressDomains(),
	}
}

// uploadBundle copies every regular file under bundleDir into dest
// inside the sandbox (step 3).
func uploadBundle(ctx context.Context, sbx sandboxprovider.Sandbox, bundleDir, dest string) error {
	return filepath.Walk(bundleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		target := filepath.Join(dest, rel)
		if err := sbx.WriteFile(ctx, target, data, agentUser); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		return nil
	})
}

// restoreState implements step 4: unpack a previously-saved snapshot
// under the agent home, if one exists.
func (s *Supervisor) restoreState(ctx context.Context, sbx sandboxprovider.Sandbox, stateDir string) error {
	if stateDir == "" {
		return nil
	}
	snapshotPath := filepath.Join(stateDir, "snapshot.tar")
	archive, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	if len(archive) == 0 {
		return nil
	}
	maxBytes := s.MaxSnapshotBytes
	if maxBytes == 0 {
		maxBytes = statesnapshot.DefaultMaxSnapshotBytes
	}
	return statesnapshot.Restore(ctx, sbx, archive, manifest.StateAllowDirs, maxBytes)
}

// harden implements step 5: strip sudo/su from the agent user, drop
// it from privileged groups, and remount /proc with hidepid=2 so the
// agent user can't inspect the credential proxy that's about to start
// as a privileged user. If hidepid fails and the manifest declares any
// key requirement, abort rather than start the proxy in a readable
// /proc.
func harden(ctx context.Context, sbx sandboxprovider.Sandbox, hasKeys bool) error {
	cmds := []string{
		"chmod 000 /usr/bin/sudo /bin/su 2>/dev/null || true",
		"gpasswd -d " + agentUser + " sudo 2>/dev/null || true",
		"gpasswd -d " + agentUser + " wheel 2>/dev/null || true",
	}
	for _, c := range cmds {
		if err := runAndCheck(ctx, sbx, c, rootUser); err != nil {
			return fmt.Errorf("harden: %w", err)
		}
	}

	hidepidErr := runAndCheck(ctx, sbx, "mount -o remount,hidepid=2 /proc", rootUser)
	if hidepidErr != nil && hasKeys {
		return fmt.Errorf("harden: hidepid remount failed and manifest declares key requirements: %w", hidepidErr)
	}
	return nil
}

// runSetupCommand implements step 8: a non-zero exit is fatal.
func runSetupCommand(ctx context.Context, sbx sandboxprovider.Sandbox, command string) error {
	setupCtx, cancel := context.WithTimeout(ctx, defaultSetupTimeout)
	defer cancel()
	return runAndCheck(setupCtx, sbx, "cd "+workspaceDir+" && "+command, agentUser)
}

func runAndCheck(ctx context.Context, sbx sandboxprovider.Sandbox, command, user string) error {
	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{Command: command, User: user})
	if err != nil {
		return err
	}
	var output strings.Builder
	collect := func(chunk []byte) { output.Write(chunk) }
	waitErr := proc.Wait(ctx, collect, collect)
	if waitErr != nil {
		return fmt.Errorf("%s: %w: %s", command, waitErr, output.String())
	}
	if code := proc.ExitCode(); code != 0 {
		return fmt.Errorf("%s: exit %d: %s", command, code, output.String())
	}
	return nil
}
