// Package machineid resolves a stable, host-bound identifier used to derive
// the credential vault's encryption key.
package machineid

import (
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// Env overrides the detected machine id. Set for tests or to pin a vault to
// a value that survives a host reinstall.
const Env = "AGENTSUPERVISOR_MACHINE_ID"

// Get returns a stable identifier for the current host. It prefers an
// explicit override, then the OS-reported host id (DMI product UUID on
// Linux, IOPlatformUUID on macOS, MachineGuid on Windows — gopsutil picks
// the right source per platform), falling back to the hostname if neither
// is available so vault creation never hard-fails on an unusual host.
func Get() (string, error) {
	if v := os.Getenv(Env); v != "" {
		return v, nil
	}

	info, err := host.Info()
	if err == nil && info.HostID != "" {
		return strings.TrimSpace(info.HostID), nil
	}

	hostname, hErr := os.Hostname()
	if hErr != nil || hostname == "" {
		if err != nil {
			return "", fmt.Errorf("resolve machine id: %w", err)
		}
		return "", fmt.Errorf("resolve machine id: %w", hErr)
	}
	return "hostname:" + hostname, nil
}
