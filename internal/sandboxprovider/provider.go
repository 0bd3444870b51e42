// Package sandboxprovider defines the external sandbox-provider contract
// (spec.md §6) that internal/supervisor drives: create a sandbox, write
// and read files in it, run commands (including interactive PTYs), send
// standard input to a running command, and kill the sandbox outright.
//
// The supervisor never talks to a concrete backend directly — it only
// ever holds a Provider, so the same orchestration logic in
// internal/supervisor runs unchanged against internal/sandboxprovider/dockerprovider
// (local Docker), internal/sandboxprovider/k8sprovider (the
// sigs.k8s.io/agent-sandbox CRD), or internal/sandboxprovider/localexec
// (bare local processes, used by tests and a single-host "no isolation"
// escape hatch). Generalized from internal/process.Process/Manager's
// Read/Write/Resize/Done shape, widened to the richer multi-command,
// multi-user, file-transfer contract spec.md's external collaborator
// actually needs.
package sandboxprovider

import (
	"context"
	"time"
)

// NetworkPolicy mirrors spec.md §6's {deny_out, allow_out} shape. An empty
// (zero-value, Unrestricted false, both lists empty) policy denies all
// egress; Unrestricted bypasses policy entirely.
type NetworkPolicy struct {
	Unrestricted bool
	DenyOutCIDRs []string
	AllowOutFQDNs []string
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	// Name is a human-readable identifier (agent name + session name);
	// providers may use it to derive the underlying resource name.
	Name string
	// Template selects the provider-specific base image/template.
	Template string
	// Env is the allowlisted set of host environment variables copied
	// into the sandbox at creation time (spec.md §4.5 step 1). Callers
	// must have already filtered this to manifest.ProvisioningEnvAllowlist —
	// the provider does not filter it again.
	Env           map[string]string
	NetworkPolicy NetworkPolicy
	Timeout       time.Duration
	MaxMemoryMB   int
	MaxCPU        int
}

// RunOptions configures one command execution inside a sandbox.
type RunOptions struct {
	Command    string
	User       string // "root" or "user"
	Background bool
	Stdin      bool
	Timeout    time.Duration // not applied by any provider here; commands run until they exit or the sandbox is killed
}

// PTYOptions configures a pseudo-terminal.
type PTYOptions struct {
	Rows, Cols uint16
	User       string
	Cwd        string
	Timeout    time.Duration
}

// ProcessHandle is a running (or finished) command inside a sandbox.
type ProcessHandle interface {
	PID() string
	// Wait blocks until the process exits, invoking onStdout/onStderr
	// for each chunk of output as it arrives. Either callback may be nil.
	Wait(ctx context.Context, onStdout, onStderr func(chunk []byte)) error
	ExitCode() int
}

// PTYHandle is a running pseudo-terminal inside a sandbox.
type PTYHandle interface {
	PID() string
	Wait(ctx context.Context, onData func(chunk []byte)) error
}

// Sandbox is one provisioned, running sandbox instance.
type Sandbox interface {
	ID() string

	WriteFile(ctx context.Context, path string, data []byte, user string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)

	Run(ctx context.Context, opts RunOptions) (ProcessHandle, error)
	SendStdin(ctx context.Context, pid string, data []byte) error
	// CloseStdin signals end-of-input to a running process (e.g. so a
	// `tar -x` reading from stdin knows the archive is complete).
	CloseStdin(ctx context.Context, pid string) error

	PTYCreate(ctx context.Context, opts PTYOptions) (PTYHandle, error)
	PTYSendStdin(ctx context.Context, pid string, data []byte) error
	PTYResize(ctx context.Context, pid string, rows, cols uint16) error

	// Kill forcibly destroys the sandbox. Idempotent.
	Kill(ctx context.Context) error
}

// Provider creates sandboxes. Each concrete implementation (dockerprovider,
// k8sprovider, localexec) wraps a different external collaborator.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (Sandbox, error)
}
