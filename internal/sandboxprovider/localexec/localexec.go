// Package localexec runs sandboxes as bare local processes with no
// container or VM isolation. It exists for tests and as a single-host
// "no isolation" escape hatch — it implements the full
// sandboxprovider.Provider contract (generalized from
// internal/process.Process/Manager) using only os/exec and
// github.com/creack/pty, the same PTY library the teacher's
// internal/container and internal/ws packages use.
package localexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

// Provider creates Sandboxes rooted under a base directory; each
// Sandbox gets its own subdirectory standing in for the sandbox's
// filesystem root. WriteFile and ReadFile resolve paths inside that
// subdirectory; Run and PTYCreate start commands on the host with it
// (or, for PTYCreate with a Cwd, a directory inside it) as working
// directory, so absolute paths inside a command refer to the host
// filesystem.
type Provider struct {
	BaseDir string
}

var _ sandboxprovider.Provider = (*Provider)(nil)

func New(baseDir string) *Provider {
	return &Provider{BaseDir: baseDir}
}

func (p *Provider) Create(ctx context.Context, opts sandboxprovider.CreateOptions) (sandboxprovider.Sandbox, error) {
	root := filepath.Join(p.BaseDir, uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localexec: create sandbox root: %w", err)
	}
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return &Sandbox{
		id:   filepath.Base(root),
		root: root,
		env:  env,
	}, nil
}

// Sandbox is one local-process "sandbox": a directory on the host
// filesystem plus a table of running child processes and PTYs.
type Sandbox struct {
	id   string
	root string
	env  []string

	mu       sync.Mutex
	procs    map[string]*process
	ptys     map[string]*ptyProc
	pidCount int64
}

var _ sandboxprovider.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) resolve(path string) string {
	return filepath.Join(s.root, filepath.Clean("/"+path))
}

func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte, user string) error {
	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("localexec: write file: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("localexec: write file: %w", err)
	}
	return nil
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("localexec: read file: %w", err)
	}
	return data, nil
}

func (s *Sandbox) nextPID() string {
	n := atomic.AddInt64(&s.pidCount, 1)
	return fmt.Sprintf("local-%d", n)
}

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exitCode int
}

func (s *Sandbox) Run(ctx context.Context, opts sandboxprovider.RunOptions) (sandboxprovider.ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", opts.Command)
	cmd.Dir = s.root
	cmd.Env = s.env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("localexec: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("localexec: stderr pipe: %w", err)
	}
	var stdin io.WriteCloser
	if opts.Stdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("localexec: stdin pipe: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("localexec: start: %w", err)
	}

	pid := s.nextPID()
	p := &process{cmd: cmd, stdin: stdin}

	s.mu.Lock()
	if s.procs == nil {
		s.procs = make(map[string]*process)
	}
	s.procs[pid] = p
	s.mu.Unlock()

	return &ProcessHandle{pid: pid, proc: p, stdout: stdout, stderr: stderr}, nil
}

func (s *Sandbox) SendStdin(ctx context.Context, pid string, data []byte) error {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok || p.stdin == nil {
		return fmt.Errorf("localexec: no such process %q accepting stdin", pid)
	}
	_, err := p.stdin.Write(data)
	return err
}

func (s *Sandbox) CloseStdin(ctx context.Context, pid string) error {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok || p.stdin == nil {
		return fmt.Errorf("localexec: no such process %q accepting stdin", pid)
	}
	return p.stdin.Close()
}

// ProcessHandle wraps a running *exec.Cmd.
type ProcessHandle struct {
	pid    string
	proc   *process
	stdout io.Reader
	stderr io.Reader
}

var _ sandboxprovider.ProcessHandle = (*ProcessHandle)(nil)

func (h *ProcessHandle) PID() string { return h.pid }

func (h *ProcessHandle) Wait(ctx context.Context, onStdout, onStderr func([]byte)) error {
	var wg sync.WaitGroup
	pump := func(r io.Reader, cb func([]byte)) {
		defer wg.Done()
		if cb == nil {
			io.Copy(io.Discard, r)
			return
		}
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb(chunk)
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump(h.stdout, onStdout)
	go pump(h.stderr, onStderr)
	wg.Wait()

	err := h.proc.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		h.proc.exitCode = exitErr.ExitCode()
	} else if err == nil {
		h.proc.exitCode = 0
	}
	return err
}

func (h *ProcessHandle) ExitCode() int { return h.proc.exitCode }

// ptyProc is a running pseudo-terminal command.
type ptyProc struct {
	cmd *exec.Cmd
	f   *os.File
}

func (s *Sandbox) PTYCreate(ctx context.Context, opts sandboxprovider.PTYOptions) (sandboxprovider.PTYHandle, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell)
	cmd.Dir = s.root
	if opts.Cwd != "" {
		cmd.Dir = s.resolve(opts.Cwd)
	}
	cmd.Env = s.env

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("localexec: pty start: %w", err)
	}

	pid := s.nextPID()
	pp := &ptyProc{cmd: cmd, f: f}

	s.mu.Lock()
	if s.ptys == nil {
		s.ptys = make(map[string]*ptyProc)
	}
	s.ptys[pid] = pp
	s.mu.Unlock()

	return &PTYHandle{pid: pid, pp: pp}, nil
}

func (s *Sandbox) PTYSendStdin(ctx context.Context, pid string, data []byte) error {
	s.mu.Lock()
	pp, ok := s.ptys[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("localexec: no such pty %q", pid)
	}
	_, err := pp.f.Write(data)
	return err
}

func (s *Sandbox) PTYResize(ctx context.Context, pid string, rows, cols uint16) error {
	s.mu.Lock()
	pp, ok := s.ptys[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("localexec: no such pty %q", pid)
	}
	return pty.Setsize(pp.f, &pty.Winsize{Rows: rows, Cols: cols})
}

// PTYHandle wraps a running pty.
type PTYHandle struct {
	pid string
	pp  *ptyProc
}

var _ sandboxprovider.PTYHandle = (*PTYHandle)(nil)

func (h *PTYHandle) PID() string { return h.pid }

func (h *PTYHandle) Wait(ctx context.Context, onData func([]byte)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.pp.f.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			break
		}
	}
	return h.pp.cmd.Wait()
}

func (s *Sandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	}
	for _, pp := range s.ptys {
		if pp.cmd.Process != nil {
			pp.cmd.Process.Kill()
		}
		pp.f.Close()
	}
	return os.RemoveAll(s.root)
}
