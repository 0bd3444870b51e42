// Package dockerprovider backs sandboxprovider.Provider with local
// Docker containers. It is grounded on internal/container/manager.go's
// Docker client wiring (client.NewClientWithOpts with API version
// negotiation, CapDrop:["ALL"]+SecurityOpt:["no-new-privileges"]
// hardening on ContainerCreate, orphan cleanup by managed-by label, and
// `docker exec -it`-via-creack/pty for interactive commands), widened
// to the richer multi-command, file-transfer contract spec.md's
// supervisor needs: ContainerExecCreate/Attach for non-interactive
// Run, and archive/tar plus CopyToContainer/CopyFromContainer for
// WriteFile/ReadFile.
package dockerprovider

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

const labelManagedBy = "managed-by"
const labelValue = "agentsupervisor"

// Config configures the Docker-backed provider.
type Config struct {
	// Image is used when a manifest's runtime.sandbox_template doesn't
	// map to a more specific image; callers typically pass one image per
	// known template name via TemplateImages.
	Image          string
	TemplateImages map[string]string
	NetworkMode    string
	MemoryLimitMB  int64
	NanoCPUs       int64
	PidsLimit      int64
}

func (c Config) imageFor(template string) string {
	if img, ok := c.TemplateImages[template]; ok && img != "" {
		return img
	}
	return c.Image
}

// Provider creates Docker-container-backed sandboxes.
type Provider struct {
	cfg Config
	cli *client.Client
}

var _ sandboxprovider.Provider = (*Provider)(nil)

// New dials the local Docker daemon, negotiating API versions the same
// way the teacher's container.NewManager does, and cleans up any
// containers orphaned by a previous crashed supervisor process.
func New(cfg Config) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerprovider: docker client: %w", err)
	}
	ctx := context.Background()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("dockerprovider: docker ping: %w", err)
	}
	p := &Provider{cfg: cfg, cli: cli}
	p.cleanOrphans(ctx)
	return p, nil
}

func (p *Provider) cleanOrphans(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		log.Printf("dockerprovider: list orphan containers: %v", err)
		return
	}
	for _, c := range containers {
		log.Printf("dockerprovider: cleaning orphan container %s", c.ID[:12])
		p.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
		p.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

// Close releases the Docker client.
func (p *Provider) Close() error { return p.cli.Close() }

func (p *Provider) Create(ctx context.Context, opts sandboxprovider.CreateOptions) (sandboxprovider.Sandbox, error) {
	containerName := "agent-sandbox-" + sanitizeName(opts.Name)

	containerEnv := make([]string, 0, len(opts.Env)+1)
	containerEnv = append(containerEnv, "TERM=xterm-256color")
	for k, v := range opts.Env {
		containerEnv = append(containerEnv, k+"="+v)
	}

	memBytes := int64(opts.MaxMemoryMB) * 1024 * 1024
	if memBytes == 0 {
		memBytes = p.cfg.MemoryLimitMB * 1024 * 1024
	}
	nanoCPUs := p.cfg.NanoCPUs
	if opts.MaxCPU > 0 {
		nanoCPUs = int64(opts.MaxCPU) * 1_000_000_000
	}
	pidsLimit := p.cfg.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = 512
	}

	netMode := p.cfg.NetworkMode
	if opts.NetworkPolicy.Unrestricted {
		netMode = "bridge"
	} else if netMode == "" {
		netMode = "none" // egress mediated entirely by the credential/delegation proxies
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      p.cfg.imageFor(opts.Template),
			Env:        containerEnv,
			Labels:     map[string]string{labelManagedBy: labelValue},
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: "/workspace",
		},
		&container.HostConfig{
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			NetworkMode: container.NetworkMode(netMode),
			Resources: container.Resources{
				Memory:    memBytes,
				NanoCPUs:  nanoCPUs,
				PidsLimit: &pidsLimit,
			},
		},
		nil, nil, containerName,
	)
	if err != nil {
		return nil, fmt.Errorf("dockerprovider: container create: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("dockerprovider: container start: %w", err)
	}

	return &Sandbox{
		cli:         p.cli,
		containerID: resp.ID,
		execs:       make(map[string]*execProc),
		ptys:        make(map[string]*ptyProc),
	}, nil
}

func sanitizeName(name string) string {
	name = strings.ToLower(name)
	b := strings.Builder{}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Sandbox is one running Docker container.
type Sandbox struct {
	cli         *client.Client
	containerID string

	mu       sync.Mutex
	execs    map[string]*execProc
	ptys     map[string]*ptyProc
	pidCount int64
}

var _ sandboxprovider.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.containerID }

func (s *Sandbox) nextPID() string {
	n := atomic.AddInt64(&s.pidCount, 1)
	return fmt.Sprintf("docker-%d", n)
}

// WriteFile uploads a single-file tar archive via CopyToContainer,
// the same mechanism `docker cp` uses.
func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte, user string) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: base, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("dockerprovider: write file: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("dockerprovider: write file: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("dockerprovider: write file: %w", err)
	}

	if _, err := s.runAndWait(ctx, "root", fmt.Sprintf("mkdir -p %s", shellQuote(dir))); err != nil {
		return fmt.Errorf("dockerprovider: write file: mkdir: %w", err)
	}

	return s.cli.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{})
}

// ReadFile downloads a single file via CopyFromContainer and unpacks
// the resulting tar stream.
func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := s.cli.CopyFromContainer(ctx, s.containerID, path)
	if err != nil {
		return nil, fmt.Errorf("dockerprovider: read file: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("dockerprovider: read file: %w", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("dockerprovider: read file: %w", err)
	}
	return data, nil
}

// runAndWait execs a one-shot command and waits for its output/exit,
// used internally for small housekeeping commands like mkdir.
func (s *Sandbox) runAndWait(ctx context.Context, user, command string) (string, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	}
	execID, err := s.cli.ContainerExecCreate(ctx, s.containerID, execCfg)
	if err != nil {
		return "", err
	}
	resp, err := s.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", err
	}
	defer resp.Close()
	out, err := io.ReadAll(resp.Reader)
	return string(out), err
}

type execProc struct {
	execID string
	conn   io.Closer
}

// Run execs a (typically non-interactive) command inside the
// container via the Docker exec API.
func (s *Sandbox) Run(ctx context.Context, opts sandboxprovider.RunOptions) (sandboxprovider.ProcessHandle, error) {
	user := opts.User
	if user == "" {
		user = "user"
	}
	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", opts.Command},
		User:         user,
		AttachStdin:  opts.Stdin,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	created, err := s.cli.ContainerExecCreate(ctx, s.containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("dockerprovider: exec create: %w", err)
	}
	resp, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		return nil, fmt.Errorf("dockerprovider: exec attach: %w", err)
	}

	pid := s.nextPID()
	ep := &execProc{execID: created.ID, conn: resp.Conn}

	s.mu.Lock()
	s.execs[pid] = ep
	s.mu.Unlock()

	return &ProcessHandle{
		pid:  pid,
		sbx:  s,
		conn: resp.Conn,
		rd:   resp.Reader,
	}, nil
}

func (s *Sandbox) SendStdin(ctx context.Context, pid string, data []byte) error {
	s.mu.Lock()
	ep, ok := s.execs[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dockerprovider: no such exec %q", pid)
	}
	if wc, ok := ep.conn.(io.Writer); ok {
		_, err := wc.Write(data)
		return err
	}
	return fmt.Errorf("dockerprovider: exec %q does not accept stdin", pid)
}

// CloseStdin half-closes the hijacked connection's write side so an
// in-sandbox reader (e.g. `tar -x`) sees end-of-input, without tearing
// down the read side that still carries stdout/stderr.
func (s *Sandbox) CloseStdin(ctx context.Context, pid string) error {
	s.mu.Lock()
	ep, ok := s.execs[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dockerprovider: no such exec %q", pid)
	}
	if cw, ok := ep.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return ep.conn.Close()
}

// ProcessHandle wraps an attached Docker exec stream. Docker's
// stdout/stderr are multiplexed on the same hijacked connection when
// Tty is false, using the standard 8-byte stream-header framing;
// demuxDockerStream demultiplexes it.
type ProcessHandle struct {
	pid  string
	sbx  *Sandbox
	conn io.Closer
	rd   io.Reader

	exitCode int
}

var _ sandboxprovider.ProcessHandle = (*ProcessHandle)(nil)

func (h *ProcessHandle) PID() string { return h.pid }

func (h *ProcessHandle) Wait(ctx context.Context, onStdout, onStderr func([]byte)) error {
	defer h.conn.Close()
	if err := demuxDockerStream(h.rd, onStdout, onStderr); err != nil && err != io.EOF {
		return err
	}

	inspect, err := h.sbx.cli.ContainerExecInspect(ctx, h.pid2exec())
	if err != nil {
		return fmt.Errorf("dockerprovider: exec inspect: %w", err)
	}
	h.exitCode = inspect.ExitCode
	return nil
}

func (h *ProcessHandle) pid2exec() string {
	h.sbx.mu.Lock()
	defer h.sbx.mu.Unlock()
	return h.sbx.execs[h.pid].execID
}

func (h *ProcessHandle) ExitCode() int { return h.exitCode }

// demuxDockerStream splits Docker's multiplexed exec stream (an 8-byte
// header — [stream type][3 zero bytes][4-byte big-endian length] —
// followed by that many payload bytes) into stdout/stderr callbacks.
func demuxDockerStream(r io.Reader, onStdout, onStderr func([]byte)) error {
	hdr := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		size := int(hdr[4])<<24 | int(hdr[5])<<16 | int(hdr[6])<<8 | int(hdr[7])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		switch hdr[0] {
		case 2:
			if onStderr != nil {
				onStderr(payload)
			}
		default:
			if onStdout != nil {
				onStdout(payload)
			}
		}
	}
}

// ptyProc runs an interactive command via `docker exec -it` spawned as
// a host subprocess and wired to a real PTY, exactly as
// internal/container.Manager.Start does.
type ptyProc struct {
	cmd     *exec.Cmd
	ptyFile *os.File
}

func (s *Sandbox) PTYCreate(ctx context.Context, opts sandboxprovider.PTYOptions) (sandboxprovider.PTYHandle, error) {
	user := opts.User
	if user == "" {
		user = "user"
	}
	args := []string{"exec", "-it", "-u", user}
	if opts.Cwd != "" {
		args = append(args, "-w", opts.Cwd)
	}
	args = append(args, s.containerID, "/bin/sh")
	cmd := exec.Command("docker", args...)

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("dockerprovider: pty start: %w", err)
	}

	pid := s.nextPID()
	pp := &ptyProc{cmd: cmd, ptyFile: ptyFile}

	s.mu.Lock()
	s.ptys[pid] = pp
	s.mu.Unlock()

	return &PTYHandle{pid: pid, pp: pp}, nil
}

func (s *Sandbox) PTYSendStdin(ctx context.Context, pid string, data []byte) error {
	s.mu.Lock()
	pp, ok := s.ptys[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dockerprovider: no such pty %q", pid)
	}
	_, err := pp.ptyFile.Write(data)
	return err
}

func (s *Sandbox) PTYResize(ctx context.Context, pid string, rows, cols uint16) error {
	s.mu.Lock()
	pp, ok := s.ptys[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dockerprovider: no such pty %q", pid)
	}
	return pty.Setsize(pp.ptyFile, &pty.Winsize{Rows: rows, Cols: cols})
}

// PTYHandle wraps a host-side `docker exec -it` subprocess's PTY file.
type PTYHandle struct {
	pid string
	pp  *ptyProc
}

var _ sandboxprovider.PTYHandle = (*PTYHandle)(nil)

func (h *PTYHandle) PID() string { return h.pid }

func (h *PTYHandle) Wait(ctx context.Context, onData func([]byte)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.pp.ptyFile.Read(buf)
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
	for _, pp := range s.ptys {
		pp.ptyFile.Close()
		if pp.cmd.Process != nil {
			pp.cmd.Process.Kill()
		}
	}
	s.mu.Unlock()

	if err := s.cli.ContainerStop(ctx, s.containerID, container.StopOptions{}); err != nil {
		log.Printf("dockerprovider: stop container %s: %v", s.containerID[:12], err)
	}
	return s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
}

// shellQuote wraps a path in single quotes for use in a `/bin/sh -c`
// argument, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
