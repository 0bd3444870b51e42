// Package k8sprovider backs sandboxprovider.Provider with
// sigs.k8s.io/agent-sandbox Sandbox custom resources. It is grounded
// on internal/sandbox/manager.go's Sandbox-CR lifecycle (VolumeClaimTemplates,
// a fix-perms init container, waitForReady polling on the CR's Ready
// condition) and internal/sandbox/exec.go's remotecommand exec
// bridging (io.Pipe-backed stdin/stdout, a WebSocket-with-SPDY-fallback
// executor via remotecommand.NewFallbackExecutor, and a
// terminalSizeQueue implementing remotecommand.TerminalSizeQueue for
// live PTY resize).
package k8sprovider

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

const (
	labelManagedBy       = "managed-by"
	labelValue            = "agentsupervisor"
	sandboxContainerName = "agent"
	pollInterval         = 2 * time.Second
	pollTimeout          = 5 * time.Minute
)

// Config configures the k8s-backed provider.
type Config struct {
	Namespace          string
	TemplateImages     map[string]string
	DefaultImage       string
	SessionStorageSize string // e.g. "10Gi"
	StorageClassName   string
	RuntimeClassName   string
}

func (c Config) imageFor(template string) string {
	if img, ok := c.TemplateImages[template]; ok && img != "" {
		return img
	}
	return c.DefaultImage
}

// Provider creates sigs.k8s.io/agent-sandbox-backed sandboxes.
type Provider struct {
	cfg       Config
	restCfg   *rest.Config
	k8s       client.Client
	clientset kubernetes.Interface
}

var _ sandboxprovider.Provider = (*Provider)(nil)

func New(cfg Config, restCfg *rest.Config, k8s client.Client, clientset kubernetes.Interface) *Provider {
	return &Provider{cfg: cfg, restCfg: restCfg, k8s: k8s, clientset: clientset}
}

func (p *Provider) Create(ctx context.Context, opts sandboxprovider.CreateOptions) (sandboxprovider.Sandbox, error) {
	ns := p.cfg.Namespace
	sandboxName := "agent-sandbox-" + shortID(opts.Name)

	containerEnv := make([]corev1.EnvVar, 0, len(opts.Env)+1)
	containerEnv = append(containerEnv, corev1.EnvVar{Name: "TERM", Value: "xterm-256color"})
	for k, v := range opts.Env {
		containerEnv = append(containerEnv, corev1.EnvVar{Name: k, Value: v})
	}

	memBytes := int64(opts.MaxMemoryMB) * 1024 * 1024
	if memBytes == 0 {
		memBytes = 2 * 1024 * 1024 * 1024
	}
	cpuMillis := opts.MaxCPU * 1000
	if cpuMillis == 0 {
		cpuMillis = 2000
	}

	storageSize := resource.MustParse(p.cfg.SessionStorageSize)
	vcts := []sandboxv1alpha1.PersistentVolumeClaimTemplate{{
		EmbeddedObjectMetadata: sandboxv1alpha1.EmbeddedObjectMetadata{Name: "session-data"},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: storageSize},
			},
		},
	}}
	if p.cfg.StorageClassName != "" {
		vcts[0].Spec.StorageClassName = &p.cfg.StorageClassName
	}

	initContainers := []corev1.Container{{
		Name:    "fix-perms",
		Image:   p.cfg.imageFor(opts.Template),
		Command: []string{"sh", "-c", "mkdir -p /mnt/session-data/workspace /mnt/session-data/data /mnt/session-data/output /mnt/session-data/state && chown -R 1000:1000 /mnt/session-data"},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "session-data", MountPath: "/mnt/session-data"},
		},
		SecurityContext: &corev1.SecurityContext{RunAsUser: int64Ptr(0)},
	}}

	var runtimeClass *string
	if p.cfg.RuntimeClassName != "" {
		runtimeClass = &p.cfg.RuntimeClassName
	}

	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sandboxName,
			Namespace: ns,
			Labels:    map[string]string{labelManagedBy: labelValue},
		},
		Spec: sandboxv1alpha1.SandboxSpec{
			VolumeClaimTemplates: vcts,
			PodTemplate: sandboxv1alpha1.PodTemplate{
				ObjectMeta: sandboxv1alpha1.PodMetadata{
					Labels: map[string]string{labelManagedBy: labelValue},
				},
				Spec: corev1.PodSpec{
					InitContainers: initContainers,
					Containers: []corev1.Container{{
						Name:    sandboxContainerName,
						Image:   p.cfg.imageFor(opts.Template),
						Command: []string{"sleep", "infinity"},
						Env:     containerEnv,
						VolumeMounts: []corev1.VolumeMount{
							{Name: "session-data", MountPath: "/home/agent"},
						},
						SecurityContext: &corev1.SecurityContext{
							Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
							AllowPrivilegeEscalation: boolPtr(false),
						},
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: memoryQuantity(memBytes),
								corev1.ResourceCPU:    cpuQuantity(int(cpuMillis)),
							},
						},
					}},
					RuntimeClassName: runtimeClass,
					RestartPolicy:    corev1.RestartPolicyNever,
				},
			},
		},
	}

	if !opts.NetworkPolicy.Unrestricted {
		// Marks the pod as restricted. No NetworkPolicy is applied here;
		// netpolicy.ApplyK8s, which no code in this module calls, selects
		// pods by the managed-by label, not by this one.
		sb.Spec.PodTemplate.ObjectMeta.Labels["network-policy"] = "restricted"
	}

	if err := p.k8s.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("k8sprovider: create sandbox CR: %w", err)
	}

	podName, err := p.waitForReady(ctx, ns, sandboxName)
	if err != nil {
		_ = p.k8s.Delete(ctx, sb)
		return nil, fmt.Errorf("k8sprovider: sandbox not ready: %w", err)
	}

	return &Sandbox{
		restCfg:     p.restCfg,
		clientset:   p.clientset,
		k8s:         p.k8s,
		namespace:   ns,
		sandboxName: sandboxName,
		podName:     podName,
		procs:       make(map[string]*ProcessHandle),
		ptys:        make(map[string]*PTYHandle),
	}, nil
}

func (p *Provider) waitForReady(ctx context.Context, namespace, sandboxName string) (string, error) {
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		var sb sandboxv1alpha1.Sandbox
		if err := p.k8s.Get(ctx, client.ObjectKey{Namespace: namespace, Name: sandboxName}, &sb); err == nil {
			if isSandboxReady(&sb) && sb.Status.PodName != "" {
				return sb.Status.PodName, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return "", fmt.Errorf("timed out waiting for sandbox %s/%s to become ready", namespace, sandboxName)
}

func isSandboxReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("%x", h.Sum32())
}

func int64Ptr(i int64) *int64 { return &i }
func boolPtr(b bool) *bool    { return &b }

func cpuQuantity(millis int) resource.Quantity {
	return *resource.NewMilliQuantity(int64(millis), resource.DecimalSI)
}

func memoryQuantity(bytes int64) resource.Quantity {
	return *resource.NewQuantity(bytes, resource.BinarySI)
}

// Sandbox is one running agent-sandbox Pod.
type Sandbox struct {
	restCfg     *rest.Config
	clientset   kubernetes.Interface
	k8s         client.Client
	namespace   string
	sandboxName string
	podName     string

	mu       sync.Mutex
	procs    map[string]*ProcessHandle
	ptys     map[string]*PTYHandle
	pidCount int64
}

var _ sandboxprovider.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.sandboxName }

func (s *Sandbox) nextPID() string {
	s.pidCount++
	return fmt.Sprintf("k8s-%d", s.pidCount)
}

// WriteFile pipes data to `cat > path` via a non-TTY remotecommand
// exec, since agent-sandbox Pods have no kubectl-cp-equivalent API
// exposed in client-go beyond exec.
func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte, user string) error {
	executor, err := s.createExecutor([]string{"/bin/sh", "-c", "cat > " + shellQuote(path)}, false)
	if err != nil {
		return fmt.Errorf("k8sprovider: write file: %w", err)
	}
	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  bytes.NewReader(data),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("k8sprovider: write file: %w: %s", err, stderr.String())
	}
	return nil
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	executor, err := s.createExecutor([]string{"/bin/cat", path}, false)
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: read file: %w", err)
	}
	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: read file: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (s *Sandbox) createExecutor(command []string, tty bool) (remotecommand.Executor, error) {
	req := s.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(s.podName).
		Namespace(s.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: sandboxContainerName,
			Command:   command,
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
			TTY:       tty,
		}, scheme.ParameterCodec)

	wsExec, err := remotecommand.NewWebSocketExecutor(s.restCfg, http.MethodPost, req.URL().String())
	if err != nil {
		return nil, err
	}
	spdyExec, err := remotecommand.NewSPDYExecutor(s.restCfg, http.MethodPost, req.URL())
	if err != nil {
		return nil, err
	}
	return remotecommand.NewFallbackExecutor(wsExec, spdyExec, func(err error) bool { return true })
}

// ProcessHandle bridges a client-go remotecommand stream to
// sandboxprovider.ProcessHandle via io.Pipe, mirroring exec.go's
// execProcess.
type ProcessHandle struct {
	pid     string
	stdinW  *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
	streamErr error
}

var _ sandboxprovider.ProcessHandle = (*processReader)(nil)

func (s *Sandbox) Run(ctx context.Context, opts sandboxprovider.RunOptions) (sandboxprovider.ProcessHandle, error) {
	executor, err := s.createExecutor([]string{"/bin/sh", "-c", opts.Command}, false)
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: exec: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	runCtx, cancel := context.WithCancel(ctx)

	pid := s.nextPID()
	h := &ProcessHandle{pid: pid, stdinW: stdinW, done: make(chan struct{}), cancel: cancel}

	s.mu.Lock()
	s.procs[pid] = h
	s.mu.Unlock()

	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		err := executor.StreamWithContext(runCtx, remotecommand.StreamOptions{
			Stdin:  stdinR,
			Stdout: stdoutW,
			Stderr: stderrW,
			Tty:    false,
		})
		h.streamErr = err
		h.once.Do(func() { close(h.done) })
	}()

	return &processReader{handle: h, stdoutR: stdoutR, stderrR: stderrR}, nil
}

// processReader adapts ProcessHandle's Wait to read from the two
// stdout/stderr pipes concurrently.
type processReader struct {
	handle  *ProcessHandle
	stdoutR *io.PipeReader
	stderrR *io.PipeReader
}

func (h *processReader) PID() string { return h.handle.pid }

func (h *processReader) Wait(ctx context.Context, onStdout, onStderr func([]byte)) error {
	var wg sync.WaitGroup
	pump := func(r io.Reader, cb func([]byte)) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 && cb != nil {
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
	go pump(h.stdoutR, onStdout)
	go pump(h.stderrR, onStderr)
	wg.Wait()
	<-h.handle.done
	return h.handle.streamErr
}

func (h *processReader) ExitCode() int {
	if h.handle.streamErr != nil {
		return 1
	}
	return 0
}

func (s *Sandbox) SendStdin(ctx context.Context, pid string, data []byte) error {
	s.mu.Lock()
	h, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("k8sprovider: no such process %q", pid)
	}
	_, err := h.stdinW.Write(data)
	return err
}

func (s *Sandbox) CloseStdin(ctx context.Context, pid string) error {
	s.mu.Lock()
	h, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("k8sprovider: no such process %q", pid)
	}
	return h.stdinW.Close()
}

// PTYHandle bridges a TTY remotecommand stream with live resize
// support via a terminalSizeQueue.
type PTYHandle struct {
	pid    string
	stdinW *io.PipeWriter
	sizeQ  *terminalSizeQueue
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
	stdoutR *io.PipeReader
	err    error
}

var _ sandboxprovider.PTYHandle = (*PTYHandle)(nil)

// terminalSizeQueue implements remotecommand.TerminalSizeQueue.
type terminalSizeQueue struct {
	ch chan *remotecommand.TerminalSize
}

func (q *terminalSizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return size
}

func (s *Sandbox) PTYCreate(ctx context.Context, opts sandboxprovider.PTYOptions) (sandboxprovider.PTYHandle, error) {
	cmd := []string{"/bin/sh"}
	if opts.Cwd != "" {
		cmd = []string{"/bin/sh", "-c", "cd " + shellQuote(opts.Cwd) + " && exec /bin/sh"}
	}
	executor, err := s.createExecutor(cmd, true)
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: pty exec: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	runCtx, cancel := context.WithCancel(ctx)

	pid := s.nextPID()
	h := &PTYHandle{
		pid:    pid,
		stdinW: stdinW,
		sizeQ:  &terminalSizeQueue{ch: make(chan *remotecommand.TerminalSize, 1)},
		done:   make(chan struct{}),
		cancel: cancel,
		stdoutR: stdoutR,
	}
	h.sizeQ.ch <- &remotecommand.TerminalSize{Width: opts.Cols, Height: opts.Rows}

	s.mu.Lock()
	s.ptys[pid] = h
	s.mu.Unlock()

	go func() {
		defer stdoutW.Close()
		err := executor.StreamWithContext(runCtx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: h.sizeQ,
		})
		h.err = err
		h.once.Do(func() { close(h.done) })
	}()

	return h, nil
}

func (h *PTYHandle) PID() string { return h.pid }

func (h *PTYHandle) Wait(ctx context.Context, onData func([]byte)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.stdoutR.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			break
		}
	}
	<-h.done
	return h.err
}

func (s *Sandbox) PTYSendStdin(ctx context.Context, pid string, data []byte) error {
	s.mu.Lock()
	h, ok := s.ptys[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("k8sprovider: no such pty %q", pid)
	}
	_, err := h.stdinW.Write(data)
	return err
}

func (s *Sandbox) PTYResize(ctx context.Context, pid string, rows, cols uint16) error {
	s.mu.Lock()
	h, ok := s.ptys[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("k8sprovider: no such pty %q", pid)
	}
	select {
	case h.sizeQ.ch <- &remotecommand.TerminalSize{Width: cols, Height: rows}:
	default:
	}
	return nil
}

func (s *Sandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	for _, h := range s.procs {
		h.cancel()
	}
	for _, h := range s.ptys {
		h.cancel()
	}
	s.mu.Unlock()

	var sb sandboxv1alpha1.Sandbox
	if err := s.k8s.Get(ctx, client.ObjectKey{Namespace: s.namespace, Name: s.sandboxName}, &sb); err != nil {
		return nil
	}
	return s.k8s.Delete(ctx, &sb)
}

func shellQuote(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
		} else {
			out += string(r)
		}
	}
	return out + "'"
}
