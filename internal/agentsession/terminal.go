package agentsession

import (
	"context"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

// TerminalSession is the PTY-passthrough sibling of Session: it
// forwards raw bytes in both directions instead of speaking the
// duplex JSON protocol, but still participates in state snapshot and
// proxy teardown on shutdown, per spec.md §4.6.
type TerminalSession struct {
	base

	pty sandboxprovider.PTYHandle
	pid string

	output   chan []byte
	readerWG chan struct{}
}

// NewTerminal wraps an already-started PTYHandle.
func NewTerminal(sbx sandboxprovider.Sandbox, pty sandboxprovider.PTYHandle, cfg TeardownConfig) *TerminalSession {
	t := &TerminalSession{
		base:     base{sbx: sbx, cfg: cfg},
		pty:      pty,
		pid:      pty.PID(),
		output:   make(chan []byte, 256),
		readerWG: make(chan struct{}),
	}
	t.alive.Store(true)
	go t.readLoop()
	return t
}

func (t *TerminalSession) readLoop() {
	defer close(t.readerWG)
	err := t.pty.Wait(context.Background(), func(chunk []byte) {
		cp := append([]byte(nil), chunk...)
		select {
		case t.output <- cp:
		default:
		}
	})
	t.alive.Store(false)
	_ = err
	close(t.output)
}

// Output returns the channel of raw bytes read from the pty. Closed
// when the pty exits.
func (t *TerminalSession) Output() <-chan []byte {
	return t.output
}

// Write forwards raw input bytes to the pty.
func (t *TerminalSession) Write(ctx context.Context, data []byte) error {
	return t.base.sbx.PTYSendStdin(ctx, t.pid, data)
}

// Resize changes the pty's terminal size.
func (t *TerminalSession) Resize(ctx context.Context, rows, cols uint16) error {
	return t.base.sbx.PTYResize(ctx, t.pid, rows, cols)
}

// Shutdown runs spec.md §4.6's shutdown sequence; the pty itself has
// no analogous "shutdown" message, so sandbox destroy alone reaps it.
func (t *TerminalSession) Shutdown(ctx context.Context) error {
	return t.teardown(ctx, nil)
}
