package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/delegation"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

// line is one decoded JSON object from the agent's standard output or
// one we write to its standard input. Field set is delegation.Event's
// plus message_id, so conversion to an Event is a straight field copy.
type line struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Tool        string `json:"tool,omitempty"`
	Description string `json:"description,omitempty"`
	Done        bool   `json:"done,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Session wraps one running agent process in a duplex line-delimited
// JSON conversation over its stdio, per spec.md §4.6.
type Session struct {
	base

	proc sandboxprovider.ProcessHandle
	pid  string

	incoming chan line
	stderr   *ringBuffer
	readerWG chan struct{}
}

// New starts reading proc's stdout/stderr and returns a Session
// wrapping it. proc must already be running (the supervisor has
// already called sbx.Run with the agent's run command).
func New(sbx sandboxprovider.Sandbox, proc sandboxprovider.ProcessHandle, cfg TeardownConfig) *Session {
	s := &Session{
		base:     base{sbx: sbx, cfg: cfg},
		proc:     proc,
		pid:      proc.PID(),
		incoming: make(chan line, 256),
		stderr:   newRingBuffer(defaultStderrBufferSize),
		readerWG: make(chan struct{}),
	}
	s.alive.Store(true)
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.readerWG)
	var buf strings.Builder
	err := s.proc.Wait(context.Background(),
		func(chunk []byte) { s.onStdout(&buf, chunk) },
		func(chunk []byte) { s.stderr.Write(chunk) },
	)
	s.alive.Store(false)
	if err != nil {
		s.stderr.Write([]byte(fmt.Sprintf("\n[process exited: %v]\n", err)))
	}
	close(s.incoming)
}

func (s *Session) onStdout(buf *strings.Builder, chunk []byte) {
	buf.Write(chunk)
	for {
		text := buf.String()
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		raw := strings.TrimSpace(text[:idx])
		buf.Reset()
		buf.WriteString(text[idx+1:])
		if raw == "" {
			continue
		}
		var l line
		// Non-JSON lines (stderr noise on stdout, early logs) are
		// silently dropped, per spec.md §4.6.
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		select {
		case s.incoming <- l:
		default:
			// Incoming queue full: drop rather than block the reader
			// and stall the child's stdout pipe.
		}
	}
}

// SendMessage writes one {"type":"message", content, message_id} line
// to the agent's standard input.
func (s *Session) SendMessage(ctx context.Context, content, messageID string) error {
	return s.writeLine(ctx, line{Type: "message", Content: content, MessageID: messageID})
}

func (s *Session) writeLine(ctx context.Context, l line) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("agentsession: encode line: %w", err)
	}
	data = append(data, '\n')
	return s.sbx.SendStdin(ctx, s.pid, data)
}

// Receive returns the next incoming event, blocking until one arrives,
// ctx is done, or the session ends.
func (s *Session) Receive(ctx context.Context) (delegation.Event, error) {
	select {
	case l, ok := <-s.incoming:
		if !ok {
			return delegation.Event{}, fmt.Errorf("agentsession: session closed")
		}
		return delegation.Event{
			Type: l.Type, Tool: l.Tool, Description: l.Description,
			Content: l.Content, Done: l.Done, Error: l.Error,
		}, nil
	case <-ctx.Done():
		return delegation.Event{}, ctx.Err()
	}
}

// WaitReady blocks until a {"type":"ready"} line is observed,
// discarding any preceding lines, or timeout elapses.
func (s *Session) WaitReady(timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case l, ok := <-s.incoming:
			if !ok {
				return fmt.Errorf("agentsession: process exited before ready")
			}
			if l.Type == "ready" {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("agentsession: timed out waiting for ready")
		}
	}
}

// Stderr returns accumulated standard-error text for diagnostics.
func (s *Session) Stderr() string {
	return s.stderr.String()
}

// Shutdown runs spec.md §4.6's idempotent shutdown sequence: stop
// delegation, signal the agent and join its reader, snapshot state,
// kill the credential proxy, destroy the sandbox.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.teardown(ctx, s.shutdownChild)
}

func (s *Session) shutdownChild(ctx context.Context) error {
	if !s.IsAlive() {
		return nil
	}
	if err := s.writeLine(ctx, line{Type: "shutdown"}); err != nil {
		return fmt.Errorf("send shutdown: %w", err)
	}
	select {
	case <-s.readerWG:
	case <-time.After(10 * time.Second):
	}
	return nil
}
