// Package agentsession implements spec.md §4.6: the Agent Session, a
// duplex line-delimited JSON conversation wrapped around one running
// agent process's standard streams, and its Terminal Session sibling,
// which binds a pseudo-terminal instead. Grounded on
// internal/session.Store/RingBuffer (cli-server) for the
// output-buffering shape and internal/ws/terminal.go's
// reader-goroutine-plus-done-channel shape for the PTY variant.
package agentsession

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/auditlog"
	"github.com/agentsupervisor/agentsupervisor/internal/delegation"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/statesnapshot"
)

// killTimeout bounds how long we wait to deliver a privileged kill to
// the in-sandbox credential proxy before moving on to sandbox destroy
// regardless.
const killTimeout = 10 * time.Second

// TeardownConfig carries everything the shutdown sequence of spec.md
// §4.6 needs beyond the running child itself: where to snapshot state,
// whether a delegation handler needs shutting down first, and whether
// a credential proxy process needs killing before the sandbox goes
// away.
type TeardownConfig struct {
	StateDir          string
	AllowDirs         []string
	MaxSnapshotBytes  int64
	DelegationHandler *delegation.Handler
	CredProxyPID      string

	// AuditLog, SessionID, and AgentName are optional: when AuditLog is
	// non-nil, teardown records one EventSessionShutdown event.
	AuditLog  *auditlog.Log
	SessionID string
	AgentName string
}

// base is embedded by Session and TerminalSession; it holds the
// fields and the common tail of the shutdown sequence both share.
type base struct {
	sbx sandboxprovider.Sandbox
	cfg TeardownConfig

	alive atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// IsAlive reports whether the wrapped process has not yet exited.
func (b *base) IsAlive() bool {
	return b.alive.Load()
}

// teardown runs steps 1 and 3-5 of spec.md §4.6's shutdown sequence:
// delegation handler shutdown + mapping save, state snapshot, proxy
// kill, sandbox destroy. killChild runs step 2 (session-type-specific:
// JSON sessions send a shutdown message and join the reader; terminal
// sessions have no analogous message and just let sandbox destroy
// reap the pty).
func (b *base) teardown(ctx context.Context, killChild func(ctx context.Context) error) error {
	var err error
	b.shutdownOnce.Do(func() {
		if b.cfg.DelegationHandler != nil {
			b.cfg.DelegationHandler.Shutdown(ctx)
			if saveErr := b.cfg.DelegationHandler.SaveSessionMapping(b.cfg.StateDir); saveErr != nil {
				log.Printf("agentsession: save delegation mapping: %v", saveErr)
			}
		}

		if killChild != nil {
			if killErr := killChild(ctx); killErr != nil {
				log.Printf("agentsession: shutdown child: %v", killErr)
			}
		}

		if b.cfg.StateDir != "" && len(b.cfg.AllowDirs) > 0 {
			if snapErr := b.snapshot(ctx); snapErr != nil {
				log.Printf("agentsession: state snapshot: %v", snapErr)
			}
		}

		if b.cfg.CredProxyPID != "" {
			killCtx, cancel := context.WithTimeout(ctx, killTimeout)
			if _, killErr := b.sbx.Run(killCtx, sandboxprovider.RunOptions{
				Command: fmt.Sprintf("kill -9 %s", b.cfg.CredProxyPID),
				User:    "root",
			}); killErr != nil {
				log.Printf("agentsession: kill credential proxy: %v", killErr)
			}
			cancel()
		}

		err = b.sbx.Kill(ctx)
		b.cfg.AuditLog.Record(ctx, b.cfg.SessionID, b.cfg.AgentName, auditlog.EventSessionShutdown, nil)
	})
	return err
}

func (b *base) snapshot(ctx context.Context) error {
	maxBytes := b.cfg.MaxSnapshotBytes
	if maxBytes == 0 {
		maxBytes = statesnapshot.DefaultMaxSnapshotBytes
	}
	archive, err := statesnapshot.Create(ctx, b.sbx, b.cfg.AllowDirs, maxBytes)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := os.MkdirAll(b.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	return os.WriteFile(filepath.Join(b.cfg.StateDir, "snapshot.tar"), archive, 0o644)
}
