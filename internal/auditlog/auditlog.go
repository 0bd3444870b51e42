// Package auditlog records session lifecycle events (created, ready,
// shutdown, credential-proxy route denied, delegation denied) to
// Postgres for later review. It is purely additive observability: a
// Supervisor runs correctly with a nil *Log, and Record, the only
// method called during a session lifecycle, treats its own failures as
// log-and-continue rather than propagating them into the caller.
// ForSession and Close return their errors.
//
// Adapted from internal/db's migration-embed pattern (cli-server),
// narrowed from that package's full multi-tenant schema down to one
// append-only events table.
package auditlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Log wraps a *sql.DB open against a Postgres audit database.
type Log struct {
	db *sql.DB
}

// Open connects to databaseURL and applies any pending migrations.
func Open(databaseURL string) (*Log, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	l := &Log{db: sqlDB}
	if err := l.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS audit_schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		var exists bool
		if err := l.db.QueryRow("SELECT EXISTS(SELECT 1 FROM audit_schema_migrations WHERE version = $1)", name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO audit_schema_migrations (version) VALUES ($1)", name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// EventType names the fixed set of lifecycle events. Supervisor and
// agentsession record the session and setup-command events;
// EventProxyRouteDenied and EventDelegationDenied are not recorded by
// any caller in this module.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSessionReady       EventType = "session_ready"
	EventSessionShutdown    EventType = "session_shutdown"
	EventProxyRouteDenied   EventType = "proxy_route_denied"
	EventDelegationDenied   EventType = "delegation_denied"
	EventSetupCommandFailed EventType = "setup_command_failed"
)

// Record inserts one audit event. detail is marshaled to JSONB; pass
// nil when there's nothing beyond the event type itself. Failures are
// logged, not returned: a broken audit database must never take down
// an agent session.
func (l *Log) Record(ctx context.Context, sessionID, agentName string, eventType EventType, detail any) {
	if l == nil {
		return
	}
	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			log.Printf("auditlog: marshal detail for %s: %v", eventType, err)
			return
		}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (session_id, agent_name, event_type, detail) VALUES ($1, $2, $3, $4)`,
		sessionID, agentName, string(eventType), detailJSON,
	)
	if err != nil {
		log.Printf("auditlog: record %s for session %s: %v", eventType, sessionID, err)
	}
}

// Event is one row read back from the audit trail.
type Event struct {
	ID         int64
	SessionID  string
	AgentName  string
	EventType  string
	Detail     sql.NullString
	OccurredAt string
}

// ForSession returns every recorded event for sessionID, oldest first.
func (l *Log) ForSession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, agent_name, event_type, detail::text, occurred_at::text
		 FROM audit_events WHERE session_id = $1 ORDER BY occurred_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query session events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentName, &e.EventType, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("auditlog: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
