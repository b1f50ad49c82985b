package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// Log is a writable journal.
type Log struct {
	db      *sql.DB
	agentID string

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the journal at path for agentID. The
// database runs in WAL mode with a 5-second busy timeout so a concurrent
// Reader never blocks the agent.
func Open(path, agentID string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.JournalDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	return &Log{db: db, agentID: agentID}, nil
}

// Record appends an event. An empty AgentID defaults to the log's agent;
// a zero CreatedAt lets the database stamp the current time.
func (l *Log) Record(ctx context.Context, e Event) error {
	if e.AgentID == "" {
		e.AgentID = l.agentID
	}
	var err error
	if e.CreatedAt.IsZero() {
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO events (type, agent_id, task_id, resource, detail) VALUES (?, ?, ?, ?, ?)`,
			string(e.Type), e.AgentID, nullable(e.TaskID), nullable(e.Resource), nullable(e.Detail))
	} else {
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO events (type, agent_id, task_id, resource, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			string(e.Type), e.AgentID, nullable(e.TaskID), nullable(e.Resource), nullable(e.Detail),
			e.CreatedAt.UTC().Format(timeLayout))
	}
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Query retrieves events matching opts, newest first.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	return query(ctx, l.db, opts)
}

// Close releases the database connection. Safe to call multiple times.
func (l *Log) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.db.Close() })
	return l.closeErr
}
