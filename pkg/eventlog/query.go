// Package eventlog records and queries the agent's local SQLite journal of
// coordination events (syncs, claims, lock traffic, failures). The journal
// lives in the user's home directory, one database per agent, and is never
// replicated.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// timeLayout matches the created_at default in protocol.JournalDDL, so
// timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Event represents a single journal entry.
type Event struct {
	ID        int64              `json:"id"`
	Type      protocol.EventType `json:"type"`
	AgentID   string             `json:"agentId"`
	TaskID    string             `json:"taskId,omitempty"`
	Resource  string             `json:"resource,omitempty"`
	Detail    string             `json:"detail,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// AgentID filters events to a specific agent
	AgentID string

	// EventType filters to a specific event type (e.g., "sync", "task_claimed")
	EventType protocol.EventType

	// TaskID filters events about one task
	TaskID string

	// After filters events created after this time (inclusive)
	After *time.Time

	// Before filters events created before this time (inclusive)
	Before *time.Time

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Reader provides read-only access to a journal.
type Reader struct {
	db *sql.DB
}

// NewReader opens a journal database in read-only mode.
// Returns an error if the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	// Verify database file exists before attempting to open
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Open read-only so a running agent is never blocked
	dsn := fmt.Sprintf("file:%s?mode=ro", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching the given filter criteria, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	return query(ctx, r.db, opts)
}

func query(ctx context.Context, db *sql.DB, opts QueryOpts) ([]Event, error) {
	q, args := buildQuery(opts)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var taskID, resource, detail sql.NullString
		var createdAtStr string

		err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.AgentID,
			&taskID,
			&resource,
			&detail,
			&createdAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskID, e.Resource, e.Detail = taskID.String, resource.String, detail.String

		if createdAtStr != "" {
			parsed, err := time.Parse(time.RFC3339Nano, createdAtStr)
			if err != nil {
				return nil, fmt.Errorf("parse created_at: %w", err)
			}
			e.CreatedAt = parsed
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	q := "SELECT id, type, agent_id, task_id, resource, detail, created_at FROM events WHERE 1=1"

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}

	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(opts.EventType))
	}

	if opts.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, opts.TaskID)
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(timeLayout))
	}

	if len(conditions) > 0 {
		q += " AND " + strings.Join(conditions, " AND ")
	}

	// Newest first
	q += " ORDER BY id DESC"

	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return q, args
}

// DefaultDBPath returns the default journal path for agentID under the
// user's home directory.
func DefaultDBPath(agentID string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, protocol.HomeDir, agentID+".db")
}
