package protocol

// JournalDDL defines the SQLite schema of the local event journal.
// The journal lives in the agent's home directory and is never replicated.
const JournalDDL = `
-- Coordination events observed or caused by this agent
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    task_id TEXT,
    resource TEXT,
    detail TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS events_type_idx ON events(type);
CREATE INDEX IF NOT EXISTS events_created_idx ON events(created_at);
`

// EventType classifies a journal entry.
type EventType string

// Journal event types.
const (
	EventInitialize   EventType = "initialize"
	EventSync         EventType = "sync"
	EventSyncFailed   EventType = "sync_failed"
	EventConflict     EventType = "conflict"
	EventTaskAdded    EventType = "task_added"
	EventTaskClaimed  EventType = "task_claimed"
	EventClaimLost    EventType = "claim_lost"
	EventTaskDone     EventType = "task_completed"
	EventLockAcquired EventType = "lock_acquired"
	EventLockReleased EventType = "lock_released"
	EventLockTimeout  EventType = "lock_timeout"
	EventStarted      EventType = "started"
	EventStopped      EventType = "stopped"
)
