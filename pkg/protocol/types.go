package protocol

import (
	"encoding/json"
	"time"
)

// AgentStatus is the self-reported state of one agent.
type AgentStatus string

// Agent status constants.
const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentOffline AgentStatus = "offline"
)

// TaskStatus is the lifecycle state of a task. Transitions only move
// forward: pending -> in-progress -> completed.
type TaskStatus string

// Task status constants.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

// AgentState is one entry of Document.Agents. Only the agent it
// describes writes it; the peer reads it to judge liveness.
type AgentState struct {
	Status      AgentStatus
	CurrentTask string // empty when idle
	LastSeen    time.Time

	// Extra holds fields this version does not know about, preserved on write.
	Extra map[string]json.RawMessage
}

// ActiveAt reports whether the agent was seen within ActiveWithin of now.
func (a AgentState) ActiveAt(now time.Time) bool {
	if a.LastSeen.IsZero() {
		return false
	}
	return now.Sub(a.LastSeen) < ActiveWithin
}

// Task is a unit of shared backlog work.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	AssignedTo  string // empty while pending
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      json.RawMessage // completion payload, raw JSON
	Metadata    json.RawMessage // caller-supplied metadata at creation, raw JSON

	Extra map[string]json.RawMessage
}

// Claimable reports whether the task can be assigned to a new owner.
func (t Task) Claimable() bool {
	return t.Status == TaskPending && t.AssignedTo == ""
}

// Document is the shared, replicated coordination state. It is always
// read and written whole.
type Document struct {
	Agents  map[string]AgentState
	Tasks   []Task
	Version int

	Extra map[string]json.RawMessage
}

// TaskByID returns a pointer into d.Tasks, or nil.
func (d *Document) TaskByID(id string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// Lock is the content of one lock artifact.
type Lock struct {
	AgentID    string
	File       string // resource path as given by the caller
	AcquiredAt time.Time
}

// AgeAt returns how long the lock has been held as of now.
func (l Lock) AgeAt(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}
