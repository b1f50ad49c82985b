package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/killer4nano/sync-claude-agents/pkg/gitsync"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// AgentView is one agent's entry as seen by this process.
type AgentView struct {
	ID          string               `json:"id"`
	Known       bool                 `json:"known"` // the document has an entry
	Status      protocol.AgentStatus `json:"status,omitempty"`
	CurrentTask string               `json:"currentTask,omitempty"`
	LastSeen    *time.Time           `json:"lastSeen,omitempty"`
	Active      bool                 `json:"active"`
}

// TaskCounts tallies the backlog by status.
type TaskCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
}

// Snapshot is an aggregated, read-only view of the pair.
type Snapshot struct {
	Agent      AgentView        `json:"agent"`
	OtherAgent AgentView        `json:"otherAgent"`
	Tasks      TaskCounts       `json:"tasks"`
	Version    int              `json:"version"`
	Git        *gitsync.Summary `json:"git,omitempty"`
	Locks      []protocol.Lock  `json:"locks"`
	TakenAt    time.Time        `json:"takenAt"`
}

// Status reads the local document, the working tree and the lock
// artifacts. It never pulls. A missing or corrupt document is an error;
// an unreadable working tree leaves Git nil.
func (a *Agent) Status(ctx context.Context) (*Snapshot, error) {
	doc, err := a.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	now := a.nowFunc()

	snap := &Snapshot{
		Agent:      view(doc, a.cfg.AgentID, now),
		OtherAgent: view(doc, a.cfg.PeerID, now),
		Tasks:      countTasks(doc.Tasks),
		Version:    doc.Version,
		TakenAt:    now.UTC(),
	}

	a.mu.Lock()
	snap.Git = a.repl.Status(ctx)
	a.mu.Unlock()

	locks, err := a.locks.Locks()
	if err != nil {
		a.log.Warn("list locks failed", zap.Error(err))
		locks = nil
	}
	if locks == nil {
		locks = []protocol.Lock{}
	}
	snap.Locks = locks
	return snap, nil
}

func view(doc *protocol.Document, id string, now time.Time) AgentView {
	v := AgentView{ID: id}
	entry, ok := doc.Agents[id]
	if !ok {
		return v
	}
	v.Known = true
	v.Status = entry.Status
	v.CurrentTask = entry.CurrentTask
	if !entry.LastSeen.IsZero() {
		seen := entry.LastSeen
		v.LastSeen = &seen
	}
	v.Active = entry.ActiveAt(now)
	return v
}

func countTasks(tasks []protocol.Task) TaskCounts {
	c := TaskCounts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case protocol.TaskPending:
			c.Pending++
		case protocol.TaskInProgress:
			c.InProgress++
		case protocol.TaskCompleted:
			c.Completed++
		}
	}
	return c
}
