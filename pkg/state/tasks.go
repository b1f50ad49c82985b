package state

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// AddTask appends a pending task. createdAt never goes backwards relative
// to the previous task, even if the wall clock does.
func (s *Store) AddTask(ctx context.Context, description string, metadata map[string]any) (*protocol.Task, error) {
	var meta json.RawMessage
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode task metadata: %w", err)
		}
		meta = b
	}

	var out protocol.Task
	err := s.update(ctx, func(doc *protocol.Document) error {
		created := s.now()
		if n := len(doc.Tasks); n > 0 && doc.Tasks[n-1].CreatedAt.After(created) {
			created = doc.Tasks[n-1].CreatedAt
		}
		id := s.newID()
		for doc.TaskByID(id) != nil {
			id = s.newID()
		}
		out = protocol.Task{
			ID:          id,
			Description: description,
			Status:      protocol.TaskPending,
			CreatedAt:   created,
			Metadata:    meta,
		}
		doc.Tasks = append(doc.Tasks, out)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add task: %w", err)
	}
	s.log.Info("task added", zap.String("task", out.ID), zap.String("description", description))
	return &out, nil
}

// Task returns a copy of the task with the given id.
func (s *Store) Task(ctx context.Context, id string) (*protocol.Task, error) {
	doc, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	t := doc.TaskByID(id)
	if t == nil {
		return nil, &protocol.TaskNotFoundError{TaskID: id}
	}
	out := *t
	return &out, nil
}

// AvailableTask returns the first pending, unassigned task in document
// order, or nil if there is none.
func (s *Store) AvailableTask(ctx context.Context) (*protocol.Task, error) {
	doc, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].Claimable() {
			out := doc.Tasks[i]
			return &out, nil
		}
	}
	return nil, nil
}

// AssignTask makes this agent the owner of a task and marks itself
// working on it, in one write. Assigning a task this agent already owns
// returns it unchanged without writing. A task owned by the peer fails
// with *protocol.TaskAlreadyAssignedError.
func (s *Store) AssignTask(ctx context.Context, id string) (*protocol.Task, error) {
	var out protocol.Task
	err := s.update(ctx, func(doc *protocol.Document) error {
		t := doc.TaskByID(id)
		if t == nil {
			return &protocol.TaskNotFoundError{TaskID: id}
		}
		if t.AssignedTo != "" && t.AssignedTo != s.agentID {
			return &protocol.TaskAlreadyAssignedError{TaskID: id, Owner: t.AssignedTo}
		}
		if t.AssignedTo == s.agentID {
			out = *t
			return errNoChange
		}
		if t.Status == protocol.TaskCompleted {
			return fmt.Errorf("task %s: %w", id, ErrTaskCompleted)
		}

		now := s.now()
		t.AssignedTo = s.agentID
		t.Status = protocol.TaskInProgress
		t.StartedAt = &now
		out = *t
		s.setSelf(doc, protocol.AgentWorking, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteTask marks a task completed with the given result payload and
// returns this agent to idle if it was working on that task. An unassigned
// task becomes this agent's on completion; a task owned by the peer fails
// with *protocol.TaskAlreadyAssignedError. Completing a task twice returns
// the first completion unchanged.
func (s *Store) CompleteTask(ctx context.Context, id string, result any) (*protocol.Task, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode task result: %w", err)
		}
		raw = b
	}

	var out protocol.Task
	err := s.update(ctx, func(doc *protocol.Document) error {
		t := doc.TaskByID(id)
		if t == nil {
			return &protocol.TaskNotFoundError{TaskID: id}
		}
		if t.AssignedTo != "" && t.AssignedTo != s.agentID {
			return &protocol.TaskAlreadyAssignedError{TaskID: id, Owner: t.AssignedTo}
		}
		if t.Status == protocol.TaskCompleted {
			out = *t
			return errNoChange
		}

		now := s.now()
		if t.AssignedTo == "" {
			t.AssignedTo = s.agentID
			t.StartedAt = &now
		}
		t.Status = protocol.TaskCompleted
		t.CompletedAt = &now
		t.Result = raw
		out = *t

		if self := doc.Agents[s.agentID]; self.CurrentTask == "" || self.CurrentTask == id {
			s.setSelf(doc, protocol.AgentIdle, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task completed", zap.String("task", id))
	return &out, nil
}

// Tasks returns copies of the tasks matching filter, in document order.
func (s *Store) Tasks(ctx context.Context, filter Filter) ([]protocol.Task, error) {
	doc, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Task, 0, len(doc.Tasks))
	for i := range doc.Tasks {
		if filter.match(&doc.Tasks[i]) {
			out = append(out, doc.Tasks[i])
		}
	}
	return out, nil
}

// CurrentTask returns the task named by this agent's currentTask, or nil.
func (s *Store) CurrentTask(ctx context.Context) (*protocol.Task, error) {
	doc, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	self, ok := doc.Agents[s.agentID]
	if !ok || self.CurrentTask == "" {
		return nil, nil
	}
	t := doc.TaskByID(self.CurrentTask)
	if t == nil {
		return nil, nil
	}
	out := *t
	return &out, nil
}
