// Package taskqueue implements the claim and complete protocol over the
// shared task backlog.
//
// A claim is only as good as its replication: NextTask writes the claim,
// pushes it, pulls, and re-reads the task. If the peer's claim won the
// replication race, the claim is treated as lost and the next pending task
// is tried, up to a fixed number of attempts.
package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/killer4nano/sync-claude-agents/pkg/gitsync"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
	"github.com/killer4nano/sync-claude-agents/pkg/state"
)

var errPushIncomplete = errors.New("push did not complete")

// Replicator publishes local document changes and fetches the peer's.
type Replicator interface {
	Pull(ctx context.Context) (gitsync.PullResult, error)
	Push(ctx context.Context, message string) (gitsync.PushResult, error)
}

// Queue is one agent's view of the backlog.
type Queue struct {
	store       *state.Store
	repl        Replicator
	log         *zap.Logger
	maxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithMaxClaimAttempts bounds how many tasks NextTask tries.
func WithMaxClaimAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// New returns a Queue over store. repl may be nil, in which case claims
// are local-only and never verified against a peer.
func New(store *state.Store, repl Replicator, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		repl:        repl,
		log:         zap.NewNop(),
		maxAttempts: protocol.DefaultClaimAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	q.log = q.log.Named("taskqueue")
	return q
}

// MaxClaimAttempts returns the claim bound in effect.
func (q *Queue) MaxClaimAttempts() int { return q.maxAttempts }

func (q *Queue) push(ctx context.Context, message string) error {
	if q.repl == nil {
		return nil
	}
	res, err := q.repl.Push(ctx, message)
	if err != nil {
		return err
	}
	if !res.Success {
		q.log.Warn("push did not complete", zap.String("message", message), zap.Error(res.Err))
		if res.Err != nil {
			return res.Err
		}
		return errPushIncomplete
	}
	return nil
}

func (q *Queue) pull(ctx context.Context) error {
	if q.repl == nil {
		return nil
	}
	res, err := q.repl.Pull(ctx)
	if err != nil {
		return err
	}
	if !res.Success {
		q.log.Warn("pull did not complete", zap.Error(res.Err))
	}
	return nil
}

// AddTask appends a pending task and pushes it. The task is visible to the
// peer only after its next successful pull. A push error is returned along
// with the locally added task.
func (q *Queue) AddTask(ctx context.Context, description string, metadata map[string]any) (*protocol.Task, error) {
	task, err := q.store.AddTask(ctx, description, metadata)
	if err != nil {
		return nil, err
	}
	if err := q.push(ctx, "Added task: "+description); err != nil {
		return task, fmt.Errorf("replicate new task %s: %w", task.ID, err)
	}
	return task, nil
}

// NextTask claims the first available task. It returns nil, nil when the
// backlog has nothing claimable or every attempt lost a race to the peer.
// A claim that could not be pushed is an error; the local document keeps
// it and conflict resolution decides it on the next successful sync.
func (q *Queue) NextTask(ctx context.Context) (*protocol.Task, error) {
	if err := q.pull(ctx); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		candidate, err := q.store.AvailableTask(ctx)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		claimed, err := q.store.AssignTask(ctx, candidate.ID)
		if err != nil {
			var taken *protocol.TaskAlreadyAssignedError
			if errors.As(err, &taken) || errors.Is(err, state.ErrTaskCompleted) {
				q.log.Info("task taken before claim", zap.String("task", candidate.ID), zap.Int("attempt", attempt))
				continue
			}
			return nil, err
		}
		if q.repl == nil {
			return claimed, nil
		}

		if err := q.push(ctx, "Claimed task: "+claimed.Description); err != nil {
			return nil, fmt.Errorf("replicate claim of %s: %w", claimed.ID, err)
		}
		if err := q.pull(ctx); err != nil {
			return nil, err
		}
		verified, owner, err := q.verify(ctx, claimed.ID)
		if err != nil {
			return nil, err
		}
		if verified != nil {
			return verified, nil
		}

		q.log.Info("lost claim race",
			zap.String("task", claimed.ID), zap.String("owner", owner), zap.Int("attempt", attempt))
		if err := q.store.UpdateSelfStatus(ctx, protocol.AgentIdle, ""); err != nil {
			return nil, fmt.Errorf("reset after lost claim: %w", err)
		}
	}

	q.log.Info("no task claimed", zap.Int("attempts", q.maxAttempts))
	return nil, nil
}

// verify re-reads a claimed task after replication. It returns the task if
// this agent still owns it, else the observed owner.
func (q *Queue) verify(ctx context.Context, id string) (*protocol.Task, string, error) {
	task, err := q.store.Task(ctx, id)
	if err != nil {
		var nf *protocol.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if task.AssignedTo != q.store.AgentID() {
		return nil, task.AssignedTo, nil
	}
	return task, "", nil
}

// CompleteCurrentTask completes the task named by this agent's currentTask
// with result and pushes the change. It returns nil, nil when this agent
// has no current task.
func (q *Queue) CompleteCurrentTask(ctx context.Context, result any) (*protocol.Task, error) {
	current, err := q.store.CurrentTask(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	done, err := q.store.CompleteTask(ctx, current.ID, result)
	if err != nil {
		return nil, err
	}
	if err := q.push(ctx, "Completed task: "+done.Description); err != nil {
		return done, fmt.Errorf("replicate completion of %s: %w", done.ID, err)
	}
	return done, nil
}

// ListTasks returns tasks matching filter in document order.
func (q *Queue) ListTasks(ctx context.Context, filter state.Filter) ([]protocol.Task, error) {
	return q.store.Tasks(ctx, filter)
}

// MyTasks returns tasks assigned to this agent.
func (q *Queue) MyTasks(ctx context.Context) ([]protocol.Task, error) {
	return q.store.Tasks(ctx, state.Filter{AssignedTo: q.store.AgentID()})
}

// PendingTasks returns tasks waiting to be claimed.
func (q *Queue) PendingTasks(ctx context.Context) ([]protocol.Task, error) {
	return q.store.Tasks(ctx, state.Filter{Status: protocol.TaskPending})
}

// CompletedTasks returns finished tasks.
func (q *Queue) CompletedTasks(ctx context.Context) ([]protocol.Task, error) {
	return q.store.Tasks(ctx, state.Filter{Status: protocol.TaskCompleted})
}

// CurrentTask returns the task this agent is working on, or nil.
func (q *Queue) CurrentTask(ctx context.Context) (*protocol.Task, error) {
	return q.store.CurrentTask(ctx)
}
