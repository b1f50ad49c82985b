// Package agent runs one participant of a two-agent pair: it wires the
// shared document, lock manager, task queue and replication transport
// together and drives the heartbeat and sync loops.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/killer4nano/sync-claude-agents/pkg/config"
	"github.com/killer4nano/sync-claude-agents/pkg/eventlog"
	"github.com/killer4nano/sync-claude-agents/pkg/gitsync"
	"github.com/killer4nano/sync-claude-agents/pkg/lock"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
	"github.com/killer4nano/sync-claude-agents/pkg/state"
	"github.com/killer4nano/sync-claude-agents/pkg/taskqueue"
)

// ErrAlreadyRunning is returned by Start on a running agent.
var ErrAlreadyRunning = errors.New("agent already running")

// Replicator moves the working tree to and from the shared remote.
// *gitsync.Transport implements it.
type Replicator interface {
	Initialize(ctx context.Context) error
	Pull(ctx context.Context) (gitsync.PullResult, error)
	Push(ctx context.Context, message string) (gitsync.PushResult, error)
	Status(ctx context.Context) *gitsync.Summary
	RecentCommits(ctx context.Context, n int) []gitsync.Commit
}

// Journal records coordination events. *eventlog.Log implements it.
type Journal interface {
	Record(ctx context.Context, e eventlog.Event) error
}

// Agent is one participant of the pair.
type Agent struct {
	cfg     config.Config
	store   *state.Store
	repl    Replicator
	locks   *lock.Manager
	queue   *taskqueue.Queue
	journal Journal
	log     *zap.Logger
	nowFunc func() time.Time

	// mu serializes every repository operation this process issues.
	mu sync.Mutex

	// seenVersion is the document version observed after the last sync.
	seenVersion atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	wake   chan struct{}
}

// Option configures an Agent.
type Option func(*Agent)

// WithReplicator replaces the git transport.
func WithReplicator(r Replicator) Option {
	return func(a *Agent) { a.repl = r }
}

// WithJournal records events to j.
func WithJournal(j Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// WithClock overrides time.Now for the document and locks.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.nowFunc = now }
}

// New builds an agent from cfg. Without WithReplicator it replicates
// through git in cfg.ProjectRoot. With cfg.Replicate off nothing is
// replicated and any WithReplicator is ignored.
func New(cfg config.Config, opts ...Option) *Agent {
	a := &Agent{
		cfg:     cfg,
		log:     zap.NewNop(),
		nowFunc: time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	a.log = a.log.Named("agent").With(zap.String("agent", cfg.AgentID))
	var (
		lockRepl  lock.Replicator      = serialized{a}
		queueRepl taskqueue.Replicator = a.repl
	)
	switch {
	case !cfg.Replicate:
		// Shared directory: local lock files and an unverified queue.
		a.repl = sharedDir{}
		lockRepl, queueRepl = nil, nil
	case a.repl == nil:
		a.repl = gitsync.New(cfg.ProjectRoot, cfg.AgentID, nil,
			gitsync.WithLogger(a.log), gitsync.WithPushRetries(cfg.PushRetries))
		queueRepl = a.repl
	}

	a.store = state.New(cfg.ProjectRoot, cfg.AgentID,
		state.WithPeer(cfg.PeerID), state.WithLogger(a.log), state.WithClock(a.nowFunc))
	a.locks = lock.New(cfg.ProjectRoot, cfg.AgentID, lockRepl,
		lock.WithLogger(a.log),
		lock.WithClock(a.nowFunc),
		lock.WithStaleAfter(cfg.StaleAfter.Std()),
		lock.WithRetryInterval(cfg.LockRetryInterval.Std()))
	a.queue = taskqueue.New(a.store, queueRepl,
		taskqueue.WithLogger(a.log), taskqueue.WithMaxClaimAttempts(cfg.MaxClaimAttempts))
	return a
}

// sharedDir is the replicator for agents sharing one directory without a
// repository. Nothing moves, so every call succeeds.
type sharedDir struct{}

func (sharedDir) Initialize(context.Context) error { return nil }

func (sharedDir) Pull(context.Context) (gitsync.PullResult, error) {
	return gitsync.PullResult{Success: true}, nil
}

func (sharedDir) Push(context.Context, string) (gitsync.PushResult, error) {
	return gitsync.PushResult{Success: true}, nil
}

func (sharedDir) Status(context.Context) *gitsync.Summary { return nil }

func (sharedDir) RecentCommits(context.Context, int) []gitsync.Commit { return nil }

// serialized takes the agent mutex around each replication call. The lock
// manager uses it so a long lock wait never holds the mutex between polls.
type serialized struct{ a *Agent }

func (s serialized) Pull(ctx context.Context) (gitsync.PullResult, error) {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	return s.a.repl.Pull(ctx)
}

func (s serialized) Push(ctx context.Context, message string) (gitsync.PushResult, error) {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	return s.a.repl.Push(ctx, message)
}

// Store returns the agent's document store.
func (a *Agent) Store() *state.Store { return a.store }

// Config returns the configuration the agent was built with.
func (a *Agent) Config() config.Config { return a.cfg }

func (a *Agent) record(ctx context.Context, e eventlog.Event) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		a.log.Debug("journal record failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

// Initialize prepares the repository and then creates the shared document
// if it does not exist.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.repl.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	if err := a.store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize document: %w", err)
	}
	a.log.Info("initialized", zap.String("root", a.cfg.ProjectRoot))
	a.record(ctx, eventlog.Event{Type: protocol.EventInitialize, Detail: a.cfg.ProjectRoot})
	return nil
}

// Start performs an initial pull and launches the heartbeat and sync loops
// (plus the change watcher when enabled). It returns once they are running;
// the loops stop when ctx is cancelled or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return ErrAlreadyRunning
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := a.pull(ctx); err != nil {
		return fmt.Errorf("initial pull: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		return a.loop(gctx, "heartbeat", a.cfg.HeartbeatInterval.Std(), nil, a.heartbeat)
	})
	g.Go(func() error {
		return a.loop(gctx, "sync", a.cfg.SyncInterval.Std(), a.wake, a.SyncOnce)
	})
	if a.cfg.Watch {
		if w := a.newWatcher(); w != nil {
			g.Go(func() error { return w.run(gctx) })
		}
	}
	a.cancel = cancel
	a.group = g

	a.log.Info("started",
		zap.Duration("heartbeat", a.cfg.HeartbeatInterval.Std()),
		zap.Duration("sync", a.cfg.SyncInterval.Std()))
	a.record(ctx, eventlog.Event{Type: protocol.EventStarted})
	return nil
}

// Running reports whether the loops are active.
func (a *Agent) Running() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.cancel != nil
}

// Stop marks the agent offline (best effort, pushed to the peer), then
// stops the loops and waits for them to exit. The loops are stopped even
// when marking offline fails; that failure is returned.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	offlineErr := a.store.UpdateSelfStatus(ctx, protocol.AgentOffline, "")
	if offlineErr == nil {
		if res, err := a.repl.Push(ctx, "Agent offline"); err != nil {
			offlineErr = err
		} else if !res.Success {
			a.log.Warn("offline push incomplete", zap.Error(res.Err))
		}
	}
	a.mu.Unlock()

	a.runMu.Lock()
	cancel, g := a.cancel, a.group
	a.cancel, a.group = nil, nil
	a.runMu.Unlock()

	if cancel != nil {
		cancel()
		_ = g.Wait() // loops never return errors
	}
	a.log.Info("stopped")
	a.record(ctx, eventlog.Event{Type: protocol.EventStopped})
	if offlineErr != nil {
		return fmt.Errorf("mark offline: %w", offlineErr)
	}
	return nil
}

// Wait blocks until the loops started by Start have exited.
func (a *Agent) Wait() {
	a.runMu.Lock()
	g := a.group
	a.runMu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

// loop runs tick every interval, or early when wake fires, until ctx ends.
func (a *Agent) loop(ctx context.Context, name string, every time.Duration, wake <-chan struct{}, tick func(context.Context) error) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-wake:
			a.log.Debug("woken by change", zap.String("loop", name))
		}
		a.runTick(ctx, name, tick)
	}
}

// runTick contains a tick's failure or panic to that tick.
func (a *Agent) runTick(ctx context.Context, name string, tick func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("tick panicked", zap.String("loop", name), zap.Any("panic", r))
		}
	}()
	if err := tick(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("tick failed", zap.String("loop", name), zap.Error(err))
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Heartbeat(ctx)
}

// pull fetches the peer's changes under the agent mutex.
func (a *Agent) pull(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.repl.Pull(ctx)
	if err != nil {
		a.recordSyncError(ctx, err)
		return err
	}
	if !res.Success {
		a.log.Warn("pull failed", zap.Error(res.Err))
	}
	return nil
}

func (a *Agent) recordSyncError(ctx context.Context, err error) {
	var conflict *gitsync.ConflictError
	if errors.As(err, &conflict) {
		a.record(ctx, eventlog.Event{Type: protocol.EventConflict, Detail: conflict.Error()})
		return
	}
	a.record(ctx, eventlog.Event{Type: protocol.EventSyncFailed, Detail: err.Error()})
}

// SyncOnce pulls the peer's changes, logs both agents' status, and pushes
// local changes as "Auto-sync state".
func (a *Agent) SyncOnce(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pulled, err := a.repl.Pull(ctx)
	if err != nil {
		a.recordSyncError(ctx, err)
		return fmt.Errorf("sync pull: %w", err)
	}
	switch {
	case !pulled.Success:
		a.log.Warn("sync pull failed", zap.Error(pulled.Err))
	case pulled.Commits > 0:
		a.log.Info("pulled commits", zap.Int("commits", pulled.Commits), zap.Strings("resolved", pulled.ResolvedFiles))
	}

	if doc, err := a.store.Read(ctx); err == nil {
		self, peer := doc.Agents[a.cfg.AgentID], doc.Agents[a.cfg.PeerID]
		a.log.Debug("status",
			zap.String("self", string(self.Status)),
			zap.String("peer", string(peer.Status)),
			zap.Bool("peer_active", peer.ActiveAt(a.nowFunc())))
	}

	pushed, err := a.repl.Push(ctx, "Auto-sync state")
	if err != nil {
		a.recordSyncError(ctx, err)
		return fmt.Errorf("sync push: %w", err)
	}
	if !pushed.Success {
		a.log.Warn("sync push failed", zap.Error(pushed.Err))
		a.record(ctx, eventlog.Event{Type: protocol.EventSyncFailed, Detail: errString(pushed.Err)})
		return nil
	}
	if pushed.Committed {
		a.log.Info("pushed local changes", zap.Bool("remote", pushed.Pushed))
	}

	if doc, err := a.store.Read(ctx); err == nil {
		a.seenVersion.Store(int64(doc.Version))
	}
	if pulled.Commits > 0 || pushed.Committed {
		a.record(ctx, eventlog.Event{
			Type:   protocol.EventSync,
			Detail: fmt.Sprintf("pulled %d, committed %t", pulled.Commits, pushed.Committed),
		})
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// requestSync wakes the sync loop without blocking.
func (a *Agent) requestSync() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// AddTask appends a task to the shared backlog and replicates it.
func (a *Agent) AddTask(ctx context.Context, description string, metadata map[string]any) (*protocol.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task, err := a.queue.AddTask(ctx, description, metadata)
	if task != nil {
		a.log.Info("task added", zap.String("task", task.ID), zap.String("description", description))
		a.record(ctx, eventlog.Event{Type: protocol.EventTaskAdded, TaskID: task.ID, Detail: description})
	}
	return task, err
}

// ProcessNextTask claims the next available task for this agent. It
// returns nil, nil when nothing could be claimed.
func (a *Agent) ProcessNextTask(ctx context.Context) (*protocol.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task, err := a.queue.NextTask(ctx)
	if err != nil {
		a.recordSyncError(ctx, err)
		return nil, err
	}
	if task == nil {
		a.log.Info("no tasks available")
		return nil, nil
	}
	a.log.Info("processing task", zap.String("task", task.ID), zap.String("description", task.Description))
	a.record(ctx, eventlog.Event{Type: protocol.EventTaskClaimed, TaskID: task.ID, Detail: task.Description})
	return task, nil
}

// CompleteTask completes this agent's current task with result. It
// returns nil, nil when there is no current task.
func (a *Agent) CompleteTask(ctx context.Context, result any) (*protocol.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task, err := a.queue.CompleteCurrentTask(ctx, result)
	if task != nil {
		a.log.Info("completed task", zap.String("task", task.ID), zap.String("description", task.Description))
		a.record(ctx, eventlog.Event{Type: protocol.EventTaskDone, TaskID: task.ID, Detail: task.Description})
	}
	return task, err
}

// ListTasks returns tasks matching filter.
func (a *Agent) ListTasks(ctx context.Context, filter state.Filter) ([]protocol.Task, error) {
	return a.queue.ListTasks(ctx, filter)
}

// CurrentTask returns the task this agent is working on, or nil.
func (a *Agent) CurrentTask(ctx context.Context) (*protocol.Task, error) {
	return a.queue.CurrentTask(ctx)
}

// WithFileLock runs fn while holding the lock on resource, waiting up to
// the configured lock timeout to acquire it.
func (a *Agent) WithFileLock(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	acquired := false
	err := a.locks.WithLock(ctx, resource, a.cfg.LockTimeout.Std(), func(ctx context.Context) error {
		acquired = true
		a.record(ctx, eventlog.Event{Type: protocol.EventLockAcquired, Resource: resource})
		return fn(ctx)
	})
	if acquired {
		a.record(ctx, eventlog.Event{Type: protocol.EventLockReleased, Resource: resource})
	} else {
		a.recordLockError(ctx, resource, err)
	}
	return err
}

// AcquireLock takes the lock on resource and leaves it held, waiting up to
// timeout (the configured lock timeout when zero).
func (a *Agent) AcquireLock(ctx context.Context, resource string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = a.cfg.LockTimeout.Std()
	}
	if err := a.locks.Acquire(ctx, resource, timeout); err != nil {
		a.recordLockError(ctx, resource, err)
		return err
	}
	a.record(ctx, eventlog.Event{Type: protocol.EventLockAcquired, Resource: resource})
	return nil
}

// ReleaseLock releases resource if this agent holds it. It reports false
// when the lock belongs to someone else.
func (a *Agent) ReleaseLock(ctx context.Context, resource string) (bool, error) {
	released, err := a.locks.Release(ctx, resource)
	if released {
		a.record(ctx, eventlog.Event{Type: protocol.EventLockReleased, Resource: resource})
	}
	return released, err
}

func (a *Agent) recordLockError(ctx context.Context, resource string, err error) {
	var timeout *protocol.LockTimeoutError
	if errors.As(err, &timeout) {
		a.record(ctx, eventlog.Event{Type: protocol.EventLockTimeout, Resource: resource, Detail: timeout.Owner})
	}
}

// Locks returns the lock artifacts present in the working tree.
func (a *Agent) Locks() ([]protocol.Lock, error) {
	return a.locks.Locks()
}

// RecentCommits returns up to n recent commits of the shared repository.
func (a *Agent) RecentCommits(ctx context.Context, n int) []gitsync.Commit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repl.RecentCommits(ctx, n)
}
