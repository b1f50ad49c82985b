// Package lock provides per-resource mutual exclusion between the two agents
// using lock artifacts at the repository root, replicated through git.
//
// Acquisition is replicate-then-verify: create the artifact, push it, pull,
// and re-read it. If both agents created it in the same unsynchronized
// window, conflict resolution keeps exactly one copy and the agent whose
// copy was discarded sees the other owner and backs off. This narrows the
// race but does not close it; it is a best-effort lease, not a linearizable
// distributed mutex. Artifacts older than the staleness threshold are
// presumed abandoned and may be taken over.
//
// With no Replicator the manager runs purely locally: exclusive create and
// staleness takeover only, suitable for two agents sharing one checkout.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/killer4nano/sync-claude-agents/pkg/gitsync"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// errPushIncomplete stands in when an unsuccessful push carries no cause.
var errPushIncomplete = errors.New("push did not complete")

// Replicator moves lock artifacts between agents.
type Replicator interface {
	Pull(ctx context.Context) (gitsync.PullResult, error)
	Push(ctx context.Context, message string) (gitsync.PushResult, error)
}

// Manager acquires and releases locks on behalf of one agent.
type Manager struct {
	root    string
	agentID string
	repl    Replicator
	log     *zap.Logger

	staleAfter    time.Duration
	retryInterval time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// WithStaleAfter sets the age after which an artifact may be taken over.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithRetryInterval sets the poll interval while the peer holds a lock.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// New returns a Manager for lock artifacts under root. repl may be nil.
func New(root, agentID string, repl Replicator, opts ...Option) *Manager {
	m := &Manager{
		root:          root,
		agentID:       agentID,
		repl:          repl,
		log:           zap.NewNop(),
		staleAfter:    protocol.StaleAfter,
		retryInterval: protocol.LockRetryInterval,
		nowFunc:       time.Now,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.log = m.log.Named("lock")
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) now() time.Time {
	return m.nowFunc().UTC().Truncate(time.Millisecond)
}

func (m *Manager) path(resource string) string {
	return filepath.Join(m.root, protocol.LockFileName(resource))
}

// artifact is what one read of a lock file found.
type artifact struct {
	lock    *protocol.Lock // nil if absent or corrupt
	corrupt bool
}

func (a artifact) present() bool { return a.lock != nil || a.corrupt }

func (m *Manager) read(resource string) (artifact, error) {
	data, err := os.ReadFile(m.path(resource))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return artifact{}, nil
		}
		return artifact{}, fmt.Errorf("read lock %s: %w", resource, err)
	}
	var l protocol.Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return artifact{corrupt: true}, nil
	}
	return artifact{lock: &l}, nil
}

func (m *Manager) stale(a artifact) bool {
	return a.corrupt || (a.lock != nil && a.lock.AgeAt(m.now()) >= m.staleAfter)
}

// Acquire blocks until this agent holds the lock for resource, the timeout
// elapses (*protocol.LockTimeoutError), or ctx is done. Acquiring a lock
// this agent already holds succeeds immediately. A non-positive timeout
// uses protocol.DefaultLockTimeout.
func (m *Manager) Acquire(ctx context.Context, resource string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = protocol.DefaultLockTimeout
	}
	deadline := m.now().Add(timeout)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, holder, err := m.attempt(ctx, resource)
		if err != nil {
			return err
		}
		if ok {
			m.log.Info("lock acquired", zap.String("resource", resource), zap.Int("attempt", attempt))
			return nil
		}
		if !m.now().Before(deadline) {
			m.log.Warn("lock timeout", zap.String("resource", resource), zap.String("holder", holder))
			return &protocol.LockTimeoutError{Resource: resource, Owner: holder, Timeout: timeout}
		}
		if err := m.sleep(ctx, m.retryInterval); err != nil {
			return err
		}
	}
}

// attempt runs one pass of the acquisition state machine. It reports the
// current holder when the lock could not be taken.
func (m *Manager) attempt(ctx context.Context, resource string) (bool, string, error) {
	if err := m.pull(ctx); err != nil {
		return false, "", err
	}

	cur, err := m.read(resource)
	if err != nil {
		return false, "", err
	}
	switch {
	case m.stale(cur):
		owner := ""
		if cur.lock != nil {
			owner = cur.lock.AgentID
		}
		m.log.Warn("removing stale lock", zap.String("resource", resource), zap.String("owner", owner))
		if err := os.Remove(m.path(resource)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, "", fmt.Errorf("remove stale lock %s: %w", resource, err)
		}
	case cur.lock != nil && cur.lock.AgentID == m.agentID:
		return true, "", nil
	case cur.lock != nil:
		return false, cur.lock.AgentID, nil
	}

	created, err := m.create(resource)
	if err != nil {
		return false, "", err
	}
	if !created {
		// Lost a local exclusive-create race; the next pass sees the winner.
		return false, "", nil
	}
	if m.repl == nil {
		return true, "", nil
	}

	res, err := m.repl.Push(ctx, "Acquire lock: "+resource)
	if err == nil && !res.Success {
		err = res.Err
		if err == nil {
			err = errPushIncomplete
		}
	}
	if err != nil {
		// The next push carries the deletion if the artifact was committed.
		_ = os.Remove(m.path(resource))
		return false, "", fmt.Errorf("replicate lock %s: %w", resource, err)
	}
	if err := m.pull(ctx); err != nil {
		return false, "", err
	}
	after, err := m.read(resource)
	if err != nil {
		return false, "", err
	}
	if after.lock != nil && after.lock.AgentID == m.agentID {
		return true, "", nil
	}
	holder := ""
	if after.lock != nil {
		holder = after.lock.AgentID
	}
	m.log.Info("lost lock race", zap.String("resource", resource), zap.String("holder", holder))
	return false, holder, nil
}

// create writes this agent's artifact with O_EXCL. It returns false if the
// file appeared in the meantime.
func (m *Manager) create(resource string) (bool, error) {
	data, err := json.MarshalIndent(protocol.Lock{
		AgentID:    m.agentID,
		File:       resource,
		AcquiredAt: m.now(),
	}, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode lock %s: %w", resource, err)
	}
	f, err := os.OpenFile(m.path(resource), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // lock artifacts are committed
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", resource, err)
	}
	_, werr := f.Write(append(data, '\n'))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(f.Name())
		return false, fmt.Errorf("write lock %s: %w", resource, err)
	}
	return true, nil
}

func (m *Manager) pull(ctx context.Context) error {
	if m.repl == nil {
		return nil
	}
	res, err := m.repl.Pull(ctx)
	if err != nil {
		return err
	}
	if !res.Success {
		m.log.Debug("pull did not complete, using local view", zap.Error(res.Err))
	}
	return nil
}

// Release deletes the lock for resource if this agent holds it and
// replicates the deletion. It returns false without error when the lock
// is held by someone else; a missing lock counts as released.
func (m *Manager) Release(ctx context.Context, resource string) (bool, error) {
	if err := m.pull(ctx); err != nil {
		return false, err
	}
	cur, err := m.read(resource)
	if err != nil {
		return false, err
	}
	if !cur.present() {
		return true, nil
	}
	if cur.lock == nil || cur.lock.AgentID != m.agentID {
		m.log.Warn("not releasing lock held by another agent", zap.String("resource", resource))
		return false, nil
	}

	if err := os.Remove(m.path(resource)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove lock %s: %w", resource, err)
	}
	if m.repl != nil {
		if _, err := m.repl.Push(ctx, "Release lock: "+resource); err != nil {
			return true, fmt.Errorf("replicate release of %s: %w", resource, err)
		}
	}
	m.log.Info("lock released", zap.String("resource", resource))
	return true, nil
}

// WithLock runs fn while holding the lock for resource. The lock is
// released on every exit path; fn's error is returned, joined with any
// release error.
func (m *Manager) WithLock(ctx context.Context, resource string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	if err := m.Acquire(ctx, resource, timeout); err != nil {
		return err
	}
	defer func() {
		released, rerr := m.Release(context.WithoutCancel(ctx), resource)
		if rerr == nil && !released {
			rerr = fmt.Errorf("lock %s was taken over before release", resource)
		}
		err = errors.Join(err, rerr)
	}()
	return fn(ctx)
}

// IsLocked reports whether resource has a live (parseable, fresh) lock
// in the local checkout.
func (m *Manager) IsLocked(resource string) (bool, error) {
	cur, err := m.read(resource)
	if err != nil {
		return false, err
	}
	return cur.lock != nil && !m.stale(cur), nil
}

// Info returns the lock for resource from the local checkout, or nil if
// there is none or it cannot be parsed.
func (m *Manager) Info(resource string) (*protocol.Lock, error) {
	cur, err := m.read(resource)
	if err != nil {
		return nil, err
	}
	return cur.lock, nil
}

// Locks lists every parseable lock artifact in the local checkout, sorted
// by resource.
func (m *Manager) Locks() ([]protocol.Lock, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	var out []protocol.Lock
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), protocol.LockPrefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, e.Name()))
		if err != nil {
			continue
		}
		var l protocol.Lock
		if json.Unmarshal(data, &l) == nil {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}
