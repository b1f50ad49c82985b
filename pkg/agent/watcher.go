package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// watcher wakes the sync loop when the document or a lock artifact is
// changed by another process working in the same checkout.
type watcher struct {
	a        *Agent
	fs       *fsnotify.Watcher
	debounce time.Duration
}

// newWatcher returns nil when the root cannot be watched; the agent then
// relies on the sync interval alone.
func (a *Agent) newWatcher() *watcher {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		return nil
	}
	if err := fw.Add(a.cfg.ProjectRoot); err != nil {
		_ = fw.Close()
		a.log.Warn("cannot watch project root, falling back to polling",
			zap.String("root", a.cfg.ProjectRoot), zap.Error(err))
		return nil
	}
	return &watcher{a: a, fs: fw, debounce: a.cfg.WatchDebounce.Std()}
}

func (w *watcher) run(ctx context.Context) error {
	defer func() { _ = w.fs.Close() }()

	timer := newDebounceTimer()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.external(ev) {
				pending = true
				resetDebounceTimer(timer, w.debounce)
			}
		case <-timer.C:
			if pending {
				pending = false
				w.a.requestSync()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.a.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// external reports whether ev is a coordination change this agent did not
// make itself: a document version other than the one it last wrote or
// synced, or a lock artifact not owned by this agent.
func (w *watcher) external(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Base(ev.Name)
	switch {
	case name == protocol.StateFile:
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return false // the atomic write renames over the file
		}
		doc, err := w.a.store.Read(context.Background())
		if err != nil {
			return false
		}
		v := int64(doc.Version)
		return v != int64(w.a.store.LastVersion()) && v != w.a.seenVersion.Load()
	case protocol.IsLockArtifact(name):
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return true
		}
		return lockOwner(ev.Name) != w.a.cfg.AgentID
	default:
		return false
	}
}

// lockOwner returns the agent recorded in the artifact at path, or "".
func lockOwner(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // path is a lock artifact under the project root
	if err != nil {
		return ""
	}
	var l protocol.Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return ""
	}
	return l.AgentID
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
