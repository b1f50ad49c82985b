// Package gitsync replicates the working tree through git: pull with
// automatic resolution of coordination-artifact conflicts, push with
// bounded retry on rejection, and read-only status and history queries.
//
// A branch with no upstream is a supported local-only mode: pulls are
// no-ops and pushes commit without pushing.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// PullResult is the outcome of Transport.Pull. Transient failures are
// reported here with Success false rather than as a returned error.
type PullResult struct {
	Success       bool
	Commits       int      // commits integrated from upstream
	Resolved      bool     // a conflict was resolved automatically
	ResolvedFiles []string // paths resolved to the remote copy
	Err           error
}

// PushResult is the outcome of Transport.Push.
type PushResult struct {
	Success   bool
	Committed bool
	Pushed    bool
	Message   string // commit message, when Committed
	Retries   int    // rejected pushes that were retried
	Err       error
}

// SyncResult is the outcome of Transport.Sync.
type SyncResult struct {
	Success bool
	Pull    PullResult
	Push    PushResult
}

// Summary is a compact repository status for observability.
type Summary struct {
	Branch     string `json:"branch"`
	Upstream   string `json:"upstream,omitempty"`
	Ahead      int    `json:"ahead"`
	Behind     int    `json:"behind"`
	Modified   int    `json:"modified"`
	Created    int    `json:"created"`
	Deleted    int    `json:"deleted"`
	Untracked  int    `json:"untracked"`
	Conflicted int    `json:"conflicted"`
}

// Commit is one entry of Transport.RecentCommits.
type Commit struct {
	Hash    string    `json:"hash"` // abbreviated to 7 characters
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// Transport replicates the repository on behalf of one agent.
type Transport struct {
	vcs         VCS
	root        string
	agentID     string
	log         *zap.Logger
	autoResolve func(path string) bool
	pushRetries int
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithAutoResolve replaces the predicate selecting which conflicted paths
// are resolved by taking the remote copy.
func WithAutoResolve(fn func(path string) bool) Option {
	return func(t *Transport) { t.autoResolve = fn }
}

// WithPushRetries sets how many times a rejected push is retried.
func WithPushRetries(n int) Option {
	return func(t *Transport) { t.pushRetries = n }
}

// New returns a Transport for the working tree at root. A nil vcs runs
// the git binary.
func New(root, agentID string, vcs VCS, opts ...Option) *Transport {
	if vcs == nil {
		vcs = NewGit(root, nil)
	}
	t := &Transport{
		vcs:         vcs,
		root:        root,
		agentID:     agentID,
		log:         zap.NewNop(),
		autoResolve: protocol.IsCoordinationArtifact,
		pushRetries: protocol.DefaultPushRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	t.log = t.log.Named("gitsync")
	return t
}

// Initialize makes sure root is a git repository with at least one commit
// and that atomic-write temp files are ignored.
func (t *Transport) Initialize(ctx context.Context) error {
	if err := t.ensureIgnored(protocol.StateTempPattern); err != nil {
		return err
	}
	isRepo, err := t.vcs.IsRepo(ctx)
	if err != nil {
		return fmt.Errorf("check repository: %w", err)
	}
	if isRepo {
		return nil
	}

	t.log.Info("initializing git repository", zap.String("root", t.root))
	if err := t.vcs.Init(ctx); err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	if err := t.vcs.Add(ctx, "."); err != nil {
		return fmt.Errorf("stage initial commit: %w", err)
	}
	if err := t.vcs.Commit(ctx, "Initial commit by "+t.agentID); err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}
	return nil
}

// ensureIgnored appends pattern to root/.gitignore unless already present.
func (t *Transport) ensureIgnored(pattern string) error {
	path := filepath.Join(t.root, ".gitignore")
	data, err := os.ReadFile(path) //nolint:gosec // path is under the configured project root
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read .gitignore: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	if slices.Contains(lines, pattern) {
		return nil
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	data = append(data, pattern+"\n"...)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // .gitignore is committed
		return fmt.Errorf("write .gitignore: %w", err)
	}
	return nil
}

// Pull integrates upstream changes. Conflicts confined to coordination
// artifacts are resolved by taking the remote copy and committing; any
// other conflict aborts the merge and is returned as *ConflictError.
// Fetch and merge failures without conflicts are reported in the result.
func (t *Transport) Pull(ctx context.Context) (PullResult, error) {
	st, err := t.vcs.Status(ctx)
	if err != nil {
		return PullResult{Err: err}, nil
	}
	if !st.HasUpstream() {
		return PullResult{Success: true}, nil
	}

	if err := t.vcs.Fetch(ctx); err != nil {
		t.log.Warn("fetch failed", zap.Error(err))
		return PullResult{Err: err}, nil
	}
	st, err = t.vcs.Status(ctx)
	if err != nil {
		return PullResult{Err: err}, nil
	}
	if st.Behind == 0 {
		return PullResult{Success: true}, nil
	}

	pullErr := t.vcs.Pull(ctx)
	if pullErr == nil {
		t.log.Debug("pulled", zap.Int("commits", st.Behind))
		return PullResult{Success: true, Commits: st.Behind}, nil
	}
	if ctx.Err() != nil {
		return PullResult{Err: pullErr}, nil
	}

	after, err := t.vcs.Status(ctx)
	if err != nil || len(after.Conflicted) == 0 {
		t.log.Warn("pull failed", zap.Error(pullErr))
		return PullResult{Err: pullErr}, nil
	}
	return t.resolve(ctx, after.Conflicted, st.Behind)
}

func (t *Transport) resolve(ctx context.Context, conflicted []string, commits int) (PullResult, error) {
	var ours, unresolved []string
	for _, p := range conflicted {
		if t.autoResolve(p) {
			ours = append(ours, p)
		} else {
			unresolved = append(unresolved, p)
		}
	}

	if len(unresolved) > 0 {
		if err := t.vcs.AbortMerge(ctx); err != nil {
			t.log.Error("abort merge failed", zap.Error(err))
		}
		t.log.Error("unresolvable merge conflict", zap.Strings("files", unresolved))
		return PullResult{}, &ConflictError{Files: unresolved}
	}

	if err := t.vcs.CheckoutTheirs(ctx, ours...); err != nil {
		_ = t.vcs.AbortMerge(ctx)
		return PullResult{Err: fmt.Errorf("take remote copy: %w", err)}, nil
	}
	msg := fmt.Sprintf("[%s] Resolve sync conflict: took remote %s", t.agentID, strings.Join(ours, ", "))
	if err := t.vcs.Commit(ctx, msg); err != nil {
		_ = t.vcs.AbortMerge(ctx)
		return PullResult{Err: fmt.Errorf("commit conflict resolution: %w", err)}, nil
	}
	t.log.Info("resolved conflict with remote copy", zap.Strings("files", ours))
	return PullResult{Success: true, Commits: commits, Resolved: true, ResolvedFiles: ours}, nil
}

// Push pulls, stages everything, and commits with an agent-tagged message
// if anything changed, then pushes. A rejected push is retried after
// re-pulling, up to the configured retry count, before failing with
// *PushExhaustedError.
func (t *Transport) Push(ctx context.Context, message string) (PushResult, error) {
	pr, err := t.Pull(ctx)
	if err != nil {
		return PushResult{}, err
	}
	if !pr.Success {
		t.log.Debug("pre-push pull did not complete", zap.Error(pr.Err))
	}

	if err := t.vcs.Add(ctx, "."); err != nil {
		return PushResult{Err: err}, nil
	}
	st, err := t.vcs.Status(ctx)
	if err != nil {
		return PushResult{Err: err}, nil
	}

	res := PushResult{}
	if !st.Clean() {
		res.Message = fmt.Sprintf("[%s] %s", t.agentID, message)
		if err := t.vcs.Commit(ctx, res.Message); err != nil {
			return PushResult{Err: err}, nil
		}
		res.Committed = true
		t.log.Debug("committed", zap.String("message", res.Message))
	}

	if !st.HasUpstream() {
		res.Success = true
		return res, nil
	}
	if !res.Committed && st.Ahead == 0 {
		res.Success = true
		return res, nil
	}

	for attempt := 0; ; attempt++ {
		err := t.vcs.Push(ctx)
		if err == nil {
			res.Success, res.Pushed, res.Retries = true, true, attempt
			return res, nil
		}
		if !errors.Is(err, ErrPushRejected) {
			t.log.Warn("push failed", zap.Error(err))
			res.Err = err
			return res, nil
		}
		if attempt >= t.pushRetries {
			res.Retries = attempt
			return res, &PushExhaustedError{Attempts: attempt + 1, Err: err}
		}
		t.log.Info("push rejected, re-pulling", zap.Int("attempt", attempt+1))
		if _, err := t.Pull(ctx); err != nil {
			res.Retries = attempt + 1
			return res, err
		}
	}
}

// Sync pulls then pushes.
func (t *Transport) Sync(ctx context.Context, message string) (SyncResult, error) {
	pr, err := t.Pull(ctx)
	if err != nil {
		return SyncResult{Pull: pr}, err
	}
	if !pr.Success {
		return SyncResult{Pull: pr}, nil
	}
	push, err := t.Push(ctx, message)
	return SyncResult{Success: push.Success, Pull: pr, Push: push}, err
}

// Status returns a compact status summary, or nil if it cannot be read.
func (t *Transport) Status(ctx context.Context) *Summary {
	st, err := t.vcs.Status(ctx)
	if err != nil {
		t.log.Warn("status failed", zap.Error(err))
		return nil
	}
	return &Summary{
		Branch:     st.Branch,
		Upstream:   st.Upstream,
		Ahead:      st.Ahead,
		Behind:     st.Behind,
		Modified:   len(st.Modified) + len(st.Renamed),
		Created:    len(st.Created),
		Deleted:    len(st.Deleted),
		Untracked:  len(st.Untracked),
		Conflicted: len(st.Conflicted),
	}
}

// RecentCommits returns up to n commits, newest first, or an empty slice
// if history cannot be read.
func (t *Transport) RecentCommits(ctx context.Context, n int) []Commit {
	entries, err := t.vcs.Log(ctx, n)
	if err != nil {
		t.log.Warn("log failed", zap.Error(err))
		return []Commit{}
	}
	out := make([]Commit, 0, len(entries))
	for _, e := range entries {
		hash := e.Hash
		if len(hash) > 7 {
			hash = hash[:7]
		}
		out = append(out, Commit{Hash: hash, Message: e.Subject, Author: e.Author, Date: e.Date})
	}
	return out
}
