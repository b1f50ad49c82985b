package gitsync //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// fakeVCS is an in-memory VCS. Fetch makes remoteAhead commits visible as
// Behind; a failing Pull leaves conflicts in Status.
type fakeVCS struct {
	mu sync.Mutex

	repo        bool
	st          RepoStatus
	remoteAhead int
	conflicts   []string

	statusErr error
	fetchErr  error
	pullErr   error
	pushErrs  []error // consumed in order; exhausted means success
	logErr    error
	logs      []LogEntry

	calls   []string
	commits []string
	theirs  []string
}

func (f *fakeVCS) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeVCS) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeVCS) IsRepo(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("isRepo")
	return f.repo, nil
}

func (f *fakeVCS) Init(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("init")
	f.repo = true
	return nil
}

func (f *fakeVCS) Fetch(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch")
	if f.fetchErr != nil {
		return f.fetchErr
	}
	f.st.Behind = f.remoteAhead
	return nil
}

func (f *fakeVCS) Status(context.Context) (*RepoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status")
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.st
	return &st, nil
}

func (f *fakeVCS) Pull(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull")
	if f.pullErr != nil {
		f.st.Conflicted = append([]string(nil), f.conflicts...)
		return f.pullErr
	}
	f.st.Behind, f.remoteAhead = 0, 0
	return nil
}

func (f *fakeVCS) Add(context.Context, ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add")
	f.st.Created = append(f.st.Created, f.st.Untracked...)
	f.st.Untracked = nil
	return nil
}

func (f *fakeVCS) Commit(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("commit")
	f.commits = append(f.commits, message)
	f.st.Modified, f.st.Created, f.st.Deleted, f.st.Renamed, f.st.Conflicted = nil, nil, nil, nil, nil
	f.st.Ahead++
	return nil
}

func (f *fakeVCS) Push(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("push")
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return err
	}
	f.st.Ahead = 0
	return nil
}

func (f *fakeVCS) Log(context.Context, int) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("log")
	return f.logs, f.logErr
}

func (f *fakeVCS) CheckoutTheirs(_ context.Context, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("checkoutTheirs")
	f.theirs = append(f.theirs, paths...)
	f.st.Conflicted = nil
	return nil
}

func (f *fakeVCS) AbortMerge(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("abortMerge")
	f.st.Conflicted = nil
	return nil
}

func tracked() RepoStatus {
	return RepoStatus{Branch: "main", Upstream: "origin/main"}
}

func newTestTransport(t *testing.T, vcs VCS, opts ...Option) *Transport {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(t.TempDir(), "agent-1", vcs, opts...)
}

func TestPull_NoUpstreamIsLocalOnly(t *testing.T) {
	vcs := &fakeVCS{repo: true, st: RepoStatus{Branch: "main"}}
	tr := newTestTransport(t, vcs)

	res, err := tr.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !res.Success || res.Commits != 0 {
		t.Errorf("result = %+v, want success with 0 commits", res)
	}
	if vcs.count("fetch") != 0 || vcs.count("pull") != 0 {
		t.Errorf("calls = %v, want no fetch or pull without upstream", vcs.calls)
	}
}

func TestPull_UpToDateDoesNotMerge(t *testing.T) {
	vcs := &fakeVCS{repo: true, st: tracked()}
	tr := newTestTransport(t, vcs)

	res, err := tr.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if diff := cmp.Diff(PullResult{Success: true}, res, cmpErrs); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
	if vcs.count("fetch") != 1 {
		t.Errorf("fetch called %d times, want 1", vcs.count("fetch"))
	}
	if vcs.count("pull") != 0 {
		t.Error("pull called with zero commits behind")
	}
}

var cmpErrs = cmp.Comparer(func(a, b error) bool { return errors.Is(a, b) || errors.Is(b, a) })

func TestPull_IntegratesBehindCommits(t *testing.T) {
	vcs := &fakeVCS{repo: true, st: tracked(), remoteAhead: 4}
	tr := newTestTransport(t, vcs)

	res, err := tr.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !res.Success || res.Commits != 4 || res.Resolved {
		t.Errorf("result = %+v, want 4 commits integrated", res)
	}
}

func TestPull_FetchFailureIsReportedNotReturned(t *testing.T) {
	fetchErr := errors.New("could not resolve host")
	vcs := &fakeVCS{repo: true, st: tracked(), fetchErr: fetchErr}
	tr := newTestTransport(t, vcs)

	res, err := tr.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull returned %v, want transient failure in result", err)
	}
	if res.Success || !errors.Is(res.Err, fetchErr) {
		t.Errorf("result = %+v, want Success=false with fetch error", res)
	}
}

func TestPull_ResolvesCoordinationConflictsWithRemoteCopy(t *testing.T) {
	vcs := &fakeVCS{
		repo:        true,
		st:          tracked(),
		remoteAhead: 1,
		pullErr:     errors.New("CONFLICT (content): Merge conflict in .sync-state.json"),
		conflicts:   []string{protocol.StateFile, ".sync-lock-main.go"},
	}
	tr := newTestTransport(t, vcs)

	res, err := tr.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !res.Success || !res.Resolved || res.Commits != 1 {
		t.Errorf("result = %+v, want resolved success", res)
	}
	want := []string{protocol.StateFile, ".sync-lock-main.go"}
	if diff := cmp.Diff(want, vcs.theirs); diff != "" {
		t.Errorf("checkout --theirs paths (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, res.ResolvedFiles); diff != "" {
		t.Errorf("ResolvedFiles (-want +got):\n%s", diff)
	}
	if len(vcs.commits) != 1 || !strings.HasPrefix(vcs.commits[0], "[agent-1] ") {
		t.Errorf("commits = %v, want one agent-tagged resolution commit", vcs.commits)
	}
	if vcs.count("abortMerge") != 0 {
		t.Error("merge aborted although every conflict was resolvable")
	}
}

func TestPull_OtherConflictsAbortAndSurface(t *testing.T) {
	vcs := &fakeVCS{
		repo:        true,
		st:          tracked(),
		remoteAhead: 2,
		pullErr:     errors.New("CONFLICT"),
		conflicts:   []string{protocol.StateFile, "src/main.go"},
	}
	tr := newTestTransport(t, vcs)

	_, err := tr.Pull(context.Background())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *ConflictError", err)
	}
	if diff := cmp.Diff([]string{"src/main.go"}, conflict.Files); diff != "" {
		t.Errorf("Files (-want +got):\n%s", diff)
	}
	if vcs.count("abortMerge") != 1 {
		t.Error("merge not aborted")
	}
	if len(vcs.theirs) != 0 || len(vcs.commits) != 0 {
		t.Errorf("partial resolution happened: theirs=%v commits=%v", vcs.theirs, vcs.commits)
	}
}

func TestPull_MergeFailureWithoutConflictsIsTransient(t *testing.T) {
	vcs := &fakeVCS{repo: true, st: tracked(), remoteAhead: 1, pullErr: errors.New("local changes would be overwritten")}
	tr := newTestTransport(t, vcs)

	res, err := tr.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull returned %v, want transient failure", err)
	}
	if res.Success || res.Err == nil {
		t.Errorf("result = %+v", res)
	}
}

func TestPull_CustomAutoResolve(t *testing.T) {
	vcs := &fakeVCS{
		repo: true, st: tracked(), remoteAhead: 1,
		pullErr:   errors.New("CONFLICT"),
		conflicts: []string{"generated.lock"},
	}
	tr := newTestTransport(t, vcs, WithAutoResolve(func(p string) bool { return strings.HasSuffix(p, ".lock") }))

	res, err := tr.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !res.Resolved {
		t.Errorf("result = %+v, want resolved by custom predicate", res)
	}
}

func TestPush_NoChangesMakesNoCommit(t *testing.T) {
	vcs := &fakeVCS{repo: true, st: tracked()}
	tr := newTestTransport(t, vcs)

	res, err := tr.Push(context.Background(), "Auto-sync state")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Success || res.Committed {
		t.Errorf("result = %+v, want success without commit", res)
	}
	if vcs.count("commit") != 0 || vcs.count("push") != 0 {
		t.Errorf("calls = %v, want no commit or push", vcs.calls)
	}
}

func TestPush_CommitsWithAgentTagAndPushes(t *testing.T) {
	st := tracked()
	st.Modified = []string{protocol.StateFile}
	vcs := &fakeVCS{repo: true, st: st}
	tr := newTestTransport(t, vcs)

	res, err := tr.Push(context.Background(), "Claim task task-1")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	want := PushResult{Success: true, Committed: true, Pushed: true, Message: "[agent-1] Claim task task-1"}
	if diff := cmp.Diff(want, res, cmpErrs); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"[agent-1] Claim task task-1"}, vcs.commits); diff != "" {
		t.Errorf("commits (-want +got):\n%s", diff)
	}
}

func TestPush_PullsBeforeStaging(t *testing.T) {
	st := tracked()
	st.Untracked = []string{".sync-lock-a.go"}
	vcs := &fakeVCS{repo: true, st: st}
	tr := newTestTransport(t, vcs)

	if _, err := tr.Push(context.Background(), "Acquire lock"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	var fetchAt, addAt int
	for i, c := range vcs.calls {
		switch c {
		case "fetch":
			fetchAt = i
		case "add":
			addAt = i
		}
	}
	if fetchAt > addAt {
		t.Errorf("calls = %v, want fetch before add", vcs.calls)
	}
}

func TestPush_NoUpstreamCommitsWithoutPushing(t *testing.T) {
	vcs := &fakeVCS{repo: true, st: RepoStatus{Branch: "main", Modified: []string{protocol.StateFile}}}
	tr := newTestTransport(t, vcs)

	res, err := tr.Push(context.Background(), "Heartbeat")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Success || !res.Committed || res.Pushed {
		t.Errorf("result = %+v, want committed but not pushed", res)
	}
	if vcs.count("push") != 0 {
		t.Error("push attempted without upstream")
	}
}

func TestPush_PushesEarlierUnpushedCommits(t *testing.T) {
	st := tracked()
	st.Ahead = 1
	vcs := &fakeVCS{repo: true, st: st}
	tr := newTestTransport(t, vcs)

	res, err := tr.Push(context.Background(), "Auto-sync state")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Success || res.Committed || !res.Pushed {
		t.Errorf("result = %+v, want push of existing commit without a new one", res)
	}
}

func TestPush_RetriesRejectionAfterRepull(t *testing.T) {
	st := tracked()
	st.Modified = []string{protocol.StateFile}
	rejected := errors.Join(ErrPushRejected, errors.New("non-fast-forward"))
	vcs := &fakeVCS{repo: true, st: st, pushErrs: []error{rejected, rejected}}
	tr := newTestTransport(t, vcs)

	res, err := tr.Push(context.Background(), "Complete task")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Pushed || res.Retries != 2 {
		t.Errorf("result = %+v, want pushed after 2 retries", res)
	}
	if got := vcs.count("push"); got != 3 {
		t.Errorf("push called %d times, want 3", got)
	}
	// one pre-push pull plus one per retry
	if got := vcs.count("fetch"); got != 3 {
		t.Errorf("fetch called %d times, want 3", got)
	}
}

func TestPush_ExhaustsRetries(t *testing.T) {
	st := tracked()
	st.Modified = []string{protocol.StateFile}
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, ErrPushRejected)
	}
	vcs := &fakeVCS{repo: true, st: st, pushErrs: errs}
	tr := newTestTransport(t, vcs)

	res, err := tr.Push(context.Background(), "Claim task")
	var exhausted *PushExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *PushExhaustedError", err)
	}
	if exhausted.Attempts != protocol.DefaultPushRetries+1 {
		t.Errorf("Attempts = %d, want %d", exhausted.Attempts, protocol.DefaultPushRetries+1)
	}
	if !errors.Is(err, ErrPushRejected) {
		t.Error("PushExhaustedError should unwrap to ErrPushRejected")
	}
	if !res.Committed || res.Pushed {
		t.Errorf("result = %+v, want committed and not pushed", res)
	}
}

func TestPush_OtherFailureIsReported(t *testing.T) {
	st := tracked()
	st.Modified = []string{protocol.StateFile}
	netErr := errors.New("connection reset")
	vcs := &fakeVCS{repo: true, st: st, pushErrs: []error{netErr}}
	tr := newTestTransport(t, vcs)

	res, err := tr.Push(context.Background(), "Heartbeat")
	if err != nil {
		t.Fatalf("Push returned %v, want failure in result", err)
	}
	if res.Success || !res.Committed || !errors.Is(res.Err, netErr) {
		t.Errorf("result = %+v", res)
	}
	if vcs.count("push") != 1 {
		t.Error("non-rejection failure was retried")
	}
}

func TestSync_StopsWhenPullFails(t *testing.T) {
	vcs := &fakeVCS{repo: true, st: tracked(), fetchErr: errors.New("offline")}
	tr := newTestTransport(t, vcs)

	res, err := tr.Sync(context.Background(), "Auto-sync")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Success || res.Pull.Success {
		t.Errorf("result = %+v, want failure", res)
	}
	if vcs.count("add") != 0 {
		t.Error("sync staged changes after a failed pull")
	}
}

func TestInitialize_CreatesRepositoryAndIgnoresTempFiles(t *testing.T) {
	vcs := &fakeVCS{}
	tr := newTestTransport(t, vcs)

	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if vcs.count("init") != 1 {
		t.Error("git init not run")
	}
	if diff := cmp.Diff([]string{"Initial commit by agent-1"}, vcs.commits); diff != "" {
		t.Errorf("commits (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(filepath.Join(tr.root, ".gitignore"))
	if err != nil {
		t.Fatalf("read .gitignore: %v", err)
	}
	if !strings.Contains(string(data), protocol.StateTempPattern+"\n") {
		t.Errorf(".gitignore = %q, want temp pattern", data)
	}

	// Idempotent: existing repo, pattern already present.
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	again, _ := os.ReadFile(filepath.Join(tr.root, ".gitignore"))
	if string(again) != string(data) {
		t.Errorf(".gitignore changed on re-initialize: %q", again)
	}
	if vcs.count("init") != 1 {
		t.Error("git init run twice")
	}
}

func TestInitialize_AppendsToExistingGitignore(t *testing.T) {
	vcs := &fakeVCS{repo: true}
	tr := newTestTransport(t, vcs)
	path := filepath.Join(tr.root, ".gitignore")
	if err := os.WriteFile(path, []byte("node_modules/"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	data, _ := os.ReadFile(path) //nolint:gosec // test file
	if want := "node_modules/\n" + protocol.StateTempPattern + "\n"; string(data) != want {
		t.Errorf(".gitignore = %q, want %q", data, want)
	}
}

func TestStatusAndRecentCommits(t *testing.T) {
	st := tracked()
	st.Ahead, st.Behind = 1, 2
	st.Modified = []string{"a"}
	st.Renamed = []string{"b"}
	st.Untracked = []string{"c", "d"}
	date := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	vcs := &fakeVCS{repo: true, st: st, logs: []LogEntry{
		{Hash: "0123456789abcdef", Author: "agent", Date: date, Subject: "[agent-2] Heartbeat"},
	}}
	tr := newTestTransport(t, vcs)

	sum := tr.Status(context.Background())
	want := &Summary{Branch: "main", Upstream: "origin/main", Ahead: 1, Behind: 2, Modified: 2, Untracked: 2}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("summary (-want +got):\n%s", diff)
	}

	commits := tr.RecentCommits(context.Background(), 5)
	wantCommits := []Commit{{Hash: "0123456", Message: "[agent-2] Heartbeat", Author: "agent", Date: date}}
	if diff := cmp.Diff(wantCommits, commits); diff != "" {
		t.Errorf("commits (-want +got):\n%s", diff)
	}
}

func TestStatusAndRecentCommits_DegradeOnFailure(t *testing.T) {
	vcs := &fakeVCS{repo: true, statusErr: errors.New("boom"), logErr: errors.New("boom")}
	tr := newTestTransport(t, vcs)

	if sum := tr.Status(context.Background()); sum != nil {
		t.Errorf("Status = %+v, want nil", sum)
	}
	commits := tr.RecentCommits(context.Background(), 5)
	if commits == nil || len(commits) != 0 {
		t.Errorf("RecentCommits = %#v, want empty non-nil slice", commits)
	}
}
