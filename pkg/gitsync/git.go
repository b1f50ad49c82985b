package gitsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VCS is the version-control boundary the transport is built on.
type VCS interface {
	IsRepo(ctx context.Context) (bool, error)
	Init(ctx context.Context) error
	Fetch(ctx context.Context) error
	Status(ctx context.Context) (*RepoStatus, error)
	// Pull merges the upstream branch. A failed merge leaves the working
	// tree mid-merge; conflicted paths are visible through Status.
	Pull(ctx context.Context) error
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	// Push wraps ErrPushRejected when the remote refuses a non-fast-forward update.
	Push(ctx context.Context) error
	Log(ctx context.Context, maxCount int) ([]LogEntry, error)

	// CheckoutTheirs resolves each conflicted path to the incoming version
	// (deleting it if the incoming side deleted it) and stages the result.
	CheckoutTheirs(ctx context.Context, paths ...string) error
	// AbortMerge abandons an in-progress merge.
	AbortMerge(ctx context.Context) error
}

// LogEntry is one commit from VCS.Log.
type LogEntry struct {
	Hash    string
	Author  string
	Date    time.Time
	Subject string
}

// Git implements VCS by running the git binary in a working tree.
type Git struct {
	dir string
	git GitRunner
}

// NewGit returns a Git for the working tree at dir. A nil runner uses
// ExecGitRunner.
func NewGit(dir string, runner GitRunner) *Git {
	if runner == nil {
		runner = &ExecGitRunner{}
	}
	return &Git{dir: dir, git: runner}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := g.git.Run(ctx, g.dir, args...)
	if err != nil {
		if ctx.Err() != nil {
			return stdout, fmt.Errorf("git %s cancelled: %w", args[0], ctx.Err())
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		return stdout, fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return stdout, nil
}

// IsRepo reports whether dir is inside a git working tree.
func (g *Git) IsRepo(ctx context.Context) (bool, error) {
	stdout, _, err := g.git.Run(ctx, g.dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return strings.TrimSpace(stdout) == "true", nil
}

func (g *Git) Init(ctx context.Context) error {
	_, err := g.run(ctx, "init")
	return err
}

func (g *Git) Fetch(ctx context.Context) error {
	_, err := g.run(ctx, "fetch", "--quiet")
	return err
}

func (g *Git) Status(ctx context.Context) (*RepoStatus, error) {
	out, err := g.run(ctx, "status", "--porcelain=v2", "--branch", "-z")
	if err != nil {
		return nil, err
	}
	return parseStatus(out)
}

func (g *Git) Pull(ctx context.Context) error {
	_, err := g.run(ctx, "pull", "--no-rebase", "--no-edit")
	return err
}

func (g *Git) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "-A", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

func (g *Git) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, "commit", "--quiet", "-m", message)
	return err
}

// Push pushes the current branch to its upstream.
func (g *Git) Push(ctx context.Context) error {
	stdout, stderr, err := g.git.Run(ctx, g.dir, "push")
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("git push cancelled: %w", ctx.Err())
	}
	if isRejection(stderr) || isRejection(stdout) {
		return fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("git push: %w: %s", err, strings.TrimSpace(stderr))
}

func isRejection(out string) bool {
	return strings.Contains(out, "[rejected]") ||
		strings.Contains(out, "non-fast-forward") ||
		strings.Contains(out, "fetch first")
}

// logFormat separates fields with US and records with RS.
const logFormat = "--format=%H%x1f%an%x1f%aI%x1f%s%x1e"

// Log returns up to maxCount commits, newest first. A repository with no
// commits yet yields an empty slice.
func (g *Git) Log(ctx context.Context, maxCount int) ([]LogEntry, error) {
	stdout, stderr, err := g.git.Run(ctx, g.dir, "log", "--max-count="+strconv.Itoa(maxCount), logFormat)
	if err != nil {
		if strings.Contains(stderr, "does not have any commits yet") {
			return nil, nil
		}
		return nil, fmt.Errorf("git log: %w: %s", err, strings.TrimSpace(stderr))
	}
	return parseLog(stdout)
}

func parseLog(out string) ([]LogEntry, error) {
	var entries []LogEntry
	for _, rec := range strings.Split(out, "\x1e") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		f := strings.Split(rec, "\x1f")
		if len(f) != 4 {
			return nil, fmt.Errorf("malformed log record %q", rec)
		}
		date, err := time.Parse(time.RFC3339, f[2])
		if err != nil {
			return nil, fmt.Errorf("parse commit date %q: %w", f[2], err)
		}
		entries = append(entries, LogEntry{Hash: f[0], Author: f[1], Date: date, Subject: f[3]})
	}
	return entries, nil
}

// CheckoutTheirs takes the incoming side of each conflicted path. A path
// the incoming side deleted has no "theirs" version and is removed instead.
func (g *Git) CheckoutTheirs(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := g.run(ctx, "checkout", "--theirs", "--", p); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if _, rmErr := g.run(ctx, "rm", "--quiet", "--force", "--", p); rmErr != nil {
				return fmt.Errorf("resolve %s: %w", p, rmErr)
			}
			continue
		}
		if _, err := g.run(ctx, "add", "--", p); err != nil {
			return fmt.Errorf("stage resolved %s: %w", p, err)
		}
	}
	return nil
}

func (g *Git) AbortMerge(ctx context.Context) error {
	_, err := g.run(ctx, "merge", "--abort")
	return err
}
