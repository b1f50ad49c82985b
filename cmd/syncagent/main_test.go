package main

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/killer4nano/sync-claude-agents/pkg/eventlog"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// setupProject returns an empty project root with an isolated state home
// and git identity.
func setupProject(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	t.Setenv("SYNC_AGENTS_HOME", filepath.Join(t.TempDir(), "home"))
	t.Setenv("SYNC_AGENTS_CONFIG", "")
	t.Setenv("SYNC_AGENTS_PID_PATH", "")
	t.Setenv("SYNC_AGENTS_JOURNAL", "")
	t.Setenv("AGENT_ID", "")
	t.Setenv("PEER_ID", "")
	t.Setenv("SYNC_PROJECT_ROOT", root)
	t.Setenv("GIT_AUTHOR_NAME", "Test Agent")
	t.Setenv("GIT_AUTHOR_EMAIL", "agent@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "Test Agent")
	t.Setenv("GIT_COMMITTER_EMAIL", "agent@example.com")
	return root
}

func TestCLICommands(t *testing.T) {
	t.Run("root --help lists subcommands", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "syncagent", "init", "start", "stop", "status", "add-task",
			"list-tasks", "next-task", "complete-task", "lock", "unlock", "events", "dash") {
			t.Errorf("expected root help to list all subcommands, got:\n%s", out)
		}
	})

	t.Run("root --version prints version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(out, "syncagent ") {
			t.Errorf("expected version output to start with 'syncagent', got: %s", out)
		}
	})

	t.Run("list-tasks --help shows filters", func(t *testing.T) {
		out, _, err := executeCommand("list-tasks", "--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "--status", "--assigned", "--json") {
			t.Errorf("expected list-tasks help to show filters, got:\n%s", out)
		}
	})

	t.Run("add-task requires a description", func(t *testing.T) {
		if _, _, err := executeCommand("add-task"); err == nil {
			t.Error("expected error for missing description")
		}
	})

	t.Run("lock requires exactly one resource", func(t *testing.T) {
		if _, _, err := executeCommand("lock", "a", "b"); err == nil {
			t.Error("expected error for two resources")
		}
	})
}

func TestStatus_BeforeInit(t *testing.T) {
	setupProject(t)

	_, _, err := executeCommand("status")
	if err == nil || !strings.Contains(err.Error(), "syncagent init") {
		t.Fatalf("status before init = %v, want init hint", err)
	}
}

func TestListTasks_RejectsUnknownStatus(t *testing.T) {
	setupProject(t)

	_, _, err := executeCommand("list-tasks", "--status", "doing")
	if err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Fatalf("list-tasks --status doing = %v", err)
	}
}

func TestWorkflow_LocalOnly(t *testing.T) {
	root := setupProject(t)

	out, _, err := executeCommand("init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !containsAll(out, "initialized agent-1", "peer agent-2") {
		t.Errorf("init output = %q", out)
	}

	out, _, err = executeCommand("add-task", "write", "docs", "--meta", "priority=1", "--meta", "area=cli")
	if err != nil {
		t.Fatalf("add-task: %v", err)
	}
	if !strings.Contains(out, "write docs") {
		t.Errorf("add-task output = %q", out)
	}
	if _, _, err := executeCommand("add-task", "review"); err != nil {
		t.Fatalf("add-task: %v", err)
	}

	out, _, err = executeCommand("next-task")
	if err != nil {
		t.Fatalf("next-task: %v", err)
	}
	var claimed protocol.Task
	if err := json.Unmarshal([]byte(out), &claimed); err != nil {
		t.Fatalf("next-task output %q: %v", out, err)
	}
	if claimed.Description != "write docs" || claimed.AssignedTo != "agent-1" {
		t.Errorf("claimed = %+v", claimed)
	}
	var meta map[string]any
	if err := json.Unmarshal(claimed.Metadata, &meta); err != nil || meta["priority"] != float64(1) || meta["area"] != "cli" {
		t.Errorf("metadata = %s (%v)", claimed.Metadata, err)
	}

	// The peer sees the claim and takes the other task.
	out, _, err = executeCommand("--agent", "agent-2", "next-task")
	if err != nil {
		t.Fatalf("agent-2 next-task: %v", err)
	}
	if !strings.Contains(out, `"review"`) {
		t.Errorf("agent-2 claimed %s, want review", out)
	}

	out, _, err = executeCommand("complete-task", "--result", "ok=true")
	if err != nil {
		t.Fatalf("complete-task: %v", err)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("complete-task output = %q", out)
	}
	out, _, err = executeCommand("complete-task")
	if err != nil || !strings.Contains(out, "no current task") {
		t.Errorf("second complete-task = %q, %v", out, err)
	}

	out, _, err = executeCommand("list-tasks", "--status", "completed")
	if err != nil {
		t.Fatalf("list-tasks: %v", err)
	}
	var done []protocol.Task
	if err := json.Unmarshal([]byte(out), &done); err != nil {
		t.Fatalf("list-tasks output %q: %v", out, err)
	}
	if len(done) != 1 || done[0].ID != claimed.ID || string(done[0].Result) == "" {
		t.Errorf("completed tasks = %+v", done)
	}

	out, _, err = executeCommand("status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var snap struct {
		Agent struct {
			Status string `json:"status"`
		} `json:"agent"`
		OtherAgent struct {
			Status      string `json:"status"`
			CurrentTask string `json:"currentTask"`
		} `json:"otherAgent"`
		Tasks struct {
			Total, Completed, InProgress int
		} `json:"tasks"`
		Git *struct {
			Upstream string `json:"upstream"`
		} `json:"git"`
	}
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("status output %q: %v", out, err)
	}
	if snap.Agent.Status != "idle" || snap.OtherAgent.Status != "working" || snap.OtherAgent.CurrentTask == "" {
		t.Errorf("agents = %+v / %+v", snap.Agent, snap.OtherAgent)
	}
	if snap.Tasks.Total != 2 || snap.Tasks.Completed != 1 || snap.Tasks.InProgress != 1 {
		t.Errorf("tasks = %+v", snap.Tasks)
	}
	if snap.Git == nil || snap.Git.Upstream != "" {
		t.Errorf("git = %+v, want local-only summary", snap.Git)
	}

	if out, _, err := executeCommand("lock", "src/main.go"); err != nil || !strings.Contains(out, "locked src/main.go") {
		t.Fatalf("lock = %q, %v", out, err)
	}
	if _, _, err := executeCommand("--agent", "agent-2", "lock", "src/main.go", "--timeout", "20ms"); err == nil ||
		!strings.Contains(err.Error(), "held by agent-1") {
		t.Errorf("peer lock = %v, want timeout held by agent-1", err)
	}
	if _, _, err := executeCommand("--agent", "agent-2", "unlock", "src/main.go"); err == nil {
		t.Error("peer unlock succeeded")
	}
	if out, _, err := executeCommand("unlock", "src/main.go"); err != nil || !strings.Contains(out, "unlocked") {
		t.Fatalf("unlock = %q, %v", out, err)
	}

	out, _, err = executeCommand("events", "--type", string(protocol.EventTaskClaimed))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var events []eventlog.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("events output %q: %v", out, err)
	}
	if len(events) != 1 || events[0].TaskID != claimed.ID || events[0].AgentID != "agent-1" {
		t.Errorf("claim events = %+v", events)
	}

	// Coordination state is committed, temp files are ignored.
	log, err := exec.Command("git", "-C", root, "log", "--format=%s").Output()
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if !containsAll(string(log), "[agent-1] Added task: write docs", "[agent-1] Claimed task: write docs",
		"[agent-2] Claimed task: review", "[agent-1] Completed task: write docs", "[agent-1] Release lock: src/main.go") {
		t.Errorf("git log:\n%s", log)
	}
}

func TestEvents_NoJournal(t *testing.T) {
	setupProject(t)

	out, _, err := executeCommand("events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "no journal") {
		t.Errorf("events output = %q", out)
	}
}

func TestStop_NotRunning(t *testing.T) {
	setupProject(t)

	out, _, err := executeCommand("stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out, "agent-1 is not running") {
		t.Errorf("stop output = %q", out)
	}
}
