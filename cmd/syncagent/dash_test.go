package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/killer4nano/sync-claude-agents/pkg/agent"
	"github.com/killer4nano/sync-claude-agents/pkg/eventlog"
	"github.com/killer4nano/sync-claude-agents/pkg/gitsync"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
	"github.com/killer4nano/sync-claude-agents/pkg/state"
)

var dashNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	snap    *agent.Snapshot
	tasks   []protocol.Task
	err     error
	filters []state.Filter
}

func (s *stubSource) Status(context.Context) (*agent.Snapshot, error) { return s.snap, s.err }

func (s *stubSource) ListTasks(_ context.Context, f state.Filter) ([]protocol.Task, error) {
	s.filters = append(s.filters, f)
	return s.tasks, nil
}

func (s *stubSource) RecentCommits(context.Context, int) []gitsync.Commit {
	return []gitsync.Commit{{Hash: "abc1234", Message: "[agent-2] Claimed task: review"}}
}

func sampleSnapshot() *agent.Snapshot {
	seen := dashNow.Add(-30 * time.Second)
	return &agent.Snapshot{
		Agent:      agent.AgentView{ID: "agent-1", Known: true, Status: protocol.AgentIdle, LastSeen: &seen, Active: true},
		OtherAgent: agent.AgentView{ID: "agent-2", Known: true, Status: protocol.AgentWorking, CurrentTask: "task-9", Active: true},
		Tasks:      agent.TaskCounts{Total: 3, Pending: 1, InProgress: 1, Completed: 1},
		Version:    7,
		Git:        &gitsync.Summary{Branch: "main", Upstream: "origin/main", Ahead: 1},
		Locks:      []protocol.Lock{{AgentID: "agent-2", File: "go.mod", AcquiredAt: dashNow.Add(-time.Minute)}},
		TakenAt:    dashNow,
	}
}

func sampleTasks() []protocol.Task {
	return []protocol.Task{
		{ID: "task-1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed", Description: "write docs", Status: protocol.TaskPending},
		{ID: "task-9", Description: "review", Status: protocol.TaskInProgress, AssignedTo: "agent-2"},
	}
}

func TestDash_FetchAndRender(t *testing.T) {
	src := &stubSource{snap: sampleSnapshot(), tasks: sampleTasks()}
	events := func(context.Context, int) ([]eventlog.Event, error) {
		return []eventlog.Event{{Type: protocol.EventTaskClaimed, Detail: "review", CreatedAt: dashNow}}, nil
	}
	m := newDashModel(src, events, "agent-1")

	data := fetchDashData(context.Background(), src, events, m.filter())
	updated, _ := m.Update(dashDataMsg(data))
	view := updated.View()

	for _, want := range []string{"agent-1", "agent-2", "1 pending", "main", "go.mod (agent-2)", "write docs", "1b9d6bcd", "Claimed task: review", "task_claimed"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestDash_TabCyclesViews(t *testing.T) {
	src := &stubSource{snap: sampleSnapshot()}
	m := newDashModel(src, nil, "agent-1")

	var model tea.Model = m
	wantFilters := []state.Filter{
		{AssignedTo: "agent-1"},
		{Status: protocol.TaskPending},
		{},
	}
	for _, want := range wantFilters {
		var cmd tea.Cmd
		model, cmd = model.Update(tea.KeyMsg{Type: tea.KeyTab})
		if cmd == nil {
			t.Fatal("tab returned no fetch command")
		}
		cmd()
		if got := src.filters[len(src.filters)-1]; got != want {
			t.Errorf("filter = %+v, want %+v", got, want)
		}
	}
}

func TestDash_ShowsErrors(t *testing.T) {
	m := newDashModel(&stubSource{}, nil, "agent-1")
	updated, _ := m.Update(dashDataMsg(dashData{err: state.ErrNoDocument}))
	view := updated.View()
	if !strings.Contains(view, "syncagent init") {
		t.Errorf("view missing init hint:\n%s", view)
	}
	if !strings.Contains(view, "disabled") {
		t.Errorf("view missing disabled journal:\n%s", view)
	}
}

func TestDash_Quit(t *testing.T) {
	m := newDashModel(&stubSource{}, nil, "agent-1")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestFetchDashData_StopsOnStatusError(t *testing.T) {
	src := &stubSource{err: errors.New("boom")}
	d := fetchDashData(context.Background(), src, nil, state.Filter{})
	if d.err == nil || len(src.filters) != 0 {
		t.Errorf("fetch = %+v, filters %v", d, src.filters)
	}
}

func TestRenderSnapshot(t *testing.T) {
	out := renderSnapshot(sampleSnapshot(), NewStyles(DefaultTheme()), dashNow)
	for _, want := range []string{"agent-1 (self)", "seen 30s ago", "working", "origin/main", "1/0", "go.mod", "held 1m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	local := sampleSnapshot()
	local.Git = &gitsync.Summary{Branch: "main", Conflicted: 2}
	out = renderSnapshot(local, NewStyles(DefaultTheme()), dashNow)
	if !containsAll(out, "local only", "2 files") {
		t.Errorf("local-only output:\n%s", out)
	}
}

func TestWantJSON(t *testing.T) {
	if !wantJSON(&bytes.Buffer{}, false) {
		t.Error("buffer should get JSON")
	}
	if !wantJSON(&bytes.Buffer{}, true) {
		t.Error("forced JSON ignored")
	}
}
