package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/killer4nano/sync-claude-agents/pkg/agent"
	"github.com/killer4nano/sync-claude-agents/pkg/eventlog"
	"github.com/killer4nano/sync-claude-agents/pkg/gitsync"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
	"github.com/killer4nano/sync-claude-agents/pkg/state"
)

const dashRefresh = 2 * time.Second

// dashSource is the slice of *agent.Agent the dashboard reads.
type dashSource interface {
	Status(ctx context.Context) (*agent.Snapshot, error)
	ListTasks(ctx context.Context, filter state.Filter) ([]protocol.Task, error)
	RecentCommits(ctx context.Context, n int) []gitsync.Commit
}

// eventSource returns recent journal events; nil when there is no journal.
type eventSource func(ctx context.Context, limit int) ([]eventlog.Event, error)

// taskView selects which tasks the table shows.
type taskView int

const (
	viewAll taskView = iota
	viewMine
	viewPending
	viewCount
)

func (v taskView) String() string {
	switch v {
	case viewMine:
		return "mine"
	case viewPending:
		return "pending"
	default:
		return "all"
	}
}

type dashData struct {
	snap    *agent.Snapshot
	tasks   []protocol.Task
	commits []gitsync.Commit
	events  []eventlog.Event
	err     error
	at      time.Time
}

type dashDataMsg dashData

type dashTickMsg time.Time

type dashModel struct {
	src     dashSource
	events  eventSource
	agentID string
	theme   Theme
	styles  Styles
	table   table.Model
	view    taskView
	data    dashData
	width   int
}

func newDashModel(src dashSource, events eventSource, agentID string) dashModel {
	theme := DefaultTheme()
	t := table.New(
		table.WithColumns(taskColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.Bold(true).Foreground(theme.Primary).
		BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(theme.Muted)
	ts.Selected = ts.Selected.Foreground(lipgloss.Color("0")).Background(theme.Primary)
	t.SetStyles(ts)

	return dashModel{
		src:     src,
		events:  events,
		agentID: agentID,
		theme:   theme,
		styles:  NewStyles(theme),
		table:   t,
	}
}

// taskColumns sizes the description column to fill width.
func taskColumns(width int) []table.Column {
	desc := max(width-12-13-10-8, 20)
	return []table.Column{
		{Title: "ID", Width: 12},
		{Title: "Status", Width: 13},
		{Title: "Assigned", Width: 10},
		{Title: "Description", Width: desc},
	}
}

func dashTickCmd() tea.Cmd {
	return tea.Tick(dashRefresh, func(t time.Time) tea.Msg {
		return dashTickMsg(t)
	})
}

func (m dashModel) fetchCmd() tea.Cmd {
	src, events, filter := m.src, m.events, m.filter()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), dashRefresh)
		defer cancel()
		return dashDataMsg(fetchDashData(ctx, src, events, filter))
	}
}

func fetchDashData(ctx context.Context, src dashSource, events eventSource, filter state.Filter) dashData {
	d := dashData{at: time.Now()}
	d.snap, d.err = src.Status(ctx)
	if d.err != nil {
		return d
	}
	d.tasks, d.err = src.ListTasks(ctx, filter)
	if d.err != nil {
		return d
	}
	d.commits = src.RecentCommits(ctx, 5)
	if events != nil {
		// The journal is optional; a read failure only hides the panel.
		d.events, _ = events(ctx, 5)
	}
	return d
}

func (m dashModel) filter() state.Filter {
	switch m.view {
	case viewMine:
		return state.Filter{AssignedTo: m.agentID}
	case viewPending:
		return state.Filter{Status: protocol.TaskPending}
	default:
		return state.Filter{}
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), dashTickCmd())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetColumns(taskColumns(msg.Width))
		m.table.SetHeight(max(msg.Height-22, 5))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		case "tab":
			m.view = (m.view + 1) % viewCount
			return m, m.fetchCmd()
		}

	case dashTickMsg:
		return m, tea.Batch(m.fetchCmd(), dashTickCmd())

	case dashDataMsg:
		m.data = dashData(msg)
		if m.data.err == nil {
			m.table.SetRows(taskRows(m.data.tasks))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func taskRows(tasks []protocol.Task) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		owner := t.AssignedTo
		if owner == "" {
			owner = "-"
		}
		rows = append(rows, table.Row{shortID(t.ID), string(t.Status), owner, t.Description})
	}
	return rows
}

// shortID trims the "task-" prefix and keeps the first uuid group.
func shortID(id string) string {
	id = strings.TrimPrefix(id, "task-")
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// View implements tea.Model.
func (m dashModel) View() string {
	s := m.styles
	var sb strings.Builder

	sb.WriteString(s.Title.Render("syncagent · " + m.agentID))
	sb.WriteString("\n\n")

	switch {
	case m.data.err != nil:
		sb.WriteString(s.Bad.Render("error: " + explain(m.data.err).Error()))
		sb.WriteString("\n\n")
	case m.data.snap == nil:
		sb.WriteString(s.Muted.Render("loading..."))
		sb.WriteString("\n\n")
	default:
		sb.WriteString(m.renderHeader())
		sb.WriteString("\n\n")
	}

	sb.WriteString(s.Title.Render(fmt.Sprintf("Tasks (%s)", m.view)))
	sb.WriteString("\n")
	sb.WriteString(m.table.View())
	sb.WriteString("\n\n")

	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.renderCommits(), "  ", m.renderEvents()))
	sb.WriteString("\n")
	sb.WriteString(s.Muted.Render("tab: switch view · r: refresh · q: quit"))
	return sb.String()
}

func (m dashModel) renderHeader() string {
	s, snap := m.styles, m.data.snap
	now := m.data.at

	agents := strings.Join([]string{
		s.row(snap.Agent.ID, s.agentStatus(snap.Agent)+lastSeen(snap.Agent, now, s)),
		s.row(snap.OtherAgent.ID, s.agentStatus(snap.OtherAgent)+lastSeen(snap.OtherAgent, now, s)),
	}, "\n")

	t := snap.Tasks
	tasks := fmt.Sprintf("%d total · %d pending · %d in-progress · %d done",
		t.Total, t.Pending, t.InProgress, t.Completed)

	repo := s.Bad.Render("git unavailable")
	if g := snap.Git; g != nil {
		upstream := g.Upstream
		if upstream == "" {
			upstream = "local only"
		}
		repo = fmt.Sprintf("%s → %s  ↑%d ↓%d", g.Branch, upstream, g.Ahead, g.Behind)
	}

	locks := s.Muted.Render("no locks")
	if n := len(snap.Locks); n > 0 {
		names := make([]string, 0, n)
		for _, l := range snap.Locks {
			names = append(names, fmt.Sprintf("%s (%s)", l.File, l.AgentID))
		}
		locks = s.Warn.Render(strings.Join(names, ", "))
	}

	right := strings.Join([]string{tasks, repo, locks}, "\n")
	return lipgloss.JoinHorizontal(lipgloss.Top, s.Section.Render(agents), " ", s.Section.Render(right))
}

func (m dashModel) renderCommits() string {
	s := m.styles
	lines := []string{s.Title.Render("Recent commits")}
	if len(m.data.commits) == 0 {
		lines = append(lines, s.Muted.Render("none"))
	}
	for _, c := range m.data.commits {
		lines = append(lines, s.Muted.Render(c.Hash)+" "+truncate(c.Message, 48))
	}
	return s.Section.Render(strings.Join(lines, "\n"))
}

func (m dashModel) renderEvents() string {
	s := m.styles
	lines := []string{s.Title.Render("Journal")}
	if m.events == nil {
		lines = append(lines, s.Muted.Render("disabled"))
	} else if len(m.data.events) == 0 {
		lines = append(lines, s.Muted.Render("no events"))
	}
	for _, e := range m.data.events {
		lines = append(lines, s.Muted.Render(e.CreatedAt.Local().Format(time.TimeOnly))+" "+truncate(string(e.Type)+" "+e.Detail, 40))
	}
	return s.Section.Render(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
