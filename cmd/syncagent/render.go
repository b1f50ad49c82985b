package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/killer4nano/sync-claude-agents/pkg/agent"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// Theme defines the colors used by styled output and the dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Good    lipgloss.Style
	Warn    lipgloss.Style
	Bad     lipgloss.Style
	Section lipgloss.Style
}

// NewStyles builds the styles for theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Label:   lipgloss.NewStyle().Width(14).Foreground(theme.Muted),
		Muted:   lipgloss.NewStyle().Foreground(theme.Muted),
		Good:    lipgloss.NewStyle().Foreground(theme.Success),
		Warn:    lipgloss.NewStyle().Foreground(theme.Warning),
		Bad:     lipgloss.NewStyle().Foreground(theme.Error),
		Section: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(theme.Muted).Padding(0, 1),
	}
}

// wantJSON reports whether output to w should be JSON: when forced, or when
// w is not a terminal.
func wantJSON(w io.Writer, forced bool) bool {
	if forced {
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func (s Styles) agentStatus(v agent.AgentView) string {
	if !v.Known {
		return s.Muted.Render("unknown")
	}
	label := string(v.Status)
	switch {
	case v.Status == protocol.AgentOffline:
		return s.Muted.Render(label)
	case !v.Active:
		return s.Warn.Render(label + " (inactive)")
	case v.Status == protocol.AgentWorking:
		return s.Good.Render(label)
	default:
		return label
	}
}

func (s Styles) taskStatus(st protocol.TaskStatus) string {
	switch st {
	case protocol.TaskCompleted:
		return s.Good.Render(string(st))
	case protocol.TaskInProgress:
		return s.Warn.Render(string(st))
	default:
		return string(st)
	}
}

func (s Styles) row(label, value string) string {
	return s.Label.Render(label) + value
}

// renderSnapshot formats snap for a terminal.
func renderSnapshot(snap *agent.Snapshot, s Styles, now time.Time) string {
	var sb strings.Builder

	agents := []string{
		s.Title.Render("Agents"),
		s.row(snap.Agent.ID+" (self)", s.agentStatus(snap.Agent)+lastSeen(snap.Agent, now, s)),
		s.row(snap.OtherAgent.ID, s.agentStatus(snap.OtherAgent)+lastSeen(snap.OtherAgent, now, s)),
	}
	if snap.Agent.CurrentTask != "" {
		agents = append(agents, s.row("current task", snap.Agent.CurrentTask))
	}
	sb.WriteString(s.Section.Render(strings.Join(agents, "\n")))
	sb.WriteString("\n")

	t := snap.Tasks
	tasks := []string{
		s.Title.Render("Tasks"),
		s.row("total", fmt.Sprint(t.Total)),
		s.row("pending", fmt.Sprint(t.Pending)),
		s.row("in-progress", fmt.Sprint(t.InProgress)),
		s.row("completed", fmt.Sprint(t.Completed)),
	}
	sb.WriteString(s.Section.Render(strings.Join(tasks, "\n")))
	sb.WriteString("\n")

	repo := []string{s.Title.Render("Repository"), s.row("version", fmt.Sprint(snap.Version))}
	if g := snap.Git; g != nil {
		upstream := g.Upstream
		if upstream == "" {
			upstream = s.Muted.Render("none (local only)")
		}
		repo = append(repo,
			s.row("branch", g.Branch),
			s.row("upstream", upstream),
			s.row("ahead/behind", fmt.Sprintf("%d/%d", g.Ahead, g.Behind)),
		)
		if dirty := g.Modified + g.Created + g.Deleted + g.Untracked; dirty > 0 {
			repo = append(repo, s.row("uncommitted", fmt.Sprintf("%d files", dirty)))
		}
		if g.Conflicted > 0 {
			repo = append(repo, s.row("conflicted", s.Bad.Render(fmt.Sprintf("%d files", g.Conflicted))))
		}
	} else {
		repo = append(repo, s.row("git", s.Bad.Render("unavailable")))
	}
	sb.WriteString(s.Section.Render(strings.Join(repo, "\n")))
	sb.WriteString("\n")

	if len(snap.Locks) > 0 {
		locks := []string{s.Title.Render("Locks")}
		for _, l := range snap.Locks {
			locks = append(locks, s.row(l.AgentID, fmt.Sprintf("%s %s", l.File,
				s.Muted.Render("held "+l.AgeAt(now).Truncate(time.Second).String()))))
		}
		sb.WriteString(s.Section.Render(strings.Join(locks, "\n")))
		sb.WriteString("\n")
	}
	return sb.String()
}

func lastSeen(v agent.AgentView, now time.Time, s Styles) string {
	if v.LastSeen == nil {
		return ""
	}
	return s.Muted.Render(fmt.Sprintf("  seen %s ago", now.Sub(*v.LastSeen).Truncate(time.Second)))
}

// renderTask formats one task as a single line.
func renderTask(t protocol.Task, s Styles) string {
	owner := t.AssignedTo
	if owner == "" {
		owner = "-"
	}
	return fmt.Sprintf("%s  %-11s  %-8s  %s", s.Muted.Render(t.ID), s.taskStatus(t.Status), owner, t.Description)
}
