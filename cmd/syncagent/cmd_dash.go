package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/killer4nano/sync-claude-agents/pkg/eventlog"
)

// newDashCmd creates the "syncagent dash" subcommand.
func newDashCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of both agents, the backlog and held locks",
		Long:  "Refreshes the local view every two seconds. It never pulls; run `syncagent start`\nalongside it to keep the checkout current.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			var events eventSource
			if j := s.journal; j != nil {
				events = func(ctx context.Context, limit int) ([]eventlog.Event, error) {
					return j.Query(ctx, eventlog.QueryOpts{Limit: limit})
				}
			}

			p := tea.NewProgram(newDashModel(s.agent, events, s.cfg.AgentID),
				tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
}
