package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/killer4nano/sync-claude-agents/pkg/agent"
)

// newStatusCmd creates the "syncagent status" subcommand.
func newStatusCmd(opts *globalOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show both agents, the backlog, the repository and held locks",
		Long: "Reads the local copy of the shared state; it does not pull. Output is\n" +
			"JSON when --json is given or stdout is not a terminal.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.agent.Status(cmd.Context())
			if err != nil {
				return explain(err)
			}
			return printSnapshot(cmd, snap, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printSnapshot(cmd *cobra.Command, snap *agent.Snapshot, asJSON bool) error {
	out := cmd.OutOrStdout()
	if wantJSON(out, asJSON) {
		return writeJSON(out, snap)
	}
	fmt.Fprint(out, renderSnapshot(snap, NewStyles(DefaultTheme()), time.Now()))
	return nil
}
