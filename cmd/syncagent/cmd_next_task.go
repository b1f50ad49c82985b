package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newNextTaskCmd creates the "syncagent next-task" subcommand.
func newNextTaskCmd(opts *globalOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "next-task",
		Short: "Claim the next pending task",
		Long: "Pulls, claims the first pending task, pushes the claim and verifies it\n" +
			"survived replication. A claim lost to the peer moves on to the next task.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			task, err := s.agent.ProcessNextTask(cmd.Context())
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			if wantJSON(out, asJSON) {
				return writeJSON(out, task)
			}
			if task == nil {
				fmt.Fprintln(out, "no tasks available")
				return nil
			}
			fmt.Fprintf(out, "claimed %s: %s\n", task.ID, task.Description)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON (null when nothing was claimed)")
	return cmd
}
