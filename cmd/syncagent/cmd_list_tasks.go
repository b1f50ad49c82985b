package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
	"github.com/killer4nano/sync-claude-agents/pkg/state"
)

// newListTasksCmd creates the "syncagent list-tasks" subcommand.
func newListTasksCmd(opts *globalOpts) *cobra.Command {
	var (
		status   string
		assigned string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list-tasks",
		Short: "List tasks in the shared backlog",
		Long:  "Lists tasks in document order. --status and --assigned are combined with AND.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := state.Filter{Status: protocol.TaskStatus(status), AssignedTo: assigned}
			switch filter.Status {
			case "", protocol.TaskPending, protocol.TaskInProgress, protocol.TaskCompleted:
			default:
				return fmt.Errorf("unknown status %q (want pending, in-progress or completed)", status)
			}

			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			tasks, err := s.agent.ListTasks(cmd.Context(), filter)
			if err != nil {
				return explain(err)
			}

			out := cmd.OutOrStdout()
			if wantJSON(out, asJSON) {
				return writeJSON(out, tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			styles := NewStyles(DefaultTheme())
			for _, t := range tasks {
				fmt.Fprintln(out, renderTask(t, styles))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: pending, in-progress, completed")
	cmd.Flags().StringVar(&assigned, "assigned", "", "filter by assigned agent id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
