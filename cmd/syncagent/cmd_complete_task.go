package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCompleteTaskCmd creates the "syncagent complete-task" subcommand.
func newCompleteTaskCmd(opts *globalOpts) *cobra.Command {
	var result []string
	cmd := &cobra.Command{
		Use:     "complete-task",
		Short:   "Complete this agent's current task",
		Long:    "Marks the current task completed with an optional result, sets this agent\nidle, and pushes.",
		Example: `  syncagent complete-task --result ok=true --result notes="merged in #12"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := parseKV(result)
			if err != nil {
				return err
			}
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			var payload any
			if res != nil {
				payload = res
			}
			task, err := s.agent.CompleteTask(cmd.Context(), payload)
			if task == nil && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no current task")
				return nil
			}
			if task != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "completed %s: %s\n", task.ID, task.Description)
			}
			return explain(err)
		},
	}
	cmd.Flags().StringArrayVar(&result, "result", nil, "result key=value (repeatable)")
	return cmd
}
