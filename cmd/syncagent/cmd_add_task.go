package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newAddTaskCmd creates the "syncagent add-task" subcommand.
func newAddTaskCmd(opts *globalOpts) *cobra.Command {
	var meta []string
	cmd := &cobra.Command{
		Use:   "add-task <description>",
		Short: "Append a pending task to the shared backlog",
		Long:  "Adds the task to the shared document and pushes it. The peer sees it\nafter its next pull.",
		Example: `  syncagent add-task "Refactor the parser" --meta priority=1 --meta area=parser`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseKV(meta)
			if err != nil {
				return err
			}
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			task, err := s.agent.AddTask(cmd.Context(), strings.Join(args, " "), metadata)
			if task != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s: %s\n", task.ID, task.Description)
			}
			return explain(err)
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}
