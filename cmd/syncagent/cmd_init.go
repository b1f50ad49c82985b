package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "syncagent init" subcommand.
func newInitCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Prepare the repository and the shared document",
		Long: "Creates a git repository with an initial commit if the project root is not\n" +
			"one, ignores the document's temp files, and creates the shared document\n" +
			"with idle entries for both agents. Existing state is left untouched.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.agent.Initialize(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (peer %s) in %s\n",
				s.cfg.AgentID, s.cfg.PeerID, s.cfg.ProjectRoot)
			return nil
		},
	}
}
