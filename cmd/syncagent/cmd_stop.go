package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "syncagent stop" subcommand.
func newStopCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running `syncagent start`",
		Long:  "Sends SIGTERM to the agent recorded in its PID file. The agent marks\nitself offline and pushes before exiting.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			pidPath := cfg.Paths().PIDPath

			st, pid, err := agentRunState(pidPath)
			if err != nil {
				return err
			}

			switch st {
			case stateStopped:
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not running\n", cfg.AgentID)
				return nil
			case stateStale:
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file (process already dead)")
				return removePIDFile(pidPath)
			case stateRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "sending SIGTERM to %s (PID %d)\n", cfg.AgentID, pid)
				if err := signalStop(pidPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stop signal sent")
				return nil
			}

			return nil
		},
	}
}
