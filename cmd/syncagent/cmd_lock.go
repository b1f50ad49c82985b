package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newLockCmd creates the "syncagent lock" subcommand.
func newLockCmd(opts *globalOpts) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "lock <resource>",
		Short: "Acquire an advisory lock on a shared resource",
		Long: "Takes the lock and leaves it held after the command exits; release it with\n" +
			"`syncagent unlock`. Waits up to --timeout while the peer holds it. Locks\n" +
			"older than the staleness threshold are taken over. Advisory and best-effort:\n" +
			"nothing stops a process that ignores it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			resource := args[0]
			if err := s.agent.AcquireLock(cmd.Context(), resource, timeout); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", resource)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the peer (default: lock_timeout from config)")
	return cmd
}

// newUnlockCmd creates the "syncagent unlock" subcommand.
func newUnlockCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <resource>",
		Short: "Release a lock held by this agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			resource := args[0]
			released, err := s.agent.ReleaseLock(cmd.Context(), resource)
			if !released {
				if err != nil {
					return err
				}
				return fmt.Errorf("%s is not locked by %s", resource, s.cfg.AgentID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", resource)
			return err
		},
	}
}
