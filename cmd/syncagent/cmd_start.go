package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// stopGrace bounds the offline update performed on shutdown.
const stopGrace = 30 * time.Second

// newStartCmd creates the "syncagent start" subcommand.
func newStartCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the heartbeat and sync loops in the foreground",
		Long: "Initializes the repository if needed, pulls, then heartbeats and syncs\n" +
			"until interrupted. On SIGINT or SIGTERM the agent marks itself offline.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			pidPath := s.cfg.Paths().PIDPath
			st, pid, err := agentRunState(pidPath)
			if err != nil {
				return err
			}
			if st == stateRunning {
				return fmt.Errorf("%s is already running (PID %d)", s.cfg.AgentID, pid)
			}
			if err := writePIDFile(pidPath, os.Getpid()); err != nil {
				return err
			}
			ctx, cleanup := withSignals(cmd.Context(), pidPath)
			defer cleanup()

			if err := s.agent.Initialize(ctx); err != nil {
				return err
			}
			if err := s.agent.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s running in %s (sync every %s, heartbeat every %s)\n",
				s.cfg.AgentID, s.cfg.ProjectRoot, s.cfg.SyncInterval.Std(), s.cfg.HeartbeatInterval.Std())

			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
			defer cancel()
			if err := s.agent.Stop(stopCtx); err != nil {
				opts.logger().Warn("shutdown incomplete", zap.Error(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", s.cfg.AgentID)
			return nil
		},
	}
}
