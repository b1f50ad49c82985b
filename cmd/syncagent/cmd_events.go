package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/killer4nano/sync-claude-agents/pkg/eventlog"
	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// newEventsCmd creates the "syncagent events" subcommand.
func newEventsCmd(opts *globalOpts) *cobra.Command {
	var (
		limit     int
		eventType string
		taskID    string
		since     time.Duration
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show this agent's local event journal",
		Long:  "Lists journaled coordination events, newest first. The journal is local\nto this machine and never replicated.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Paths().JournalPath

			reader, err := eventlog.NewReader(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintf(cmd.OutOrStdout(), "no journal at %s\n", path)
					return nil
				}
				return err
			}
			defer reader.Close()

			q := eventlog.QueryOpts{EventType: protocol.EventType(eventType), TaskID: taskID, Limit: limit}
			if since > 0 {
				after := time.Now().Add(-since)
				q.After = &after
			}
			events, err := reader.Query(cmd.Context(), q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if wantJSON(out, asJSON) {
				return writeJSON(out, events)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, e := range events {
				subject := e.TaskID
				if subject == "" {
					subject = e.Resource
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Type, subject, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum events (0 for all)")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (e.g. task_claimed, lock_timeout)")
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
