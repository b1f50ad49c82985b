package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/killer4nano/sync-claude-agents/internal/version"
	"github.com/killer4nano/sync-claude-agents/pkg/agent"
	"github.com/killer4nano/sync-claude-agents/pkg/config"
	"github.com/killer4nano/sync-claude-agents/pkg/eventlog"
	"github.com/killer4nano/sync-claude-agents/pkg/state"
)

// globalOpts holds the persistent flags and the logger built from them.
type globalOpts struct {
	configPath string
	root       string
	agentID    string
	verbose    bool

	log *zap.Logger
}

// newRootCmd creates the root syncagent command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	cmd := &cobra.Command{
		Use:   "syncagent",
		Short: "Coordinate two agents through a shared git repository",
		Long: "syncagent lets two agents share one task backlog and advisory file locks.\n" +
			"All coordination state lives in the repository and moves with git pull and push.",
		Version:       fmt.Sprintf("syncagent %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zc := zap.NewProductionConfig()
			zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
			if opts.verbose {
				zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			zc.OutputPaths = []string{"stderr"}
			log, err := zc.Build()
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv("SYNC_AGENTS_CONFIG"), "config file (.yaml, .yml or .toml)")
	pf.StringVarP(&opts.root, "root", "r", "", "shared repository checkout (default: $SYNC_PROJECT_ROOT or .)")
	pf.StringVarP(&opts.agentID, "agent", "a", "", "agent id (default: $AGENT_ID or agent-1)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	cmd.AddCommand(
		newInitCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newAddTaskCmd(opts),
		newListTasksCmd(opts),
		newNextTaskCmd(opts),
		newCompleteTaskCmd(opts),
		newLockCmd(opts),
		newUnlockCmd(opts),
		newEventsCmd(opts),
		newDashCmd(opts),
	)

	return cmd
}

// logger returns the command logger, or a no-op logger before PersistentPreRunE.
func (o *globalOpts) logger() *zap.Logger {
	if o.log == nil {
		return zap.NewNop()
	}
	return o.log
}

// loadConfig applies the flag overrides on top of the file and environment.
func (o *globalOpts) loadConfig() (config.Config, error) {
	return config.LoadWith(o.configPath, config.Overrides{AgentID: o.agentID, ProjectRoot: o.root})
}

// session is an agent plus the resources opened for it.
type session struct {
	cfg     config.Config
	agent   *agent.Agent
	journal *eventlog.Log
}

func (s *session) Close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

// openSession loads the configuration and builds an agent. The journal is
// opened when enabled; failing to open it only disables journaling.
func (o *globalOpts) openSession() (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log := o.logger()
	s := &session{cfg: cfg}

	agentOpts := []agent.Option{agent.WithLogger(log)}
	if cfg.Journal {
		j, err := eventlog.Open(cfg.Paths().JournalPath, cfg.AgentID)
		if err != nil {
			log.Warn("journal disabled", zap.Error(err))
		} else {
			s.journal = j
			agentOpts = append(agentOpts, agent.WithJournal(j))
		}
	}
	s.agent = agent.New(cfg, agentOpts...)
	return s, nil
}

// explain adds a hint to errors a user can act on.
func explain(err error) error {
	if errors.Is(err, state.ErrNoDocument) {
		return fmt.Errorf("%w (run `syncagent init` first)", err)
	}
	return err
}
