package config

import (
	"os"
	"path/filepath"
)

// Paths holds resolved per-agent state file paths under Config.Home.
type Paths struct {
	Home        string // ~/.sync-agents or SYNC_AGENTS_HOME
	PIDPath     string // <agent>.pid or SYNC_AGENTS_PID_PATH
	JournalPath string // <agent>.db or SYNC_AGENTS_JOURNAL
}

// Paths returns the agent's state paths, respecting env var overrides.
// Environment variables:
//   - SYNC_AGENTS_PID_PATH: PID file of a running `start` (default: $SYNC_AGENTS_HOME/<agent>.pid)
//   - SYNC_AGENTS_JOURNAL: event journal database (default: $SYNC_AGENTS_HOME/<agent>.db)
func (c Config) Paths() Paths {
	return Paths{
		Home:        c.Home,
		PIDPath:     resolvePathWithEnv("SYNC_AGENTS_PID_PATH", c.Home, c.AgentID+".pid"),
		JournalPath: resolvePathWithEnv("SYNC_AGENTS_JOURNAL", c.Home, c.AgentID+".db"),
	}
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
