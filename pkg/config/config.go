// Package config holds agent configuration: identity, project root,
// timing, and retry bounds. Values come from defaults, an optional YAML or
// TOML file, then environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// Environment variables consulted by Load.
const (
	EnvAgentID     = "AGENT_ID"
	EnvPeerID      = "PEER_ID"
	EnvProjectRoot = "SYNC_PROJECT_ROOT"
	EnvHome        = "SYNC_AGENTS_HOME"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is one agent's configuration.
type Config struct {
	AgentID     string `yaml:"agent_id" toml:"agent_id"`
	PeerID      string `yaml:"peer_id" toml:"peer_id"`           // default: conventional peer of AgentID
	ProjectRoot string `yaml:"project_root" toml:"project_root"` // shared repository checkout
	Home        string `yaml:"home" toml:"home"`                 // PID files and journals, never replicated

	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	SyncInterval      Duration `yaml:"sync_interval" toml:"sync_interval"`
	LockTimeout       Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	LockRetryInterval Duration `yaml:"lock_retry_interval" toml:"lock_retry_interval"`
	StaleAfter        Duration `yaml:"stale_after" toml:"stale_after"`

	MaxClaimAttempts int `yaml:"max_claim_attempts" toml:"max_claim_attempts"`
	PushRetries      int `yaml:"push_retries" toml:"push_retries"`

	// Watch enables the filesystem watcher that triggers an early sync
	// when the document or a lock changes on disk.
	Watch         bool     `yaml:"watch" toml:"watch"`
	WatchDebounce Duration `yaml:"watch_debounce" toml:"watch_debounce"`

	// Journal enables the local SQLite event journal.
	Journal bool `yaml:"journal" toml:"journal"`

	// Replicate exchanges the document and locks through git. With it off
	// both agents must share ProjectRoot directly.
	Replicate bool `yaml:"replicate" toml:"replicate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AgentID:           protocol.DefaultAgentID,
		ProjectRoot:       ".",
		HeartbeatInterval: Duration(10 * time.Second),
		SyncInterval:      Duration(30 * time.Second),
		LockTimeout:       Duration(protocol.DefaultLockTimeout),
		LockRetryInterval: Duration(protocol.LockRetryInterval),
		StaleAfter:        Duration(protocol.StaleAfter),
		MaxClaimAttempts:  protocol.DefaultClaimAttempts,
		PushRetries:       protocol.DefaultPushRetries,
		Watch:             true,
		WatchDebounce:     Duration(500 * time.Millisecond),
		Journal:           true,
		Replicate:         true,
	}
}

// Overrides take precedence over the file and the environment. The CLI
// fills them from flags.
type Overrides struct {
	AgentID     string
	ProjectRoot string
}

// Load builds a Config from defaults, the file at path (if path is
// non-empty), and environment overrides, then resolves paths and
// validates the result. The file format follows its extension: .yaml,
// .yml, or .toml.
func Load(path string) (Config, error) {
	return LoadWith(path, Overrides{})
}

// LoadWith is Load with explicit overrides applied last.
func LoadWith(path string, ov Overrides) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if ov.AgentID != "" {
		cfg.AgentID = ov.AgentID
	}
	if ov.ProjectRoot != "" {
		cfg.ProjectRoot = ov.ProjectRoot
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is user-provided config
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("config %s: unsupported format %q (want .yaml, .yml or .toml)", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAgentID); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv(EnvPeerID); v != "" {
		c.PeerID = v
	}
	if v := os.Getenv(EnvProjectRoot); v != "" {
		c.ProjectRoot = v
	}
	if v := os.Getenv(EnvHome); v != "" {
		c.Home = v
	}
}

func (c *Config) resolve() error {
	if c.PeerID == "" {
		c.PeerID = protocol.DefaultPeerOf(c.AgentID)
	}
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return fmt.Errorf("resolve project root %s: %w", c.ProjectRoot, err)
	}
	c.ProjectRoot = root
	if c.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home dir: %w", err)
		}
		c.Home = filepath.Join(home, protocol.HomeDir)
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if c.AgentID != "" && c.AgentID == c.PeerID {
		errs = append(errs, fmt.Errorf("agent_id and peer_id are both %q", c.AgentID))
	}
	if strings.ContainsAny(c.AgentID, `/\`) {
		errs = append(errs, fmt.Errorf("agent_id %q must not contain path separators", c.AgentID))
	}
	for _, f := range []struct {
		name string
		d    Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval},
		{"sync_interval", c.SyncInterval},
		{"lock_timeout", c.LockTimeout},
		{"lock_retry_interval", c.LockRetryInterval},
		{"stale_after", c.StaleAfter},
	} {
		if f.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", f.name, f.d.Std()))
		}
	}
	if c.MaxClaimAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_claim_attempts must be at least 1, got %d", c.MaxClaimAttempts))
	}
	if c.PushRetries < 0 {
		errs = append(errs, fmt.Errorf("push_retries must not be negative, got %d", c.PushRetries))
	}
	return errors.Join(errs...)
}
