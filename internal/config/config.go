// Package config loads the relay configuration: the store location, the
// configured agents, timing knobs for polling and completion detection, and
// the audit/briefing collaborators.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Store is the external feed/state store.
	Store StoreConfig `yaml:"store"`

	// DataDir holds the processed-id ledger and browser profiles.
	DataDir string `yaml:"data_dir"`

	// SystemSender is the feed sender used for orchestrator notices
	// (audit reports, briefing results).
	SystemSender string `yaml:"system_sender"`

	// Commands are the marker tokens for the non-agent intents.
	Commands CommandsConfig `yaml:"commands"`

	// Timing knobs
	Timing TimingConfig `yaml:"timing"`

	// Browser launch settings
	Browser BrowserConfig `yaml:"browser"`

	// Session recycling limits for warm agents
	Sessions SessionsConfig `yaml:"sessions"`

	// Agents configured for dispatch, in mention-scan order.
	Agents []AgentConfig `yaml:"agents"`

	// Audit collaborator
	Audit AuditConfig `yaml:"audit"`

	// BriefingsDir holds per-agent briefing files.
	BriefingsDir string `yaml:"briefings_dir"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the feed/state store, both as a client and when
// served by `relay serve`.
type StoreConfig struct {
	URL        string `yaml:"url"`         // client base URL, e.g. http://localhost:8000/api
	Listen     string `yaml:"listen"`      // server listen address
	DataDir    string `yaml:"data_dir"`    // server data directory
	Timeout    string `yaml:"timeout"`     // per-request client timeout
	MaxRetries int    `yaml:"max_retries"` // publish retries before a task fails
	ReadyWait  string `yaml:"ready_wait"`  // how long `relay run` waits for the store at startup
}

// CommandsConfig holds the marker tokens recognized in feed entries.
type CommandsConfig struct {
	Audit    string `yaml:"audit"`
	Briefing string `yaml:"briefing"`
}

// BrowserConfig configures the browser used for agent sessions.
type BrowserConfig struct {
	Bin            string   `yaml:"bin"`             // browser binary; empty = launcher default
	Headless       bool     `yaml:"headless"`        // run without a window
	Flags          []string `yaml:"flags"`           // extra launch flags, "--name=value"
	ViewportWidth  int      `yaml:"viewport_width"`  // 0 = window default
	ViewportHeight int      `yaml:"viewport_height"` // 0 = window default
	UserAgent      string   `yaml:"user_agent"`      // optional UA override
	Stealth        bool     `yaml:"stealth"`         // inject anti-detection script on new documents
}

// SessionsConfig limits how long a warm session is reused.
type SessionsConfig struct {
	MaxTasks int    `yaml:"max_tasks"` // recycle after this many tasks (0 = unlimited)
	MaxAge   string `yaml:"max_age"`   // recycle after this age ("" = unlimited)
}

// AuditConfig configures the audit collaborator.
type AuditConfig struct {
	Command   []string `yaml:"command"`    // empty = this binary with "audit --once"
	Timeout   string   `yaml:"timeout"`    // bound on the audit process
	Workspace string   `yaml:"workspace"`  // tree to audit
	StateFile string   `yaml:"state_file"` // previous snapshot
	Interval  string   `yaml:"interval"`   // daemon mode interval
	Ignore    []string `yaml:"ignore"`     // directory/file names skipped during the scan
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "agentrelay",
		Version: "1.0.0",

		Store: StoreConfig{
			URL:        "http://localhost:8000/api",
			Listen:     "127.0.0.1:8000",
			DataDir:    "data/store",
			Timeout:    "5s",
			MaxRetries: 3,
			ReadyWait:  "60s",
		},

		DataDir:      "data",
		SystemSender: "Relay",

		Commands: CommandsConfig{
			Audit:    "!audit",
			Briefing: "!brief",
		},

		Timing: DefaultTiming(),

		Browser: BrowserConfig{
			Headless: false,
			Flags: []string{
				"--no-first-run",
				"--no-default-browser-check",
				"--disable-blink-features=AutomationControlled",
				"--disable-infobars",
				"--disable-session-crashed-bubble",
				"--password-store=basic",
				"--use-mock-keychain",
			},
			ViewportWidth:  1280,
			ViewportHeight: 800,
			Stealth:        true,
		},

		Sessions: SessionsConfig{
			MaxTasks: 50,
			MaxAge:   "1h",
		},

		Agents: DefaultAgents(),

		Audit: AuditConfig{
			Timeout:   "30s",
			Workspace: ".",
			StateFile: "data/audit_state.json",
			Interval:  "60s",
			Ignore:    []string{".git", "node_modules", "__pycache__", ".venv", "data"},
		},

		BriefingsDir: "briefings",

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			// Agents replace the defaults wholesale when declared.
			cfg.Agents = nil
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
			if cfg.Agents == nil {
				cfg.Agents = DefaultAgents()
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("RELAY_STORE_URL"); url != "" {
		c.Store.URL = url
	}
	if dir := os.Getenv("RELAY_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("RELAY_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.URL) == "" {
		return fmt.Errorf("store url not configured (set store.url or RELAY_STORE_URL)")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		key := strings.ToLower(strings.TrimSpace(a.Key))
		if key == "" {
			return fmt.Errorf("agent %d: key is required", i)
		}
		if seen[key] {
			return fmt.Errorf("agent %q declared twice", key)
		}
		seen[key] = true
		if a.Lifecycle != "" && a.Lifecycle != LifecycleWarm && a.Lifecycle != LifecycleTransient {
			return fmt.Errorf("agent %q: invalid lifecycle %q (valid: warm, transient)", key, a.Lifecycle)
		}
	}

	return c.Timing.Validate()
}

// LedgerPath returns the processed-id database path.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// ProfileDir returns the browser profile directory for an agent.
func (c *Config) ProfileDir(agentKey string) string {
	return filepath.Join(c.DataDir, "profiles", strings.ToLower(agentKey))
}
