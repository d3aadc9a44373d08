package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentrelay/internal/config"
	"agentrelay/internal/logging"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	storeURL   string
	workspace  string

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "agentrelay - route a shared message feed to browser-hosted AI agents",
	Long: `agentrelay watches a shared message feed, dispatches addressed entries to
AI chat agents driven in real browser sessions, waits for each agent to finish
answering, and posts the answer back to the feed.

Entries are routed by role mention (@chatgpt ...), by a structured envelope
({"assigned_to": "grok", "input": "..."}), or by command marker (!audit,
!brief).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if storeURL != "" {
			cfg.Store.URL = storeURL
		}
		if workspace != "" {
			cfg.Audit.Workspace = workspace
		}

		logCfg := logging.Config{
			Level:      cfg.Logging.Level,
			JSONFormat: strings.EqualFold(cfg.Logging.Format, "json"),
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		}
		if verbose {
			logCfg.Level = "debug"
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func defaultConfigPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(".", "relay.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&storeURL, "store-url", "", "Feed/state store base URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Audit workspace (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(agentsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
