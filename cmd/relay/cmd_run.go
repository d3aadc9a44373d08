package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/audit"
	"agentrelay/internal/briefing"
	"agentrelay/internal/browser"
	"agentrelay/internal/classifier"
	"agentrelay/internal/config"
	"agentrelay/internal/detector"
	"agentrelay/internal/feed"
	"agentrelay/internal/gate"
	"agentrelay/internal/ledger"
	"agentrelay/internal/logging"
	"agentrelay/internal/pipeline"
	"agentrelay/internal/poller"
	"agentrelay/internal/session"

	"github.com/spf13/cobra"
)

var (
	skipWarmup   bool
	drainTimeout time.Duration
)

// runCmd runs the orchestrator
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the feed and dispatch tasks to agents",
	Long: `Waits for the store, warms up the configured warm agents, then polls the
feed until interrupted. On SIGINT/SIGTERM the poller stops, in-flight tasks
are given time to finish, and every browser session is closed.`,
	RunE: runRelay,
}

func init() {
	runCmd.Flags().BoolVar(&skipWarmup, "no-warmup", false, "Do not pre-open warm agent sessions")
	runCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 0, "How long to wait for in-flight tasks at shutdown (default: hard ceiling + setup + submit timeouts)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	roster, err := agents.NewRoster(cfg.Agents)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := feed.NewClient(cfg.Store.URL, feed.ClientOptions{
		Timeout:    cfg.GetStoreTimeout(),
		MaxRetries: cfg.Store.MaxRetries,
	})
	logging.Boot("Waiting for store at %s", cfg.Store.URL)
	lastID, err := client.WaitReady(ctx, cfg.GetStoreReadyWait())
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer led.Close()

	logging.Boot("Store ready (last entry #%d), %d entries already processed, newest #%d",
		lastID, led.Len(), led.LastSeen())

	registry := session.NewRegistry(browser.NewDriver(browserConfig(cfg)), session.Options{
		SetupTimeout: cfg.Timing.GetSetupTimeout(),
		MaxTasks:     cfg.Sessions.MaxTasks,
		MaxAge:       cfg.GetSessionMaxAge(),
		ProfileDir:   cfg.ProfileDir,
	})
	defer registry.Shutdown()

	if !skipWarmup {
		n := registry.Warmup(ctx, roster.Warm())
		logging.Boot("Warmed up %d/%d warm agents", n, len(roster.Warm()))
	}

	det := detector.New(detector.Options{
		Silence: cfg.Timing.GetSilenceThreshold(),
		Ceiling: cfg.Timing.GetHardCeiling(),
		Poll:    cfg.Timing.GetDetectorPoll(),
	})
	runner := pipeline.NewRunner(registry, det, client, pipeline.Options{
		SubmitTimeout:       cfg.Timing.GetSubmitTimeout(),
		FallbackWait:        cfg.Timing.GetFallbackWait(),
		InterventionTimeout: cfg.Timing.GetInterventionTimeout(),
		InterventionPoll:    cfg.Timing.GetInterventionPoll(),
		ProgressInterval:    cfg.Timing.GetProgressInterval(),
	})

	// Tasks outlive the poller so a shutdown does not cut answers short.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	sup := pipeline.NewSupervisor(taskCtx, roster, gate.New(roster.Keys()...), registry, runner, client, cfg.SystemSender)

	library := briefing.NewLibrary(cfg.BriefingsDir)
	if err := library.Watch(ctx); err != nil {
		logging.BootWarn("Briefing watcher: %v", err)
	}
	defer library.Stop()

	auditCommand, err := auditCommandFor(cfg)
	if err != nil {
		logging.BootWarn("Audit disabled: %v", err)
	}

	p := poller.New(poller.Options{
		Source:     client,
		Publisher:  client,
		Ledger:     led,
		Classifier: classifier.New(roster, classifier.Markers{Audit: cfg.Commands.Audit, Briefing: cfg.Commands.Briefing}),
		Dispatcher: sup,
		Roster:     roster,
		Briefings:  library,
		Auditor:    &audit.Runner{Command: auditCommand, Timeout: cfg.GetAuditTimeout()},

		SystemSender: cfg.SystemSender,
		Interval:     cfg.Timing.GetPollInterval(),
	})
	logging.Boot("Relay running with agents %v", roster.Keys())
	p.Run(ctx)

	drain := drainTimeout
	if drain <= 0 {
		drain = cfg.Timing.GetHardCeiling() + cfg.Timing.GetSetupTimeout() + cfg.Timing.GetSubmitTimeout()
	}
	logging.Boot("Shutting down, waiting up to %v for %d in-flight tasks", drain, sup.InFlight())
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drain)
	defer cancelDrain()
	if err := sup.Wait(drainCtx); err != nil {
		logging.BootWarn("Cancelling %d unfinished tasks", sup.InFlight())
		cancelTasks()
		finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFinal()
		_ = sup.Wait(finalCtx)
	}
	logging.Boot("Relay stopped")
	return nil
}

func browserConfig(c *config.Config) browser.Config {
	bc := browser.DefaultConfig()
	bc.Bin = c.Browser.Bin
	bc.Headless = c.Browser.Headless
	bc.Flags = c.Browser.Flags
	bc.UserAgent = c.Browser.UserAgent
	bc.Stealth = c.Browser.Stealth
	if c.Browser.ViewportWidth > 0 && c.Browser.ViewportHeight > 0 {
		bc.ViewportWidth = c.Browser.ViewportWidth
		bc.ViewportHeight = c.Browser.ViewportHeight
	}
	bc.NavigationTimeout = c.Timing.GetSetupTimeout()
	return bc
}

// auditCommandFor returns the configured audit command, defaulting to this
// binary's own one-shot audit.
func auditCommandFor(c *config.Config) ([]string, error) {
	if len(c.Audit.Command) > 0 {
		return c.Audit.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	command := []string{exe, "audit", "--once"}
	if configPath != "" {
		command = append(command, "--config", configPath)
	}
	if c.Audit.Workspace != "" {
		command = append(command, "--workspace", c.Audit.Workspace)
	}
	return command, nil
}
