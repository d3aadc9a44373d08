package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"agentrelay/internal/audit"
	"agentrelay/internal/logging"

	"github.com/spf13/cobra"
)

var auditOnce bool

// auditCmd produces workspace audit reports
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit the workspace (file churn, git state, disk usage)",
	Long: `Scans the workspace, compares it with the previous scan, and prints the
sectioned audit report. With --once it prints one report and exits; this is
how the relay invokes it for the !audit command. Without --once it repeats
every audit.interval until interrupted.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().BoolVar(&auditOnce, "once", false, "Print one report and exit")
}

func runAudit(cmd *cobra.Command, args []string) error {
	ws, err := filepath.Abs(cfg.Audit.Workspace)
	if err != nil {
		return err
	}
	auditor := audit.NewAuditor(ws, cfg.Audit.StateFile, cfg.Audit.Ignore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report := func() error {
		r, err := auditor.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), r.String())
		return nil
	}

	if auditOnce {
		return report()
	}

	interval := cfg.GetAuditInterval()
	logging.Audit("Auditing %s every %v", ws, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := report(); err != nil {
			logging.AuditWarn("Audit failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
