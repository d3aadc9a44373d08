package audit

import (
	"fmt"
	"strings"
)

// Thresholds for alerts.
const (
	diskWarnPercent = 80.0
	churnAlert      = 50
	topCreated      = 3
)

const gib = 1 << 30

// String renders the sectioned text report.
func (r *Report) String() string {
	var b strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	c := r.Changes
	usage := r.Disk.UsedPercent()
	diskState := "OK"
	if usage > diskWarnPercent {
		diskState = "WARNING"
	}

	line("=== PROJECT SENTRY DAILY REPORT ===")
	line("Date: %s", r.At.Format("2006-01-02 15:04:05"))
	line("Workspace: %s", r.Workspace)
	line("")

	line("[SUMMARY]")
	line("File changes: +%d ~%d -%d   (Churn: %s)", len(c.Created), len(c.Modified), len(c.Deleted), c.ChurnLevel())
	if r.Git.Available {
		state := "DIRTY"
		if r.Git.Clean {
			state = "CLEAN"
		}
		line("Git status: %s (branch: %s)", state, r.Git.Branch)
	}
	line("Disk usage: %.0f%% (%s)", usage, diskState)
	line("")

	line("[FILESYSTEM]")
	line("Created: %d", len(c.Created))
	line("Modified: %d", len(c.Modified))
	line("Deleted: %d", len(c.Deleted))
	line("Size delta: %+.1f MB", float64(c.DeltaBytes)/(1024*1024))
	if len(c.Created) > 0 {
		line("Top created:")
		for i, f := range c.Created {
			if i == topCreated {
				break
			}
			line("  - %s", f)
		}
	}
	line("")

	if r.Git.Available {
		line("[GIT]")
		line("Branch: %s", r.Git.Branch)
		line("Modified: %d", r.Git.Modified)
		line("Staged: %d", r.Git.Staged)
		line("Untracked: %d", r.Git.Untracked)
		line("Last commit: %s (%s)", r.Git.CommitAge, r.Git.LastCommit)
		line("")
	}

	line("[RESOURCES]")
	line("Disk: %dG total / %dG free (%.0f%%)", r.Disk.TotalBytes/gib, r.Disk.FreeBytes/gib, usage)
	line("Workspace size: %.1fG", float64(r.Disk.WorkspaceBytes)/gib)
	line("")

	dirty := r.Git.Available && !r.Git.Clean
	var alerts, actions []string
	if dirty {
		alerts = append(alerts, "Uncommitted changes present")
		actions = append(actions, "Commit or stash working tree")
	}
	if usage > diskWarnPercent {
		alerts = append(alerts, "Disk usage above 80%")
		actions = append(actions, "Review disk usage and clean up old files")
	}
	if c.Churn() > churnAlert {
		alerts = append(alerts, "High file churn detected")
	}

	if len(alerts) > 0 {
		line("[ALERTS]")
		for _, a := range alerts {
			line("- %s", a)
		}
		line("")
	}
	if len(actions) > 0 {
		line("[RECOMMENDED ACTIONS]")
		for _, a := range actions {
			line("- %s", a)
		}
		line("")
	}

	b.WriteString("Roger. Over.")
	return b.String()
}
