package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"agentrelay/internal/logging"
)

// ReportHeader prefixes a published audit report.
const ReportHeader = "**PROJECT SENTRY REPORT**"

// ExitError is returned when the audit command exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("audit exited with status %d: %s", e.Code, e.Stderr)
}

// Runner invokes the audit as a separate process so a slow or crashing
// scan cannot take the orchestrator with it.
type Runner struct {
	Command []string
	Timeout time.Duration

	// WaitDelay bounds how long Run waits for output pipes after the
	// command exits or is killed, when a grandchild keeps them open.
	// Zero means 2s.
	WaitDelay time.Duration
}

// Run executes the command and returns its stdout.
func (r *Runner) Run(ctx context.Context) (string, error) {
	if len(r.Command) == 0 {
		return "", errors.New("no audit command configured")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("audit timed out after %v", timeout)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// The audit itself exited cleanly; a leftover child held stdout.
		logging.AuditWarn("Audit output pipes still open %v after exit", cmd.WaitDelay)
		err = nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
	}
	if err != nil {
		return "", err
	}
	logging.Audit("Audit command finished in %v", time.Since(start).Round(time.Millisecond))
	return strings.TrimSpace(stdout.String()), nil
}

// Notice formats the feed entry for an audit outcome.
func Notice(stdout string, err error) string {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ReportHeader + "\n\n" + stdout
	case errors.As(err, &exitErr):
		return "Sentry audit failed: " + exitErr.Stderr
	default:
		return "Audit execution error: " + err.Error()
	}
}
