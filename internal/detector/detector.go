// Package detector decides when an agent page has finished producing output.
//
// The page gives no completion signal, so the detector installs a
// MutationObserver that counts DOM changes and samples that counter from Go.
// Output is settled once the counter stays unchanged for the silence
// threshold, or unconditionally once the hard ceiling passes. All timing is
// measured on the Go side so a throttled tab cannot stretch it.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentrelay/internal/logging"
)

// Reason explains how a wait ended.
type Reason string

const (
	ReasonSilence         Reason = "silence"
	ReasonHardTimeout     Reason = "hard_timeout"
	ReasonDetectorFailure Reason = "detector_failure"
)

// Result is the outcome of a wait.
type Result struct {
	Settled bool
	Reason  Reason
	Elapsed time.Duration
	Changes int64 // mutations observed
	Err     error // set for ReasonDetectorFailure
}

// ErrNotInstalled means the activity observer is missing from the page.
var ErrNotInstalled = errors.New("activity observer not installed")

// Evaluator runs JS on a page.
type Evaluator interface {
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
}

// Options holds the detector's timing knobs.
type Options struct {
	Silence time.Duration // quiet window that counts as settled
	Ceiling time.Duration // absolute bound
	Poll    time.Duration // sampling interval
}

// Detector observes pages for output activity.
type Detector struct {
	opts Options
	now  func() time.Time
}

// New creates a detector.
func New(opts Options) *Detector {
	if opts.Poll <= 0 {
		opts.Poll = 300 * time.Millisecond
	}
	if opts.Silence <= 0 {
		opts.Silence = 2 * time.Second
	}
	if opts.Ceiling < opts.Silence {
		opts.Ceiling = opts.Silence
	}
	return &Detector{opts: opts, now: time.Now}
}

// Options returns the effective options.
func (d *Detector) Options() Options { return d.opts }

const armScript = `() => {
	const root = document.body;
	if (!root) return false;
	if (window.__relayObserver) window.__relayObserver.disconnect();
	window.__relayActivity = 0;
	window.__relayObserver = new MutationObserver((records) => {
		window.__relayActivity += records.length;
	});
	window.__relayObserver.observe(root, { childList: true, subtree: true, characterData: true });
	return true;
}`

const sampleScript = `() => (window.__relayObserver && typeof window.__relayActivity === 'number') ? window.__relayActivity : null`

// Arm installs the activity observer. Call it before submitting input so
// the first output mutation is counted.
func (d *Detector) Arm(ctx context.Context, page Evaluator) error {
	raw, err := page.Eval(ctx, armScript)
	if err != nil {
		return fmt.Errorf("install observer: %w", err)
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil || !ok {
		return fmt.Errorf("install observer: %w", ErrNotInstalled)
	}
	return nil
}

func (d *Detector) sample(ctx context.Context, page Evaluator) (int64, error) {
	raw, err := page.Eval(ctx, sampleScript)
	if err != nil {
		return 0, err
	}
	var n *int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode activity counter: %w", err)
	}
	if n == nil {
		return 0, ErrNotInstalled
	}
	return *n, nil
}

// Wait blocks until the page settles, the ceiling passes, or observation
// fails. It never returns later than the ceiling plus one sampling round.
func (d *Detector) Wait(ctx context.Context, page Evaluator) Result {
	start := d.now()
	lastActivity := start
	var lastCount int64

	ticker := time.NewTicker(d.opts.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{Reason: ReasonDetectorFailure, Elapsed: d.now().Sub(start), Changes: lastCount, Err: ctx.Err()}
		case <-ticker.C:
		}

		sampleCtx, cancel := context.WithTimeout(ctx, d.opts.Poll+time.Second)
		count, err := d.sample(sampleCtx, page)
		cancel()
		now := d.now()
		if err != nil {
			logging.DetectorWarn("Activity sampling failed after %v: %v", now.Sub(start), err)
			return Result{Reason: ReasonDetectorFailure, Elapsed: now.Sub(start), Changes: lastCount, Err: err}
		}

		if count != lastCount {
			lastCount = count
			lastActivity = now
		}

		if now.Sub(lastActivity) >= d.opts.Silence {
			logging.DetectorDebug("Settled after %v (%d changes)", now.Sub(start), lastCount)
			return Result{Settled: true, Reason: ReasonSilence, Elapsed: now.Sub(start), Changes: lastCount}
		}
		if now.Sub(start) >= d.opts.Ceiling {
			logging.DetectorWarn("Hard ceiling %v reached with activity ongoing (%d changes)", d.opts.Ceiling, lastCount)
			return Result{Reason: ReasonHardTimeout, Elapsed: now.Sub(start), Changes: lastCount}
		}
	}
}

// Disarm removes the observer. Errors are ignored; the page may be gone.
func (d *Detector) Disarm(ctx context.Context, page Evaluator) {
	_, _ = page.Eval(ctx, `() => { if (window.__relayObserver) window.__relayObserver.disconnect(); window.__relayObserver = null; return true; }`)
}
