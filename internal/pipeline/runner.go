package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/browser"
	"agentrelay/internal/detector"
	"agentrelay/internal/feed"
	"agentrelay/internal/logging"
)

// Publisher writes to the feed/state store.
type Publisher interface {
	Post(ctx context.Context, sender, body string) (feed.Entry, error)
	UpdateState(ctx context.Context, patch map[string]interface{}) error
}

// Sessions hands out agent pages.
type Sessions interface {
	Ensure(ctx context.Context, d *agents.Descriptor) (browser.Page, error)
	Teardown(key string)
}

// Completion observes a page until its output settles.
// *detector.Detector implements it.
type Completion interface {
	Arm(ctx context.Context, page detector.Evaluator) error
	Wait(ctx context.Context, page detector.Evaluator) detector.Result
	Disarm(ctx context.Context, page detector.Evaluator)
}

// Options holds the runner's timing knobs.
type Options struct {
	SubmitTimeout       time.Duration // delivering the prompt
	FallbackWait        time.Duration // fixed wait when observation is unavailable
	InterventionTimeout time.Duration // waiting for a human to clear a login wall
	InterventionPoll    time.Duration // re-check interval during that wait
	ProgressInterval    time.Duration // "still thinking" notices, 0 = off
	ExtractTimeout      time.Duration // reading the output
}

func (o Options) withDefaults() Options {
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	if o.FallbackWait <= 0 {
		o.FallbackWait = 10 * time.Second
	}
	if o.InterventionTimeout <= 0 {
		o.InterventionTimeout = 2 * time.Minute
	}
	if o.InterventionPoll <= 0 {
		o.InterventionPoll = 2 * time.Second
	}
	if o.ExtractTimeout <= 0 {
		o.ExtractTimeout = 10 * time.Second
	}
	return o
}

// Outcome reports how a task ended.
type Outcome struct {
	State     State
	Found     bool            // extraction found output
	Detection detector.Result // zero when observation was skipped
	Err       error           // set when State is StateFailed
	Result    string          // body published as the result
}

// Runner drives one task through the pipeline states. It does not touch
// the gate or tear sessions down; the Supervisor does both.
type Runner struct {
	sessions   Sessions
	completion Completion
	pub        Publisher
	opts       Options
	now        func() time.Time

	mu      sync.Mutex
	observe func(t *Task, s State)
}

// NewRunner creates a runner.
func NewRunner(sessions Sessions, completion Completion, pub Publisher, opts Options) *Runner {
	return &Runner{
		sessions:   sessions,
		completion: completion,
		pub:        pub,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// OnTransition registers a hook called on every state change.
func (r *Runner) OnTransition(fn func(t *Task, s State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = fn
}

func (r *Runner) transition(t *Task, s State) {
	logging.PipelineDebug("[%s] %s: %s -> %s", t.ShortID(), t.Agent.Key, t.state, s)
	t.state = s
	r.mu.Lock()
	fn := r.observe
	r.mu.Unlock()
	if fn != nil {
		fn(t, s)
	}
}

// Run executes t and returns its outcome. It never panics on page or store
// errors; every error ends in StateFailed with an error notice posted.
func (r *Runner) Run(ctx context.Context, t *Task) Outcome {
	d := t.Agent
	logging.Pipeline("[%s] %s: task from entry #%d (%s)", t.ShortID(), d.Key, t.SourceID, t.Origin)

	page, err := r.sessions.Ensure(ctx, d)
	if err != nil {
		return r.fail(ctx, t, err)
	}

	r.transition(t, StateSubmitting)
	if _, err := r.pub.Post(ctx, d.DisplayName, AckText); err != nil {
		return r.fail(ctx, t, fmt.Errorf("post acknowledgment: %w", err))
	}
	r.updateStatus(ctx, d, busyFields(t.Prompt))

	if err := r.awaitClearPage(ctx, t, page); err != nil {
		return r.fail(ctx, t, err)
	}

	// A warm page still shows the previous reply; remember it so it is
	// never published as this task's result.
	before, err := d.Snapshot(ctx, page)
	if err != nil {
		logging.PipelineWarn("[%s] %s: output snapshot unavailable: %v", t.ShortID(), d.Key, err)
	}

	// Arm before submitting so the first output mutation is counted.
	armErr := r.completion.Arm(ctx, page)
	if armErr != nil {
		logging.PipelineWarn("[%s] %s: completion observer unavailable: %v", t.ShortID(), d.Key, armErr)
	}

	submitCtx, cancel := context.WithTimeout(ctx, r.opts.SubmitTimeout)
	err = d.Submit(submitCtx, page, t.Prompt)
	cancel()
	if err != nil {
		return r.fail(ctx, t, fmt.Errorf("submit: %w", err))
	}

	r.transition(t, StateAwaitingCompletion)
	stopProgress := r.startProgress(ctx, t)
	detection := r.awaitCompletion(ctx, t, page, armErr)
	stopProgress()
	if armErr == nil {
		r.completion.Disarm(ctx, page)
	}
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, t, err)
	}

	r.transition(t, StateExtracting)
	extractCtx, cancel := context.WithTimeout(ctx, r.opts.ExtractTimeout)
	text, found, err := d.Extract(extractCtx, page, before, t.Prompt)
	cancel()
	if err != nil {
		return r.fail(ctx, t, err)
	}
	if !found {
		text = ExtractionFailedText
	}

	r.transition(t, StatePublishing)
	if _, err := r.pub.Post(ctx, d.DisplayName, text); err != nil {
		return r.fail(ctx, t, fmt.Errorf("post result: %w", err))
	}
	r.updateStatus(ctx, d, idleFields(t.Prompt))

	r.transition(t, StateDone)
	logging.Pipeline("[%s] %s: done in %v (found=%v, %s)", t.ShortID(), d.Key,
		r.now().Sub(t.Accepted).Round(time.Millisecond), found, detection.Reason)
	return Outcome{State: StateDone, Found: found, Detection: detection, Result: text}
}

// awaitCompletion waits on the detector, or the fixed fallback when the
// observer could not be armed or failed mid-wait.
func (r *Runner) awaitCompletion(ctx context.Context, t *Task, page browser.Page, armErr error) detector.Result {
	if armErr != nil {
		sleep(ctx, r.opts.FallbackWait)
		return detector.Result{Reason: detector.ReasonDetectorFailure, Elapsed: r.opts.FallbackWait, Err: armErr}
	}
	res := r.completion.Wait(ctx, page)
	if res.Reason == detector.ReasonDetectorFailure && ctx.Err() == nil {
		logging.PipelineWarn("[%s] %s: detector failed (%v), waiting %v", t.ShortID(), t.Agent.Key, res.Err, r.opts.FallbackWait)
		sleep(ctx, r.opts.FallbackWait)
	}
	return res
}

// awaitClearPage blocks while the page needs a human, bounded by the
// intervention timeout.
func (r *Runner) awaitClearPage(ctx context.Context, t *Task, page browser.Page) error {
	d := t.Agent
	blocked, err := d.NeedsIntervention(ctx, page)
	if err != nil {
		logging.PipelineWarn("[%s] %s: intervention check failed: %v", t.ShortID(), d.Key, err)
		return nil
	}
	if !blocked {
		return nil
	}

	logging.PipelineWarn("[%s] %s: page needs manual intervention, waiting up to %v", t.ShortID(), d.Key, r.opts.InterventionTimeout)
	r.updateStatus(ctx, d, assistanceFields())

	deadline := time.NewTimer(r.opts.InterventionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.InterventionPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("manual intervention not completed within %v", r.opts.InterventionTimeout)
		case <-ticker.C:
		}
		blocked, err := d.NeedsIntervention(ctx, page)
		if err == nil && !blocked {
			logging.Pipeline("[%s] %s: intervention cleared", t.ShortID(), d.Key)
			r.updateStatus(ctx, d, busyFields(t.Prompt))
			return nil
		}
	}
}

// startProgress posts a "still thinking" notice every ProgressInterval until
// the returned stop func is called. stop waits for the poster to exit.
func (r *Runner) startProgress(ctx context.Context, t *Task) (stop func()) {
	if r.opts.ProgressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.opts.ProgressInterval)
		defer ticker.Stop()
		start := r.now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			elapsed := int(r.now().Sub(start).Seconds())
			body := fmt.Sprintf("Thinking... (%ds passed). Over. Roger.", elapsed)
			if _, err := r.pub.Post(ctx, t.Agent.DisplayName, body); err != nil {
				logging.PipelineWarn("[%s] %s: progress notice: %v", t.ShortID(), t.Agent.Key, err)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// fail moves t to Failed and publishes the error notice. Store errors here
// are logged; the task is already failed.
func (r *Runner) fail(ctx context.Context, t *Task, err error) Outcome {
	d := t.Agent
	r.transition(t, StateFailed)
	logging.PipelineError("[%s] %s: task failed: %v", t.ShortID(), d.Key, err)

	// The error notice still goes out when the task context was cancelled.
	notifyCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		notifyCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if _, perr := r.pub.Post(notifyCtx, d.DisplayName, ErrorText(err)); perr != nil {
		logging.PipelineWarn("[%s] %s: posting error notice: %v", t.ShortID(), d.Key, perr)
	}
	r.updateStatus(notifyCtx, d, failedFields(t.Prompt, err))
	return Outcome{State: StateFailed, Err: err}
}

// ErrorText is the feed notice posted in place of a result.
func ErrorText(err error) string {
	return fmt.Sprintf("Error: %v. Over. Roger.", err)
}

// updateStatus merges fields into the agent's status entry. Failures are
// logged; the feed carries the authoritative outcome.
func (r *Runner) updateStatus(ctx context.Context, d *agents.Descriptor, fields map[string]interface{}) {
	if err := r.pub.UpdateState(ctx, statusPatch(d.DisplayName, fields, r.now())); err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.PipelineWarn("%s: status update: %v", d.Key, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
