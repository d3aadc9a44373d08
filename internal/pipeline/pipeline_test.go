package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/browser"
	"agentrelay/internal/config"
	"agentrelay/internal/detector"
	"agentrelay/internal/feed"
	"agentrelay/internal/gate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePage answers the agents package's scripts by argument shape: the
// intervention check passes four arguments, page observation passes one.
// Observations before the prompt is typed show prior; after it, output is
// appended as a new element.
type fakePage struct {
	waitErr    error
	blocked    atomic.Int32 // intervention checks still reporting a wall, -1 = forever
	prior      string       // reply already on the page before the task
	output     string       // reply rendered for the task, "" = none
	extractErr error
	inputs     atomic.Int32
}

func (p *fakePage) Navigate(ctx context.Context, url string) error { return nil }
func (p *fakePage) WaitFor(ctx context.Context, selector string) error { return p.waitErr }
func (p *fakePage) Click(ctx context.Context, selector string) error { return nil }
func (p *fakePage) PressEnter(ctx context.Context) error { return nil }
func (p *fakePage) URL(ctx context.Context) (string, error) { return "https://example.test", nil }
func (p *fakePage) Healthy(ctx context.Context) bool { return true }
func (p *fakePage) Close() error { return nil }

func (p *fakePage) Input(ctx context.Context, selector, text string) error {
	p.inputs.Add(1)
	return nil
}

func (p *fakePage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	switch len(args) {
	case 4:
		n := p.blocked.Load()
		if n < 0 {
			return json.RawMessage("true"), nil
		}
		if n > 0 {
			p.blocked.Add(-1)
			return json.RawMessage("true"), nil
		}
		return json.RawMessage("false"), nil
	case 1:
		submitted := p.inputs.Load() > 0
		if submitted && p.extractErr != nil {
			return nil, p.extractErr
		}
		return p.observation(submitted)
	}
	return json.RawMessage("true"), nil
}

func (p *fakePage) observation(submitted bool) (json.RawMessage, error) {
	var src agents.SourceState
	body := "New chat"
	if p.prior != "" {
		src = agents.SourceState{Count: 1, Last: p.prior}
		body += "\n" + p.prior
	}
	if submitted && p.output != "" {
		src = agents.SourceState{Count: src.Count + 1, Last: p.output}
		body += "\n" + p.output
	}
	return json.Marshal(agents.Observation{Sources: []agents.SourceState{src}, Body: body})
}

type fakeSessions struct {
	page      *fakePage
	ensureErr error

	mu        sync.Mutex
	teardowns []string
}

func (s *fakeSessions) Ensure(ctx context.Context, d *agents.Descriptor) (browser.Page, error) {
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	return s.page, nil
}

func (s *fakeSessions) Teardown(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardowns = append(s.teardowns, key)
}

func (s *fakeSessions) torndown() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.teardowns...)
}

type fakeCompletion struct {
	armErr    error
	result    detector.Result
	release   chan struct{} // Wait blocks until closed, if set
	panicWait bool
}

func (c *fakeCompletion) Arm(ctx context.Context, page detector.Evaluator) error { return c.armErr }
func (c *fakeCompletion) Disarm(ctx context.Context, page detector.Evaluator) {}

func (c *fakeCompletion) Wait(ctx context.Context, page detector.Evaluator) detector.Result {
	if c.release != nil {
		<-c.release
	}
	if c.panicWait {
		panic("observer exploded")
	}
	return c.result
}

type post struct{ sender, body string }

type fakePublisher struct {
	failBody string // posts with this body fail

	mu      sync.Mutex
	posts   []post
	patches []map[string]interface{}
}

func (p *fakePublisher) Post(ctx context.Context, sender, body string) (feed.Entry, error) {
	if p.failBody != "" && body == p.failBody {
		return feed.Entry{}, feed.ErrStoreUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, post{sender, body})
	return feed.Entry{ID: int64(len(p.posts)), Sender: sender, Body: body}, nil
}

func (p *fakePublisher) UpdateState(ctx context.Context, patch map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patches = append(p.patches, patch)
	return nil
}

func (p *fakePublisher) bodies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.posts))
	for i, e := range p.posts {
		out[i] = e.body
	}
	return out
}

// statuses returns the "status" field of each patch for display.
func (p *fakePublisher) statuses(display string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, patch := range p.patches {
		entry := patch["agents"].(map[string]interface{})[display].(map[string]interface{})
		out = append(out, entry["status"].(string))
	}
	return out
}

var testOpts = Options{
	SubmitTimeout:       time.Second,
	FallbackWait:        20 * time.Millisecond,
	InterventionTimeout: 60 * time.Millisecond,
	InterventionPoll:    5 * time.Millisecond,
	ExtractTimeout:      time.Second,
}

type fixture struct {
	roster   *agents.Roster
	page     *fakePage
	sessions *fakeSessions
	comp     *fakeCompletion
	pub      *fakePublisher
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	roster, err := agents.NewRoster(config.DefaultAgents())
	require.NoError(t, err)
	page := &fakePage{output: "answer"}
	f := &fixture{
		roster:   roster,
		page:     page,
		sessions: &fakeSessions{page: page},
		comp:     &fakeCompletion{result: detector.Result{Settled: true, Reason: detector.ReasonSilence}},
		pub:      &fakePublisher{},
	}
	f.runner = NewRunner(f.sessions, f.comp, f.pub, testOpts)
	return f
}

func (f *fixture) agent(t *testing.T, key string) *agents.Descriptor {
	t.Helper()
	d, ok := f.roster.Lookup(key)
	require.True(t, ok)
	return d
}

func (f *fixture) supervisor(ctx context.Context) (*Supervisor, *gate.Gate) {
	g := gate.New(f.roster.Keys()...)
	return NewSupervisor(ctx, f.roster, g, f.sessions, f.runner, f.pub, "Relay"), g
}

func TestRunner_HappyPath(t *testing.T) {
	f := newFixture(t)
	var states []State
	f.runner.OnTransition(func(_ *Task, s State) { states = append(states, s) })

	task := NewTask(f.agent(t, "grok"), "summarize the plan", 7, "mention")
	out := f.runner.Run(context.Background(), task)

	require.Equal(t, StateDone, out.State)
	assert.True(t, out.Found)
	assert.Equal(t, "answer", out.Result)
	assert.Equal(t, detector.ReasonSilence, out.Detection.Reason)
	assert.Equal(t, []State{StateSubmitting, StateAwaitingCompletion, StateExtracting, StatePublishing, StateDone}, states)
	assert.Equal(t, []string{AckText, "answer"}, f.pub.bodies())
	assert.Equal(t, "Grok", f.pub.posts[1].sender)
	assert.Equal(t, []string{StatusBusy, StatusIdle}, f.pub.statuses("Grok"))
	assert.Equal(t, int32(1), f.page.inputs.Load())
}

func TestRunner_ExtractionMissPublishesCannedText(t *testing.T) {
	f := newFixture(t)
	f.page.output = ""

	out := f.runner.Run(context.Background(), NewTask(f.agent(t, "grok"), "hi", 1, "mention"))

	require.Equal(t, StateDone, out.State)
	assert.False(t, out.Found)
	assert.Equal(t, []string{AckText, ExtractionFailedText}, f.pub.bodies())
}

func TestRunner_PreviousReplyIsNeverPublished(t *testing.T) {
	f := newFixture(t)
	f.page.prior = "the answer to the previous task"
	f.page.output = ""

	out := f.runner.Run(context.Background(), NewTask(f.agent(t, "chatgpt"), "next question", 2, "mention"))

	require.Equal(t, StateDone, out.State)
	assert.False(t, out.Found)
	assert.Equal(t, []string{AckText, ExtractionFailedText}, f.pub.bodies())
}

func TestRunner_WarmPagePublishesNewReply(t *testing.T) {
	f := newFixture(t)
	f.page.prior = "the answer to the previous task"
	f.page.output = "fresh answer"

	out := f.runner.Run(context.Background(), NewTask(f.agent(t, "chatgpt"), "next question", 2, "mention"))

	require.Equal(t, StateDone, out.State)
	assert.True(t, out.Found)
	assert.Equal(t, "fresh answer", out.Result)
}

func TestRunner_HardTimeoutStillExtracts(t *testing.T) {
	f := newFixture(t)
	f.comp.result = detector.Result{Reason: detector.ReasonHardTimeout}

	out := f.runner.Run(context.Background(), NewTask(f.agent(t, "grok"), "hi", 1, "mention"))

	require.Equal(t, StateDone, out.State)
	assert.Equal(t, detector.ReasonHardTimeout, out.Detection.Reason)
	assert.Equal(t, "answer", out.Result)
}

func TestRunner_ObserverUnavailableUsesFixedWait(t *testing.T) {
	f := newFixture(t)
	f.comp.armErr = detector.ErrNotInstalled

	start := time.Now()
	out := f.runner.Run(context.Background(), NewTask(f.agent(t, "grok"), "hi", 1, "mention"))

	require.Equal(t, StateDone, out.State)
	assert.Equal(t, detector.ReasonDetectorFailure, out.Detection.Reason)
	assert.GreaterOrEqual(t, time.Since(start), testOpts.FallbackWait)
	assert.Equal(t, "answer", out.Result)
}

func TestRunner_InterventionClears(t *testing.T) {
	f := newFixture(t)
	f.page.blocked.Store(2)

	out := f.runner.Run(context.Background(), NewTask(f.agent(t, "grok"), "hi", 1, "mention"))

	require.Equal(t, StateDone, out.State)
	assert.Equal(t, []string{StatusBusy, StatusAssistance, StatusBusy, StatusIdle}, f.pub.statuses("Grok"))
}

func TestRunner_ProgressNotices(t *testing.T) {
	f := newFixture(t)
	opts := testOpts
	opts.ProgressInterval = 10 * time.Millisecond
	f.runner = NewRunner(f.sessions, f.comp, f.pub, opts)
	f.comp.release = make(chan struct{})
	time.AfterFunc(80*time.Millisecond, func() { close(f.comp.release) })

	out := f.runner.Run(context.Background(), NewTask(f.agent(t, "grok"), "hi", 1, "mention"))

	require.Equal(t, StateDone, out.State)
	bodies := f.pub.bodies()
	require.GreaterOrEqual(t, len(bodies), 3)
	assert.Equal(t, AckText, bodies[0])
	assert.True(t, strings.HasPrefix(bodies[1], "Thinking... ("), bodies[1])
	assert.Equal(t, "answer", bodies[len(bodies)-1])
}

// Every failure stage must end in Failed with an error notice, the slot
// released and the transient session torn down exactly once.
func TestSupervisor_CleanupOnEveryExitPath(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  string
	}{
		{"ensure", func(f *fixture) { f.sessions.ensureErr = errors.New("navigation timeout") }, "navigation timeout"},
		{"acknowledgment", func(f *fixture) { f.pub.failBody = AckText }, "post acknowledgment"},
		{"intervention", func(f *fixture) { f.page.blocked.Store(-1) }, "manual intervention"},
		{"submit", func(f *fixture) { f.page.waitErr = errors.New("no input box") }, "no input box"},
		{"completion panic", func(f *fixture) { f.comp.panicWait = true }, "observer exploded"},
		{"extract", func(f *fixture) { f.page.extractErr = errors.New("target closed") }, "target closed"},
		{"publish", func(f *fixture) { f.pub.failBody = "answer" }, "post result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			sup, g := f.supervisor(context.Background())
			outcomes := make(chan Outcome, 1)
			sup.OnDone(func(_ *Task, o Outcome) { outcomes <- o })

			_, err := sup.Dispatch("gemini", "draw the diagram", 3, "mention")
			require.NoError(t, err)
			require.NoError(t, sup.Wait(context.Background()))

			out := <-outcomes
			assert.Equal(t, StateFailed, out.State)
			require.Error(t, out.Err)
			assert.Contains(t, out.Err.Error(), tt.want)
			assert.False(t, g.Slot("gemini").Busy())
			assert.Equal(t, []string{"gemini"}, f.sessions.torndown())
			assert.Equal(t, 0, sup.InFlight())

			bodies := f.pub.bodies()
			require.NotEmpty(t, bodies)
			assert.True(t, strings.HasPrefix(bodies[len(bodies)-1], "Error: "), bodies[len(bodies)-1])
		})
	}
}

// Degraded outcomes still end in Done, and cleanup is the same as on
// failure.
func TestSupervisor_CleanupAfterDegradedOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		wantReason detector.Reason
		wantFound  bool
	}{
		{"observer not armed", func(f *fixture) { f.comp.armErr = detector.ErrNotInstalled }, detector.ReasonDetectorFailure, true},
		{"detector failed mid-wait", func(f *fixture) {
			f.comp.result = detector.Result{Reason: detector.ReasonDetectorFailure, Err: errors.New("observer gone")}
		}, detector.ReasonDetectorFailure, true},
		{"hard timeout", func(f *fixture) { f.comp.result = detector.Result{Reason: detector.ReasonHardTimeout} }, detector.ReasonHardTimeout, true},
		{"extraction miss", func(f *fixture) { f.page.output = "" }, detector.ReasonSilence, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			sup, g := f.supervisor(context.Background())
			outcomes := make(chan Outcome, 1)
			sup.OnDone(func(_ *Task, o Outcome) { outcomes <- o })

			_, err := sup.Dispatch("gemini", "draw the diagram", 3, "mention")
			require.NoError(t, err)
			require.NoError(t, sup.Wait(context.Background()))

			out := <-outcomes
			assert.Equal(t, StateDone, out.State)
			assert.NoError(t, out.Err)
			assert.Equal(t, tt.wantReason, out.Detection.Reason)
			assert.Equal(t, tt.wantFound, out.Found)
			assert.False(t, g.Slot("gemini").Busy())
			assert.Equal(t, []string{"gemini"}, f.sessions.torndown())
			assert.Equal(t, 0, sup.InFlight())

			// The slot is free for the next task.
			assert.True(t, g.TryAcquire("gemini"))
			g.Release("gemini")
		})
	}
}

func TestSupervisor_WarmAgentKeepsSession(t *testing.T) {
	f := newFixture(t)
	sup, g := f.supervisor(context.Background())

	_, err := sup.Dispatch("ChatGPT", "hi", 1, "mention")
	require.NoError(t, err)
	require.NoError(t, sup.Wait(context.Background()))

	assert.Empty(t, f.sessions.torndown())
	assert.False(t, g.Slot("chatgpt").Busy())
}

func TestSupervisor_BusyAgentRejectsSecondTask(t *testing.T) {
	f := newFixture(t)
	f.comp.release = make(chan struct{})
	sup, g := f.supervisor(context.Background())

	_, err := sup.Dispatch("grok", "first", 1, "mention")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.Slot("grok").Busy() }, time.Second, time.Millisecond)

	_, err = sup.Dispatch("grok", "second", 2, "mention")
	require.ErrorIs(t, err, ErrAgentBusy)

	// Another agent is unaffected.
	_, err = sup.Dispatch("claude", "parallel", 3, "mention")
	require.NoError(t, err)

	close(f.comp.release)
	require.NoError(t, sup.Wait(context.Background()))

	assert.Empty(t, g.Busy())
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	var notices []post
	for _, p := range f.pub.posts {
		if p.sender == "Relay" {
			notices = append(notices, p)
		}
	}
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].body, "Grok is busy")
	assert.Contains(t, notices[0].body, "#2")
}

func TestSupervisor_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	sup, _ := f.supervisor(context.Background())

	_, err := sup.Dispatch("nobody", "hi", 1, "envelope")
	require.ErrorIs(t, err, ErrUnknownAgent)
	require.NoError(t, sup.Wait(context.Background()))
	assert.Empty(t, f.pub.bodies())
}

func TestSupervisor_GoContainsPanics(t *testing.T) {
	f := newFixture(t)
	sup, _ := f.supervisor(context.Background())

	var ran atomic.Bool
	sup.Go("exploding job", func(ctx context.Context) error { panic("boom") })
	sup.Go("failing job", func(ctx context.Context) error { return errors.New("nope") })
	sup.Go("good job", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, sup.Wait(context.Background()))
	assert.True(t, ran.Load())
}

func TestSupervisor_WaitHonorsContext(t *testing.T) {
	f := newFixture(t)
	f.comp.release = make(chan struct{})
	sup, _ := f.supervisor(context.Background())

	_, err := sup.Dispatch("grok", "slow", 1, "mention")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sup.Wait(ctx), context.DeadlineExceeded)

	close(f.comp.release)
	require.NoError(t, sup.Wait(context.Background()))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	long := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50)+"...", Preview(long))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_completion", StateAwaitingCompletion.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePublishing.Terminal())
}
