package poller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/briefing"
	"agentrelay/internal/classifier"
	"agentrelay/internal/config"
	"agentrelay/internal/feed"
	"agentrelay/internal/ledger"
	"agentrelay/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu      sync.Mutex
	entries []feed.Entry
	err     error
	calls   int
}

func (s *fakeSource) Messages(ctx context.Context) ([]feed.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]feed.Entry(nil), s.entries...), nil
}

func (s *fakeSource) add(id int64, sender, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, feed.Entry{ID: id, Sender: sender, Body: body})
}

type dispatched struct {
	agent, prompt string
	source        int64
	origin        string
	wasMarked     bool
}

type fakeDispatcher struct {
	ledger Ledger
	busy   map[string]bool

	mu    sync.Mutex
	tasks []dispatched
	jobs  []string
}

func (d *fakeDispatcher) Dispatch(agentKey, prompt string, sourceID int64, origin string) (*pipeline.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, dispatched{agentKey, prompt, sourceID, origin, d.ledger.Contains(sourceID)})
	if d.busy[agentKey] {
		return nil, pipeline.ErrAgentBusy
	}
	return pipeline.NewTask(&agents.Descriptor{Key: agentKey}, prompt, sourceID, origin), nil
}

// Go runs jobs inline so tests observe their effects directly.
func (d *fakeDispatcher) Go(name string, fn func(ctx context.Context) error) {
	d.mu.Lock()
	d.jobs = append(d.jobs, name)
	d.mu.Unlock()
	_ = fn(context.Background())
}

type fakePublisher struct {
	mu    sync.Mutex
	posts []feed.Entry
}

func (p *fakePublisher) Post(ctx context.Context, sender, body string) (feed.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := feed.Entry{ID: int64(len(p.posts) + 1), Sender: sender, Body: body}
	p.posts = append(p.posts, e)
	return e, nil
}

type fakeAuditor struct {
	out string
	err error
}

func (a fakeAuditor) Run(ctx context.Context) (string, error) { return a.out, a.err }

type harness struct {
	source   *fakeSource
	ledger   *ledger.Ledger
	dispatch *fakeDispatcher
	pub      *fakePublisher
	poller   *Poller
	opts     Options
}

// failingMarks rejects every Mark, as a full disk would.
type failingMarks struct {
	*ledger.Ledger
}

func (f failingMarks) Mark(id int64, intent string) error {
	return errors.New("disk I/O error")
}

func newHarness(t *testing.T, dbPath string) *harness {
	t.Helper()
	return newHarnessWith(t, dbPath, config.DefaultAgents())
}

func newHarnessWith(t *testing.T, dbPath string, cfgs []config.AgentConfig) *harness {
	t.Helper()
	roster, err := agents.NewRoster(cfgs)
	require.NoError(t, err)

	l, err := ledger.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	briefs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(briefs, "tactical_brief.md"), []byte("Tactical orders."), 0644))

	h := &harness{
		source:   &fakeSource{},
		ledger:   l,
		dispatch: &fakeDispatcher{ledger: l, busy: map[string]bool{}},
		pub:      &fakePublisher{},
	}
	h.opts = Options{
		Source:       h.source,
		Publisher:    h.pub,
		Ledger:       l,
		Classifier:   classifier.New(roster, classifier.Markers{Audit: "!audit", Briefing: "!brief"}),
		Dispatcher:   h.dispatch,
		Roster:       roster,
		Briefings:    briefing.NewLibrary(briefs),
		Auditor:      fakeAuditor{out: "all quiet"},
		SystemSender: "Relay",
		Interval:     5 * time.Millisecond,
	}
	h.poller = New(h.opts)
	return h
}

func TestTick_DispatchesInIDOrderAfterMarking(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.source.add(3, "Ops", "@grok second")
	h.source.add(1, "Ops", "@chatgpt first")
	h.source.add(2, "Ops", "just chatter")

	marked, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	require.Len(t, h.dispatch.tasks, 2)
	assert.Equal(t, dispatched{"chatgpt", "first", 1, "mention", true}, h.dispatch.tasks[0])
	assert.Equal(t, dispatched{"grok", "second", 3, "mention", true}, h.dispatch.tasks[1])

	assert.False(t, h.ledger.Contains(2), "unmatched entries stay unprocessed")
	assert.Equal(t, int64(3), h.ledger.LastSeen())
}

func TestTick_NeverDispatchesTwice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	h := newHarness(t, dbPath)
	h.source.add(1, "Ops", "@claude review")

	for i := 0; i < 3; i++ {
		_, err := h.poller.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, h.dispatch.tasks, 1)
	require.NoError(t, h.ledger.Close())

	// A restarted relay sees the same feed.
	restarted := newHarness(t, dbPath)
	restarted.source.add(1, "Ops", "@claude review")
	restarted.source.add(2, "Ops", "@claude again")
	_, err := restarted.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, restarted.dispatch.tasks, 1)
	assert.Equal(t, int64(2), restarted.dispatch.tasks[0].source)
}

func TestTick_BusyAgentStillMarksEntry(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.dispatch.busy["grok"] = true
	h.source.add(1, "Ops", "@grok now")

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	_, err = h.poller.Tick(context.Background())
	require.NoError(t, err)

	assert.True(t, h.ledger.Contains(1))
	assert.Len(t, h.dispatch.tasks, 1)
}

func TestTick_FetchErrorMarksNothing(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.source.add(1, "Ops", "@grok now")
	h.source.err = feed.ErrStoreUnavailable

	_, err := h.poller.Tick(context.Background())
	require.ErrorIs(t, err, feed.ErrStoreUnavailable)
	assert.Equal(t, 0, h.ledger.Len())

	h.source.err = nil
	_, err = h.poller.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.dispatch.tasks, 1)
}

func TestTick_EnvelopeAndMultipleMentions(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.source.add(1, "Ops", `{"assigned_to": "gemini", "input": "render it"}`)
	h.source.add(2, "Ops", "@chatgpt and @grok compare notes")

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)

	var got []string
	for _, d := range h.dispatch.tasks {
		got = append(got, d.agent+":"+d.origin)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"chatgpt:mention", "gemini:envelope", "grok:mention"}, got)
}

func TestTick_AuditPostsReport(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.source.add(1, "Ops", "!audit please")

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, h.pub.posts, 1)
	assert.Equal(t, "Relay", h.pub.posts[0].Sender)
	assert.Equal(t, "**PROJECT SENTRY REPORT**\n\nall quiet", h.pub.posts[0].Body)
	assert.Empty(t, h.dispatch.tasks)
}

func TestTick_AuditFailureNotice(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.opts.Auditor = fakeAuditor{err: errors.New("exec: not found")}
	h.poller = New(h.opts)
	h.source.add(1, "Ops", "!audit")

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, h.pub.posts, 1)
	assert.Equal(t, "Audit execution error: exec: not found", h.pub.posts[0].Body)
}

func TestTick_BriefingInjection(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.source.add(1, "Ops", "!brief")

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)

	// chatgpt has its file; grok's strategic brief is missing.
	require.Len(t, h.dispatch.tasks, 1)
	assert.Equal(t, dispatched{"chatgpt", "Tactical orders.", 1, "briefing", true}, h.dispatch.tasks[0])
	require.Len(t, h.pub.posts, 1)
	assert.True(t, strings.HasPrefix(h.pub.posts[0].Body, "Briefing file not found for Grok"), h.pub.posts[0].Body)
}

func TestTick_FirstRunActsOnExistingFeed(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	for id := int64(1); id <= 4; id++ {
		h.source.add(id, "Ops", "status chatter")
	}
	h.source.add(5, "Ops", "@chatgpt summarize the plan")

	for i := 0; i < 3; i++ {
		_, err := h.poller.Tick(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, h.dispatch.tasks, 1)
	assert.Equal(t, dispatched{"chatgpt", "summarize the plan", 5, "mention", true}, h.dispatch.tasks[0])
	assert.True(t, h.ledger.Contains(5))
	assert.Equal(t, int64(5), h.ledger.LastSeen())
}

func TestTick_UnmatchedStaysUnprocessedAcrossPolls(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.source.add(1, "Ops", "@scout look around")

	for i := 0; i < 5; i++ {
		marked, err := h.poller.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, marked)
	}
	assert.False(t, h.ledger.Contains(1))
	assert.Zero(t, h.ledger.LastSeen())
	assert.Empty(t, h.dispatch.tasks)
}

func TestTick_UnmatchedEntryMatchesNewRuleAfterRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	h := newHarness(t, dbPath)
	h.source.add(7, "Ops", "@scout look around")
	h.source.add(8, "Ops", "@claude hello")
	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, h.ledger.Contains(7))
	assert.Equal(t, int64(8), h.ledger.LastSeen())
	require.NoError(t, h.ledger.Close())

	cfgs := config.DefaultAgents()
	for i := range cfgs {
		if cfgs[i].Key == "grok" {
			cfgs[i].Mentions = append(cfgs[i].Mentions, "@scout")
		}
	}
	restarted := newHarnessWith(t, dbPath, cfgs)
	restarted.source.add(7, "Ops", "@scout look around")
	restarted.source.add(8, "Ops", "@claude hello")
	_, err = restarted.poller.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, restarted.dispatch.tasks, 1)
	assert.Equal(t, dispatched{"grok", "look around", 7, "mention", true}, restarted.dispatch.tasks[0])
}

func TestTick_FailedMarkIsRetriedAfterRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	h := newHarness(t, dbPath)
	h.opts.Ledger = failingMarks{h.ledger}
	h.poller = New(h.opts)
	h.source.add(3, "Ops", "@grok report")

	marked, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, marked)
	assert.Empty(t, h.dispatch.tasks)
	assert.Zero(t, h.ledger.LastSeen())
	require.NoError(t, h.ledger.Close())

	restarted := newHarness(t, dbPath)
	restarted.source.add(3, "Ops", "@grok report")
	_, err = restarted.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, restarted.dispatch.tasks, 1)
	assert.Equal(t, int64(3), restarted.dispatch.tasks[0].source)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "ledger.db"))
	h.source.add(1, "Ops", "@grok hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.poller.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.source.mu.Lock()
		defer h.source.mu.Unlock()
		return h.source.calls >= 3
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	h.dispatch.mu.Lock()
	defer h.dispatch.mu.Unlock()
	assert.Len(t, h.dispatch.tasks, 1)
}
