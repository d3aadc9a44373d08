// Package poller scans the feed on a fixed interval and turns new entries
// into dispatched work.
//
// Entries are handled in ascending id order and filtered only through the
// ledger, so a first run acts on whatever the feed already holds. An entry
// that yields at least one intent is marked processed before anything is
// dispatched, so a crash mid-dispatch never replays it. Entries that match
// nothing stay unmarked and are classified again on every scan.
// Dispatch never blocks the scan: agent tasks and jobs run under the
// supervisor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/audit"
	"agentrelay/internal/briefing"
	"agentrelay/internal/classifier"
	"agentrelay/internal/feed"
	"agentrelay/internal/logging"
	"agentrelay/internal/pipeline"
)

// Source lists feed entries.
type Source interface {
	Messages(ctx context.Context) ([]feed.Entry, error)
}

// Publisher posts notices to the feed.
type Publisher interface {
	Post(ctx context.Context, sender, body string) (feed.Entry, error)
}

// Ledger is the processed-id set. Observe records the newest marked id.
// *ledger.Ledger implements it.
type Ledger interface {
	Contains(id int64) bool
	Mark(id int64, intent string) error
	Observe(id int64) error
}

// Dispatcher starts agent tasks and background jobs.
// *pipeline.Supervisor implements it.
type Dispatcher interface {
	Dispatch(agentKey, prompt string, sourceID int64, origin string) (*pipeline.Task, error)
	Go(name string, fn func(ctx context.Context) error)
}

// Auditor runs the audit collaborator and returns its report.
// *audit.Runner implements it.
type Auditor interface {
	Run(ctx context.Context) (string, error)
}

// Options wires a Poller.
type Options struct {
	Source     Source
	Publisher  Publisher
	Ledger     Ledger
	Classifier *classifier.Classifier
	Dispatcher Dispatcher
	Roster     *agents.Roster
	Briefings  *briefing.Library
	Auditor    Auditor

	SystemSender string
	Interval     time.Duration
}

// Poller is the feed scan loop.
type Poller struct {
	opts Options
}

// New creates a poller.
func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &Poller{opts: opts}
}

// Run scans immediately and then every interval until ctx ends. Scan errors
// are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) {
	logging.Poller("Polling feed every %v", p.opts.Interval)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			logging.PollerWarn("Feed scan failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logging.Poller("Poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one scan and returns how many entries were marked.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	entries, err := p.opts.Source.Messages(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch feed: %w", err)
	}
	feed.SortByID(entries)

	marked := 0
	for _, e := range entries {
		if p.opts.Ledger.Contains(e.ID) {
			continue
		}

		intents := p.opts.Classifier.Classify(e.ID, e.Sender, e.Body)
		if len(intents) == 0 {
			continue
		}

		if err := p.opts.Ledger.Mark(e.ID, intents[0].Kind.String()); err != nil {
			// Unmarked entries are retried next tick; dispatching now could
			// run them twice.
			logging.PollerWarn("Entry #%d not dispatched: %v", e.ID, err)
			continue
		}
		marked++
		p.observe(e.ID)
		for _, in := range intents {
			p.dispatch(in)
		}
	}
	return marked, nil
}

func (p *Poller) observe(id int64) {
	if err := p.opts.Ledger.Observe(id); err != nil {
		logging.PollerWarn("Recording last seen #%d: %v", id, err)
	}
}

func (p *Poller) dispatch(in classifier.Intent) {
	switch in.Kind {
	case classifier.KindAudit:
		logging.Poller("Entry #%d: audit requested", in.SourceID)
		p.opts.Dispatcher.Go("audit", p.runAudit)

	case classifier.KindBriefing:
		logging.Poller("Entry #%d: briefing injection requested", in.SourceID)
		p.injectBriefings(in.SourceID)

	case classifier.KindEnvelope, classifier.KindMention:
		task, err := p.opts.Dispatcher.Dispatch(in.AgentKey, in.Prompt, in.SourceID, in.Kind.String())
		switch {
		case errors.Is(err, pipeline.ErrAgentBusy):
			logging.PollerDebug("Entry #%d: %s busy", in.SourceID, in.AgentKey)
		case err != nil:
			logging.PollerWarn("Entry #%d: %v", in.SourceID, err)
		default:
			logging.Poller("Entry #%d -> %s (task %s, %s %q)", in.SourceID, in.AgentKey, task.ShortID(), in.Kind, in.Trigger)
		}
	}
}

func (p *Poller) runAudit(ctx context.Context) error {
	if p.opts.Auditor == nil {
		return errors.New("no auditor configured")
	}
	out, err := p.opts.Auditor.Run(ctx)
	if err != nil {
		logging.AuditWarn("Audit failed: %v", err)
	}
	_, perr := p.opts.Publisher.Post(ctx, p.opts.SystemSender, audit.Notice(out, err))
	return perr
}

// injectBriefings submits each warm agent's briefing as a task. Agents
// without a configured briefing are skipped.
func (p *Poller) injectBriefings(sourceID int64) {
	if p.opts.Briefings == nil || p.opts.Roster == nil {
		return
	}
	for _, d := range p.opts.Roster.Warm() {
		if d.Briefing == "" {
			continue
		}
		content, err := p.opts.Briefings.Load(d)
		if err != nil {
			notice := fmt.Sprintf("Briefing file not found for %s: %s", d.DisplayName, d.Briefing)
			if !errors.Is(err, briefing.ErrNotFound) {
				notice = fmt.Sprintf("Briefing for %s unavailable: %v", d.DisplayName, err)
			}
			logging.BriefingWarn("%s", notice)
			p.opts.Dispatcher.Go("briefing notice "+d.Key, func(ctx context.Context) error {
				_, err := p.opts.Publisher.Post(ctx, p.opts.SystemSender, notice)
				return err
			})
			continue
		}
		logging.Briefing("Injecting briefing for %s", d.DisplayName)
		if _, err := p.opts.Dispatcher.Dispatch(d.Key, content, sourceID, classifier.KindBriefing.String()); err != nil {
			logging.BriefingWarn("Briefing for %s not dispatched: %v", d.DisplayName, err)
		}
	}
}
