package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/gate"
	"agentrelay/internal/logging"

	"github.com/sourcegraph/conc/panics"
)

// Supervisor owns every running task. Submit returns as soon as the task is
// accepted; the supervisor then guarantees, for every exit path, that a
// transient agent's session is torn down and the agent's slot is released,
// in that order and exactly once.
type Supervisor struct {
	ctx      context.Context
	roster   *agents.Roster
	gate     *gate.Gate
	sessions Sessions
	runner   *Runner
	pub      Publisher
	system   string // sender for orchestrator notices

	wg       sync.WaitGroup
	inFlight atomic.Int64
	done     func(t *Task, o Outcome)
}

// NewSupervisor creates a supervisor. ctx bounds every task it starts;
// tasks keep running after the poller stops unless ctx is cancelled.
func NewSupervisor(ctx context.Context, roster *agents.Roster, g *gate.Gate, sessions Sessions, runner *Runner, pub Publisher, systemSender string) *Supervisor {
	return &Supervisor{
		ctx:      ctx,
		roster:   roster,
		gate:     g,
		sessions: sessions,
		runner:   runner,
		pub:      pub,
		system:   systemSender,
	}
}

// OnDone registers a hook called after each task's cleanup completes.
func (s *Supervisor) OnDone(fn func(t *Task, o Outcome)) { s.done = fn }

// Dispatch resolves agentKey and submits a task for it.
func (s *Supervisor) Dispatch(agentKey, prompt string, sourceID int64, origin string) (*Task, error) {
	d, ok := s.roster.Lookup(agentKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentKey)
	}
	t := NewTask(d, prompt, sourceID, origin)
	if err := s.Submit(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Submit starts t if its agent is free. A busy agent gets ErrAgentBusy and
// a busy notice on the feed; the trigger is not retried.
func (s *Supervisor) Submit(t *Task) error {
	if t.Agent == nil {
		return ErrUnknownAgent
	}
	slot := s.gate.Slot(t.Agent.Key)
	if !slot.TryAcquire() {
		logging.Pipeline("%s busy for %v, dropping entry #%d", t.Agent.Key, slot.HeldFor().Round(time.Second), t.SourceID)
		s.Go("busy notice "+t.Agent.Key, func(ctx context.Context) error {
			_, err := s.pub.Post(ctx, s.system, BusyText(t.Agent, t.SourceID))
			return err
		})
		return fmt.Errorf("%s: %w", t.Agent.Key, ErrAgentBusy)
	}

	s.wg.Add(1)
	s.inFlight.Add(1)
	go s.execute(slot, t)
	return nil
}

// BusyText is the notice posted when a trigger is dropped for a busy agent.
func BusyText(d *agents.Descriptor, sourceID int64) string {
	return fmt.Sprintf("%s is busy with another task; entry #%d was not dispatched.", d.DisplayName, sourceID)
}

func (s *Supervisor) execute(slot *gate.Slot, t *Task) {
	var outcome Outcome
	defer s.wg.Done()
	defer func() {
		if s.done != nil {
			s.done(t, outcome)
		}
	}()
	defer s.inFlight.Add(-1)
	defer slot.Release()
	defer s.teardown(t)

	var pc panics.Catcher
	pc.Try(func() { outcome = s.runner.Run(s.ctx, t) })
	if r := pc.Recovered(); r != nil {
		logging.PipelineError("[%s] %s: task panicked: %s", t.ShortID(), t.Agent.Key, r.String())
		outcome = s.runner.fail(s.ctx, t, fmt.Errorf("internal error: %w", r.AsError()))
	}
}

// teardown closes a transient agent's session. It never panics, so the
// slot release deferred before it always runs.
func (s *Supervisor) teardown(t *Task) {
	if !t.Agent.IsTransient() {
		return
	}
	var pc panics.Catcher
	pc.Try(func() { s.sessions.Teardown(t.Agent.Key) })
	if r := pc.Recovered(); r != nil {
		logging.PipelineError("%s: teardown panicked: %s", t.Agent.Key, r.String())
	}
}

// Go runs a non-agent job (audit, briefing fan-out, notices) under the
// supervisor. Errors and panics are logged.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var pc panics.Catcher
		pc.Try(func() {
			if err := fn(s.ctx); err != nil {
				logging.PipelineWarn("%s: %v", name, err)
			}
		})
		if r := pc.Recovered(); r != nil {
			logging.PipelineError("%s panicked: %s", name, r.String())
		}
	}()
}

// InFlight returns the number of running agent tasks.
func (s *Supervisor) InFlight() int { return int(s.inFlight.Load()) }

// Wait blocks until every task and job has finished or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
