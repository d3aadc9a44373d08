// Package session owns the live browser session of every agent.
//
// The Registry is the single owner of session handles. Ensure returns a
// usable page, creating or recreating it when needed; Teardown closes it.
// Warm agents keep their page across tasks and are recycled only when they
// exceed the configured task count or age; transient agents are torn down by
// the pipeline after each task.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/browser"
	"agentrelay/internal/logging"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrSetupFailed wraps every session creation failure.
var ErrSetupFailed = errors.New("session setup failed")

// Factory opens browser pages.
type Factory interface {
	Open(ctx context.Context, profileDir, url string) (browser.Page, error)
}

// Options configures the registry.
type Options struct {
	SetupTimeout time.Duration
	MaxTasks     int           // recycle a warm page after this many tasks, 0 = never
	MaxAge       time.Duration // recycle a warm page after this age, 0 = never

	// ProfileDir maps an agent key to its persistent browser profile.
	ProfileDir func(agentKey string) string
}

type handle struct {
	page    browser.Page
	created time.Time
	tasks   int
}

// Registry maps agent keys to live pages.
type Registry struct {
	factory Factory
	opts    Options
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*handle
	group   singleflight.Group
}

// NewRegistry creates a registry.
func NewRegistry(factory Factory, opts Options) *Registry {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 60 * time.Second
	}
	return &Registry{
		factory: factory,
		opts:    opts,
		now:     time.Now,
		handles: make(map[string]*handle),
	}
}

// Ensure returns the agent's page, creating it if absent, unusable, or due
// for recycling. On failure nothing is stored and the error wraps
// ErrSetupFailed.
func (r *Registry) Ensure(ctx context.Context, d *agents.Descriptor) (browser.Page, error) {
	if page, ok := r.reuse(ctx, d); ok {
		return page, nil
	}

	v, err, _ := r.group.Do(d.Key, func() (interface{}, error) {
		r.mu.Lock()
		if h, ok := r.handles[d.Key]; ok {
			// Another caller created it while we waited.
			h.tasks++
			r.mu.Unlock()
			return h.page, nil
		}
		r.mu.Unlock()
		return r.create(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return v.(browser.Page), nil
}

// reuse returns the stored page if it is healthy and not due for recycling.
func (r *Registry) reuse(ctx context.Context, d *agents.Descriptor) (browser.Page, bool) {
	r.mu.Lock()
	h, ok := r.handles[d.Key]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if reason := r.recycleReason(h); reason != "" {
		delete(r.handles, d.Key)
		r.mu.Unlock()
		logging.Session("Recycling %s session: %s", d.Key, reason)
		closePage(d.Key, h.page)
		return nil, false
	}
	r.mu.Unlock()

	if !h.page.Healthy(ctx) {
		logging.SessionWarn("%s session no longer usable, recreating", d.Key)
		r.mu.Lock()
		if r.handles[d.Key] == h {
			delete(r.handles, d.Key)
		}
		r.mu.Unlock()
		closePage(d.Key, h.page)
		return nil, false
	}

	r.mu.Lock()
	h.tasks++
	r.mu.Unlock()
	return h.page, true
}

func (r *Registry) recycleReason(h *handle) string {
	if r.opts.MaxTasks > 0 && h.tasks >= r.opts.MaxTasks {
		return fmt.Sprintf("served %d tasks", h.tasks)
	}
	if r.opts.MaxAge > 0 {
		if age := r.now().Sub(h.created); age >= r.opts.MaxAge {
			return fmt.Sprintf("age %v", age.Round(time.Second))
		}
	}
	return ""
}

func (r *Registry) create(ctx context.Context, d *agents.Descriptor) (browser.Page, error) {
	setupCtx, cancel := context.WithTimeout(ctx, r.opts.SetupTimeout)
	defer cancel()

	profile := ""
	if r.opts.ProfileDir != nil {
		profile = r.opts.ProfileDir(d.Key)
	}

	logging.Session("Opening %s session at %s", d.Key, d.Addressing.URL)
	start := time.Now()
	page, err := r.factory.Open(setupCtx, profile, d.Addressing.URL)
	if err != nil {
		logging.SessionWarn("%s session setup failed after %v: %v", d.Key, time.Since(start), err)
		return nil, fmt.Errorf("%w: %s: %v", ErrSetupFailed, d.Key, err)
	}

	r.mu.Lock()
	r.handles[d.Key] = &handle{page: page, created: r.now(), tasks: 1}
	r.mu.Unlock()

	logging.Session("%s session ready in %v", d.Key, time.Since(start))
	return page, nil
}

// Teardown closes and forgets the agent's page. No-op when absent.
func (r *Registry) Teardown(key string) {
	r.mu.Lock()
	h, ok := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()
	if ok {
		logging.Session("Tearing down %s session", key)
		closePage(key, h.page)
	}
}

// Has reports whether the agent currently has a stored page.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[key]
	return ok
}

// Warmup opens a page for every warm agent concurrently. Failures are
// logged; the affected agent is retried on its first task.
func (r *Registry) Warmup(ctx context.Context, descs []*agents.Descriptor) int {
	var (
		mu    sync.Mutex
		ready int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range descs {
		if d.IsTransient() {
			continue
		}
		g.Go(func() error {
			if _, err := r.Ensure(gctx, d); err != nil {
				logging.SessionWarn("Warmup for %s failed: %v", d.Key, err)
				return nil
			}
			// Warmup is not a task.
			r.mu.Lock()
			if h, ok := r.handles[d.Key]; ok && h.tasks > 0 {
				h.tasks--
			}
			r.mu.Unlock()
			mu.Lock()
			ready++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	logging.Session("Warmup complete: %d session(s) ready", ready)
	return ready
}

// Shutdown closes every page.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	r.mu.Unlock()

	for key, h := range handles {
		closePage(key, h.page)
	}
	logging.Session("Closed %d session(s)", len(handles))
}

func closePage(key string, page browser.Page) {
	if err := page.Close(); err != nil {
		logging.SessionWarn("Closing %s session: %v", key, err)
	}
}
