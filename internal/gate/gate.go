// Package gate provides per-agent single-slot exclusion.
//
// A Slot is the only owner of an agent's busy flag. TryAcquire is an atomic
// check-and-set; Release is idempotent. Between a successful TryAcquire and
// its Release exactly one task may drive that agent's session.
package gate

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentrelay/internal/logging"
)

// Slot is the busy flag for one agent.
type Slot struct {
	key  string
	busy atomic.Bool

	// since is the acquisition time in unix nanos, 0 when free.
	since atomic.Int64
}

// Key returns the agent key this slot guards.
func (s *Slot) Key() string { return s.key }

// TryAcquire marks the agent busy. It returns false, with no side effects,
// if the agent is already busy.
func (s *Slot) TryAcquire() bool {
	if !s.busy.CompareAndSwap(false, true) {
		logging.GateDebug("Slot %s busy, acquisition rejected", s.key)
		return false
	}
	s.since.Store(time.Now().UnixNano())
	logging.GateDebug("Slot %s acquired", s.key)
	return true
}

// Release clears the busy flag. Safe to call when not held.
func (s *Slot) Release() {
	s.since.Store(0)
	if s.busy.Swap(false) {
		logging.GateDebug("Slot %s released", s.key)
	}
}

// Busy reports whether the slot is held.
func (s *Slot) Busy() bool { return s.busy.Load() }

// HeldFor returns how long the slot has been held, 0 when free.
func (s *Slot) HeldFor() time.Duration {
	since := s.since.Load()
	if since == 0 || !s.Busy() {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// Gate holds one Slot per configured agent.
type Gate struct {
	mu    sync.RWMutex
	slots map[string]*Slot
	order []string
}

// New creates a gate with a slot for every key. Keys are case-insensitive.
func New(keys ...string) *Gate {
	g := &Gate{slots: make(map[string]*Slot, len(keys))}
	for _, k := range keys {
		g.add(k)
	}
	return g
}

func (g *Gate) add(key string) *Slot {
	norm := strings.ToLower(key)
	if s, ok := g.slots[norm]; ok {
		return s
	}
	s := &Slot{key: norm}
	g.slots[norm] = s
	g.order = append(g.order, norm)
	return s
}

// Slot returns the slot for key, creating it on first use.
func (g *Gate) Slot(key string) *Slot {
	norm := strings.ToLower(key)
	g.mu.RLock()
	s, ok := g.slots[norm]
	g.mu.RUnlock()
	if ok {
		return s
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(norm)
}

// TryAcquire is shorthand for g.Slot(key).TryAcquire().
func (g *Gate) TryAcquire(key string) bool { return g.Slot(key).TryAcquire() }

// Release is shorthand for g.Slot(key).Release().
func (g *Gate) Release(key string) { g.Slot(key).Release() }

// Busy returns the keys currently held, in registration order.
func (g *Gate) Busy() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var held []string
	for _, k := range g.order {
		if g.slots[k].Busy() {
			held = append(held, k)
		}
	}
	return held
}
