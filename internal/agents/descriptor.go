// Package agents describes the configured agents and implements the
// per-variant interaction contract: submitting a prompt, spotting a page
// that needs a human, and extracting the newest output.
package agents

import (
	"fmt"
	"strings"

	"agentrelay/internal/config"
)

// Lifecycle is an agent's session policy.
type Lifecycle string

const (
	// Warm sessions are created once and kept until shutdown.
	Warm Lifecycle = config.LifecycleWarm
	// Transient sessions are created per task and torn down after.
	Transient Lifecycle = config.LifecycleTransient
)

// Descriptor is the static description of one agent. Immutable after load.
type Descriptor struct {
	Key         string
	DisplayName string
	Variant     Variant
	Lifecycle   Lifecycle
	Mentions    []string
	Briefing    string
	Addressing  Addressing
}

// IsTransient reports whether sessions are torn down after every task.
func (d *Descriptor) IsTransient() bool { return d.Lifecycle == Transient }

// Roster is the ordered set of configured agents.
type Roster struct {
	list  []*Descriptor
	byKey map[string]*Descriptor
}

// NewRoster builds descriptors from agent config. Lifecycle defaults to warm,
// mentions default to "@<key>", display name defaults to the key.
func NewRoster(cfgs []config.AgentConfig) (*Roster, error) {
	r := &Roster{byKey: make(map[string]*Descriptor, len(cfgs))}
	for _, c := range cfgs {
		key := strings.ToLower(strings.TrimSpace(c.Key))
		if key == "" {
			return nil, fmt.Errorf("agent key is required")
		}
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("agent %q declared twice", key)
		}

		variantName := c.Variant
		if variantName == "" {
			variantName = key
		}
		variant, err := ParseVariant(variantName)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", key, err)
		}

		lifecycle := Lifecycle(strings.ToLower(c.Lifecycle))
		switch lifecycle {
		case "":
			lifecycle = Warm
		case Warm, Transient:
		default:
			return nil, fmt.Errorf("agent %q: invalid lifecycle %q", key, c.Lifecycle)
		}

		display := c.DisplayName
		if display == "" {
			display = key
		}
		mentions := c.Mentions
		if len(mentions) == 0 {
			mentions = []string{"@" + key}
		}

		d := &Descriptor{
			Key:         key,
			DisplayName: display,
			Variant:     variant,
			Lifecycle:   lifecycle,
			Mentions:    append([]string(nil), mentions...),
			Briefing:    c.Briefing,
			Addressing: Addressing{
				URL:            c.Addressing.URL,
				InputSelector:  c.Addressing.InputSelector,
				SubmitSelector: c.Addressing.SubmitSelector,
				OutputSources:  append([]string(nil), c.Addressing.OutputSources...),
			}.merge(variant.DefaultAddressing()),
		}
		r.list = append(r.list, d)
		r.byKey[key] = d
	}
	return r, nil
}

// All returns descriptors in configuration order.
func (r *Roster) All() []*Descriptor { return r.list }

// Keys returns agent keys in configuration order.
func (r *Roster) Keys() []string {
	keys := make([]string, len(r.list))
	for i, d := range r.list {
		keys[i] = d.Key
	}
	return keys
}

// Lookup finds an agent by key, case-insensitively.
func (r *Roster) Lookup(key string) (*Descriptor, bool) {
	d, ok := r.byKey[strings.ToLower(strings.TrimSpace(key))]
	return d, ok
}

// Warm returns the warm agents in configuration order.
func (r *Roster) Warm() []*Descriptor {
	var out []*Descriptor
	for _, d := range r.list {
		if !d.IsTransient() {
			out = append(out, d)
		}
	}
	return out
}
