package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentrelay/internal/logging"
)

// Page is the subset of browser.Page the variants drive.
type Page interface {
	WaitFor(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Input(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context) error
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
}

// sendButtonWait bounds the wait for a send button before falling back to
// Enter.
const sendButtonWait = 5 * time.Second

// Submit types prompt into the agent's input and sends it.
func (d *Descriptor) Submit(ctx context.Context, page Page, prompt string) error {
	a := d.Addressing
	if err := page.WaitFor(ctx, a.InputSelector); err != nil {
		return fmt.Errorf("%s input not ready: %w", d.Key, err)
	}
	if err := page.Click(ctx, a.InputSelector); err != nil {
		logging.BrowserDebug("%s: focusing click on input failed: %v", d.Key, err)
	}
	if err := page.Input(ctx, a.InputSelector, prompt); err != nil {
		return fmt.Errorf("%s input: %w", d.Key, err)
	}

	switch profiles[d.Variant].submit {
	case submitClick:
		if a.SubmitSelector != "" {
			btnCtx, cancel := context.WithTimeout(ctx, sendButtonWait)
			err := page.Click(btnCtx, a.SubmitSelector)
			cancel()
			if err == nil {
				return nil
			}
			logging.BrowserDebug("%s: send button unavailable (%v), pressing Enter", d.Key, err)
		}
		return page.PressEnter(ctx)
	default:
		return page.PressEnter(ctx)
	}
}

const interventionScript = `(input, groups, needsNoInput, restore) => {
	const text = (document.body && document.body.innerText) || '';
	if (restore.every((m) => text.includes(m))) return true;
	if (needsNoInput && input && document.querySelector(input)) return false;
	return groups.some((g) => g.every((m) => text.includes(m)));
}`

// NeedsIntervention reports whether the page shows a login wall or a crashed
// session restore prompt that a human has to clear.
func (d *Descriptor) NeedsIntervention(ctx context.Context, page Page) (bool, error) {
	p := profiles[d.Variant]
	groups := p.loginMarkers
	if groups == nil {
		groups = [][]string{}
	}
	raw, err := page.Eval(ctx, interventionScript, d.Addressing.InputSelector, groups, p.loginOnlyWithoutInput, restoreMarkers)
	if err != nil {
		return false, err
	}
	var blocked bool
	if err := json.Unmarshal(raw, &blocked); err != nil {
		return false, fmt.Errorf("decode intervention check: %w", err)
	}
	return blocked, nil
}

const observeScript = `(sources) => ({
	sources: sources.map((sel) => {
		let nodes;
		try { nodes = document.querySelectorAll(sel); } catch (e) { return { count: 0, last: '' }; }
		const last = nodes.length ? nodes[nodes.length - 1] : null;
		return { count: nodes.length, last: last ? (last.innerText || last.textContent || '').trim() : '' };
	}),
	body: (document.body && document.body.innerText) || '',
})`

// minDeltaLen is the shortest page-text delta accepted as an answer when no
// new output element appeared.
const minDeltaLen = 10

// SourceState is one output source as seen on the page.
type SourceState struct {
	Count int    `json:"count"`
	Last  string `json:"last"`
}

// Observation records the page's output sources and visible text at one
// moment. A zero Observation means nothing was recorded.
type Observation struct {
	Sources []SourceState `json:"sources"`
	Body    string        `json:"body"`

	taken bool
}

// Taken reports whether the observation was read from a page.
func (o Observation) Taken() bool { return o.taken }

func (d *Descriptor) observe(ctx context.Context, page Page) (Observation, error) {
	raw, err := page.Eval(ctx, observeScript, d.Addressing.OutputSources)
	if err != nil {
		return Observation{}, err
	}
	var obs Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return Observation{}, fmt.Errorf("decode: %w", err)
	}
	obs.taken = true
	return obs, nil
}

// Snapshot records the page's existing output before a prompt is sent, so
// Extract can tell a new reply from the previous one.
func (d *Descriptor) Snapshot(ctx context.Context, page Page) (Observation, error) {
	obs, err := d.observe(ctx, page)
	if err != nil {
		return Observation{}, fmt.Errorf("%s snapshot: %w", d.Key, err)
	}
	return obs, nil
}

// Extract returns the reply to prompt that appeared since before. found is
// false, with a nil error, when the page shows nothing newer than before.
func (d *Descriptor) Extract(ctx context.Context, page Page, before Observation, prompt string) (text string, found bool, err error) {
	after, err := d.observe(ctx, page)
	if err != nil {
		return "", false, fmt.Errorf("%s extract: %w", d.Key, err)
	}
	text, how := pickOutput(before, after, prompt)
	if how == "" {
		logging.ExtractWarn("%s: no new output in %v", d.Key, d.Addressing.OutputSources)
		return "", false, nil
	}
	logging.ExtractDebug("%s: reply taken from %s (%d chars)", d.Key, how, len(text))
	return text, true, nil
}

// pickOutput chooses the reply. The first source that gained an element, or
// whose last element changed, wins. Otherwise the page text appended since
// before, minus the echoed prompt, is used when it is long enough. A source
// that only shows what it showed before is never a reply.
func pickOutput(before, after Observation, prompt string) (text, how string) {
	for i, src := range after.Sources {
		var prev SourceState
		if i < len(before.Sources) {
			prev = before.Sources[i]
		}
		last := strings.TrimSpace(src.Last)
		if last == "" || echoOnly(last, prompt) {
			continue
		}
		if src.Count > prev.Count || (src.Count > 0 && last != strings.TrimSpace(prev.Last)) {
			return last, fmt.Sprintf("source %d", i)
		}
	}

	if !before.taken || len(after.Body) <= len(before.Body) {
		return "", ""
	}
	delta := after.Body[len(before.Body):]
	if p := strings.TrimSpace(prompt); p != "" {
		if i := strings.Index(delta, p); i >= 0 {
			delta = delta[i+len(p):]
		}
	}
	delta = strings.TrimSpace(delta)
	if len(delta) <= minDeltaLen {
		return "", ""
	}
	return delta, "page text"
}

// echoOnly reports whether text is the sent prompt plus at most a short
// label, as user-message elements show it.
func echoOnly(text, prompt string) bool {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return false
	}
	i := strings.Index(text, p)
	if i < 0 {
		return false
	}
	rest := strings.TrimSpace(text[:i] + text[i+len(p):])
	return len(rest) <= minDeltaLen
}
