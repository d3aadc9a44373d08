// Package classifier resolves a feed entry to the intents it triggers.
//
// Rules are tried in order and the first match wins: audit marker, briefing
// marker, JSON task envelope, then role mentions. Mentions may fan out to
// several agents from one entry. An entry matching nothing yields no intents
// and is left for the poller to reconsider.
package classifier

import (
	"bytes"
	"encoding/json"
	"strings"

	"agentrelay/internal/agents"
	"agentrelay/internal/logging"
)

// Kind is the type of an intent.
type Kind int

const (
	KindNone Kind = iota
	KindAudit
	KindBriefing
	KindEnvelope
	KindMention
)

func (k Kind) String() string {
	switch k {
	case KindAudit:
		return "audit"
	case KindBriefing:
		return "briefing"
	case KindEnvelope:
		return "envelope"
	case KindMention:
		return "mention"
	default:
		return "none"
	}
}

// Intent is one action resolved from an entry.
type Intent struct {
	Kind     Kind
	AgentKey string // envelope and mention intents
	Prompt   string // envelope and mention intents
	SourceID int64
	Trigger  string // matched token, for logs
}

// Markers holds the command tokens.
type Markers struct {
	Audit    string
	Briefing string
}

// Classifier is a pure function over (text, sender) bound to a roster.
type Classifier struct {
	roster  *agents.Roster
	markers Markers
}

// New creates a classifier.
func New(roster *agents.Roster, markers Markers) *Classifier {
	return &Classifier{roster: roster, markers: markers}
}

// Classify returns the intents for an entry body sent by sender.
func (c *Classifier) Classify(id int64, sender, body string) []Intent {
	if c.markers.Audit != "" && strings.Contains(body, c.markers.Audit) {
		logging.ClassifierDebug("Entry %d: audit marker", id)
		return []Intent{{Kind: KindAudit, SourceID: id, Trigger: c.markers.Audit}}
	}
	if c.markers.Briefing != "" && strings.Contains(body, c.markers.Briefing) {
		logging.ClassifierDebug("Entry %d: briefing marker", id)
		return []Intent{{Kind: KindBriefing, SourceID: id, Trigger: c.markers.Briefing}}
	}
	if in, ok := c.envelope(id, body); ok {
		logging.ClassifierDebug("Entry %d: envelope for %s", id, in.AgentKey)
		return []Intent{in}
	}
	return c.mentions(id, sender, body)
}

type envelope struct {
	AssignedTo *string         `json:"assigned_to"`
	Input      json.RawMessage `json:"input"`
}

func (c *Classifier) envelope(id int64, body string) (Intent, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return Intent{}, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		logging.ClassifierDebug("Entry %d: not a valid envelope: %v", id, err)
		return Intent{}, false
	}
	if env.AssignedTo == nil {
		return Intent{}, false
	}
	d, ok := c.roster.Lookup(*env.AssignedTo)
	if !ok {
		logging.ClassifierDebug("Entry %d: envelope for unknown agent %q", id, *env.AssignedTo)
		return Intent{}, false
	}
	return Intent{
		Kind:     KindEnvelope,
		AgentKey: d.Key,
		Prompt:   envelopeInput(env.Input),
		SourceID: id,
		Trigger:  "assigned_to",
	}, true
}

// envelopeInput renders the input field: strings verbatim, anything else as
// compact JSON, a missing field as "null".
func envelopeInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func (c *Classifier) mentions(id int64, sender, body string) []Intent {
	var out []Intent
	for _, d := range c.roster.All() {
		if strings.EqualFold(sender, d.DisplayName) {
			continue
		}
		for _, token := range d.Mentions {
			at := indexFold(body, token)
			if token == "" || at < 0 {
				continue
			}
			out = append(out, Intent{
				Kind:     KindMention,
				AgentKey: d.Key,
				Prompt:   promptAfter(body, at+len(token)),
				SourceID: id,
				Trigger:  token,
			})
			logging.ClassifierDebug("Entry %d: mention %s -> %s", id, token, d.Key)
			break
		}
	}
	return out
}

// indexFold is a case-insensitive strings.Index that reports offsets into s.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

// promptAfter returns the text following the trigger, trimmed. Falls back to
// the whole body when nothing follows.
func promptAfter(body string, offset int) string {
	if offset > len(body) {
		offset = len(body)
	}
	if p := strings.TrimSpace(body[offset:]); p != "" {
		return p
	}
	return strings.TrimSpace(body)
}
