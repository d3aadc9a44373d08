// Package pipeline runs accepted tasks against agent sessions.
//
// A task moves Pending → Submitting → AwaitingCompletion → Extracting →
// Publishing → Done, and any state may move to Failed. The Supervisor owns
// every running task: it acquires the agent's gate slot before the task
// starts and, whatever the outcome (panics included), tears down transient
// sessions and releases the slot exactly once.
package pipeline

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"agentrelay/internal/agents"

	"github.com/google/uuid"
)

var (
	// ErrAgentBusy is returned when the agent already runs a task.
	ErrAgentBusy = errors.New("agent busy")
	// ErrUnknownAgent is returned for an agent key missing from the roster.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Feed texts.
const (
	AckText              = "Thinking... Roger."
	ExtractionFailedText = "Extraction failed. Over. Roger."
)

// State is a task pipeline state.
type State int

const (
	StatePending State = iota
	StateSubmitting
	StateAwaitingCompletion
	StateExtracting
	StatePublishing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateExtracting:
		return "extracting"
	case StatePublishing:
		return "publishing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends the pipeline.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Task is one accepted unit of work for one agent.
type Task struct {
	ID       string
	Agent    *agents.Descriptor
	Prompt   string
	SourceID int64  // feed entry that triggered the task
	Origin   string // classifier intent kind
	Accepted time.Time

	state State
}

// NewTask creates a pending task.
func NewTask(agent *agents.Descriptor, prompt string, sourceID int64, origin string) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Agent:    agent,
		Prompt:   prompt,
		SourceID: sourceID,
		Origin:   origin,
		Accepted: time.Now(),
		state:    StatePending,
	}
}

// State returns the task's current state. Only the goroutine running the
// task may call it while the task is in flight.
func (t *Task) State() State { return t.state }

// ShortID returns the first 8 characters of the task id, for logs.
func (t *Task) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// previewLen is the status-document prompt preview length in runes.
const previewLen = 50

// Preview truncates a prompt for the status document.
func Preview(prompt string) string {
	if utf8.RuneCountInString(prompt) <= previewLen {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:previewLen]) + "..."
}
