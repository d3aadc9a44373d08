package pipeline

import (
	"time"
)

// Shared status values.
const (
	StatusBusy       = "busy"
	StatusIdle       = "idle"
	StatusAssistance = "assistance required"
)

// statusPatch builds a state patch for one agent's entry in the shared
// status document. The store deep-merges it, so fields not named here keep
// their previous values.
func statusPatch(display string, fields map[string]interface{}, now time.Time) map[string]interface{} {
	fields["updated_at"] = now.UTC().Format(time.RFC3339)
	return map[string]interface{}{
		"agents": map[string]interface{}{
			display: fields,
		},
	}
}

func busyFields(prompt string) map[string]interface{} {
	return map[string]interface{}{
		"status":       StatusBusy,
		"current_task": Preview(prompt),
	}
}

func idleFields(prompt string) map[string]interface{} {
	return map[string]interface{}{
		"status":       StatusIdle,
		"current_task": "None",
		"last_task":    Preview(prompt),
		"last_error":   nil,
	}
}

func failedFields(prompt string, err error) map[string]interface{} {
	return map[string]interface{}{
		"status":       StatusIdle,
		"current_task": "None",
		"last_task":    Preview(prompt),
		"last_error":   err.Error(),
	}
}

func assistanceFields() map[string]interface{} {
	return map[string]interface{}{"status": StatusAssistance}
}
