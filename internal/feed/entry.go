// Package feed defines the shared message feed and the HTTP client the
// orchestrator uses to read it, publish to it, and update the shared status
// document.
package feed

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Entry is one immutable feed message. IDs are assigned by the store and are
// strictly increasing.
type Entry struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender"`
	Body       string    `json:"message"`
	ReceivedAt time.Time `json:"timestamp"`

	// RequestID is the client's idempotency key, if it sent one.
	RequestID string `json:"request_id,omitempty"`
}

// timestampLayouts are tried in order. Stores that write naive ISO-8601
// local times (no zone) are read in the local zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON decodes an entry. A timestamp in an unknown format decodes
// as the zero time rather than failing the whole feed read.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var raw struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entry(raw.plain)
	e.ReceivedAt = parseTimestamp(raw.Timestamp)
	return nil
}

func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var secs float64
		if json.Unmarshal(raw, &secs) == nil && secs > 0 {
			return time.Unix(0, int64(secs*float64(time.Second)))
		}
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Post is the payload for appending to the feed.
// RequestID lets the store recognize a retried post it already committed.
type Post struct {
	Sender    string `json:"sender"`
	Body      string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// SortByID orders entries by ascending id in place.
func SortByID(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// MaxID returns the largest id in entries, or 0 when empty.
func MaxID(entries []Entry) int64 {
	var max int64
	for _, e := range entries {
		if e.ID > max {
			max = e.ID
		}
	}
	return max
}
