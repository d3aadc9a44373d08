// Package store implements the feed/state store the relay talks to: an
// append-only message feed and a deep-merged status document, each kept in a
// JSON file and served over HTTP.
//
// Every write holds an in-process mutex and an exclusive flock on the
// document's lock file, then replaces the document with write-temp, fsync,
// rename. Readers never observe a partial document and concurrent writers,
// in this process or another, never lose updates.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentrelay/internal/feed"
	"agentrelay/internal/logging"
)

const (
	feedFileName  = "messages.json"
	stateFileName = "state.json"
)

// FileStore keeps the feed and state documents in a directory.
type FileStore struct {
	dir       string
	feedPath  string
	statePath string
	now       func() time.Time

	// mu serializes writers in this process; flock covers other processes.
	mu sync.Mutex

	// onAppend, if set, is called with every stored entry after the write
	// commits.
	onAppend func(feed.Entry)
}

// NewFileStore opens (creating if needed) a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &FileStore{
		dir:       dir,
		feedPath:  filepath.Join(dir, feedFileName),
		statePath: filepath.Join(dir, stateFileName),
		now:       time.Now,
	}
	logging.Store("File store at %s", dir)
	return s, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// OnAppend registers the post-commit append callback.
func (s *FileStore) OnAppend(fn func(feed.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = fn
}

// Messages returns the whole feed in id order.
func (s *FileStore) Messages() ([]feed.Entry, error) {
	var entries []feed.Entry
	if err := readJSON(s.feedPath, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []feed.Entry{}
	}
	return entries, nil
}

// MessagesAfter returns entries with id greater than after.
func (s *FileStore) MessagesAfter(after int64) ([]feed.Entry, error) {
	all, err := s.Messages()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		if e.ID > after {
			out = append(out, e)
		}
	}
	return out, nil
}

// dedupWindow is how many recent entries are searched for a repeated
// request id.
const dedupWindow = 512

// Append stores a message, assigning id = last id + 1 (1 for an empty feed)
// and the current time.
func (s *FileStore) Append(sender, body string) (feed.Entry, error) {
	return s.AppendOnce("", sender, body)
}

// AppendOnce is Append with an idempotency key. If one of the recent entries
// already carries requestID, that entry is returned and nothing is written.
// An empty requestID always appends.
func (s *FileStore) AppendOnce(requestID, sender, body string) (feed.Entry, error) {
	var (
		stored    feed.Entry
		duplicate bool
	)
	notify, err := s.update(s.feedPath, func() error {
		var entries []feed.Entry
		if err := readJSON(s.feedPath, &entries); err != nil {
			return err
		}
		if prev, ok := findRequest(entries, requestID); ok {
			stored, duplicate = prev, true
			return nil
		}
		stored = feed.Entry{
			ID:         feed.MaxID(entries) + 1,
			Sender:     sender,
			Body:       body,
			ReceivedAt: s.now().UTC().Truncate(time.Second),
			RequestID:  requestID,
		}
		entries = append(entries, stored)
		return writeJSONAtomic(s.feedPath, entries)
	})
	if err != nil {
		return feed.Entry{}, err
	}
	if duplicate {
		logging.StoreDebug("Request %s already stored as #%d", requestID, stored.ID)
		return stored, nil
	}
	if notify != nil {
		notify(stored)
	}
	return stored, nil
}

func findRequest(entries []feed.Entry, requestID string) (feed.Entry, bool) {
	if requestID == "" {
		return feed.Entry{}, false
	}
	for i := len(entries) - 1; i >= 0 && i >= len(entries)-dedupWindow; i-- {
		if entries[i].RequestID == requestID {
			return entries[i], true
		}
	}
	return feed.Entry{}, false
}

// State returns the status document.
func (s *FileStore) State() (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if err := readJSON(s.statePath, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}
	return doc, nil
}

// MergeState deep-merges patch into the status document and returns the
// merged document.
func (s *FileStore) MergeState(patch map[string]interface{}) (map[string]interface{}, error) {
	var merged map[string]interface{}
	_, err := s.update(s.statePath, func() error {
		doc := make(map[string]interface{})
		if err := readJSON(s.statePath, &doc); err != nil {
			return err
		}
		merged = DeepMerge(doc, patch)
		return writeJSONAtomic(s.statePath, merged)
	})
	return merged, err
}

// update runs fn under the process mutex and the document's flock.
func (s *FileStore) update(path string, fn func() error) (func(feed.Entry), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl := newFileLock(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	if err := fn(); err != nil {
		return nil, err
	}
	return s.onAppend, nil
}

// readJSON decodes path into v. A missing or empty file leaves v untouched.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic writes v next to path and renames it into place.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
