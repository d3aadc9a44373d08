// Package briefing loads the per-agent briefing documents injected on
// demand. Content is cached and the cache entry for a file is dropped when
// the watcher sees it written, renamed or removed.
package briefing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"agentrelay/internal/agents"
	"agentrelay/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ErrNotFound means the agent's briefing file does not exist.
var ErrNotFound = errors.New("briefing file not found")

// ErrNoBriefing means the agent has no briefing configured.
var ErrNoBriefing = errors.New("no briefing configured")

// Library maps agents to briefing files under one directory.
type Library struct {
	dir string

	mu      sync.RWMutex
	cache   map[string]string // file path -> content
	nocache bool              // set when changes cannot be watched

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLibrary creates a library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{
		dir:   dir,
		cache: make(map[string]string),
	}
}

// Dir returns the briefing directory.
func (l *Library) Dir() string { return l.dir }

// Path returns the briefing file path for d, or "" when none is configured.
func (l *Library) Path(d *agents.Descriptor) string {
	if d.Briefing == "" {
		return ""
	}
	if filepath.IsAbs(d.Briefing) {
		return d.Briefing
	}
	return filepath.Join(l.dir, d.Briefing)
}

// Load returns the briefing content for d.
func (l *Library) Load(d *agents.Descriptor) (string, error) {
	path := l.Path(d)
	if path == "" {
		return "", ErrNoBriefing
	}

	l.mu.RLock()
	content, ok := l.cache[path]
	nocache := l.nocache
	l.mu.RUnlock()
	if ok && !nocache {
		return content, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("read briefing: %w", err)
	}

	content = string(data)
	if !nocache {
		l.mu.Lock()
		l.cache[path] = content
		l.mu.Unlock()
	}
	return content, nil
}

// Cached reports whether path is in the cache.
func (l *Library) Cached(path string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.cache[path]
	return ok
}

// Watch starts invalidating cache entries on file changes. A directory that
// cannot be watched is not an error; caching is switched off instead.
func (l *Library) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		logging.BriefingWarn("Not watching %s: %v", l.dir, err)
		_ = w.Close()
		l.mu.Lock()
		l.nocache = true
		l.cache = make(map[string]string)
		l.mu.Unlock()
		return nil
	}

	l.watcher = w
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(ctx)
	logging.Briefing("Watching briefings in %s", l.dir)
	return nil
}

// Stop ends the watcher, if running.
func (l *Library) Stop() {
	if l.watcher == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
	if err := l.watcher.Close(); err != nil {
		logging.BriefingWarn("Closing watcher: %v", err)
	}
	l.watcher = nil
}

func (l *Library) run(ctx context.Context) {
	defer close(l.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.invalidate(event.Name)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.BriefingWarn("Watcher error: %v", err)
		}
	}
}

func (l *Library) invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	clean := filepath.Clean(path)
	for cached := range l.cache {
		if filepath.Clean(cached) == clean {
			delete(l.cache, cached)
			logging.Briefing("Briefing changed: %s", filepath.Base(path))
		}
	}
}
