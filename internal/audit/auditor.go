// Package audit produces the workspace audit report: file churn since the
// previous run, git state, and disk usage.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"agentrelay/internal/logging"

	"golang.org/x/sync/errgroup"
)

// FileMeta is the per-file snapshot record.
type FileMeta struct {
	Size  int64 `json:"size"`
	MTime int64 `json:"mtime"`
}

// Snapshot is the persisted result of a workspace scan.
type Snapshot struct {
	Timestamp string              `json:"timestamp"`
	Files     map[string]FileMeta `json:"files"`
}

// Changes is the diff between two snapshots.
type Changes struct {
	Created    []string
	Modified   []string
	Deleted    []string
	DeltaBytes int64
}

// Churn is the number of changed files.
func (c Changes) Churn() int { return len(c.Created) + len(c.Modified) + len(c.Deleted) }

// ChurnLevel buckets the churn.
func (c Changes) ChurnLevel() string {
	switch n := c.Churn(); {
	case n > 20:
		return "HIGH"
	case n > 5:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// GitStatus summarizes the workspace repository.
type GitStatus struct {
	Available  bool
	Branch     string
	Clean      bool
	Modified   int
	Staged     int
	Untracked  int
	LastCommit string
	CommitAge  string
}

// DiskUsage describes the filesystem holding the workspace.
type DiskUsage struct {
	TotalBytes     uint64
	FreeBytes      uint64
	WorkspaceBytes int64
}

// UsedPercent returns the used share of the filesystem.
func (d DiskUsage) UsedPercent() float64 {
	if d.TotalBytes == 0 {
		return 0
	}
	return float64(d.TotalBytes-d.FreeBytes) / float64(d.TotalBytes) * 100
}

// Report is one audit result.
type Report struct {
	Workspace string
	At        time.Time
	Changes   Changes
	Git       GitStatus
	Disk      DiskUsage
}

// Auditor scans one workspace and remembers the previous scan.
type Auditor struct {
	Workspace string
	StateFile string
	Ignore    []string

	now func() time.Time
}

// NewAuditor creates an auditor.
func NewAuditor(workspace, stateFile string, ignore []string) *Auditor {
	return &Auditor{Workspace: workspace, StateFile: stateFile, Ignore: ignore, now: time.Now}
}

// Run scans the workspace, diffs it against the previous snapshot, stores
// the new snapshot and returns the report.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	prev, err := a.loadSnapshot()
	if err != nil {
		logging.AuditWarn("Ignoring unreadable previous snapshot: %v", err)
		prev = Snapshot{Files: map[string]FileMeta{}}
	}

	var (
		current map[string]FileMeta
		git     GitStatus
		disk    DiskUsage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = a.scan(gctx)
		return err
	})
	g.Go(func() error {
		git = gitStatus(gctx, a.Workspace)
		return nil
	})
	g.Go(func() error {
		var err error
		disk, err = diskUsage(a.Workspace)
		if err != nil {
			logging.AuditWarn("Disk usage unavailable: %v", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("audit %s: %w", a.Workspace, err)
	}

	for _, m := range current {
		disk.WorkspaceBytes += m.Size
	}

	at := a.now()
	report := &Report{
		Workspace: a.Workspace,
		At:        at,
		Changes:   Diff(prev.Files, current),
		Git:       git,
		Disk:      disk,
	}

	if err := a.saveSnapshot(Snapshot{Timestamp: at.Format(time.RFC3339), Files: current}); err != nil {
		logging.AuditWarn("Saving snapshot: %v", err)
	}
	logging.Audit("Audit of %s: %d files, churn %d", a.Workspace, len(current), report.Changes.Churn())
	return report, nil
}

func (a *Auditor) ignored(name string) bool {
	for _, p := range a.Ignore {
		if name == p {
			return true
		}
	}
	return false
}

func (a *Auditor) scan(ctx context.Context) (map[string]FileMeta, error) {
	files := make(map[string]FileMeta)
	err := filepath.WalkDir(a.Workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path != a.Workspace && a.ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(a.Workspace, path)
		if err != nil {
			rel = path
		}
		files[filepath.ToSlash(rel)] = FileMeta{Size: info.Size(), MTime: info.ModTime().Unix()}
		return nil
	})
	return files, err
}

// Diff compares two snapshots. Lists are sorted.
func Diff(prev, current map[string]FileMeta) Changes {
	var c Changes
	for path, meta := range current {
		old, ok := prev[path]
		switch {
		case !ok:
			c.Created = append(c.Created, path)
			c.DeltaBytes += meta.Size
		case old != meta:
			c.Modified = append(c.Modified, path)
		}
	}
	for path, meta := range prev {
		if _, ok := current[path]; !ok {
			c.Deleted = append(c.Deleted, path)
			c.DeltaBytes -= meta.Size
		}
	}
	sort.Strings(c.Created)
	sort.Strings(c.Modified)
	sort.Strings(c.Deleted)
	return c
}

func (a *Auditor) loadSnapshot() (Snapshot, error) {
	snap := Snapshot{Files: map[string]FileMeta{}}
	data, err := os.ReadFile(a.StateFile)
	if os.IsNotExist(err) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{Files: map[string]FileMeta{}}, err
	}
	if snap.Files == nil {
		snap.Files = map[string]FileMeta{}
	}
	return snap, nil
}

func (a *Auditor) saveSnapshot(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(a.StateFile), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.StateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, a.StateFile)
}

func gitStatus(ctx context.Context, dir string) GitStatus {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return GitStatus{}
	}
	run := func(args ...string) string {
		cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.Output()
		if err != nil {
			logging.AuditWarn("git %s: %v", strings.Join(args, " "), err)
		}
		return string(out)
	}

	st := GitStatus{Available: true, LastCommit: "N/A", CommitAge: "N/A"}
	st.Branch = strings.TrimSpace(run("branch", "--show-current"))

	porcelain := run("status", "--porcelain=v1")
	lines := 0
	sc := bufio.NewScanner(strings.NewReader(porcelain))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		lines++
		switch {
		case strings.HasPrefix(line, "??"):
			st.Untracked++
		case strings.HasPrefix(line, " M"):
			st.Modified++
		case strings.HasPrefix(line, "M "):
			st.Staged++
		}
	}
	st.Clean = lines == 0

	if last := strings.TrimSpace(run("log", "-1", "--format=%h|%cr")); last != "" {
		parts := strings.SplitN(last, "|", 2)
		st.LastCommit = parts[0]
		if len(parts) == 2 {
			st.CommitAge = parts[1]
		}
	}
	return st
}

func diskUsage(dir string) (DiskUsage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		TotalBytes: st.Blocks * uint64(st.Bsize),
		FreeBytes:  st.Bavail * uint64(st.Bsize),
	}, nil
}
