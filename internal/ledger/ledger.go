// Package ledger implements the durable, crash-safe run ledger:
// a single JSON document persisted by atomic replace, tolerating both the
// legacy flat shape and the structured {plan_version, runs, tasks} shape on
// load, always writing the structured shape back out.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sprintctl/supervisor/internal/model"
)

// ErrRowAbsent is returned by MarkRunning/MarkResult when the target run_id
// has no existing row.
var ErrRowAbsent = fmt.Errorf("ledger: run_id not present")

// ErrInvalidRoot is returned by Load when the on-disk root is not a JSON object.
var ErrInvalidRoot = fmt.Errorf("ledger: root must be a JSON object")

// statusRank enforces monotonic progression: queued(0) -> running(1) ->
// {succeeded,failed,skipped}(2). No row may move backward.
var statusRank = map[model.RunStatus]int{
	model.StatusQueued:    0,
	model.StatusRunning:   1,
	model.StatusSucceeded: 2,
	model.StatusFailed:    2,
	model.StatusSkipped:   2,
}

// Archiver mirrors terminal ledger rows into an optional external store. The
// default NoopArchiver discards everything.
type Archiver interface {
	Archive(runID string, row model.LedgerRow)
}

// NoopArchiver implements Archiver as a no-op.
type NoopArchiver struct{}

// Archive implements Archiver.
func (NoopArchiver) Archive(string, model.LedgerRow) {}

// Ledger is the durable run ledger. All mutating operations are serialized
// under a single coarse mutex and flushed through a temp-file-then-rename so
// a reader never observes a partial document.
type Ledger struct {
	path     string
	mu       sync.Mutex
	loaded   bool
	doc      model.LedgerDocument
	archiver Archiver
}

// New constructs a Ledger backed by the JSON document at path. The document
// is not read until the first operation (Load is also callable directly).
func New(path string, archiver Archiver) *Ledger {
	if archiver == nil {
		archiver = NoopArchiver{}
	}
	return &Ledger{path: path, archiver: archiver}
}

// Load reads the ledger file, tolerating a missing file (empty document) and
// normalizing the legacy flat shape into the structured shape in memory. It
// rejects a non-object root.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Ledger) loadLocked() error {
	if l.loaded {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.doc = model.LedgerDocument{Runs: map[string]*model.LedgerRow{}, Tasks: map[string]*model.TaskActivity{}}
			l.loaded = true
			return nil
		}
		return fmt.Errorf("read ledger: %w", err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	doc := model.LedgerDocument{Runs: map[string]*model.LedgerRow{}, Tasks: map[string]*model.TaskActivity{}}
	_, hasPlanVersion := generic["plan_version"]
	_, hasRuns := generic["runs"]
	_, hasTasks := generic["tasks"]
	if hasPlanVersion || hasRuns || hasTasks {
		if raw, ok := generic["plan_version"]; ok {
			_ = json.Unmarshal(raw, &doc.PlanVersion)
		}
		if raw, ok := generic["runs"]; ok {
			_ = json.Unmarshal(raw, &doc.Runs)
		}
		if raw, ok := generic["tasks"]; ok {
			_ = json.Unmarshal(raw, &doc.Tasks)
		}
	} else {
		// Legacy flat shape: run_id keys at root.
		flat := map[string]*model.LedgerRow{}
		if err := json.Unmarshal(data, &flat); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
		}
		doc.Runs = flat
	}
	if doc.Runs == nil {
		doc.Runs = map[string]*model.LedgerRow{}
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*model.TaskActivity{}
	}
	l.doc = doc
	l.loaded = true
	return nil
}

// Get returns the row for run_id, or nil if absent.
func (l *Ledger) Get(runID string) (*model.LedgerRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return nil, err
	}
	row, ok := l.doc.Runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// Upsert inserts or replaces the row for row.RunID, enforcing monotonic
// status progression against any existing row.
func (l *Ledger) Upsert(row model.LedgerRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	if existing, ok := l.doc.Runs[row.RunID]; ok {
		if statusRank[row.Status] < statusRank[existing.Status] {
			return fmt.Errorf("ledger: refusing to move run %s from %s back to %s", row.RunID, existing.Status, row.Status)
		}
	}
	cp := row
	l.doc.Runs[row.RunID] = &cp
	return l.flushLocked()
}

// MarkRunning transitions run_id to running, stamping running_at. Fails if
// the row is absent.
func (l *Ledger) MarkRunning(runID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	row, ok := l.doc.Runs[runID]
	if !ok {
		return ErrRowAbsent
	}
	if statusRank[model.StatusRunning] < statusRank[row.Status] {
		return fmt.Errorf("ledger: refusing to move run %s from %s back to running", runID, row.Status)
	}
	row.Status = model.StatusRunning
	row.RunningAt = model.NowISO(at)
	return l.flushLocked()
}

// MarkResult transitions run_id to a terminal status with the given result.
// Fails if the row is absent. On success, the row is mirrored to the
// configured Archiver (best effort, outside crash safety).
func (l *Ledger) MarkResult(runID string, status model.RunStatus, result model.LedgerResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	row, ok := l.doc.Runs[runID]
	if !ok {
		return ErrRowAbsent
	}
	if statusRank[status] < statusRank[row.Status] {
		return fmt.Errorf("ledger: refusing to move run %s from %s back to %s", runID, row.Status, status)
	}
	row.Status = status
	row.Result = &result
	if err := l.flushLocked(); err != nil {
		return err
	}
	l.archiver.Archive(runID, *row)
	return nil
}

// GetPlanVersion returns the ledger root's plan_version tag.
func (l *Ledger) GetPlanVersion() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return "", err
	}
	return l.doc.PlanVersion, nil
}

// GetTaskLastActivity returns the last-activity timestamp recorded for a
// project item, or "" if none.
func (l *Ledger) GetTaskLastActivity(projectItemID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return "", err
	}
	t, ok := l.doc.Tasks[projectItemID]
	if !ok || t == nil {
		return "", nil
	}
	return t.LastActivityAt, nil
}

// TouchTaskLastActivity records the current activity timestamp for a project item.
func (l *Ledger) TouchTaskLastActivity(projectItemID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	t, ok := l.doc.Tasks[projectItemID]
	if !ok || t == nil {
		t = &model.TaskActivity{}
		l.doc.Tasks[projectItemID] = t
	}
	t.LastActivityAt = model.NowISO(at)
	return l.flushLocked()
}

func (l *Ledger) flushLocked() error {
	dir := filepath.Dir(l.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure ledger dir: %w", err)
		}
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%d", l.path, os.Getpid(), time.Now().UnixMilli())
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("rename ledger temp file: %w", err)
	}
	return nil
}
