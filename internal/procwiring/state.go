// Package procwiring spawns the planner child process, multiplexes its
// stdout (intents) and stderr (dispatch summaries), and owns the shared
// orchestrator state file the planner cooperates on via atomic rename.
package procwiring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/reconcile"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

// Store owns the orchestrator state file: a single JSON document rewritten
// by atomic temp-file-then-rename, read by the planner child cooperatively.
// A malformed file is quarantined rather than treated as fatal; any read
// error other than a missing file is returned to the caller.
type Store struct {
	// Log, if set, receives duplicate-item diagnostics from Lookup. Optional.
	Log telemetry.Logger

	path  string
	mu    sync.Mutex
	state *model.OrchestratorState
}

// NewStore constructs a Store backed by the document at path. The file is
// not read until the first operation.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the state file, tolerating a missing or malformed file by
// starting from an empty state and, for a malformed file, quarantining it
// under a `.corrupt-<ms>` suffix.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	if s.state != nil {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = &model.OrchestratorState{Items: map[string]*model.StateItem{}}
			return nil
		}
		return fmt.Errorf("procwiring: read state file: %w", err)
	}
	var st model.OrchestratorState
	if err := json.Unmarshal(data, &st); err != nil {
		quarantined := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixMilli())
		_ = os.Rename(s.path, quarantined)
		s.state = &model.OrchestratorState{Items: map[string]*model.StateItem{}}
		return nil
	}
	if st.Items == nil {
		st.Items = map[string]*model.StateItem{}
	}
	s.state = &st
	return nil
}

// Mutate runs fn against the live state document under the Store's lock. If
// fn returns true, the document is persisted atomically before Mutate
// returns.
func (s *Store) Mutate(fn func(*model.OrchestratorState) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if !fn(s.state) {
		return nil
	}
	return s.saveLocked()
}

// Snapshot returns a deep copy of the current state document, for read-only
// use (e.g. building the planner's enriched environment).
func (s *Store) Snapshot() (model.OrchestratorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return model.OrchestratorState{}, err
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return model.OrchestratorState{}, err
	}
	var cp model.OrchestratorState
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.OrchestratorState{}, err
	}
	return cp, nil
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("procwiring: ensure state dir: %w", err)
		}
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%d", s.path, os.Getpid(), time.Now().UnixMilli())
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("procwiring: marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("procwiring: write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("procwiring: rename state temp file: %w", err)
	}
	return nil
}

// FindIssueByRunID implements supervisor.StateAccessor: scans items for the
// one last dispatched under run_id.
func (s *Store) FindIssueByRunID(runID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, false
	}
	for _, item := range s.state.Items {
		if item != nil && item.LastRunID == runID {
			return item.LastSeenIssueNumber, true
		}
	}
	return 0, false
}

// Lookup implements supervisor.StateAccessor: returns the project_item_id
// and last-observed board status for an issue number. Stale duplicates are
// resolved through the canonical selection rule, with a diagnostic logged
// whenever more than one item claims the issue.
func (s *Store) Lookup(issueNumber int) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", "", false
	}
	pid, ok := reconcile.ResolveCanonicalProjectItem(context.Background(), s.Log, s.state.Items, issueNumber)
	if !ok {
		return "", "", false
	}
	return pid, s.state.Items[pid].LastSeenStatus, true
}

// StampExecutorResponse implements supervisor.StateAccessor.
func (s *Store) StampExecutorResponse(issueNumber int, at string) {
	_ = s.Mutate(func(st *model.OrchestratorState) bool {
		for _, item := range st.Items {
			if item != nil && item.LastSeenIssueNumber == issueNumber {
				item.LastExecutorResponseAt = at
				return true
			}
		}
		return false
	})
}

// IncrementReviewCycleCount implements supervisor.StateAccessor.
func (s *Store) IncrementReviewCycleCount(issueNumber int) {
	_ = s.Mutate(func(st *model.OrchestratorState) bool {
		for _, item := range st.Items {
			if item != nil && item.LastSeenIssueNumber == issueNumber {
				item.ReviewCycleCount++
				return true
			}
		}
		return false
	})
}
