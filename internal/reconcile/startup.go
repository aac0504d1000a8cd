// Package reconcile implements the board reconciliation engine:
// startup rehydration against authoritative remote metadata, and five
// isolated per-poll handlers (lost-reviewer-dispatch recovery, review-stall
// escalation, blocked-retry cooldown, review-cycle cap, running-worker
// watchdog) invoked on every DISPATCH_SUMMARY event.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sprintctl/supervisor/internal/backendclient"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

// RemoteItem is one row of the backend's authoritative project-items snapshot.
type RemoteItem struct {
	IssueNumber   int    `json:"issue_number"`
	ProjectItemID string `json:"project_item_id"`
	Status        string `json:"status"`
}

// ParseRemoteItems projects a raw getProjectItemsMetadata response into typed
// RemoteItems. The response is expected to carry an "items" array.
func ParseRemoteItems(resp map[string]any) ([]RemoteItem, error) {
	raw, ok := resp["items"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("reconcile: marshal project-items response: %w", err)
	}
	var items []RemoteItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("reconcile: parse project-items response: %w", err)
	}
	return items, nil
}

// Reconciler holds the collaborators shared by startup rehydration and every
// per-poll handler.
type Reconciler struct {
	Backend                   *backendclient.Client
	Ledger                    Ledger
	Log                       telemetry.Logger
	ReviewStallPollsThreshold int
	BlockedRetryMinutes       int
	WatchdogTimeoutS          int
	ReviewCycleCap            int
	Now                       func() time.Time
}

// Ledger is the subset of *ledger.Ledger the reconciler depends on, narrowed
// to an interface so handlers are unit-testable against a fake.
type Ledger interface {
	Get(runID string) (*model.LedgerRow, error)
	MarkResult(runID string, status model.RunStatus, result model.LedgerResult) error
}

const (
	statusInProgress         = "In Progress"
	statusInReview           = "In Review"
	statusBlocked            = "Blocked"
	statusReady              = "Ready"
	statusNeedsHumanApproval = "Needs Human Approval"
)

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) log() telemetry.Logger {
	if r.Log == nil {
		return telemetry.NoopLogger{}
	}
	return r.Log
}

func (r *Reconciler) cap() int {
	if r.ReviewCycleCap <= 0 {
		return 5
	}
	return r.ReviewCycleCap
}

// Rehydrate implements startup reconciliation: merge authoritative
// remote metadata into state, preserving epoch-scoped fields only when the
// (issue_number, status) epoch is unchanged, resetting every in-flight
// dispatch field (the worker pool has just been re-created), and pruning
// local items no longer present remotely. Returns whether the merge changed
// anything, so the caller only rewrites the state file when needed.
func (r *Reconciler) Rehydrate(ctx context.Context, state *model.OrchestratorState, remote []RemoteItem) bool {
	if state.Items == nil {
		state.Items = map[string]*model.StateItem{}
	}
	changed := false
	seen := make(map[string]bool, len(remote))

	for _, item := range remote {
		seen[item.ProjectItemID] = true
		prior := state.Items[item.ProjectItemID]
		epochMatches := prior != nil &&
			prior.LastSeenStatus == item.Status &&
			prior.LastSeenIssueNumber == item.IssueNumber

		next := &model.StateItem{
			LastSeenStatus:      item.Status,
			LastSeenIssueNumber: item.IssueNumber,
		}
		if epochMatches {
			next.StatusSinceAt = prior.StatusSinceAt
			next.StatusSincePoll = prior.StatusSincePoll
		} else {
			next.StatusSinceAt = model.NowISO(r.now())
			next.StatusSincePoll = state.PollCount
		}
		if epochMatches && item.Status == statusInReview {
			next.ReviewCycleCount = prior.ReviewCycleCount
			next.LastReviewerOutcome = prior.LastReviewerOutcome
			next.LastReviewerFeedbackAt = prior.LastReviewerFeedbackAt
			next.LastExecutorResponseAt = prior.LastExecutorResponseAt
			next.ReviewerDispatchesForCurrentStatus = prior.ReviewerDispatchesForCurrentStatus
			next.InReviewOrigin = prior.InReviewOrigin
		}
		// last_dispatched_* and last_run_id are always reset: the in-memory
		// worker pool is ephemeral and has just been re-created.

		if prior == nil || !sameStateItem(prior, next) {
			changed = true
		}
		state.Items[item.ProjectItemID] = next
	}

	for pid := range state.Items {
		if !seen[pid] {
			delete(state.Items, pid)
			changed = true
		}
	}

	if changed {
		r.log().Info(ctx, "startup reconciliation rewrote orchestrator state", "item_count", len(state.Items))
	}
	return changed
}

func sameStateItem(a, b *model.StateItem) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
