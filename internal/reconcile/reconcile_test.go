package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintctl/supervisor/internal/backendclient"
	"github.com/sprintctl/supervisor/internal/model"
)

type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]*model.LedgerRow
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*model.LedgerRow{}}
}

func (f *fakeLedger) Get(runID string) (*model.LedgerRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[runID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeLedger) MarkResult(runID string, status model.RunStatus, result model.LedgerResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[runID]
	if !ok {
		return assertNotFound
	}
	row.Status = status
	row.Result = &result
	return nil
}

var assertNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "row not found" }

func newFixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newReconciler(t *testing.T, backendURL string, ledger Ledger, now time.Time) *Reconciler {
	t.Helper()
	return &Reconciler{
		Backend:                   backendclient.New(backendclient.Options{BaseURL: backendURL}),
		Ledger:                    ledger,
		ReviewStallPollsThreshold: 3,
		BlockedRetryMinutes:       15,
		WatchdogTimeoutS:          1,
		ReviewCycleCap:            5,
		Now:                       newFixedClock(now),
	}
}

func TestRehydratePreservesEpochFieldsOnUnchangedStatus(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	r := newReconciler(t, "http://unused", newFakeLedger(), now)

	state := &model.OrchestratorState{
		PollCount: 42,
		Items: map[string]*model.StateItem{
			"PVTI_1": {
				LastSeenStatus:       statusInReview,
				LastSeenIssueNumber:  1,
				StatusSinceAt:        "2026-07-30T00:00:00Z",
				StatusSincePoll:      10,
				ReviewCycleCount:     2,
				LastDispatchedRole:   "REVIEWER",
				LastDispatchedPoll:   40,
				LastRunID:            "run-old",
			},
		},
	}

	remote := []RemoteItem{{IssueNumber: 1, ProjectItemID: "PVTI_1", Status: statusInReview}}
	changed := r.Rehydrate(context.Background(), state, remote)

	// Dispatch fields always reset, so the merge is always observable as a
	// change, but the epoch-scoped fields must be preserved.
	assert.True(t, changed)
	item := state.Items["PVTI_1"]
	require.NotNil(t, item)
	assert.Equal(t, "2026-07-30T00:00:00Z", item.StatusSinceAt)
	assert.Equal(t, 10, item.StatusSincePoll)
	assert.Equal(t, 2, item.ReviewCycleCount)
	assert.Equal(t, "", item.LastDispatchedRole)
	assert.Equal(t, "", item.LastRunID)
}

func TestRehydrateResetsEpochOnStatusChange(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	r := newReconciler(t, "http://unused", newFakeLedger(), now)

	state := &model.OrchestratorState{
		PollCount: 42,
		Items: map[string]*model.StateItem{
			"PVTI_1": {LastSeenStatus: statusInProgress, LastSeenIssueNumber: 1, StatusSinceAt: "2026-07-30T00:00:00Z", StatusSincePoll: 10, ReviewCycleCount: 3},
		},
	}
	remote := []RemoteItem{{IssueNumber: 1, ProjectItemID: "PVTI_1", Status: statusInReview}}
	r.Rehydrate(context.Background(), state, remote)

	item := state.Items["PVTI_1"]
	assert.Equal(t, model.NowISO(now), item.StatusSinceAt)
	assert.Equal(t, 42, item.StatusSincePoll)
	assert.Equal(t, 0, item.ReviewCycleCount)
}

func TestRehydratePrunesItemsNotInRemote(t *testing.T) {
	const statusBacklog = "Backlog"
	r := newReconciler(t, "http://unused", newFakeLedger(), time.Now())
	state := &model.OrchestratorState{Items: map[string]*model.StateItem{
		"PVTI_1": {LastSeenIssueNumber: 1, LastSeenStatus: statusBacklog},
		"PVTI_2": {LastSeenIssueNumber: 2, LastSeenStatus: statusBacklog},
	}}
	changed := r.Rehydrate(context.Background(), state, []RemoteItem{{IssueNumber: 1, ProjectItemID: "PVTI_1", Status: statusBacklog}})
	assert.True(t, changed)
	_, ok := state.Items["PVTI_2"]
	assert.False(t, ok)
	_, ok = state.Items["PVTI_1"]
	assert.True(t, ok)
}

func TestRecoverLostReviewerDispatch_SameEpochNeverRecovers(t *testing.T) {
	ledger := newFakeLedger()
	r := newReconciler(t, "http://unused", ledger, time.Now())
	state := &model.OrchestratorState{
		PollCount: 105,
		Items: map[string]*model.StateItem{
			"PVTI_1": {LastSeenIssueNumber: 2, LastDispatchedRole: "REVIEWER", LastDispatchedPoll: 105, LastDispatchedAt: "2026-07-31T00:00:00Z", LastRunID: "R"},
		},
	}
	result := r.PerPoll(context.Background(), state, model.DispatchSummary{PollCount: 105})
	assert.Empty(t, result.Errs)
	assert.Empty(t, result.Actions)
	assert.Equal(t, "R", state.Items["PVTI_1"].LastRunID)
}

func TestRecoverLostReviewerDispatch_LaterPollClearsMissingLedgerRow(t *testing.T) {
	ledger := newFakeLedger() // no row for "R": absent ledger row
	r := newReconciler(t, "http://unused", ledger, time.Now())
	state := &model.OrchestratorState{
		PollCount: 121,
		Items: map[string]*model.StateItem{
			"PVTI_1": {LastSeenIssueNumber: 2, LastDispatchedRole: "REVIEWER", LastDispatchedPoll: 105, LastDispatchedAt: "2026-07-31T00:00:00Z", LastRunID: "R"},
		},
	}
	result := r.PerPoll(context.Background(), state, model.DispatchSummary{PollCount: 121})
	require.Empty(t, result.Errs)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "lost_reviewer_dispatch", result.Actions[0].Handler)
	assert.Equal(t, "", state.Items["PVTI_1"].LastRunID)
	assert.Equal(t, "", state.Items["PVTI_1"].LastDispatchedRole)
}

func TestReviewStallEscalation_RequiresTwoDispatchesAndNoNewerExecutorResponse(t *testing.T) {
	var updateCalls int
	var resolveCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/internal/reviewer/resolve-linked-pr":
			resolveCalls++
			_, _ = w.Write([]byte(`{"pr_url":"https://example.com/pull/2"}`))
		case "/internal/project-item/update-field":
			updateCalls++
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	ledger := newFakeLedger()
	r := newReconciler(t, server.URL, ledger, time.Now())
	state := &model.OrchestratorState{
		PollCount: 10,
		Items: map[string]*model.StateItem{
			"PVTI_2": {
				LastSeenIssueNumber:                 2,
				LastSeenStatus:                      statusInReview,
				ReviewerDispatchesForCurrentStatus:  2,
				LastReviewerFeedbackAt:              "2026-07-31T01:00:00Z",
				LastExecutorResponseAt:              "2026-07-31T00:00:00Z",
			},
		},
	}
	summary := model.DispatchSummary{
		NeedsAttention: model.NeedsAttention{
			InReviewChurn: []model.InReviewChurnEntry{{IssueNumber: 2, ProjectItemID: "PVTI_2", InReviewPolls: 5}},
		},
	}
	result := r.PerPoll(context.Background(), state, summary)
	require.Empty(t, result.Errs)
	assert.Equal(t, 1, resolveCalls)
	assert.Equal(t, 1, updateCalls)

	var escalated bool
	for _, a := range result.Actions {
		if a.Handler == "review_stall_escalation" {
			escalated = true
		}
	}
	assert.True(t, escalated)
}

func TestReviewStallEscalation_SkipsBelowTwoDispatches(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ledger := newFakeLedger()
	r := newReconciler(t, server.URL, ledger, time.Now())
	state := &model.OrchestratorState{
		Items: map[string]*model.StateItem{
			"PVTI_2": {LastSeenIssueNumber: 2, LastSeenStatus: statusInReview, ReviewerDispatchesForCurrentStatus: 1},
		},
	}
	summary := model.DispatchSummary{NeedsAttention: model.NeedsAttention{
		InReviewChurn: []model.InReviewChurnEntry{{IssueNumber: 2, ProjectItemID: "PVTI_2", InReviewPolls: 5}},
	}}
	result := r.PerPoll(context.Background(), state, summary)
	require.Empty(t, result.Errs)
	assert.Equal(t, 0, calls)
	assert.Empty(t, result.Actions)
}

func TestBlockedRetry_OnlyRetryableAfterCooldown(t *testing.T) {
	var updates []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		updates = append(updates, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ledger := newFakeLedger()
	ledger.rows["run-transient"] = &model.LedgerRow{RunID: "run-transient", Status: model.StatusFailed, Result: &model.LedgerResult{FailureClassification: "TRANSIENT", ErrorCode: "backend_unreachable"}}
	ledger.rows["run-hard"] = &model.LedgerRow{RunID: "run-hard", Status: model.StatusFailed, Result: &model.LedgerResult{FailureClassification: "HARD_STOP", ErrorCode: "worker_invalid_output"}}

	r := newReconciler(t, server.URL, ledger, now)
	state := &model.OrchestratorState{
		Items: map[string]*model.StateItem{
			"PVTI_A": {LastSeenIssueNumber: 1, LastSeenStatus: statusBlocked, StatusSinceAt: model.NowISO(now.Add(-20 * time.Minute)), LastRunID: "run-transient"},
			"PVTI_B": {LastSeenIssueNumber: 2, LastSeenStatus: statusBlocked, StatusSinceAt: model.NowISO(now.Add(-20 * time.Minute)), LastRunID: "run-hard"},
		},
	}
	result := r.PerPoll(context.Background(), state, model.DispatchSummary{})
	require.Empty(t, result.Errs)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "PVTI_A", result.Actions[0].ProjectItemID)
	assert.Len(t, updates, 1)
}

func TestReviewCycleCap(t *testing.T) {
	var reasons []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	_ = reasons
	defer server.Close()

	ledger := newFakeLedger()
	r := newReconciler(t, server.URL, ledger, time.Now())
	state := &model.OrchestratorState{
		Items: map[string]*model.StateItem{
			"PVTI_1": {LastSeenIssueNumber: 1, LastSeenStatus: statusInReview, ReviewCycleCount: 5},
			"PVTI_2": {LastSeenIssueNumber: 2, LastSeenStatus: statusInReview, ReviewCycleCount: 4},
		},
	}
	result := r.PerPoll(context.Background(), state, model.DispatchSummary{})
	require.Empty(t, result.Errs)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "PVTI_1", result.Actions[0].ProjectItemID)
}

func TestWatchdogTimeout(t *testing.T) {
	var updateCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		updateCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	now := time.Date(2026, 7, 31, 12, 0, 2, 0, time.UTC)
	ledger := newFakeLedger()
	ledger.rows["run-1"] = &model.LedgerRow{RunID: "run-1", Status: model.StatusRunning, RunningAt: model.NowISO(now.Add(-2 * time.Second))}

	r := newReconciler(t, server.URL, ledger, now)
	state := &model.OrchestratorState{
		Items: map[string]*model.StateItem{
			"PVTI_1": {LastSeenIssueNumber: 1, LastSeenStatus: statusInProgress, LastRunID: "run-1"},
		},
	}
	result := r.PerPoll(context.Background(), state, model.DispatchSummary{})
	require.Empty(t, result.Errs)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "running_worker_watchdog", result.Actions[0].Handler)
	assert.Equal(t, 1, updateCalls)

	row, err := ledger.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, row.Status)
	assert.Equal(t, "watchdog_timeout", row.Result.ErrorCode)
}

func TestPerPollHandlerFailureDoesNotBlockOthers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/internal/reviewer/resolve-linked-pr" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ledger := newFakeLedger()
	r := newReconciler(t, server.URL, ledger, now)
	state := &model.OrchestratorState{
		Items: map[string]*model.StateItem{
			// Triggers escalateReviewStalls, whose resolve-linked-pr call fails with a 500.
			"PVTI_2": {LastSeenIssueNumber: 2, LastSeenStatus: statusInReview, ReviewerDispatchesForCurrentStatus: 2, LastReviewerFeedbackAt: "z"},
			// Triggers capReviewCycles independently; must still run.
			"PVTI_3": {LastSeenIssueNumber: 3, LastSeenStatus: statusInReview, ReviewCycleCount: 5},
		},
	}
	summary := model.DispatchSummary{NeedsAttention: model.NeedsAttention{
		InReviewChurn: []model.InReviewChurnEntry{{IssueNumber: 2, ProjectItemID: "PVTI_2", InReviewPolls: 10}},
	}}
	result := r.PerPoll(context.Background(), state, summary)
	require.NotEmpty(t, result.Errs)

	var cappedPVTI3 bool
	for _, a := range result.Actions {
		if a.ProjectItemID == "PVTI_3" {
			cappedPVTI3 = true
		}
	}
	assert.True(t, cappedPVTI3, "capReviewCycles must still run despite escalateReviewStalls failing")
}
