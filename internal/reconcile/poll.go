package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/model"
)

// Action records one change a per-poll handler completed (a board field
// update or a state-item reset), for logging/testing. A failed change is
// reported through PollResult.Errs, not as an Action.
type Action struct {
	Handler       string
	IssueNumber   int
	ProjectItemID string
	Detail        string
}

// PollResult aggregates what one PerPoll invocation did. Errs holds one
// entry per handler that failed; a failing handler never prevents the
// others from running.
type PollResult struct {
	Actions []Action
	Errs    []error
}

// PerPoll runs the five per-poll reconciliation handlers in sequence against
// the given state and dispatch summary. state.PollCount must already reflect
// the poll that produced summary.
func (r *Reconciler) PerPoll(ctx context.Context, state *model.OrchestratorState, summary model.DispatchSummary) PollResult {
	var result PollResult
	handlers := []func(context.Context, *model.OrchestratorState, model.DispatchSummary) ([]Action, error){
		r.recoverLostReviewerDispatches,
		r.escalateReviewStalls,
		r.retryBlockedCooldown,
		r.capReviewCycles,
		r.watchdogRunningWorkers,
	}
	for _, h := range handlers {
		actions, err := r.runIsolated(ctx, state, summary, h)
		result.Actions = append(result.Actions, actions...)
		if err != nil {
			result.Errs = append(result.Errs, err)
		}
	}
	return result
}

func (r *Reconciler) runIsolated(ctx context.Context, state *model.OrchestratorState, summary model.DispatchSummary, h func(context.Context, *model.OrchestratorState, model.DispatchSummary) ([]Action, error)) (actions []Action, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reconcile: handler panicked: %v", rec)
			r.log().Error(ctx, "per-poll reconciliation handler panicked", "panic", rec)
		}
	}()
	actions, err = h(ctx, state, summary)
	if err != nil {
		r.log().Warn(ctx, "per-poll reconciliation handler failed", "error", err)
	}
	return actions, err
}

// recoverLostReviewerDispatches implements lost-dispatch recovery: a REVIEWER
// dispatch recorded in a prior poll with no outcome yet is cleared so the
// planner may re-dispatch, unless the ledger shows it is still meaningfully
// in flight. Never acts within the same poll epoch that emitted the dispatch.
func (r *Reconciler) recoverLostReviewerDispatches(ctx context.Context, state *model.OrchestratorState, summary model.DispatchSummary) ([]Action, error) {
	var actions []Action
	for pid, item := range state.Items {
		if item == nil || item.LastDispatchedRole != string(model.RoleReviewer) {
			continue
		}
		if item.LastDispatchedPoll >= state.PollCount {
			continue // same epoch as the dispatch; never recover here
		}
		if item.LastReviewerFeedbackAt != "" && item.LastReviewerFeedbackAt >= item.LastDispatchedAt {
			continue // outcome already recorded after this dispatch
		}
		row, err := r.Ledger.Get(item.LastRunID)
		if err != nil {
			return actions, fmt.Errorf("recoverLostReviewerDispatches: ledger get %s: %w", item.LastRunID, err)
		}
		lost := row == nil
		if row != nil {
			lost = row.Status == model.StatusQueued || (row.Status == model.StatusFailed && (row.Result == nil || row.Result.ReviewerOutcome == ""))
		}
		if !lost {
			continue
		}
		item.LastDispatchedRole = ""
		item.LastDispatchedStatus = ""
		item.LastDispatchedAt = ""
		item.LastDispatchedPoll = 0
		item.LastRunID = ""
		actions = append(actions, Action{Handler: "lost_reviewer_dispatch", ProjectItemID: pid, IssueNumber: item.LastSeenIssueNumber, Detail: "cleared stale dispatch, eligible for re-dispatch"})
	}
	return actions, nil
}

// escalateReviewStalls implements review-stall escalation: an In Review item
// churning across polls escalates to Needs Human Approval once it has been
// reviewer-dispatched at least twice for its current status and the most
// recent signal is reviewer feedback, not a newer executor response.
func (r *Reconciler) escalateReviewStalls(ctx context.Context, state *model.OrchestratorState, summary model.DispatchSummary) ([]Action, error) {
	var actions []Action
	for _, churn := range summary.NeedsAttention.InReviewChurn {
		if churn.InReviewPolls <= r.ReviewStallPollsThreshold {
			continue
		}
		item, ok := state.Items[churn.ProjectItemID]
		if !ok || item == nil {
			continue
		}
		if item.ReviewerDispatchesForCurrentStatus < 2 {
			continue
		}
		if item.LastExecutorResponseAt != "" && item.LastExecutorResponseAt > item.LastReviewerFeedbackAt {
			continue // a newer executor response supersedes the stall
		}

		if _, err := r.Backend.PostResolveLinkedPR(ctx, map[string]any{
			"role":            "ORCHESTRATOR",
			"issue_number":    churn.IssueNumber,
			"project_item_id": churn.ProjectItemID,
		}); err != nil {
			return actions, fmt.Errorf("escalateReviewStalls: resolve-linked-pr issue %d: %w", churn.IssueNumber, err)
		}
		if _, err := r.Backend.PostFieldUpdate(ctx, map[string]any{
			"role":            "ORCHESTRATOR",
			"project_item_id": churn.ProjectItemID,
			"field":           "Status",
			"value":           statusNeedsHumanApproval,
		}); err != nil {
			return actions, fmt.Errorf("escalateReviewStalls: field update issue %d: %w", churn.IssueNumber, err)
		}
		actions = append(actions, Action{Handler: "review_stall_escalation", IssueNumber: churn.IssueNumber, ProjectItemID: churn.ProjectItemID, Detail: "escalated to Needs Human Approval"})
	}
	return actions, nil
}

// retryBlockedCooldown implements the blocked-retry cooldown: a Blocked item whose
// last failure was retryable and whose cooldown has elapsed is returned to
// Ready.
func (r *Reconciler) retryBlockedCooldown(ctx context.Context, state *model.OrchestratorState, summary model.DispatchSummary) ([]Action, error) {
	var actions []Action
	for pid, item := range state.Items {
		if item == nil || item.LastSeenStatus != statusBlocked {
			continue
		}
		if item.StatusSinceAt == "" {
			continue
		}
		since, err := time.Parse("2006-01-02T15:04:05Z", item.StatusSinceAt)
		if err != nil {
			continue
		}
		if r.now().Sub(since) < time.Duration(r.BlockedRetryMinutes)*time.Minute {
			continue
		}
		row, err := r.Ledger.Get(item.LastRunID)
		if err != nil {
			return actions, fmt.Errorf("retryBlockedCooldown: ledger get %s: %w", item.LastRunID, err)
		}
		if row == nil || row.Result == nil {
			continue
		}
		if !errors.IsRetryable(errors.Classification(row.Result.FailureClassification), row.Result.ErrorCode) {
			continue
		}
		if _, err := r.Backend.PostFieldUpdate(ctx, map[string]any{
			"role":            "ORCHESTRATOR",
			"project_item_id": pid,
			"field":           "Status",
			"value":           statusReady,
		}); err != nil {
			return actions, fmt.Errorf("retryBlockedCooldown: field update issue %d: %w", item.LastSeenIssueNumber, err)
		}
		actions = append(actions, Action{Handler: "blocked_retry_cooldown", IssueNumber: item.LastSeenIssueNumber, ProjectItemID: pid, Detail: "retryable failure cooled down, returned to Ready"})
	}
	return actions, nil
}

// capReviewCycles implements the review-cycle cap: an In Review item that has
// exhausted its review-cycle budget is sent to Blocked.
func (r *Reconciler) capReviewCycles(ctx context.Context, state *model.OrchestratorState, summary model.DispatchSummary) ([]Action, error) {
	var actions []Action
	for pid, item := range state.Items {
		if item == nil || item.LastSeenStatus != statusInReview {
			continue
		}
		if item.ReviewCycleCount < r.cap() {
			continue
		}
		if _, err := r.Backend.PostFieldUpdate(ctx, map[string]any{
			"role":            "ORCHESTRATOR",
			"project_item_id": pid,
			"field":           "Status",
			"value":           statusBlocked,
			"reason":          "Exceeded review iterations",
		}); err != nil {
			return actions, fmt.Errorf("capReviewCycles: field update issue %d: %w", item.LastSeenIssueNumber, err)
		}
		actions = append(actions, Action{Handler: "review_cycle_cap", IssueNumber: item.LastSeenIssueNumber, ProjectItemID: pid, Detail: "exceeded review iterations"})
	}
	return actions, nil
}

// watchdogRunningWorkers implements the running-worker watchdog: a running ledger row
// whose agent call has exceeded the watchdog timeout is failed and its item
// recovered to Blocked.
func (r *Reconciler) watchdogRunningWorkers(ctx context.Context, state *model.OrchestratorState, summary model.DispatchSummary) ([]Action, error) {
	var actions []Action
	for pid, item := range state.Items {
		if item == nil || (item.LastSeenStatus != statusInProgress && item.LastSeenStatus != statusInReview) {
			continue
		}
		if item.LastRunID == "" {
			continue
		}
		row, err := r.Ledger.Get(item.LastRunID)
		if err != nil {
			return actions, fmt.Errorf("watchdogRunningWorkers: ledger get %s: %w", item.LastRunID, err)
		}
		if row == nil || row.Status != model.StatusRunning {
			continue
		}
		startStr := row.RunningAt
		if startStr == "" {
			startStr = row.ReceivedAt
		}
		start, err := time.Parse("2006-01-02T15:04:05Z", startStr)
		if err != nil {
			continue
		}
		elapsed := r.now().Sub(start)
		if elapsed.Seconds() <= float64(r.WatchdogTimeoutS) {
			continue
		}

		if err := r.Ledger.MarkResult(item.LastRunID, model.StatusFailed, model.LedgerResult{
			FailureClassification: string(errors.ItemStop),
			ErrorCode:             "watchdog_timeout",
			Summary:               fmt.Sprintf("agent call exceeded watchdog timeout of %ds", r.WatchdogTimeoutS),
		}); err != nil {
			return actions, fmt.Errorf("watchdogRunningWorkers: mark failed %s: %w", item.LastRunID, err)
		}
		if _, err := r.Backend.PostFieldUpdate(ctx, map[string]any{
			"role":                "ORCHESTRATOR",
			"project_item_id":     pid,
			"field":               "Status",
			"value":               statusBlocked,
			"failure_classification": string(errors.ItemStop),
			"failure_message":     "watchdog timeout",
		}); err != nil {
			return actions, fmt.Errorf("watchdogRunningWorkers: field update issue %d: %w", item.LastSeenIssueNumber, err)
		}
		actions = append(actions, Action{Handler: "running_worker_watchdog", IssueNumber: item.LastSeenIssueNumber, ProjectItemID: pid, Detail: "watchdog timeout, recovered to Blocked"})
	}
	return actions, nil
}
