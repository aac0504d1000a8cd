package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/model"
)

// postProcess applies the EXECUTOR and REVIEWER post-processing
// rules and records the run's terminal LedgerResult. For an EXECUTOR it stamps
// last_executor_response_at whenever the item is In Review, whatever the
// result status; for a REVIEWER PASS it resolves the linked PR and
// transitions the item to Needs Human Approval.
func (r *Runner) postProcess(ctx context.Context, intent model.RunIntent, issueNumber int, result model.WorkerResult) error {
	ledgerResult := model.LedgerResult{Summary: result.Summary, URLs: result.URLs, Errors: result.Errors}
	var postErr error

	switch intent.Role {
	case model.RoleExecutor:
		postErr = r.postProcessExecutor(ctx, intent, issueNumber, result, &ledgerResult)
	case model.RoleReviewer:
		postErr = r.postProcessReviewer(ctx, intent, issueNumber, result, &ledgerResult)
	}

	finalStatus := model.StatusSucceeded
	if postErr != nil {
		finalStatus = model.StatusFailed
		rerr := errors.FromError(postErr)
		ledgerResult.FailureClassification = string(errors.ClassifyError(rerr))
		ledgerResult.ErrorCode = rerr.Code
	}
	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.MarkResult(intent.RunID, finalStatus, ledgerResult); err != nil {
			r.log.Warn(ctx, "failed to record ledger result", "run_id", intent.RunID, "error", err)
		}
		r.touchTaskActivity(ctx, issueNumber)
	}
	if postErr != nil {
		return postErr
	}

	if intent.Role == model.RoleReviewer && result.Outcome != nil && *result.Outcome == model.OutcomePass {
		return r.resolveReviewerPass(ctx, intent, issueNumber)
	}
	return nil
}

func (r *Runner) postProcessExecutor(ctx context.Context, intent model.RunIntent, issueNumber int, result model.WorkerResult, ledgerResult *model.LedgerResult) error {
	if result.HasPRURL() && !(result.MarkerVerified != nil && *result.MarkerVerified) {
		return errors.New(errors.KindCodexWorker, "worker_invalid_output", fmt.Sprintf("run %s: PR URL advertised without a verified marker", intent.RunID))
	}
	if r.opts.State != nil {
		if _, boardStatus, ok := r.opts.State.Lookup(issueNumber); ok && boardStatus == boardStatusInReview {
			at := model.NowISO(time.Now())
			r.opts.State.StampExecutorResponse(issueNumber, at)
			ledgerResult.LastExecutorResponseAt = at
		}
	}
	if result.Status != model.StatusSucceeded {
		return errors.New(errors.KindCodexWorker, "worker_invalid_output", fmt.Sprintf("run %s: executor reported status %q", intent.RunID, result.Status))
	}
	return nil
}

func (r *Runner) postProcessReviewer(ctx context.Context, intent model.RunIntent, issueNumber int, result model.WorkerResult, ledgerResult *model.LedgerResult) error {
	if result.Outcome == nil {
		return errors.New(errors.KindCodexWorker, "worker_invalid_output", fmt.Sprintf("run %s: reviewer result missing outcome", intent.RunID))
	}
	ledgerResult.ReviewerOutcome = string(*result.Outcome)
	ledgerResult.LastReviewerFeedbackAt = model.NowISO(time.Now())
	if *result.Outcome == model.OutcomeFail || *result.Outcome == model.OutcomeIncomplete {
		if r.opts.State != nil {
			r.opts.State.IncrementReviewCycleCount(issueNumber)
		}
	}
	if result.Status != model.StatusSucceeded {
		return errors.New(errors.KindCodexWorker, "worker_invalid_output", fmt.Sprintf("run %s: reviewer reported status %q", intent.RunID, result.Status))
	}
	return nil
}

// resolveReviewerPass implements the PASS branch of REVIEWER
// post-processing: resolve the linked PR, verify project_item_id identity,
// then transition the board to Needs Human Approval.
func (r *Runner) resolveReviewerPass(ctx context.Context, intent model.RunIntent, issueNumber int) error {
	expectedPID := stringBody(intent.Body, "project_item_id")
	if expectedPID == "" && r.opts.State != nil {
		expectedPID, _, _ = r.opts.State.Lookup(issueNumber)
	}

	resp, err := r.opts.Backend.PostResolveLinkedPR(ctx, map[string]any{
		"role":            "REVIEWER",
		"issue_number":    issueNumber,
		"project_item_id": expectedPID,
	})
	if err != nil {
		return err
	}
	gotPID, _ := resp["project_item_id"].(string)
	if expectedPID != "" && gotPID != "" && gotPID != expectedPID {
		return errors.New(errors.KindCodexWorker, "worker_invalid_output", fmt.Sprintf("resolve-linked-pr returned project_item_id %q, expected %q", gotPID, expectedPID))
	}
	prURL, _ := resp["pr_url"].(string)

	_, err = r.opts.Backend.PostFieldUpdate(ctx, map[string]any{
		"role":            "REVIEWER",
		"project_item_id": expectedPID,
		"issue_number":    issueNumber,
		"field":           "Status",
		"value":           statusNeedsHumanApproval,
		"pr_url":          prURL,
		"checklist":       humanApprovalChecklist,
	})
	return err
}

const humanApprovalChecklist = "- [ ] Review the linked pull request\n- [ ] Confirm CI is green\n- [ ] Merge or request changes"

// touchTaskActivity stamps the ledger's per-task last_activity_at for the
// project item this run just produced a result for.
func (r *Runner) touchTaskActivity(ctx context.Context, issueNumber int) {
	if r.opts.State == nil {
		return
	}
	pid, _, ok := r.opts.State.Lookup(issueNumber)
	if !ok || pid == "" {
		return
	}
	if err := r.opts.Ledger.TouchTaskLastActivity(pid, time.Now()); err != nil {
		r.log.Warn(ctx, "failed to touch task last activity", "project_item_id", pid, "error", err)
	}
}
