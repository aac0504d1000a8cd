package supervisor

import (
	"context"

	"github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/model"
)

// executorRecoverableStatuses are the only board statuses the failure
// recovery transition may act on.
var executorRecoverableStatuses = map[string]bool{
	"In Progress": true,
	boardStatusInReview: true,
}

var suggestedNextSteps = map[model.Role]string{
	model.RoleExecutor: "Re-read the issue's acceptance criteria, address the recorded failure, and resubmit for review once green.",
	model.RoleReviewer: "Re-run the review once the executor has responded to the recorded feedback.",
}

// recordFailure applies the executor failure recovery transition:
// a recoverable in-flight item is moved to Blocked with the classified
// failure attached; anything else only emits a skip diagnostic. REVIEWER
// failures are left recorded against the run rather
// than transitioning the board, since the reviewer outcome itself already
// carries the signal.
func (r *Runner) recordFailure(ctx context.Context, intent model.RunIntent, issueNumber int, cause error) {
	if intent.Role != model.RoleExecutor {
		return
	}
	if r.opts.State == nil || r.opts.Backend == nil {
		return
	}
	projectItemID, status, ok := r.opts.State.Lookup(issueNumber)
	if !ok || !executorRecoverableStatuses[status] {
		r.log.Info(ctx, "executor failure on non-recoverable status, skipping transition", "event", "WORKER_RECOVERY_SKIPPED", "run_id", intent.RunID, "issue_number", issueNumber, "status", status)
		return
	}

	rerr := errors.FromError(cause)
	class := errors.ClassifyError(rerr)

	_, err := r.opts.Backend.PostFieldUpdate(ctx, map[string]any{
		"role":                   "ORCHESTRATOR",
		"project_item_id":        projectItemID,
		"issue_number":           issueNumber,
		"field":                  "Status",
		"value":                  boardStatusBlocked,
		"failure_classification": string(class),
		"failure_message":        clipMessage(rerr.Error()),
		"suggested_next_steps":   suggestedNextSteps[intent.Role],
	})
	if err != nil {
		r.log.Warn(ctx, "failed to post failure recovery field update", "run_id", intent.RunID, "issue_number", issueNumber, "error", err)
	}
}
