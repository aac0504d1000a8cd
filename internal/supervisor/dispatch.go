package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/schema"
	"github.com/sprintctl/supervisor/internal/stderrobserver"
	"github.com/sprintctl/supervisor/internal/workerdriver"
)

const (
	boardStatusInReview = "In Review"
	boardStatusBlocked  = "Blocked"

	statusNeedsHumanApproval = "Needs Human Approval"
)

const maxFailureMessageLen = 1200

// dispatch drives one popped intent end-to-end: resolve the
// issue, heartbeat, ledger bookkeeping, gate acquisition, bundle fetch, agent
// invocation, post-processing, slot release, heartbeat stop.
func (r *Runner) dispatch(ctx context.Context, intent model.RunIntent) (err error) {
	ctx, span := r.tracer.Start(ctx, "supervisor.dispatch")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	issueNumber, err := r.resolveIssueNumber(ctx, intent)
	if err != nil {
		return err
	}
	span.AddEvent("intent_resolved", "run_id", intent.RunID, "role", string(intent.Role), "issue_number", issueNumber)

	stopHeartbeat := r.startHeartbeat(ctx, intent.RunID)
	defer stopHeartbeat()

	skip, err := r.ledgerPreflight(intent)
	if err != nil {
		return err
	}
	if skip {
		r.log.Info(ctx, "run already succeeded, skipping dispatch", "event", "LEDGER_SKIP", "run_id", intent.RunID)
		return nil
	}

	diag := func(elapsed time.Duration) {
		r.log.Info(ctx, "worker waiting for per-issue slot", "event", "WORKER_WAITING", "run_id", intent.RunID, "issue_number", issueNumber, "elapsed_s", elapsed.Seconds())
	}
	if err := r.opts.Gate.ReserveSlot(ctx, issueNumber, intent.RunID, intent.Role, diag); err != nil {
		return errors.Wrap(errors.KindUnknown, "slot_acquire_cancelled", "context cancelled while waiting for per-issue slot", err)
	}
	defer r.opts.Gate.ReleaseSlot(issueNumber, intent.RunID)

	bundle, err := r.opts.Backend.GetAgentContext(ctx, string(intent.Role))
	if err != nil {
		return err
	}
	baseInstructions, devInstructions, err := extractBundle(bundle)
	if err != nil {
		return err
	}

	observer := stderrobserver.New(intent.RunID, transcriptObserverSink{sink: r.opts.Transcript}, r.log)
	req := workerdriver.InvokeRequest{
		RunID:                 intent.RunID,
		Role:                  intent.Role,
		Prompt:                buildPrompt(intent, issueNumber),
		BaseInstructions:      baseInstructions,
		DeveloperInstructions: devInstructions,
		ApprovalPolicy:        "never",
	}
	result, invokeErr := r.opts.Driver.Invoke(ctx, req, observer.Line)
	if invokeErr != nil {
		r.markLedgerFailed(ctx, intent, invokeErr)
		r.recordFailure(ctx, intent, issueNumber, invokeErr)
		return invokeErr
	}

	if err := r.postProcess(ctx, intent, issueNumber, result); err != nil {
		r.recordFailure(ctx, intent, issueNumber, err)
		return err
	}
	return nil
}

func (r *Runner) startHeartbeat(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	start := time.Now()
	go func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.submitTranscript(runID, "WORKER_HEARTBEAT", fmt.Sprintf("elapsed_s=%.0f", time.Since(start).Seconds()))
			}
		}
	}()
	return func() { close(done) }
}

// ledgerPreflight skips a run whose ledger row
// already succeeded; otherwise upsert queued then mark running.
func (r *Runner) ledgerPreflight(intent model.RunIntent) (skip bool, err error) {
	if r.opts.Ledger == nil {
		return false, nil
	}
	existing, err := r.opts.Ledger.Get(intent.RunID)
	if err != nil {
		return false, errors.Wrap(errors.KindUnknown, "ledger_unavailable", "failed to read ledger row before dispatch", err)
	}
	if existing != nil && existing.Status == model.StatusSucceeded {
		return true, nil
	}

	hash, err := schema.IntentHash(intent.Raw)
	if err != nil {
		return false, errors.Wrap(errors.KindIntent, "intent_hash_failed", "failed to compute canonical intent hash", err)
	}
	if existing == nil {
		if err := r.opts.Ledger.Upsert(model.LedgerRow{
			RunID:      intent.RunID,
			Role:       intent.Role,
			IntentHash: hash,
			ReceivedAt: model.NowISO(time.Now()),
			Status:     model.StatusQueued,
		}); err != nil {
			return false, errors.Wrap(errors.KindUnknown, "ledger_unavailable", "failed to upsert queued ledger row", err)
		}
	}
	if err := r.opts.Ledger.MarkRunning(intent.RunID, time.Now()); err != nil {
		return false, errors.Wrap(errors.KindUnknown, "ledger_unavailable", "failed to mark ledger row running", err)
	}
	return false, nil
}

func buildPrompt(intent model.RunIntent, issueNumber int) string {
	var guardrails string
	switch intent.Role {
	case model.RoleExecutor:
		guardrails = "You are the EXECUTOR. Implement the assigned work for this issue only, touching only the paths your scope grants you, and report a result object identifying any pull request you opened with marker_verified set honestly."
	case model.RoleReviewer:
		guardrails = "You are the REVIEWER. Evaluate the linked pull request strictly against the issue's acceptance criteria and report a PASS/FAIL/INCOMPLETE outcome with concrete feedback on FAIL or INCOMPLETE."
	}
	return fmt.Sprintf("%s\n\nissue_number: %d\nrun_id: %s\nendpoint: %s\n", guardrails, issueNumber, intent.RunID, intent.Endpoint)
}

// extractBundle validates the getAgentContext response:
// the backend's bundle must carry non-empty base instructions, injected
// verbatim as the agent's base-instructions argument.
func extractBundle(resp map[string]any) (base, dev string, err error) {
	base, _ = resp["base_instructions"].(string)
	dev, _ = resp["developer_instructions"].(string)
	if strings.TrimSpace(base) == "" {
		return "", "", errors.New(errors.KindCodexWorker, "bundle_invalid", "agent-context bundle has no base_instructions")
	}
	return base, dev, nil
}

// markLedgerFailed records a driver-level invocation failure (one that never
// reached post-processing) directly against the ledger row.
func (r *Runner) markLedgerFailed(ctx context.Context, intent model.RunIntent, cause error) {
	if r.opts.Ledger == nil {
		return
	}
	rerr := errors.FromError(cause)
	result := model.LedgerResult{
		FailureClassification: string(errors.ClassifyError(rerr)),
		ErrorCode:              rerr.Code,
		Summary:                clipMessage(rerr.Error()),
	}
	if err := r.opts.Ledger.MarkResult(intent.RunID, model.StatusFailed, result); err != nil {
		r.log.Warn(ctx, "failed to record ledger result for invocation failure", "run_id", intent.RunID, "error", err)
	}
}

func clipMessage(s string) string {
	if len(s) <= maxFailureMessageLen {
		return s
	}
	return s[:maxFailureMessageLen]
}
