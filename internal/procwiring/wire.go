package procwiring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/promotion"
	"github.com/sprintctl/supervisor/internal/reconcile"
	"github.com/sprintctl/supervisor/internal/schema"
	"github.com/sprintctl/supervisor/internal/supervisor"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

const dispatchSummaryType = "DISPATCH_SUMMARY"

// WireOptions configures the Wire multiplexer loop.
type WireOptions struct {
	Child      *Child
	Runner     *supervisor.Runner
	Reconciler *reconcile.Reconciler
	Promotion  *promotion.Engine
	Store      *Store
	Log        telemetry.Logger
	Metrics    telemetry.Metrics
}

// Wire multiplexes the planner child's stdout (intents) and stderr (dispatch
// summaries and other supervisory events), routing each to the worker pool,
// the reconciler, and the promotion engine.
type Wire struct {
	opts WireOptions
	log  telemetry.Logger
	met  telemetry.Metrics
}

// NewWire constructs a Wire from WireOptions.
func NewWire(opts WireOptions) *Wire {
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	met := opts.Metrics
	if met == nil {
		met = telemetry.NoopMetrics{}
	}
	return &Wire{opts: opts, log: log, met: met}
}

// Run drives the multiplexer loop until the planner child exits, ctx is
// cancelled, or a fatal error (invalid intent, sanitizer cycle) occurs. A
// non-nil error here always means the caller must stop the supervisor and
// select an exit code: use errors.As for *sanitize.CycleError to
// distinguish handoff from exhausted, anything else is a hard stop.
func (w *Wire) Run(ctx context.Context) error {
	child := w.opts.Child
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-child.StdoutL:
			if !ok {
				continue
			}
			if err := w.handleStdout(ctx, line); err != nil {
				return err
			}

		case line, ok := <-child.StderrL:
			if !ok {
				continue
			}
			if err := w.handleStderr(ctx, line); err != nil {
				return err
			}

		case exitErr := <-child.Exited():
			if exitErr != nil {
				return fmt.Errorf("procwiring: planner exited: %w", exitErr)
			}
			return nil

		case <-time.After(200 * time.Millisecond):
			// Readiness-tick fallback: lets the loop
			// notice ctx cancellation promptly even with no child I/O pending.
		}
	}
}

func (w *Wire) handleStdout(ctx context.Context, line string) error {
	raw, err := schema.ParseIntentLine(line)
	if err != nil {
		return fmt.Errorf("procwiring: %w", err)
	}
	intent, err := schema.ParseIntent(raw)
	if err != nil {
		return fmt.Errorf("procwiring: %w", err)
	}
	if err := schema.ValidateIntentSchema(raw); err != nil {
		// Advisory only: the structural checks above are the contract.
		w.log.Warn(ctx, "intent failed advisory schema validation", "event", "schema_validation_warning", "run_id", intent.RunID, "error", err)
	}
	if err := w.opts.Runner.Enqueue(ctx, intent); err != nil {
		w.log.Warn(ctx, "intent enqueue failed", "run_id", intent.RunID, "error", err)
	}
	return nil
}

func (w *Wire) handleStderr(ctx context.Context, line string) error {
	fmt.Fprintln(os.Stderr, line)

	var generic map[string]any
	if err := json.Unmarshal([]byte(line), &generic); err != nil {
		return nil // not every stderr line is JSON; plain diagnostics are fine
	}
	typ, _ := generic["type"].(string)
	switch typ {
	case dispatchSummaryType:
		return w.handleDispatchSummary(ctx, []byte(line))
	case "END_OF_SPRINT_SUMMARY":
		w.log.Info(ctx, "planner reported end of sprint", "raw", line)
	case "ORCHESTRATOR_CYCLE_TRANSIENT_ERROR":
		w.log.Warn(ctx, "planner reported a transient cycle error", "raw", line)
	case "ORCHESTRATOR_STATE_RESET_INVALID_JSON":
		w.log.Error(ctx, "planner could not parse the orchestrator state file", "raw", line)
	}
	return nil
}

func (w *Wire) handleDispatchSummary(ctx context.Context, raw []byte) error {
	var summary model.DispatchSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		w.log.Warn(ctx, "malformed DISPATCH_SUMMARY, skipping reconciliation", "error", err)
		return nil
	}

	var plan *model.SprintPlan
	if err := w.opts.Store.Mutate(func(st *model.OrchestratorState) bool {
		st.PollCount = summary.PollCount
		if w.opts.Reconciler != nil {
			result := w.opts.Reconciler.PerPoll(ctx, st, summary)
			for _, a := range result.Actions {
				w.log.Info(ctx, "reconciliation action applied", "handler", a.Handler, "issue_number", a.IssueNumber, "project_item_id", a.ProjectItemID, "detail", a.Detail)
			}
			for _, e := range result.Errs {
				w.log.Warn(ctx, "reconciliation handler failed", "error", e)
			}
		}
		plan = parseSprintPlan(st.SprintPlan)
		return true
	}); err != nil {
		w.log.Error(ctx, "failed to persist orchestrator state after reconciliation", "error", err)
	}

	if w.opts.Promotion == nil {
		return nil
	}
	events, err := w.opts.Promotion.Promote(ctx, summary, plan)
	if err != nil {
		return fmt.Errorf("procwiring: promotion pass failed: %w", err)
	}
	for _, ev := range events {
		w.log.Info(ctx, "promotion event", "kind", ev.Kind, "issue_number", ev.IssueNumber, "project_item_id", ev.ProjectItemID, "reason", ev.Reason)
	}
	return nil
}

// sprintPlanDoc and its nested shadow types mirror the snake_case shape the
// planner writes into state.sprint_plan, decoded
// separately from model.SprintPlan because the latter carries no JSON tags
// (it is never itself serialized; only assembled in memory here).
type sprintPlanDoc struct {
	Sprint string `json:"sprint"`
	Tasks  []struct {
		Title           string   `json:"title"`
		IssueNumber     int      `json:"issue_number"`
		ProjectItemID   string   `json:"project_item_id"`
		Priority        string   `json:"priority"`
		DependsOnTitles []string `json:"depends_on_titles"`
		Scope           string   `json:"scope"`
	} `json:"tasks"`
	ScopePlan map[string]struct {
		TouchPaths    []string `json:"touch_paths"`
		OwnsPaths     []string `json:"owns_paths"`
		ConflictsWith []int    `json:"conflicts_with"`
		DependsOn     []int    `json:"depends_on"`
		GroupID       string   `json:"group_id"`
		IsolationMode string   `json:"isolation_mode"`
	} `json:"sprint_plan"`
}

// parseSprintPlan decodes the generic sprint_plan object the orchestrator
// state carries into the typed cache the promotion engine expects. A nil or
// malformed document yields nil, causing promotion to fall back to its
// no-plan behavior.
func parseSprintPlan(raw map[string]any) *model.SprintPlan {
	if len(raw) == 0 {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var doc sprintPlanDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	plan := &model.SprintPlan{
		Sprint: doc.Sprint,
		Scope:  make(map[int]model.ScopeEntry, len(doc.ScopePlan)),
	}
	for _, t := range doc.Tasks {
		plan.Tasks = append(plan.Tasks, model.TaskRow{
			Title:           t.Title,
			IssueNumber:     t.IssueNumber,
			ProjectItemID:   t.ProjectItemID,
			Priority:        t.Priority,
			DependsOnTitles: t.DependsOnTitles,
			Scope:           t.Scope,
		})
	}
	for issueStr, entry := range doc.ScopePlan {
		var issue int
		if _, err := fmt.Sscanf(issueStr, "%d", &issue); err != nil {
			continue
		}
		plan.Scope[issue] = model.ScopeEntry{
			IssueNumber:   issue,
			TouchPaths:    entry.TouchPaths,
			OwnsPaths:     entry.OwnsPaths,
			ConflictsWith: entry.ConflictsWith,
			DependsOn:     entry.DependsOn,
			GroupID:       entry.GroupID,
			Isolation:     model.IsolationMode(entry.IsolationMode),
		}
	}
	return plan
}

// EnrichedEnv builds the planner child's environment: sprint id,
// backend base URL, state path, executor/reviewer caps mirrored from the
// runner config, reviewer dispatch caps and retry polls.
func EnrichedEnv(sprint, backendBaseURL, statePath string, maxExecutors, maxReviewers, reviewStallPolls, blockedRetryMinutes int) []string {
	return []string{
		fmt.Sprintf("ORCHESTRATOR_SPRINT=%s", sprint),
		fmt.Sprintf("BACKEND_BASE_URL=%s", backendBaseURL),
		fmt.Sprintf("RUNNER_STATE_PATH=%s", statePath),
		fmt.Sprintf("RUNNER_MAX_EXECUTORS=%d", maxExecutors),
		fmt.Sprintf("RUNNER_MAX_REVIEWERS=%d", maxReviewers),
		fmt.Sprintf("RUNNER_REVIEW_STALL_POLLS=%d", reviewStallPolls),
		fmt.Sprintf("RUNNER_BLOCKED_RETRY_MINUTES=%d", blockedRetryMinutes),
	}
}
