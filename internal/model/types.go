// Package model defines the typed records projected from the dynamically
// typed JSON exchanged with the planner, the agent worker, and the backend.
// Parsing code lives at the boundary packages (schema, ledger, reconcile);
// this package holds only the validated, strongly-typed shapes downstream
// code operates on.
package model

import "time"

// Role identifies which side of the board an intent/run targets.
type Role string

const (
	RoleExecutor Role = "EXECUTOR"
	RoleReviewer Role = "REVIEWER"
)

// ReviewOutcome is the reviewer's verdict, required whenever Role==REVIEWER.
type ReviewOutcome string

const (
	OutcomePass       ReviewOutcome = "PASS"
	OutcomeFail       ReviewOutcome = "FAIL"
	OutcomeIncomplete ReviewOutcome = "INCOMPLETE"
)

// RunStatus is the lifecycle status of a WorkerResult or LedgerRow.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped"
)

// IsolationMode controls whether a scope item may share ownership with a
// predecessor that has reached Done.
type IsolationMode string

const (
	IsolationIsolated IsolationMode = "ISOLATED"
	IsolationChained  IsolationMode = "CHAINED"
)

// RunIntent is the immutable instruction emitted by the planner on stdout.
type RunIntent struct {
	Type     string
	Role     Role
	RunID    string
	Endpoint string
	Body     map[string]any
	// Raw is the original decoded JSON object, used for canonical hashing.
	Raw map[string]any
}

// WorkerResult is the free-form payload emitted by the agent worker, parsed
// and validated into this shape.
type WorkerResult struct {
	RunID          string
	Role           Role
	Status         RunStatus
	Outcome        *ReviewOutcome
	Summary        string
	URLs           map[string]string
	Errors         []map[string]any
	MarkerVerified *bool
}

// HasPRURL reports whether URLs advertises a PR link under any recognized key.
func (r WorkerResult) HasPRURL() bool {
	for _, key := range []string{"pr_url", "pull_request", "pr", "resolved_pr"} {
		if v, ok := r.URLs[key]; ok && v != "" {
			return true
		}
	}
	return false
}

// LedgerResult carries the terminal/ongoing detail recorded against a
// LedgerRow beyond the bare status.
type LedgerResult struct {
	Summary                string            `json:"summary,omitempty"`
	URLs                   map[string]string `json:"urls,omitempty"`
	Errors                 []map[string]any  `json:"errors,omitempty"`
	ReviewerOutcome        string            `json:"reviewer_outcome,omitempty"`
	FailureClassification  string            `json:"failure_classification,omitempty"`
	ErrorCode              string            `json:"error_code,omitempty"`
	LastReviewerFeedbackAt string            `json:"last_reviewer_feedback_at,omitempty"`
	LastExecutorResponseAt string            `json:"last_executor_response_at,omitempty"`
	ReviewCycleCount       int               `json:"review_cycle_count,omitempty"`
}

// LedgerRow is one row of the run ledger, keyed by RunID.
type LedgerRow struct {
	RunID       string        `json:"run_id"`
	Role        Role          `json:"role"`
	IntentHash  string        `json:"intent_hash"`
	ReceivedAt  string        `json:"received_at"`
	Status      RunStatus     `json:"status"`
	RunningAt   string        `json:"running_at,omitempty"`
	Result      *LedgerResult `json:"result,omitempty"`
}

// TaskActivity tracks the last-touched timestamp for a project item,
// independent of any particular run.
type TaskActivity struct {
	LastActivityAt string `json:"last_activity_at,omitempty"`
}

// LedgerDocument is the on-disk structured shape of the ledger root.
type LedgerDocument struct {
	PlanVersion string                    `json:"plan_version"`
	Runs        map[string]*LedgerRow     `json:"runs"`
	Tasks       map[string]*TaskActivity  `json:"tasks"`
}

// StateItem is the per-project-item record inside OrchestratorState.
type StateItem struct {
	LastSeenStatus       string `json:"last_seen_status,omitempty"`
	LastSeenIssueNumber  int    `json:"last_seen_issue_number,omitempty"`
	StatusSinceAt        string `json:"status_since_at,omitempty"`
	StatusSincePoll      int    `json:"status_since_poll,omitempty"`

	LastDispatchedRole   string `json:"last_dispatched_role,omitempty"`
	LastDispatchedStatus string `json:"last_dispatched_status,omitempty"`
	LastDispatchedAt     string `json:"last_dispatched_at,omitempty"`
	LastDispatchedPoll   int    `json:"last_dispatched_poll,omitempty"`
	LastRunID            string `json:"last_run_id,omitempty"`

	ReviewCycleCount                 int    `json:"review_cycle_count,omitempty"`
	LastReviewerOutcome              string `json:"last_reviewer_outcome,omitempty"`
	LastReviewerFeedbackAt           string `json:"last_reviewer_feedback_at,omitempty"`
	LastExecutorResponseAt           string `json:"last_executor_response_at,omitempty"`
	ReviewerDispatchesForCurrentStatus int  `json:"reviewer_dispatches_for_current_status,omitempty"`
	InReviewOrigin                   string `json:"in_review_origin,omitempty"`
}

// OrchestratorState is the shared, atomically-rewritten state document.
type OrchestratorState struct {
	PollCount      int                    `json:"poll_count"`
	Items          map[string]*StateItem  `json:"items"`
	SprintPlan     map[string]any         `json:"sprint_plan,omitempty"`
	OwnershipIndex map[string]any         `json:"ownership_index,omitempty"`
}

// ScopeEntry is one issue's row in a SprintPlan's scope map.
type ScopeEntry struct {
	IssueNumber   int
	TouchPaths    []string
	OwnsPaths     []string
	ConflictsWith []int
	DependsOn     []int
	GroupID       string
	Isolation     IsolationMode
}

// TaskRow describes one planned task in a SprintPlan.
type TaskRow struct {
	Title            string
	IssueNumber      int
	ProjectItemID    string
	Priority         string
	DependsOnTitles  []string
	Scope            string
}

// SprintPlan is the read-only cache produced by kickoff.
type SprintPlan struct {
	Sprint string
	Tasks  []TaskRow
	Scope  map[int]ScopeEntry
}

// DispatchSummary is the structured payload carried by a DISPATCH_SUMMARY
// stderr event from the planner child.
type DispatchSummary struct {
	Sprint          string             `json:"sprint"`
	PollCount       int                `json:"poll_count"`
	StatusCounts    map[string]int     `json:"status_counts"`
	IntentsEmitted  int                `json:"intents_emitted"`
	Skipped         int                `json:"skipped"`
	NeedsAttention  NeedsAttention     `json:"needs_attention"`
	ProcessedItems  []ProcessedItem    `json:"processed_items"`
}

// NeedsAttention carries the planner's churn/stall observations for a poll.
type NeedsAttention struct {
	InReviewChurn    []InReviewChurnEntry `json:"in_review_churn"`
	StalledInProgress []int               `json:"stalled_in_progress"`
}

// InReviewChurnEntry describes one item stuck In Review across polls.
type InReviewChurnEntry struct {
	IssueNumber   int    `json:"issue_number"`
	ProjectItemID string `json:"project_item_id"`
	InReviewPolls int    `json:"in_review_polls"`
	LastRunID     string `json:"last_run_id"`
}

// ProcessedItem is one row of the planner's per-poll status snapshot.
type ProcessedItem struct {
	IssueNumber   int    `json:"issue_number"`
	ProjectItemID string `json:"project_item_id"`
	Status        string `json:"status"`
}

// NowISO returns the current UTC time formatted as the ISO-8601 layout used
// throughout the ledger and state documents.
func NowISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
