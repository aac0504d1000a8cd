// Package promotion implements the Backlog-to-Ready promotion engine: keep a
// Ready buffer at ready_target by promoting eligible Backlog items while
// respecting CHAINED dependency gating and ownership-path conflict detection.
package promotion

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sprintctl/supervisor/internal/backendclient"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/sanitize"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

const (
	statusBacklog             = "Backlog"
	statusReady               = "Ready"
	statusInProgress          = "In Progress"
	statusInReview            = "In Review"
	statusNeedsHumanApproval  = "Needs Human Approval"
	statusDone                = "Done"
)

var activelyWorkedStatuses = map[string]bool{
	statusReady:              true,
	statusInProgress:         true,
	statusInReview:           true,
	statusNeedsHumanApproval: true,
}

var priorityRank = map[string]int{"P0": 0, "P1": 1, "P2": 2}

// Event is one emitted promotion observation: a skip or an applied promotion.
type Event struct {
	Kind          string `json:"kind"`
	IssueNumber   int    `json:"issue_number"`
	ProjectItemID string `json:"project_item_id"`
	Reason        string `json:"reason,omitempty"`
}

const (
	EventSkippedDependency = "BOARD_PROMOTION_SKIPPED_DEPENDENCY"
	EventSkippedConflict   = "BOARD_PROMOTION_SKIPPED_CONFLICT"
	EventPromoted          = "BOARD_PROMOTION_APPLIED"
)

// Options configures Engine.
type Options struct {
	Backend              *backendclient.Client
	ReadyTarget          int
	SanitizerMaxAttempts int
	StatePath            string
	DryRun               bool
	Logger               telemetry.Logger
}

// Engine runs one promotion pass per DispatchSummary.
type Engine struct {
	opts Options
	log  telemetry.Logger
}

// New constructs an Engine from Options.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Engine{opts: opts, log: log}
}

type candidate struct {
	issueNumber   int
	projectItemID string
	priority      string
}

// Promote runs one full promotion pass and returns the
// events emitted, most significant order preserved.
func (e *Engine) Promote(ctx context.Context, summary model.DispatchSummary, plan *model.SprintPlan) ([]Event, error) {
	statusByIssue := map[int]string{}
	projectItemByIssue := map[int]string{}
	for _, item := range summary.ProcessedItems {
		statusByIssue[item.IssueNumber] = item.Status
		projectItemByIssue[item.IssueNumber] = item.ProjectItemID
	}

	var scope map[int]model.ScopeEntry
	if plan != nil {
		scope = plan.Scope
	}
	if scope == nil {
		scope = map[int]model.ScopeEntry{}
	}
	// The sanitized scope (pruned depends_on edges) drives eligibility; the
	// CHAINED gate below still checks every listed depends_on from the raw
	// plan, pruned or not.
	sanitized := scope
	if len(scope) > 0 {
		maxAttempts := e.opts.SanitizerMaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 2
		}
		report, err := sanitize.Sanitize(scope, e.opts.StatePath, maxAttempts, time.Now())
		if err != nil {
			return nil, fmt.Errorf("promotion: dependency sanitization failed: %w", err)
		}
		if len(report.EdgesRemoved) > 0 {
			e.log.Info(ctx, "dependency cycle repaired by deterministic patch",
				"event", "sanitization_regen_succeeded", "attempt", report.Attempt, "edges_removed", report.EdgesRemoved)
		}
		sanitized = report.Scope
	}

	currentReady := 0
	for _, status := range statusByIssue {
		if status == statusReady {
			currentReady++
		}
	}
	deficit := e.opts.ReadyTarget - currentReady
	if deficit <= 0 {
		return nil, nil
	}

	eligible := e.eligibleCandidates(statusByIssue, projectItemByIssue, plan, sanitized)
	sort.Slice(eligible, func(i, j int) bool {
		ri, rj := priorityRank[eligible[i].priority], priorityRank[eligible[j].priority]
		if ri != rj {
			return ri < rj
		}
		return eligible[i].issueNumber < eligible[j].issueNumber
	})

	reserved := seedReserved(statusByIssue, scope)

	var events []Event
	promotions := 0
	for _, c := range eligible {
		if promotions >= deficit {
			break
		}
		entry, hasScope := scope[c.issueNumber]

		if hasScope && entry.Isolation == model.IsolationChained {
			if !allDepsDone(entry.DependsOn, statusByIssue) {
				events = append(events, Event{Kind: EventSkippedDependency, IssueNumber: c.issueNumber, ProjectItemID: c.projectItemID, Reason: "depends_on not all Done"})
				continue
			}
		}

		if hasScope && conflicts(c.issueNumber, entry, reserved) {
			events = append(events, Event{Kind: EventSkippedConflict, IssueNumber: c.issueNumber, ProjectItemID: c.projectItemID, Reason: "owns_paths overlaps an actively-worked issue"})
			continue
		}

		if e.opts.DryRun {
			e.log.Info(ctx, "dry-run: would promote issue to Ready", "issue_number", c.issueNumber, "project_item_id", c.projectItemID)
		} else if e.opts.Backend != nil {
			_, err := e.opts.Backend.PostFieldUpdate(ctx, map[string]any{
				"role":            "ORCHESTRATOR",
				"project_item_id": c.projectItemID,
				"field":           "Status",
				"value":           statusReady,
			})
			if err != nil {
				return events, fmt.Errorf("promotion: field update failed for issue %d: %w", c.issueNumber, err)
			}
		}

		for _, p := range entry.OwnsPaths {
			reserved[reservedKey(c.issueNumber, p)] = true
		}
		events = append(events, Event{Kind: EventPromoted, IssueNumber: c.issueNumber, ProjectItemID: c.projectItemID})
		promotions++
	}

	return events, nil
}

// eligibleCandidates builds the eligible set: with a sprint plan, Backlog
// items whose surviving (sanitized) deps, if any, are all Done, priority in
// {P0,P1,P2}, and a project_item_id present. Without a plan, every Backlog
// item falls back to P2.
func (e *Engine) eligibleCandidates(statusByIssue, projectItemByIssue map[int]string, plan *model.SprintPlan, sanitized map[int]model.ScopeEntry) []candidate {
	var out []candidate
	if plan == nil {
		for issue, status := range statusByIssue {
			if status != statusBacklog {
				continue
			}
			pid := projectItemByIssue[issue]
			if pid == "" {
				continue
			}
			out = append(out, candidate{issueNumber: issue, projectItemID: pid, priority: "P2"})
		}
		return out
	}

	for _, task := range plan.Tasks {
		status := statusByIssue[task.IssueNumber]
		if status != statusBacklog {
			continue
		}
		if task.ProjectItemID == "" {
			continue
		}
		if _, ok := priorityRank[task.Priority]; !ok {
			continue
		}
		entry, hasScope := sanitized[task.IssueNumber]
		if hasScope && !allDepsDone(entry.DependsOn, statusByIssue) {
			continue
		}
		out = append(out, candidate{issueNumber: task.IssueNumber, projectItemID: task.ProjectItemID, priority: task.Priority})
	}
	return out
}

func allDepsDone(deps []int, statusByIssue map[int]string) bool {
	for _, dep := range deps {
		if statusByIssue[dep] != statusDone {
			return false
		}
	}
	return true
}

func reservedKey(issue int, path string) string {
	return fmt.Sprintf("%d\x00%s", issue, sanitize.NormalizePath(path))
}

// seedReserved reserves every owns_paths entry of
// every issue currently in an actively-worked status.
func seedReserved(statusByIssue map[int]string, scope map[int]model.ScopeEntry) map[string]bool {
	reserved := map[string]bool{}
	for issue, status := range statusByIssue {
		if !activelyWorkedStatuses[status] {
			continue
		}
		entry, ok := scope[issue]
		if !ok {
			continue
		}
		for _, p := range entry.OwnsPaths {
			reserved[reservedKey(issue, p)] = true
		}
	}
	return reserved
}

// conflicts implements the ownership conflict gate: reject if any of the
// candidate's owns_paths overlaps any path reserved by another issue. A path
// reserved under the candidate's own issue number is skipped. Done issues
// never reserve paths (see seedReserved), so a CHAINED candidate may overlap
// a predecessor that has reached Done.
func conflicts(issue int, entry model.ScopeEntry, reserved map[string]bool) bool {
	for _, p := range entry.OwnsPaths {
		if reserved[reservedKey(issue, p)] {
			continue
		}
		for key := range reserved {
			if overlapsReservedPath(p, key) {
				return true
			}
		}
	}
	return false
}

func overlapsReservedPath(candidatePath, reservedKeyStr string) bool {
	idx := -1
	for i, c := range reservedKeyStr {
		if c == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	reservedPath := reservedKeyStr[idx+1:]
	return sanitize.Overlaps(candidatePath, reservedPath)
}
