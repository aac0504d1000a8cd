// Package sanitize implements the dependency-graph sanitizer:
// deterministic pruning of depends_on edges that no longer sequence shared
// ownership, Tarjan cycle detection over what remains, and a bounded
// regeneration loop (deterministic patch, then planner handoff) when a cycle
// survives pruning.
package sanitize

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sprintctl/supervisor/internal/model"
)

// PruneReason names why an edge was dropped.
type PruneReason string

const (
	ReasonDeadRef   PruneReason = "DEAD_REF"
	ReasonDocBlocker PruneReason = "DOC_BLOCKER"
	ReasonNoOverlap PruneReason = "NO_OVERLAP"
)

// PrunedEdge records one removed depends_on edge and why.
type PrunedEdge struct {
	From   int         `json:"from"`
	To     int         `json:"to"`
	Reason PruneReason `json:"reason"`
}

// RemovedEdge records one depends_on edge dropped by the deterministic cycle
// patch (as opposed to the rule-based pruning captured in Pruned).
type RemovedEdge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Report is the outcome of one sanitization pass.
type Report struct {
	Pruned       []PrunedEdge             `json:"pruned"`
	Scope        map[int]model.ScopeEntry `json:"-"`
	Cycles       [][]int                  `json:"cycles,omitempty"`
	EdgesRemoved []RemovedEdge            `json:"edges_removed,omitempty"`
	Attempt      int                      `json:"attempt"`
	Outcome      Outcome                  `json:"outcome"`
}

// Outcome is the terminal condition of Sanitize's regeneration loop.
type Outcome string

const (
	OutcomeClean      Outcome = "clean"
	OutcomeHandoff    Outcome = "handoff_requested"
	OutcomeExhausted  Outcome = "exhausted"
)

// CycleError is returned by Sanitize when a dependency cycle survives the
// pruning pass, carrying the terminal Report so a caller can distinguish a
// handoff request from an exhausted regeneration budget and map either to
// the right process exit code.
type CycleError struct {
	Report Report
}

func (e *CycleError) Error() string {
	if e.Report.Outcome == OutcomeHandoff {
		return fmt.Sprintf("sanitize: handoff requested after attempt %d", e.Report.Attempt)
	}
	return fmt.Sprintf("sanitize: exhausted after %d attempt(s) with %d remaining cycle(s)", e.Report.Attempt+1, len(e.Report.Cycles))
}

var docExtensions = []string{".md", ".txt", ".rst"}

func isDocOnly(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		np := normalizePath(p)
		if strings.HasPrefix(np, "docs/") {
			continue
		}
		isDoc := false
		for _, ext := range docExtensions {
			if strings.HasSuffix(np, ext) {
				isDoc = true
				break
			}
		}
		if !isDoc {
			return false
		}
	}
	return true
}

// normalizePath implements the path normalization rules: backslashes to
// slashes, strip leading "./", leading "/", and trailing "/".
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	return p
}

// overlaps implements the overlap rule: equal, or one is a strict
// "<other>/" prefix of the other, after normalization.
func overlaps(a, b string) bool {
	na, nb := normalizePath(a), normalizePath(b)
	if na == nb {
		return true
	}
	return strings.HasPrefix(na, nb+"/") || strings.HasPrefix(nb, na+"/")
}

// NormalizePath exposes the path normalization rule for callers outside
// this package (the promotion engine's conflict gate reuses it).
func NormalizePath(p string) string {
	return normalizePath(p)
}

// Overlaps exposes the overlap rule for callers outside this package
// (the promotion engine's conflict gate reuses it).
func Overlaps(a, b string) bool {
	return overlaps(a, b)
}

func anyOverlap(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if overlaps(a, b) {
				return true
			}
		}
	}
	return false
}

// pruneEdges applies the three deterministic prune rules once, returning the
// surviving depends_on graph and a record of every removed edge.
func pruneEdges(scope map[int]model.ScopeEntry) (map[int][]int, []PrunedEdge) {
	issues := make([]int, 0, len(scope))
	for issue := range scope {
		issues = append(issues, issue)
	}
	sort.Ints(issues)

	surviving := make(map[int][]int, len(scope))
	var pruned []PrunedEdge

	for _, issue := range issues {
		entry := scope[issue]
		deps := append([]int(nil), entry.DependsOn...)
		sort.Ints(deps)
		var kept []int
		for _, dep := range deps {
			target, ok := scope[dep]
			if !ok {
				pruned = append(pruned, PrunedEdge{From: issue, To: dep, Reason: ReasonDeadRef})
				continue
			}
			if isDocOnly(target.TouchPaths) && !isDocOnly(entry.TouchPaths) {
				pruned = append(pruned, PrunedEdge{From: issue, To: dep, Reason: ReasonDocBlocker})
				continue
			}
			if !anyOverlap(entry.OwnsPaths, target.OwnsPaths) {
				pruned = append(pruned, PrunedEdge{From: issue, To: dep, Reason: ReasonNoOverlap})
				continue
			}
			kept = append(kept, dep)
		}
		surviving[issue] = kept
	}
	return surviving, pruned
}

// tarjanSCC returns every strongly connected component of size > 1, plus any
// self-loop, as a cycle. Deterministic: issues are visited in sorted order.
func tarjanSCC(graph map[int][]int) [][]int {
	issues := make([]int, 0, len(graph))
	for issue := range graph {
		issues = append(issues, issue)
	}
	sort.Ints(issues)

	index := map[int]int{}
	lowlink := map[int]int{}
	onStack := map[int]bool{}
	var stack []int
	counter := 0
	var sccs [][]int

	var strongconnect func(v int)
	strongconnect = func(v int) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		deps := append([]int(nil), graph[v]...)
		sort.Ints(deps)
		for _, w := range deps {
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
		}

		if lowlink[v] == index[v] {
			var comp []int
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Ints(comp)
			if len(comp) > 1 || containsSelfLoop(graph, comp[0]) {
				sccs = append(sccs, comp)
			}
		}
	}

	for _, v := range issues {
		if _, seen := index[v]; !seen {
			strongconnect(v)
		}
	}
	sort.Slice(sccs, func(i, j int) bool { return sccs[i][0] < sccs[j][0] })
	return sccs
}

func containsSelfLoop(graph map[int][]int, v int) bool {
	for _, w := range graph[v] {
		if w == v {
			return true
		}
	}
	return false
}

// RegenRequest is the payload written to <state>.regen-request.json when the
// deterministic patch fails to clear every cycle within one attempt.
type RegenRequest struct {
	PreviousPlan    map[int]model.ScopeEntry `json:"previous_plan"`
	Report          Report                   `json:"report"`
	CycleError      string                   `json:"cycle_error"`
	AttemptHistory  []Report                 `json:"attempt_history"`
	RequestedAt     string                   `json:"requested_at"`
}

// Sanitize runs the full sanitization pipeline: prune, detect cycles, and if a cycle
// survives, apply the bounded regeneration loop up to maxAttempts. statePath
// is used to derive the regen-request sidecar file path.
func Sanitize(scope map[int]model.ScopeEntry, statePath string, maxAttempts int, now time.Time) (Report, error) {
	var history []Report
	var removedEdges []RemovedEdge
	patchedAt := -1
	current := copyScope(scope)

	for attempt := 0; ; attempt++ {
		surviving, pruned := pruneEdges(current)
		cycles := tarjanSCC(surviving)

		report := Report{Pruned: pruned, Scope: current, Cycles: cycles, Attempt: attempt}

		if len(cycles) == 0 {
			report.Outcome = OutcomeClean
			report.EdgesRemoved = removedEdges
			if patchedAt >= 0 {
				// The fix came from the deterministic patch, not this recheck.
				report.Attempt = patchedAt
			}
			applySurvivingEdges(current, surviving)
			report.Scope = current
			return report, nil
		}

		if attempt == 0 {
			removedAny := false
			for _, cycle := range cycles {
				if len(cycle) < 2 {
					continue // self-loop; deterministic patch below handles it via removal on the node itself
				}
				first, last := cycle[0], cycle[len(cycle)-1]
				if removeEdge(current, last, first) {
					removedEdges = append(removedEdges, RemovedEdge{From: last, To: first})
					removedAny = true
				}
			}
			for _, cycle := range cycles {
				if len(cycle) == 1 {
					if removeEdge(current, cycle[0], cycle[0]) {
						removedEdges = append(removedEdges, RemovedEdge{From: cycle[0], To: cycle[0]})
						removedAny = true
					}
				}
			}
			history = append(history, report)
			if removedAny {
				patchedAt = attempt
				continue
			}
		} else {
			history = append(history, report)
		}

		if attempt+1 >= maxAttempts {
			report.Outcome = OutcomeExhausted
			return report, &CycleError{Report: report}
		}

		report.Outcome = OutcomeHandoff
		if err := writeRegenRequest(statePath, scope, report, cycles, history, now); err != nil {
			return report, fmt.Errorf("sanitize: failed to write regen request: %w", err)
		}
		return report, &CycleError{Report: report}
	}
}

func copyScope(scope map[int]model.ScopeEntry) map[int]model.ScopeEntry {
	out := make(map[int]model.ScopeEntry, len(scope))
	for k, v := range scope {
		cp := v
		cp.DependsOn = append([]int(nil), v.DependsOn...)
		out[k] = cp
	}
	return out
}

func applySurvivingEdges(scope map[int]model.ScopeEntry, surviving map[int][]int) {
	for issue, deps := range surviving {
		entry := scope[issue]
		entry.DependsOn = deps
		scope[issue] = entry
	}
}

func removeEdge(scope map[int]model.ScopeEntry, from, to int) bool {
	entry, ok := scope[from]
	if !ok {
		return false
	}
	var kept []int
	removed := false
	for _, dep := range entry.DependsOn {
		if dep == to && !removed {
			removed = true
			continue
		}
		kept = append(kept, dep)
	}
	if !removed {
		return false
	}
	entry.DependsOn = kept
	scope[from] = entry
	return true
}

func writeRegenRequest(statePath string, previousPlan map[int]model.ScopeEntry, report Report, cycles [][]int, history []Report, now time.Time) error {
	req := RegenRequest{
		PreviousPlan:   previousPlan,
		Report:         report,
		CycleError:     fmt.Sprintf("%d unresolved cycle(s): %v", len(cycles), cycles),
		AttemptHistory: history,
		RequestedAt:    model.NowISO(now),
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statePath+".regen-request.json", data, 0o644)
}
