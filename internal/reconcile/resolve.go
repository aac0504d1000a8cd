package reconcile

import (
	"context"
	"sort"

	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

// EventDuplicateProjectItem is logged whenever more than one local StateItem
// claims the same issue_number.
const EventDuplicateProjectItem = "EVENT_DUPLICATE_PROJECT_ITEM"

// ResolveCanonicalProjectItem picks the authoritative project_item_id for
// issueNumber among items (keyed by project_item_id) whose LastSeenIssueNumber
// matches. Candidates are ranked by most recent status_since_at, then larger
// last_dispatched_poll, then lexicographically smaller project_item_id, so
// exactly-equal timestamps still resolve deterministically (see DESIGN.md).
// Emits EventDuplicateProjectItem via log when more than one candidate is
// found.
func ResolveCanonicalProjectItem(ctx context.Context, log telemetry.Logger, items map[string]*model.StateItem, issueNumber int) (string, bool) {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	var candidates []string
	for pid, item := range items {
		if item != nil && item.LastSeenIssueNumber == issueNumber {
			candidates = append(candidates, pid)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}

	log.Warn(ctx, "duplicate project_item_id observed for issue", "event", EventDuplicateProjectItem, "issue_number", issueNumber, "candidates", candidates)

	sort.Slice(candidates, func(i, j int) bool {
		a, b := items[candidates[i]], items[candidates[j]]
		if a.StatusSinceAt != b.StatusSinceAt {
			return a.StatusSinceAt > b.StatusSinceAt
		}
		if a.LastDispatchedPoll != b.LastDispatchedPoll {
			return a.LastDispatchedPoll > b.LastDispatchedPoll
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], true
}
