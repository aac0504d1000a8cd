package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	resperr "github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/model"
)

// rawWorkerResult mirrors the free-form WorkerResult JSON shape before
// validation.
type rawWorkerResult struct {
	RunID          string           `json:"run_id"`
	Role           string           `json:"role"`
	Status         string           `json:"status"`
	Outcome        string           `json:"outcome"`
	Summary        string           `json:"summary"`
	URLs           map[string]string `json:"urls"`
	Errors         []map[string]any `json:"errors"`
	MarkerVerified *bool            `json:"marker_verified"`
}

// StripResultPrefix strips the optional "RUNNER_RESULT_JSON:" prefix and any
// fenced-code-block wrapper the agent may have emitted around its JSON
// payload, leaving bare JSON text.
func StripResultPrefix(text string) string {
	if idx := strings.Index(text, "RUNNER_RESULT_JSON:"); idx >= 0 {
		text = text[idx+len("RUNNER_RESULT_JSON:"):]
	}
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}

// ParseWorkerResult parses free-form text as a WorkerResult, verifying
// identity against the expected run_id/role.
func ParseWorkerResult(text string, expectedRunID string, expectedRole model.Role) (model.WorkerResult, error) {
	clean := StripResultPrefix(text)
	var raw rawWorkerResult
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		return model.WorkerResult{}, resperr.New(resperr.KindCodexWorker, "mcp_invalid_json", fmt.Sprintf("worker result is not valid JSON: %v", err))
	}

	if raw.RunID != expectedRunID || model.Role(strings.ToUpper(raw.Role)) != expectedRole {
		return model.WorkerResult{}, resperr.New(resperr.KindCodexWorker, "worker_identity_mismatch", fmt.Sprintf("worker result identity mismatch: got run_id=%q role=%q", raw.RunID, raw.Role))
	}

	status := model.RunStatus(raw.Status)
	if status != model.StatusSucceeded && status != model.StatusFailed {
		return model.WorkerResult{}, resperr.New(resperr.KindCodexWorker, "worker_invalid_output", fmt.Sprintf("worker result has invalid status %q", raw.Status))
	}

	result := model.WorkerResult{
		RunID:          raw.RunID,
		Role:           expectedRole,
		Status:         status,
		Summary:        raw.Summary,
		URLs:           raw.URLs,
		Errors:         raw.Errors,
		MarkerVerified: raw.MarkerVerified,
	}

	if expectedRole == model.RoleReviewer {
		outcome := model.ReviewOutcome(raw.Outcome)
		switch outcome {
		case model.OutcomePass, model.OutcomeFail, model.OutcomeIncomplete:
			result.Outcome = &outcome
		default:
			return model.WorkerResult{}, resperr.New(resperr.KindCodexWorker, "worker_invalid_output", "reviewer result missing a valid outcome")
		}
	}

	if expectedRole == model.RoleExecutor && result.HasPRURL() && (result.MarkerVerified == nil || !*result.MarkerVerified) {
		return model.WorkerResult{}, resperr.New(resperr.KindCodexWorker, "worker_invalid_output", "executor result advertises a PR URL without marker_verified=true")
	}

	return result, nil
}
