// Package schema parses and validates planner-emitted intents and
// agent-emitted results, and computes the canonical intent hash
// used as the ledger's idempotency key.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sprintctl/supervisor/internal/model"
	resperr "github.com/sprintctl/supervisor/internal/errors"
)

const intentType = "RUN_INTENT"

// allowedEndpoints enumerates the role-scoped endpoint allow-list.
var allowedEndpoints = map[model.Role]map[string]bool{
	model.RoleExecutor: {
		"/internal/executor/claim-ready-item":  true,
		"/internal/reviewer/resolve-linked-pr": true,
	},
	model.RoleReviewer: {
		"/internal/reviewer/resolve-linked-pr": true,
	},
}

var intentAllowedKeys = map[string]bool{
	"type": true, "role": true, "run_id": true, "endpoint": true, "body": true,
}

// ParseIntentLine decodes one planner stdout line into a raw JSON object.
func ParseIntentLine(line string) (map[string]any, error) {
	var value map[string]any
	dec := json.NewDecoder(strings.NewReader(line))
	if err := dec.Decode(&value); err != nil {
		return nil, resperr.New(resperr.KindIntent, "intent_invalid_json", fmt.Sprintf("orchestrator emitted invalid JSONL: %v", err))
	}
	return value, nil
}

// ParseIntent validates a raw decoded intent object and
// projects it into the typed RunIntent.
func ParseIntent(value map[string]any) (model.RunIntent, error) {
	for k := range value {
		if !intentAllowedKeys[k] {
			keys := extraKeys(value)
			return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_unknown_fields", fmt.Sprintf("intent has unknown fields: %v", keys))
		}
	}

	typ, _ := value["type"].(string)
	if typ != intentType {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_type_mismatch", fmt.Sprintf("intent type mismatch: %q", typ))
	}

	rawRole, ok := value["role"].(string)
	if !ok || rawRole == "" {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_invalid_role", "intent role must be EXECUTOR or REVIEWER")
	}
	role := model.Role(strings.ToUpper(strings.TrimSpace(rawRole)))
	if role != model.RoleExecutor && role != model.RoleReviewer {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_invalid_role", fmt.Sprintf("intent role must be EXECUTOR or REVIEWER, got %q", rawRole))
	}

	runID, ok := value["run_id"].(string)
	if !ok || strings.TrimSpace(runID) == "" {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_missing_run_id", "intent run_id is required")
	}

	rawEndpoint, ok := value["endpoint"].(string)
	if !ok || !strings.HasPrefix(strings.TrimSpace(rawEndpoint), "/internal/") {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_invalid_endpoint", fmt.Sprintf("intent endpoint is required, got %q", rawEndpoint))
	}
	endpoint := strings.TrimSpace(rawEndpoint)
	if !allowedEndpoints[role][endpoint] {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_endpoint_not_allowed", fmt.Sprintf("endpoint %q is not allowed for role %q", endpoint, role))
	}

	bodyRaw, ok := value["body"].(map[string]any)
	if !ok {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_invalid_body", "intent body must be an object")
	}

	bodyRole, _ := bodyRaw["role"].(string)
	if bodyRole != string(role) {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_role_mismatch", "intent body.role must match intent role")
	}
	bodyRunID, _ := bodyRaw["run_id"].(string)
	if bodyRunID != runID {
		return model.RunIntent{}, resperr.New(resperr.KindIntent, "intent_run_id_mismatch", "intent body.run_id must match intent run_id")
	}

	return model.RunIntent{
		Type:     intentType,
		Role:     role,
		RunID:    runID,
		Endpoint: endpoint,
		Body:     bodyRaw,
		Raw:      value,
	}, nil
}

// IntentHash computes the canonical-JSON SHA-256 digest of the raw intent
// envelope, used as the ledger's idempotency key.
func IntentHash(raw map[string]any) (string, error) {
	return CanonicalHash(raw)
}

func extraKeys(value map[string]any) []string {
	var extra []string
	for k := range value {
		if !intentAllowedKeys[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}
