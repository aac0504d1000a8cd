package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// intentSchemaDoc is a compact JSON Schema describing the shape of a
// RUN_INTENT envelope. It is advisory only: failing it
// never rejects a message that already passed the hand-written structural
// checks in ParseIntent; it only produces a logged warning.
const intentSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "role", "run_id", "endpoint", "body"],
  "properties": {
    "type": {"const": "RUN_INTENT"},
    "role": {"enum": ["EXECUTOR", "REVIEWER", "executor", "reviewer"]},
    "run_id": {"type": "string", "minLength": 1},
    "endpoint": {"type": "string", "pattern": "^/internal/"},
    "body": {
      "type": "object",
      "required": ["role", "run_id"]
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledIntent *jsonschema.Schema
	compileErr     error
)

func compileIntentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(intentSchemaDoc), &doc); err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("intent.json", doc); err != nil {
			compileErr = err
			return
		}
		compiledIntent, compileErr = c.Compile("intent.json")
	})
	return compiledIntent, compileErr
}

// ValidateIntentSchema compiles (once) and validates a decoded intent object
// against intentSchemaDoc. The error is advisory: callers log it as a
// schema_validation_warning and otherwise ignore it — it never rejects a
// message that already passed ParseIntent's hand-written structural checks.
func ValidateIntentSchema(value map[string]any) error {
	sch, err := compileIntentSchema()
	if err != nil {
		return fmt.Errorf("compile intent schema: %w", err)
	}
	return sch.Validate(value)
}
