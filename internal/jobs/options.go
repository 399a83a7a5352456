package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// optionsSchemaJSON constrains the free-form per-job options document.
// Unknown keys are rejected so a typo does not silently change behavior.
const optionsSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "language": {
      "type": "string",
      "minLength": 2,
      "maxLength": 8
    },
    "ocr_enabled": {
      "type": "boolean"
    },
    "extract_tables": {
      "type": "boolean"
    },
    "density_dpi": {
      "type": "integer",
      "minimum": 72,
      "maximum": 600
    }
  }
}`

var optionsSchema = jsonschema.MustCompileString("job-options.json", optionsSchemaJSON)

// validateOptions checks a raw options document against the job options
// schema. An empty document is valid.
func validateOptions(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("options is not valid JSON: %w", err)
	}
	if err := optionsSchema.Validate(v); err != nil {
		return fmt.Errorf("options does not match schema: %w", err)
	}
	return nil
}
