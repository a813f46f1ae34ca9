package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decisionSchemaJSON mirrors the structured-output schema the reasoning service
// enforces on its model, loosened where the applier degrades gracefully:
// action_type is any string (unknown kinds are a no-op) and extra keys are allowed.
const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "action_type":     {"type": ["string", "null"]},
    "target_guid":     {"type": ["string", "null"]},
    "interaction_id":  {"type": ["integer", "null"]},
    "speech_text":     {"type": ["string", "null"]},
    "thought_process": {"type": ["string", "null"]},
    "debug":           {"type": ["string", "null"]},
    "move_to": {
      "oneOf": [
        {"type": "null"},
        {
          "type": "object",
          "properties": {
            "x":      {"type": "integer"},
            "y":      {"type": "integer"},
            "reason": {"type": ["string", "null"]}
          },
          "required": ["x", "y"]
        }
      ]
    }
  }
}`

const decisionSchemaURL = "mem://simbridge/decision.schema.json"

var decisionSchema = jsonschema.MustCompileString(decisionSchemaURL, decisionSchemaJSON)

var (
	errEmptyDecision = errors.New("empty decision body")
	errNullDecision  = errors.New("null decision")
)

// DecodeDecision parses and validates a reasoning service response body.
func DecodeDecision(b []byte) (Decision, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Decision{}, errEmptyDecision
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Decision{}, fmt.Errorf("parse decision: %w", err)
	}
	if dec.More() {
		return Decision{}, fmt.Errorf("parse decision: trailing data after object")
	}
	if raw == nil {
		return Decision{}, errNullDecision
	}
	if err := decisionSchema.Validate(raw); err != nil {
		return Decision{}, fmt.Errorf("decision schema: %w", err)
	}

	var d Decision
	if err := json.Unmarshal(b, &d); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}
