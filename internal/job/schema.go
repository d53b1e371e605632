// Copyright 2025 James Ross
package job

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// requestSchema is the structural shape of a GenerationRequest: field
// types and which fields are required. It is deliberately looser than
// Validate's numeric ranges (min/max dimensions, sampler enum, and so on
// stay in request.go as ordinary Go code) — this schema only catches the
// class of error a struct decode alone lets through silently, like a
// string where a number belongs, before the semantic checks ever run.
const requestSchemaJSON = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string"},
    "negative_prompt": {"type": "string"},
    "width": {"type": "integer"},
    "height": {"type": "integer"},
    "steps": {"type": "integer"},
    "cfg_scale": {"type": "number"},
    "sampler": {"type": "string"},
    "seed": {"type": "integer"},
    "model": {"type": "string"},
    "num_images": {"type": "integer"}
  },
  "additionalProperties": false
}`

var requestSchema = gojsonschema.NewStringLoader(requestSchemaJSON)

// ValidateSchema checks raw request bytes against the generation-request
// JSON schema, ahead of decoding into GenerationRequest. A schema failure
// (wrong JSON type, unknown field, missing prompt) is reported the same
// shape as a semantic Validate failure so the handler can funnel both
// through one 422 response.
func ValidateSchema(raw []byte) *ValidationError {
	result, err := gojsonschema.Validate(requestSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "body", Constraint: "malformed JSON body"}}}
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, re := range result.Errors() {
		field := re.Field()
		if field == "(root)" {
			field = "body"
		}
		verr.add(field, fmt.Sprintf("%v", re.Description()))
	}
	return verr
}
