package remote

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Response payloads are validated against a schema before decoding, so a
// drifting remote contract fails loudly at the boundary instead of leaking
// zero values into the orchestrator. Only fields the core relies on are
// required; everything else may come and go.
var responseSchemas = map[Operation]*jsonschema.Resolved{
	OpGenerateStage: mustResolve(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"content"},
		Properties: map[string]*jsonschema.Schema{
			"content":          {Type: "string"},
			"tokens":           {Type: "integer"},
			"duration":         {Type: "integer"},
			"validationPassed": {Type: "boolean"},
		},
	}),
	OpLocalEdit: mustResolve(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"updatedHtml"},
		Properties: map[string]*jsonschema.Schema{
			"updatedHtml": {Type: "string"},
			"explanation": {Type: "string"},
		},
	}),
	OpValidateFix: mustResolve(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"fixedHtml"},
		Properties: map[string]*jsonschema.Schema{
			"fixedHtml": {Type: "string"},
			"issuesFixed": {
				Type:  "array",
				Items: &jsonschema.Schema{Type: "string"},
			},
		},
	}),
	OpPublish: mustResolve(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"success"},
		Properties: map[string]*jsonschema.Schema{
			"success": {Type: "boolean"},
		},
	}),
	OpAsyncBuild: mustResolve(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"acknowledged"},
		Properties: map[string]*jsonschema.Schema{
			"acknowledged": {Type: "boolean"},
		},
	}),
}

func mustResolve(s *jsonschema.Schema) *jsonschema.Resolved {
	resolved, err := s.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("remote: invalid response schema: %v", err))
	}
	return resolved
}

// validateResponse checks a decoded JSON payload against the operation's
// response schema.
func validateResponse(op Operation, payload any) error {
	schema, ok := responseSchemas[op]
	if !ok {
		return nil
	}
	if err := schema.Validate(payload); err != nil {
		return &CallError{Operation: op, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}
