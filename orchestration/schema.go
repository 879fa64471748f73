package orchestration

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maestroflow/maestro/core"
)

// SchemaValidator checks agent response bodies against configured
// JSON Schemas. In soft mode (the default) violations are logged as
// warnings; strict mode turns them into failures.
type SchemaValidator struct {
	schemas map[string]*jsonschema.Schema
	strict  bool
	logger  core.Logger
}

// NewSchemaValidator compiles the per-agent schemas. Keys are agent
// names, values are raw JSON Schema documents.
func NewSchemaValidator(raw map[string]json.RawMessage, strict bool, logger core.Logger) (*SchemaValidator, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	compiled := make(map[string]*jsonschema.Schema, len(raw))
	for agent, doc := range raw {
		compiler := jsonschema.NewCompiler()
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("schema for %q: %v: %w", agent, err, core.ErrInvalidConfiguration)
		}
		resource := fmt.Sprintf("maestro://schemas/%s.json", agent)
		if err := compiler.AddResource(resource, parsed); err != nil {
			return nil, fmt.Errorf("schema for %q: %v: %w", agent, err, core.ErrInvalidConfiguration)
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("schema for %q: %v: %w", agent, err, core.ErrInvalidConfiguration)
		}
		compiled[agent] = schema
	}
	return &SchemaValidator{schemas: compiled, strict: strict, logger: logger}, nil
}

// Strict reports whether violations fail the request.
func (s *SchemaValidator) Strict() bool {
	return s.strict
}

// Check validates each successful response against its agent's
// schema. It returns the violations; in soft mode the caller treats
// them as advisory.
func (s *SchemaValidator) Check(responses []*core.AgentResponse) []string {
	if len(s.schemas) == 0 {
		return nil
	}
	var violations []string
	for _, resp := range responses {
		if resp == nil || !resp.Success {
			continue
		}
		schema, ok := s.schemas[resp.AgentName]
		if !ok {
			continue
		}
		// Round-trip through JSON so the instance has the exact
		// types the validator expects.
		payload, err := json.Marshal(resp.Data)
		if err != nil {
			continue
		}
		instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
		if err != nil {
			continue
		}
		if err := schema.Validate(instance); err != nil {
			violation := fmt.Sprintf("%s: %v", resp.AgentName, err)
			violations = append(violations, violation)
			s.logger.Warn("Response schema violation", map[string]interface{}{
				"agent":  resp.AgentName,
				"error":  err.Error(),
				"strict": s.strict,
			})
		}
	}
	return violations
}
