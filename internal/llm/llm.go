// Package llm defines the structured-generation capability the evaluators
// and the epistemic faculty run on. The core never parses freeform JSON out
// of model text: every response is validated against a JSON schema before a
// typed value is returned.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StructuredRequest asks the model for a response conforming to Schema.
type StructuredRequest struct {
	Model      string          `json:"model,omitempty"`
	SchemaName string          `json:"schema_name"`
	Schema     json.RawMessage `json:"schema"`
	Messages   []Message       `json:"messages"`
	MaxTokens  int             `json:"max_tokens,omitempty"`
}

// Generator produces schema-validated structured output. Implemented by
// providers and by the LLM bus.
type Generator interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
}

// ValidateAgainstSchema checks raw JSON against a JSON schema document.
// Returns the decoded value on success.
func ValidateAgainstSchema(schemaName string, schema, raw json.RawMessage) (any, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", schemaName, err)
	}
	resource := schemaName + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("register schema %s: %w", schemaName, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", schemaName, err)
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("response for %s is not valid JSON: %w", schemaName, err)
	}
	if err := compiled.Validate(value); err != nil {
		return nil, fmt.Errorf("response does not satisfy schema %s: %w", schemaName, err)
	}
	return value, nil
}

// GenerateAs runs a structured request and decodes the validated response
// into out, which must be a pointer.
func GenerateAs(ctx context.Context, g Generator, req StructuredRequest, out any) error {
	raw, err := g.GenerateStructured(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.SchemaName, err)
	}
	return nil
}
