package capsule

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lazyaudit-labs/engine/pkg/errs"
)

// WithMetadataSchema compiles a JSON Schema document and rejects any
// AddSample call whose metadata fails to validate against it. This is an
// ambient guard, not a spec.md requirement: it exists so malformed
// metadata is caught at registration time instead of surfacing obscurely
// at audit time.
func WithMetadataSchema(schemaJSON []byte) (Option, error) {
	compiler := jsonschema.NewCompiler()
	const resourceName = "lazyaudit://sample-metadata-schema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("capsule: add metadata schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("capsule: compile metadata schema: %w", err)
	}
	return func(e *Engine) { e.metadataSchema = schema }, nil
}

// validateMetadata checks metadata against the engine's configured
// schema, if any. A nil schema means validation is disabled.
func (e *Engine) validateMetadata(sampleID string, metadata map[string]any) error {
	if e.metadataSchema == nil {
		return nil
	}
	if err := e.metadataSchema.Validate(metadata); err != nil {
		return errs.Wrap(errs.InvalidArgument, "metadata for "+sampleID+" failed schema validation", err)
	}
	return nil
}
