package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema is the JSON Schema every model package config.json must
// satisfy before the manifest is accepted.
const manifestSchema = `{
	"type": "object",
	"required": ["id", "name", "data_type", "analysis_script", "training_script", "parameters"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"data_type": {"type": "string", "minLength": 1},
		"analysis_script": {"type": "string", "minLength": 1},
		"training_script": {"type": "string", "minLength": 1},
		"cleaning_script": {"type": "string"},
		"parameters": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "type"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"enum": ["number", "select", "boolean_checkbox", "target_column", "text"]},
					"min": {"type": "number"},
					"max": {"type": "number"},
					"options": {"type": "array"},
					"allow_empty": {"type": "boolean"}
				}
			}
		}
	}
}`

var compileManifestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.json", strings.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	return compiler.Compile("manifest.json")
})

// validateManifest checks raw config.json bytes against the manifest schema.
func validateManifest(raw []byte) error {
	schema, err := compileManifestSchema()
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("manifest does not match schema: %w", err)
	}
	return nil
}
