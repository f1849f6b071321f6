package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Required and optional stage output files, written by the scripts into the
// job's output directory.
const (
	analysisResultsFile    = "analysis_results.json"
	cleaningReportFile     = "cleaning_report.json"
	finalMetricsFile       = "final_metrics.json"
	educationalSummaryFile = "educational_summary.json"
)

// artifactSchema is the minimum contract for every stage artifact: a JSON
// object. A stage either produces a complete, schema-valid document or the
// stage fails; partially written or non-object artifacts are rejected.
const artifactSchema = `{"type": "object"}`

var compileArtifactSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("artifact.json", strings.NewReader(artifactSchema)); err != nil {
		return nil, fmt.Errorf("add artifact schema: %w", err)
	}
	return compiler.Compile("artifact.json")
})

// loadArtifact reads and validates one stage output document.
func loadArtifact(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	schema, err := compileArtifactSchema()
	if err != nil {
		return nil, fmt.Errorf("compile artifact schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("artifact %s does not match schema: %w", path, err)
	}

	return raw, nil
}
