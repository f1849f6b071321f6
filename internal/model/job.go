package model

import (
	"encoding/json"
	"time"
)

// Job status constants. Statuses are part of the wire contract and are
// persisted verbatim, so the values stay upper-case.
const (
	StatusPendingUpload   = "PENDING_UPLOAD"
	StatusPendingAnalysis = "PENDING_ANALYSIS"
	StatusAnalyzing       = "ANALYZING"
	StatusAnalysisFailed  = "ANALYSIS_FAILED"
	StatusSuccess         = "SUCCESS"
	StatusPendingCleaning = "PENDING_CLEANING"
	StatusCleaning        = "CLEANING"
	StatusCleaningFailed  = "CLEANING_FAILED"
	StatusCleaningSuccess = "CLEANING_SUCCESS"
	StatusStarting        = "STARTING"
	StatusTraining        = "TRAINING"
	StatusFailed          = "FAILED"
)

// terminalStatuses is the set of statuses from which no automatic transition
// occurs. Reaching one stamps completed_at.
var terminalStatuses = map[string]bool{
	StatusSuccess:         true,
	StatusFailed:          true,
	StatusAnalysisFailed:  true,
	StatusCleaningSuccess: true,
	StatusCleaningFailed:  true,
}

// IsTerminal reports whether status is a terminal status.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// Job represents one end-to-end pipeline run. A job is created in
// PENDING_ANALYSIS and mutated exclusively by stage runners afterward.
type Job struct {
	ID      string `json:"id"`
	ModelID string `json:"model_id"`
	Status  string `json:"status"`

	// TaskID is the correlation handle of the most recently dispatched
	// stage run, used to detect stale or duplicate triggers.
	TaskID string `json:"task_id,omitempty"`

	OriginalDataPath string `json:"original_data_path,omitempty"`
	OutputDir        string `json:"output_dir,omitempty"`
	CleanedDataPath  string `json:"cleaned_data_path,omitempty"`

	AnalysisResults    json.RawMessage `json:"analysis_results,omitempty"`
	CleaningReport     json.RawMessage `json:"cleaning_report,omitempty"`
	FinalMetrics       json.RawMessage `json:"final_metrics,omitempty"`
	EducationalSummary json.RawMessage `json:"educational_summary,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobEvent is a single persisted event from a job's channel, kept for
// historical viewing after live subscribers disconnect.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
