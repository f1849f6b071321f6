// Package events defines the typed event model for the job-scoped pub/sub
// channel and the broker that delivers events to subscribers. Publishing is
// fire-and-forget: delivery failures never affect stage execution.
package events

import (
	"encoding/json"
	"time"
)

// Event type constants.
const (
	TypeLog                = "log"
	TypeProgress           = "progress"
	TypeMetric             = "metric"
	TypeStatusUpdate       = "status_update"
	TypeAnalysisResult     = "analysis_result"
	TypeCleaningReport     = "cleaning_report"
	TypeFinalResultSummary = "final_result_summary"
	TypeError              = "error"
)

// Log severity constants.
const (
	SeverityDebug   = "DEBUG"
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// Event is one message on a job's channel. Type selects which of the
// type-specific fields are populated.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// log and error events.
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`
	Source   string `json:"source,omitempty"`

	// progress events.
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`

	// metric and stage-result events carry the structured record verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`

	// status_update events.
	Status string `json:"status,omitempty"`
}

// Log builds a plain log event.
func Log(severity, message string) Event {
	return Event{
		Type:      TypeLog,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Message:   message,
	}
}

// StreamLog builds a log event for one line of subprocess output, tagged with
// the source stream name.
func StreamLog(severity, source, message string) Event {
	e := Log(severity, message)
	e.Source = source
	return e
}

// Progress builds a progress event.
func Progress(current, total int) Event {
	return Event{
		Type:      TypeProgress,
		Timestamp: time.Now().UTC(),
		Current:   current,
		Total:     total,
	}
}

// Metric builds a metric event carrying an arbitrary structured snapshot.
func Metric(payload json.RawMessage) Event {
	return Event{
		Type:      TypeMetric,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// StatusUpdate builds a status_update event.
func StatusUpdate(status string) Event {
	return Event{
		Type:      TypeStatusUpdate,
		Timestamp: time.Now().UTC(),
		Status:    status,
	}
}

// Structured builds an event of the given type carrying a structured payload,
// used for stage results (analysis_result, cleaning_report,
// final_result_summary) and structured records relayed from script output.
func Structured(eventType string, payload json.RawMessage) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Error builds an error event attributed to a source (e.g. a stage name).
func Error(source, message string) Event {
	return Event{
		Type:      TypeError,
		Timestamp: time.Now().UTC(),
		Severity:  SeverityError,
		Source:    source,
		Message:   message,
	}
}
