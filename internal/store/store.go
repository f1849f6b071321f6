package store

import (
	"context"
	"errors"

	"github.com/seantiz/learnlab/internal/model"
)

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a job status mutation is not allowed
// by the stage transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate pipeline statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByModel  map[string]int `json:"count_by_model"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs and their event history.
// All status mutations go through a read-modify-write against the persisted
// value; the store is the only synchronization point between stage runners.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)

	// StartStage atomically checks the stage's allowed-predecessor set,
	// moves the job to the stage's in-progress status, clears the stage's
	// stale result blobs from any prior failed attempt, and records the new
	// task correlation handle. It returns ErrInvalidTransition with no side
	// effects if the job's current status is not an allowed predecessor.
	StartStage(ctx context.Context, id string, stage model.Stage, taskID string) error

	// MarkTraining moves a job from STARTING to TRAINING.
	MarkTraining(ctx context.Context, id string) error

	CompleteAnalysis(ctx context.Context, id string, results []byte) error
	CompleteCleaning(ctx context.Context, id string, cleanedPath string, report []byte) error
	CompleteTraining(ctx context.Context, id string, metrics, summary []byte) error

	// FailStage moves a job from the stage's in-progress status to its
	// failure status, recording the error message and completion time.
	FailStage(ctx context.Context, id string, stage model.Stage, errMsg string) error

	InsertEvent(ctx context.Context, jobID string, seq int, eventType string, payload []byte) error
	GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)

	GetJobStats(ctx context.Context) (*JobStats, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
