package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/learnlab/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    model_id            TEXT NOT NULL,
    status              TEXT NOT NULL,
    task_id             TEXT,
    original_data_path  TEXT,
    output_dir          TEXT,
    cleaned_data_path   TEXT,
    analysis_results    TEXT,
    cleaning_report     TEXT,
    final_metrics       TEXT,
    educational_summary TEXT,
    error               TEXT,
    created_at          DATETIME NOT NULL,
    started_at          DATETIME,
    completed_at        DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_events_job_id ON events (job_id, id)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps writers serialized and makes ":memory:"
	// databases behave: every pooled connection would otherwise see its own
	// empty database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		createJobsTable,
		createEventsTable,
		createEventsIndex,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init database: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Ping verifies the database connection is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, model_id, status, task_id, original_data_path, output_dir,
	cleaned_data_path, analysis_results, cleaning_report, final_metrics,
	educational_summary, error, created_at, started_at, completed_at`

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ModelID, j.Status, nullStr(j.TaskID), nullStr(j.OriginalDataPath),
		nullStr(j.OutputDir), nullStr(j.CleanedDataPath), nullBytes(j.AnalysisResults),
		nullBytes(j.CleaningReport), nullBytes(j.FinalMetrics),
		nullBytes(j.EducationalSummary), nullStr(j.Error),
		j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC, along
// with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// StartStage performs the transactional stage-start transition described on
// the Store interface.
func (s *SQLiteStore) StartStage(ctx context.Context, id string, stage model.Stage, taskID string) error {
	tr, ok := model.Transitions(stage)
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	return s.withJobTx(ctx, id, func(tx *sql.Tx, status string) error {
		if !model.CanStart(stage, status) {
			return fmt.Errorf("stage %s cannot start from status %s: %w", stage, status, ErrInvalidTransition)
		}

		now := time.Now().UTC()
		var err error
		switch stage {
		case model.StageAnalyze:
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, task_id = ?, started_at = ?, completed_at = NULL,
					error = NULL, analysis_results = NULL WHERE id = ?`,
				tr.InProgress, taskID, now, id)
		case model.StageClean:
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, task_id = ?, started_at = ?, completed_at = NULL,
					error = NULL, cleaning_report = NULL, cleaned_data_path = NULL WHERE id = ?`,
				tr.InProgress, taskID, now, id)
		case model.StageTrain:
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, task_id = ?, started_at = ?, completed_at = NULL,
					error = NULL, final_metrics = NULL, educational_summary = NULL WHERE id = ?`,
				tr.InProgress, taskID, now, id)
		}
		if err != nil {
			return fmt.Errorf("start stage %s: %w", stage, err)
		}
		return nil
	})
}

// MarkTraining moves a job from STARTING to TRAINING.
func (s *SQLiteStore) MarkTraining(ctx context.Context, id string) error {
	return s.withJobTx(ctx, id, func(tx *sql.Tx, status string) error {
		if status != model.StatusStarting {
			return fmt.Errorf("cannot mark training from status %s: %w", status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ? WHERE id = ?", model.StatusTraining, id); err != nil {
			return fmt.Errorf("mark training: %w", err)
		}
		return nil
	})
}

// CompleteAnalysis records a successful analysis stage: results blob, SUCCESS
// status, completion timestamp.
func (s *SQLiteStore) CompleteAnalysis(ctx context.Context, id string, results []byte) error {
	return s.withJobTx(ctx, id, func(tx *sql.Tx, status string) error {
		if status != model.StatusAnalyzing {
			return fmt.Errorf("cannot complete analysis from status %s: %w", status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, analysis_results = ?, completed_at = ?, error = NULL
			WHERE id = ?`,
			model.StatusSuccess, nullBytes(results), time.Now().UTC(), id); err != nil {
			return fmt.Errorf("complete analysis: %w", err)
		}
		return nil
	})
}

// CompleteCleaning records a successful cleaning stage (including the
// pass-through case where cleanedPath equals the original data path).
func (s *SQLiteStore) CompleteCleaning(ctx context.Context, id string, cleanedPath string, report []byte) error {
	return s.withJobTx(ctx, id, func(tx *sql.Tx, status string) error {
		if status != model.StatusCleaning {
			return fmt.Errorf("cannot complete cleaning from status %s: %w", status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, cleaned_data_path = ?, cleaning_report = ?,
			completed_at = ?, error = NULL WHERE id = ?`,
			model.StatusCleaningSuccess, nullStr(cleanedPath), nullBytes(report),
			time.Now().UTC(), id); err != nil {
			return fmt.Errorf("complete cleaning: %w", err)
		}
		return nil
	})
}

// CompleteTraining records a successful training stage. summary may be nil
// when the optional educational summary was not produced.
func (s *SQLiteStore) CompleteTraining(ctx context.Context, id string, metrics, summary []byte) error {
	return s.withJobTx(ctx, id, func(tx *sql.Tx, status string) error {
		if status != model.StatusTraining {
			return fmt.Errorf("cannot complete training from status %s: %w", status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, final_metrics = ?, educational_summary = ?,
			completed_at = ?, error = NULL WHERE id = ?`,
			model.StatusSuccess, nullBytes(metrics), nullBytes(summary),
			time.Now().UTC(), id); err != nil {
			return fmt.Errorf("complete training: %w", err)
		}
		return nil
	})
}

// FailStage moves a job from the stage's in-progress status to its failure
// status. Result blobs are left untouched so a failed run never overwrites
// values from an earlier successful one.
func (s *SQLiteStore) FailStage(ctx context.Context, id string, stage model.Stage, errMsg string) error {
	tr, ok := model.Transitions(stage)
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	return s.withJobTx(ctx, id, func(tx *sql.Tx, status string) error {
		inProgress := status == tr.InProgress ||
			(stage == model.StageTrain && status == model.StatusTraining)
		if !inProgress {
			return fmt.Errorf("cannot fail stage %s from status %s: %w", stage, status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			tr.Failure, errMsg, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("fail stage %s: %w", stage, err)
		}
		return nil
	})
}

// InsertEvent persists one event from a job's channel.
func (s *SQLiteStore) InsertEvent(ctx context.Context, jobID string, seq int, eventType string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, seq, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, seq, eventType, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns all persisted events for a job in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, type, payload, created_at FROM events
		WHERE job_id = ? ORDER BY id ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var evs []model.JobEvent
	for rows.Next() {
		var e model.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evs = append(evs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return evs, nil
}

// GetJobStats returns aggregate statistics over all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByModel:  make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	mrows, err := s.db.QueryContext(ctx, "SELECT model_id, COUNT(*) FROM jobs GROUP BY model_id")
	if err != nil {
		return nil, fmt.Errorf("count by model: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var modelID string
		var count int
		if err := mrows.Scan(&modelID, &count); err != nil {
			return nil, fmt.Errorf("scan model count: %w", err)
		}
		stats.CountByModel[modelID] = count
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		FROM jobs WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// withJobTx runs fn inside a transaction after reading the job's current
// status, implementing the read-modify-write pattern every status mutation
// uses. ErrNotFound is returned if the job does not exist.
func (s *SQLiteStore) withJobTx(ctx context.Context, id string, fn func(tx *sql.Tx, status string) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}

	if err := fn(tx, status); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*model.Job, error) {
	j := &model.Job{}
	var taskID, origPath, outputDir, cleanedPath, errMsg sql.NullString
	var analysis, cleaning, metrics, summary []byte

	err := sc.Scan(
		&j.ID, &j.ModelID, &j.Status, &taskID, &origPath, &outputDir,
		&cleanedPath, &analysis, &cleaning, &metrics, &summary, &errMsg,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	j.TaskID = taskID.String
	j.OriginalDataPath = origPath.String
	j.OutputDir = outputDir.String
	j.CleanedDataPath = cleanedPath.String
	j.Error = errMsg.String
	j.AnalysisResults = analysis
	j.CleaningReport = cleaning
	j.FinalMetrics = metrics
	j.EducationalSummary = summary
	return j, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
