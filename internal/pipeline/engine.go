package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/learnlab/internal/events"
	"github.com/seantiz/learnlab/internal/model"
	"github.com/seantiz/learnlab/internal/registry"
	"github.com/seantiz/learnlab/internal/store"
)

// DefaultStageTimeout is the wall-clock budget for one stage execution when
// none is configured.
const DefaultStageTimeout = 30 * time.Minute

// Config holds engine tunables.
type Config struct {
	// Interpreter runs the stage scripts. Defaults to "python3".
	Interpreter string
	// StageTimeout is the wall-clock budget per stage execution.
	StageTimeout time.Duration
}

// Engine orchestrates asynchronous stage execution. Stages for distinct jobs
// run fully in parallel; the store is the only shared mutable state.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	broker   *events.Broker
	launcher *Launcher
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewEngine creates a new stage execution engine.
func NewEngine(s store.Store, reg *registry.Registry, broker *events.Broker, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	return &Engine{
		store:    s,
		registry: reg,
		broker:   broker,
		launcher: &Launcher{Interpreter: cfg.Interpreter},
		logger:   logger,
		timeout:  cfg.StageTimeout,
	}
}

// Broker returns the engine's event broker for subscription.
func (e *Engine) Broker() *events.Broker {
	return e.broker
}

// StartStage triggers one pipeline stage for a job. It synchronously performs
// the transactional status transition — rejecting triggers from a disallowed
// predecessor status with store.ErrInvalidTransition and no side effects —
// and returns the new task correlation id while a goroutine drives the stage
// to a terminal status.
func (e *Engine) StartStage(ctx context.Context, jobID string, stage model.Stage, params map[string]any) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	def, err := e.registry.Get(job.ModelID)
	if err != nil {
		return "", err
	}

	if job.OriginalDataPath == "" {
		return "", fmt.Errorf("job %s has no original data path", jobID)
	}
	if job.OutputDir == "" {
		return "", fmt.Errorf("job %s has no output directory", jobID)
	}

	taskID := model.NewTaskID()
	if err := e.store.StartStage(ctx, jobID, stage, taskID); err != nil {
		return "", err
	}
	job.TaskID = taskID

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(stage, job, def, params)
	}()

	return taskID, nil
}

// Wait blocks until all in-flight stage goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs one stage to a terminal status. All failure paths, including
// internal panics, funnel through finishFailed so that clients only ever
// observe failures as status values and error events.
func (e *Engine) execute(stage model.Stage, job *model.Job, def *registry.Definition, params map[string]any) {
	rep := newReporter(job.ID, e.broker, e.store, e.logger)

	tr, ok := model.Transitions(stage)
	if !ok {
		e.logger.Error("unknown stage", "job_id", job.ID, "stage", stage)
		return
	}
	rep.emit(events.StatusUpdate(tr.InProgress))

	activeStages.Inc()
	defer activeStages.Dec()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("stage panicked", "job_id", job.ID, "stage", stage, "panic", r)
			e.finishFailed(stage, job, rep, fmt.Errorf("internal error: %v", r))
		}
	}()

	var err error
	switch stage {
	case model.StageAnalyze:
		err = e.runAnalysis(ctx, job, def, rep)
	case model.StageClean:
		err = e.runCleaning(ctx, job, def, rep, params)
	case model.StageTrain:
		err = e.runTraining(ctx, job, def, rep, params)
	}

	stageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	if err != nil {
		e.finishFailed(stage, job, rep, err)
		return
	}
	stageRunsTotal.WithLabelValues(string(stage), outcomeSuccess).Inc()
	e.logger.Info("stage completed", "job_id", job.ID, "stage", stage,
		"duration_ms", time.Since(start).Milliseconds())
}

// finishFailed records a stage failure: terminal failure status, exactly one
// error event, one status_update event. Best-effort — a store failure here is
// logged, not propagated, since there is no one left to propagate to.
func (e *Engine) finishFailed(stage model.Stage, job *model.Job, rep *reporter, cause error) {
	tr, _ := model.Transitions(stage)
	stageRunsTotal.WithLabelValues(string(stage), outcomeFailed).Inc()

	e.logger.Error("stage failed", "job_id", job.ID, "stage", stage, "error", cause)
	rep.emit(events.Error(string(stage), cause.Error()))

	if err := e.store.FailStage(context.Background(), job.ID, stage, cause.Error()); err != nil {
		e.logger.Error("failed to record stage failure", "job_id", job.ID, "stage", stage, "error", err)
	}
	rep.emit(events.StatusUpdate(tr.Failure))
}
