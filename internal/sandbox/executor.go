package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/learnlab/internal/events"
)

// Sandbox job status constants.
const (
	JobRunning   = "RUNNING"
	JobSucceeded = "SUCCEEDED"
	JobFailed    = "FAILED"
)

// estimatedTrainDuration is the rough duration hint returned when a training
// job is accepted, in seconds.
const estimatedTrainDuration = 300

// ValidationResult is the outcome of a synchronous code validation.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// TrainTicket acknowledges an accepted asynchronous training job.
type TrainTicket struct {
	JobID             string `json:"job_id"`
	Status            string `json:"status"`
	EstimatedDuration int    `json:"estimated_duration"`
}

// Job is the pollable state of one asynchronous sandbox training run.
type Job struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Executor runs untrusted model code inside policy-limited containers.
type Executor struct {
	runtime ContainerRuntime
	policy  Policy
	pub     events.Publisher
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewExecutor creates a sandbox executor. Events for asynchronous training
// jobs are published under the job id.
func NewExecutor(rt ContainerRuntime, policy Policy, pub events.Publisher, logger *slog.Logger) *Executor {
	return &Executor{
		runtime: rt,
		policy:  policy,
		pub:     pub,
		logger:  logger,
		jobs:    make(map[string]*Job),
	}
}

// Validate runs the user's code through the validation harness inside a
// sandbox container and returns the structured verdict. The container and
// workspace are removed on every path.
func (e *Executor) Validate(ctx context.Context, code, modelType string, config map[string]any) (*ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.policy.ValidateTimeout)
	defer cancel()

	ws, err := e.setupWorkspace(code, config, "validate.py", renderValidationHarness(modelType))
	if err != nil {
		return nil, err
	}
	defer ws.cleanup(e.logger)

	containerID, err := e.runtime.Create(ctx, ws.name, ws.dir, e.policy)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer e.removeContainer(containerID)

	res, err := e.runtime.Exec(ctx, containerID, []string{"python", "validate.py"})
	if err != nil {
		return nil, fmt.Errorf("run validation: %w", err)
	}

	var v ValidationResult
	if err := json.Unmarshal(lastJSONLine(res.Stdout), &v); err != nil {
		// A harness that cannot even report is itself the verdict.
		return &ValidationResult{
			Valid:  false,
			Errors: []string{"validation harness error: " + firstLine(res.Stdout, res.Stderr)},
		}, nil
	}
	return &v, nil
}

// Train accepts an asynchronous sandbox training run and returns immediately
// with a pollable job id. The run itself happens on a background goroutine
// under the policy's wall-clock training budget.
func (e *Executor) Train(ctx context.Context, code, modelType, dataPath string, config map[string]any) (*TrainTicket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dataPath); err != nil {
		return nil, fmt.Errorf("training data: %w", err)
	}

	jobID := uuid.NewString()
	containerData := "/workspace/data/" + filepath.Base(dataPath)

	ws, err := e.setupWorkspace(code, config, "train.py", renderTrainingHarness(containerData))
	if err != nil {
		return nil, err
	}
	if err := ws.copyData(dataPath); err != nil {
		ws.cleanup(e.logger)
		return nil, err
	}
	// Data copies can be large; re-check before committing the background run.
	if err := ctx.Err(); err != nil {
		ws.cleanup(e.logger)
		return nil, err
	}

	job := &Job{ID: jobID, Status: JobRunning, StartedAt: time.Now().UTC()}
	e.mu.Lock()
	e.jobs[jobID] = job
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTraining(jobID, ws)
	}()

	return &TrainTicket{
		JobID:             jobID,
		Status:            "started",
		EstimatedDuration: estimatedTrainDuration,
	}, nil
}

// Job returns the state of an asynchronous training run, or false when the
// id is unknown.
func (e *Executor) Job(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// Wait blocks until all background training runs finish.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) runTraining(jobID string, ws *workspace) {
	defer ws.cleanup(e.logger)

	ctx, cancel := context.WithTimeout(context.Background(), e.policy.TrainTimeout)
	defer cancel()

	e.publishLog(jobID, "sandbox training started")

	containerID, err := e.runtime.Create(ctx, ws.name, ws.dir, e.policy)
	if err != nil {
		e.finishJob(jobID, nil, fmt.Errorf("create sandbox: %w", err))
		return
	}
	defer e.removeContainer(containerID)

	res, err := e.runtime.Exec(ctx, containerID, []string{"python", "train.py"})
	if ctx.Err() == context.DeadlineExceeded {
		e.finishJob(jobID, nil, fmt.Errorf("training timed out after %s", e.policy.TrainTimeout))
		return
	}
	if err != nil {
		e.finishJob(jobID, nil, fmt.Errorf("run training: %w", err))
		return
	}

	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			e.publishLog(jobID, line)
		}
	}

	if res.ExitCode != 0 {
		e.finishJob(jobID, nil, fmt.Errorf("training exited with code %d: %s", res.ExitCode, firstLine(res.Stderr, res.Stdout)))
		return
	}

	// The harness serializes the returned metrics into the bind-mounted
	// workspace, so they are readable host-side after the run.
	metrics, err := os.ReadFile(filepath.Join(ws.dir, "output", "metrics.json"))
	if err != nil {
		e.finishJob(jobID, nil, fmt.Errorf("training produced no metrics: %w", err))
		return
	}
	if !json.Valid(metrics) {
		e.finishJob(jobID, nil, fmt.Errorf("training produced invalid metrics"))
		return
	}

	e.finishJob(jobID, metrics, nil)
}

func (e *Executor) finishJob(jobID string, metrics json.RawMessage, cause error) {
	now := time.Now().UTC()

	e.mu.Lock()
	job := e.jobs[jobID]
	job.FinishedAt = &now
	if cause != nil {
		job.Status = JobFailed
		job.Error = cause.Error()
	} else {
		job.Status = JobSucceeded
		job.Metrics = metrics
	}
	status := job.Status
	e.mu.Unlock()

	if cause != nil {
		trainRunsTotal.WithLabelValues("failed").Inc()
		e.logger.Error("sandbox training failed", "job_id", jobID, "error", cause)
		e.pub.Publish(jobID, events.Error("sandbox", cause.Error()))
	} else {
		trainRunsTotal.WithLabelValues("succeeded").Inc()
		e.logger.Info("sandbox training succeeded", "job_id", jobID)
		e.pub.Publish(jobID, events.Structured(events.TypeMetric, metrics))
	}
	e.pub.Publish(jobID, events.StatusUpdate(status))
}

func (e *Executor) publishLog(jobID, message string) {
	e.pub.Publish(jobID, events.Log(events.SeverityInfo, message))
}

func (e *Executor) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.runtime.Remove(ctx, containerID); err != nil {
		e.logger.Warn("remove sandbox container", "container_id", containerID, "error", err)
	}
}

// workspace is one per-invocation host directory bind-mounted into the
// sandbox.
type workspace struct {
	name string
	dir  string
}

// setupWorkspace creates the workspace directory holding the user's code,
// the serialized config and the generated harness.
func (e *Executor) setupWorkspace(code string, config map[string]any, harnessName, harness string) (*workspace, error) {
	name := e.policy.NamePrefix + uuid.NewString()[:12]
	dir := filepath.Join(e.policy.WorkDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &workspace{name: name, dir: dir}
	cfg, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		ws.cleanup(e.logger)
		return nil, fmt.Errorf("encode config: %w", err)
	}

	files := map[string]string{
		"model.py":    code,
		"config.json": string(cfg),
		harnessName:   harness,
	}
	for fname, content := range files {
		if err := os.WriteFile(filepath.Join(dir, fname), []byte(content), 0o644); err != nil {
			ws.cleanup(e.logger)
			return nil, fmt.Errorf("write %s: %w", fname, err)
		}
	}
	return ws, nil
}

// copyData places the training data file under the workspace's data/
// directory, where the training harness expects it.
func (w *workspace) copyData(dataPath string) error {
	dataDir := filepath.Join(w.dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	src, err := os.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open training data: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dataDir, filepath.Base(dataPath)))
	if err != nil {
		return fmt.Errorf("create data copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy training data: %w", err)
	}
	return nil
}

func (w *workspace) cleanup(logger *slog.Logger) {
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn("remove sandbox workspace", "dir", w.dir, "error", err)
	}
}

// lastJSONLine returns the last line of out that looks like a JSON object.
// Harnesses print their result object last, after any incidental output.
func lastJSONLine(out []byte) []byte {
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' {
			return line
		}
	}
	return nil
}

// firstLine returns the first non-blank line of the given buffers, for
// one-line error summaries.
func firstLine(bufs ...[]byte) string {
	for _, b := range bufs {
		for _, line := range bytes.Split(b, []byte("\n")) {
			if line = bytes.TrimSpace(line); len(line) > 0 {
				return string(line)
			}
		}
	}
	return "no output"
}
