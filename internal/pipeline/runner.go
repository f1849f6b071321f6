package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/learnlab/internal/events"
	"github.com/seantiz/learnlab/internal/model"
	"github.com/seantiz/learnlab/internal/registry"
)

// runAnalysis executes the model package's analysis script and records its
// analysis_results.json artifact on the job.
func (e *Engine) runAnalysis(ctx context.Context, job *model.Job, def *registry.Definition, rep *reporter) error {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	rep.log(events.SeverityInfo, "starting analysis for model "+def.ID)

	args := []string{
		"--data", job.OriginalDataPath,
		"--output-dir", job.OutputDir,
		"--run-id", job.TaskID,
	}
	exit, err := e.runScript(ctx, rep, def.AnalysisScriptPath(), args)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("analysis script exited with code %d", exit)
	}

	results, err := loadArtifact(filepath.Join(job.OutputDir, analysisResultsFile))
	if err != nil {
		return fmt.Errorf("analysis completed but produced no usable results: %w", err)
	}

	if err := e.store.CompleteAnalysis(ctx, job.ID, results); err != nil {
		return fmt.Errorf("record analysis results: %w", err)
	}

	rep.emit(events.Structured(events.TypeAnalysisResult, results))
	rep.log(events.SeverityInfo, "analysis complete")
	rep.emit(events.StatusUpdate(model.StatusSuccess))
	return nil
}

// runCleaning executes the model package's cleaning script if one is
// configured. A package without a cleaning script passes the stage through:
// the original data doubles as the cleaned data and the stage still succeeds,
// so downstream training logic never needs to special-case the absence.
func (e *Engine) runCleaning(ctx context.Context, job *model.Job, def *registry.Definition, rep *reporter, params map[string]any) error {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	script := def.CleaningScriptPath()
	if script == "" {
		rep.log(events.SeverityInfo, "model "+def.ID+" has no cleaning script, passing data through unchanged")
		report := json.RawMessage(`{"summary": "no cleaning script configured, data passed through unchanged", "skipped": true}`)
		if err := e.store.CompleteCleaning(ctx, job.ID, job.OriginalDataPath, report); err != nil {
			return fmt.Errorf("record cleaning result: %w", err)
		}
		rep.emit(events.Structured(events.TypeCleaningReport, report))
		rep.emit(events.StatusUpdate(model.StatusCleaningSuccess))
		return nil
	}

	rep.log(events.SeverityInfo, "starting cleaning for model "+def.ID)

	cleanedPath := cleanedDataPath(job.OutputDir, job.OriginalDataPath)
	// A nil map would encode as JSON null; scripts always receive an object.
	if params == nil {
		params = map[string]any{}
	}
	options, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode cleaning options: %w", err)
	}

	args := []string{
		"--data", job.OriginalDataPath,
		"--output-file", cleanedPath,
		"--options", string(options),
		"--output-dir", job.OutputDir,
		"--run-id", job.TaskID,
	}
	exit, err := e.runScript(ctx, rep, script, args)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("cleaning script exited with code %d", exit)
	}

	if _, err := os.Stat(cleanedPath); err != nil {
		return fmt.Errorf("cleaning completed but produced no cleaned data file: %w", err)
	}
	report, err := loadArtifact(filepath.Join(job.OutputDir, cleaningReportFile))
	if err != nil {
		return fmt.Errorf("cleaning completed but produced no usable report: %w", err)
	}

	if err := e.store.CompleteCleaning(ctx, job.ID, cleanedPath, report); err != nil {
		return fmt.Errorf("record cleaning result: %w", err)
	}

	rep.emit(events.Structured(events.TypeCleaningReport, report))
	rep.log(events.SeverityInfo, "cleaning complete")
	rep.emit(events.StatusUpdate(model.StatusCleaningSuccess))
	return nil
}

// runTraining executes the model package's training script with the caller's
// hyperparameters, preferring cleaned data when a cleaning run produced it.
// The job moves STARTING to TRAINING just before the process spawns.
func (e *Engine) runTraining(ctx context.Context, job *model.Job, def *registry.Definition, rep *reporter, params map[string]any) error {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	extraArgs, warnings, err := registry.BuildArgs(def, params)
	if err != nil {
		return fmt.Errorf("invalid training parameters: %w", err)
	}
	for _, w := range warnings {
		rep.log(events.SeverityWarning, w)
	}

	data := job.OriginalDataPath
	if job.CleanedDataPath != "" {
		data = job.CleanedDataPath
		rep.log(events.SeverityInfo, "training on cleaned data")
	}

	if err := e.store.MarkTraining(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job training: %w", err)
	}
	rep.emit(events.StatusUpdate(model.StatusTraining))
	rep.log(events.SeverityInfo, "starting training for model "+def.ID)

	args := append([]string{
		"--data", data,
		"--output-dir", job.OutputDir,
		"--run-id", job.TaskID,
	}, extraArgs...)
	exit, err := e.runScript(ctx, rep, def.TrainingScriptPath(), args)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("training script exited with code %d", exit)
	}

	metrics, err := loadArtifact(filepath.Join(job.OutputDir, finalMetricsFile))
	if err != nil {
		return fmt.Errorf("training completed but produced no usable metrics: %w", err)
	}

	// The educational summary is a nice-to-have. Its absence degrades the
	// result view, not the run.
	summary, err := loadArtifact(filepath.Join(job.OutputDir, educationalSummaryFile))
	if err != nil {
		rep.log(events.SeverityWarning, "training produced no educational summary: "+err.Error())
		summary = nil
	}

	if err := e.store.CompleteTraining(ctx, job.ID, metrics, summary); err != nil {
		return fmt.Errorf("record training results: %w", err)
	}

	final, err := json.Marshal(map[string]json.RawMessage{
		"metrics": metrics,
		"summary": summary,
	})
	if err != nil {
		return fmt.Errorf("encode final result summary: %w", err)
	}
	rep.emit(events.Structured(events.TypeFinalResultSummary, final))
	rep.log(events.SeverityInfo, "training complete")
	rep.emit(events.StatusUpdate(model.StatusSuccess))
	return nil
}

// runScript launches one stage script, streams its output as events until
// both streams close, then reaps it and returns the exit code.
func (e *Engine) runScript(ctx context.Context, rep *reporter, script string, args []string) (int, error) {
	rep.log(events.SeverityDebug, "executing "+script+" "+strings.Join(args, " "))

	cmd, err := e.launcher.Start(ctx, script, args)
	if err != nil {
		return 0, err
	}
	defer cmd.Shutdown()

	NewMux(rep.emit, e.logger).Drain(cmd.Stdout, cmd.Stderr)

	exit, err := cmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("wait for script: %w", err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return exit, fmt.Errorf("stage timed out after %s", e.timeout)
	}
	return exit, nil
}

// cleanedDataPath derives the cleaned data file path inside the job's output
// directory from the original file's name.
func cleanedDataPath(outputDir, original string) string {
	base := filepath.Base(original)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext) + "_cleaned" + ext
	return filepath.Join(outputDir, name)
}
