package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/learnlab/internal/events"
	"github.com/seantiz/learnlab/internal/model"
	"github.com/seantiz/learnlab/internal/pipeline"
	"github.com/seantiz/learnlab/internal/registry"
	"github.com/seantiz/learnlab/internal/store"
)

// testHarness bundles everything one engine test needs: a store, a registry
// with a single model package whose "scripts" are shell stubs, and a job
// bound to that package.
type testHarness struct {
	eng      *pipeline.Engine
	store    store.Store
	modelDir string
	dataPath string
}

const testManifest = `{
	"id": "stub",
	"name": "Stub Model",
	"data_type": "tabular",
	"analysis_script": "analyze.py",
	"training_script": "train.py",
	%s
	"parameters": [
		{"name": "epochs", "type": "number", "default": 5, "min": 1, "max": 100}
	]
}`

func newHarness(t *testing.T, withCleaning bool, timeout time.Duration) *testHarness {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	modelsDir := t.TempDir()
	modelDir := filepath.Join(modelsDir, "stub")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	manifest := strings.Replace(testManifest, "%s", "", 1)
	scripts := []string{"analyze.py", "train.py"}
	if withCleaning {
		manifest = strings.Replace(testManifest, "%s", `"cleaning_script": "clean.py",`, 1)
		scripts = append(scripts, "clean.py")
	}
	if err := os.WriteFile(filepath.Join(modelDir, "config.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	for _, name := range scripts {
		writeScript(t, modelDir, name, "exit 0\n")
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := registry.New(modelsDir, logger)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	dataPath := filepath.Join(t.TempDir(), "dataset.csv")
	if err := os.WriteFile(dataPath, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}

	eng := pipeline.NewEngine(s, reg, events.NewBroker(), logger, pipeline.Config{
		Interpreter:  "/bin/sh",
		StageTimeout: timeout,
	})
	return &testHarness{eng: eng, store: s, modelDir: modelDir, dataPath: dataPath}
}

// writeScript installs a shell stub under a .py name. The engine invokes the
// configured interpreter on the path, so the extension is cosmetic.
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func (h *testHarness) makeJob(t *testing.T, status string) *model.Job {
	t.Helper()
	j := &model.Job{
		ID:               model.NewID(),
		ModelID:          "stub",
		Status:           status,
		OriginalDataPath: h.dataPath,
		OutputDir:        t.TempDir(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

// waitForStatus polls the store until the job reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status == expected {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

// persistedEvents decodes the job's event history back into events.
func persistedEvents(t *testing.T, s store.Store, jobID string) []events.Event {
	t.Helper()
	rows, err := s.GetEvents(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		var e events.Event
		if err := json.Unmarshal(r.Payload, &e); err != nil {
			t.Fatalf("decode event %d: %v", r.Seq, err)
		}
		out = append(out, e)
	}
	return out
}

func countEvents(evs []events.Event, eventType string) int {
	n := 0
	for _, e := range evs {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func hasStatusEvent(evs []events.Event, status string) bool {
	for _, e := range evs {
		if e.Type == events.TypeStatusUpdate && e.Status == status {
			return true
		}
	}
	return false
}

func TestAnalyzeHappyPath(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	// The fourth positional argument is the --output-dir value.
	writeScript(t, h.modelDir, "analyze.py", `
echo "inspecting dataset"
echo '{"type": "progress", "current": 1, "total": 1}'
printf '{"row_count": 42, "columns": ["a", "b"]}' > "$4/analysis_results.json"
`)

	j := h.makeJob(t, model.StatusPendingAnalysis)
	taskID, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil)
	if err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if taskID == "" {
		t.Fatal("StartStage returned empty task id")
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusSuccess, 5*time.Second)
	if done.TaskID != taskID {
		t.Errorf("task id = %q, want %q", done.TaskID, taskID)
	}
	if !strings.Contains(string(done.AnalysisResults), "row_count") {
		t.Errorf("analysis results = %s", done.AnalysisResults)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}

	evs := persistedEvents(t, h.store, j.ID)
	if !hasStatusEvent(evs, model.StatusAnalyzing) || !hasStatusEvent(evs, model.StatusSuccess) {
		t.Errorf("missing status events in %+v", evs)
	}
	if countEvents(evs, events.TypeAnalysisResult) != 1 {
		t.Errorf("got %d analysis_result events, want 1", countEvents(evs, events.TypeAnalysisResult))
	}
	if countEvents(evs, events.TypeProgress) != 1 {
		t.Errorf("got %d progress events, want 1", countEvents(evs, events.TypeProgress))
	}
}

func TestAnalyzeScriptExitNonZero(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	writeScript(t, h.modelDir, "analyze.py", `
echo "corrupt file" >&2
exit 3
`)

	j := h.makeJob(t, model.StatusPendingAnalysis)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	failed := waitForStatus(t, h.store, j.ID, model.StatusAnalysisFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "exited with code 3") {
		t.Errorf("error = %q", failed.Error)
	}

	evs := persistedEvents(t, h.store, j.ID)
	if countEvents(evs, events.TypeError) != 1 {
		t.Errorf("got %d error events, want exactly 1", countEvents(evs, events.TypeError))
	}
	if !hasStatusEvent(evs, model.StatusAnalysisFailed) {
		t.Error("missing failure status event")
	}
}

func TestAnalyzeExitZeroWithoutArtifactFails(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	writeScript(t, h.modelDir, "analyze.py", "exit 0\n")

	j := h.makeJob(t, model.StatusPendingAnalysis)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	failed := waitForStatus(t, h.store, j.ID, model.StatusAnalysisFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "no usable results") {
		t.Errorf("error = %q", failed.Error)
	}
	evs := persistedEvents(t, h.store, j.ID)
	if countEvents(evs, events.TypeError) != 1 {
		t.Errorf("got %d error events, want exactly 1", countEvents(evs, events.TypeError))
	}
}

func TestCleanWithoutScriptPassesThrough(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageClean, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusCleaningSuccess, 5*time.Second)
	if done.CleanedDataPath != h.dataPath {
		t.Errorf("cleaned path = %q, want original %q", done.CleanedDataPath, h.dataPath)
	}
	if !strings.Contains(string(done.CleaningReport), `"skipped": true`) {
		t.Errorf("report = %s", done.CleaningReport)
	}
	if countEvents(persistedEvents(t, h.store, j.ID), events.TypeCleaningReport) != 1 {
		t.Error("expected one cleaning_report event")
	}
}

func TestCleanWithScript(t *testing.T) {
	h := newHarness(t, true, 10*time.Second)
	// $2 is --data, $4 is --output-file, $8 is --output-dir.
	writeScript(t, h.modelDir, "clean.py", `
cp "$2" "$4"
printf '{"summary": "dropped 0 rows", "rows_removed": 0}' > "$8/cleaning_report.json"
`)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageClean, map[string]any{"strategy": "drop"}); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusCleaningSuccess, 5*time.Second)
	if done.CleanedDataPath == h.dataPath {
		t.Error("cleaned path should differ from the original")
	}
	if !strings.HasSuffix(done.CleanedDataPath, "dataset_cleaned.csv") {
		t.Errorf("cleaned path = %q", done.CleanedDataPath)
	}
	if _, err := os.Stat(done.CleanedDataPath); err != nil {
		t.Errorf("cleaned file missing: %v", err)
	}
	if !strings.Contains(string(done.CleaningReport), "rows_removed") {
		t.Errorf("report = %s", done.CleaningReport)
	}
}

func TestCleanNilOptionsEncodedAsEmptyObject(t *testing.T) {
	h := newHarness(t, true, 10*time.Second)
	// $6 is the --options value; echo it back through the report.
	writeScript(t, h.modelDir, "clean.py", `
cp "$2" "$4"
printf '{"summary": "ok", "options": %s}' "$6" > "$8/cleaning_report.json"
`)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageClean, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusCleaningSuccess, 5*time.Second)
	if !strings.Contains(string(done.CleaningReport), `"options": {}`) {
		t.Errorf("report = %s, want options echoed as an empty object", done.CleaningReport)
	}
}

func TestCleanScriptWithoutCleanedFileFails(t *testing.T) {
	h := newHarness(t, true, 10*time.Second)
	writeScript(t, h.modelDir, "clean.py", `
printf '{"summary": "oops"}' > "$8/cleaning_report.json"
`)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageClean, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	failed := waitForStatus(t, h.store, j.ID, model.StatusCleaningFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "no cleaned data file") {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestTrainHappyPath(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	writeScript(t, h.modelDir, "train.py", `
echo '{"type": "metric", "epoch": 1, "loss": 0.4}'
printf '{"accuracy": 0.93}' > "$4/final_metrics.json"
printf '{"headline": "pretty good"}' > "$4/educational_summary.json"
`)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageTrain, map[string]any{"epochs": 3}); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusSuccess, 5*time.Second)
	if !strings.Contains(string(done.FinalMetrics), "accuracy") {
		t.Errorf("metrics = %s", done.FinalMetrics)
	}
	if !strings.Contains(string(done.EducationalSummary), "headline") {
		t.Errorf("summary = %s", done.EducationalSummary)
	}

	evs := persistedEvents(t, h.store, j.ID)
	if !hasStatusEvent(evs, model.StatusStarting) || !hasStatusEvent(evs, model.StatusTraining) {
		t.Error("training should pass through STARTING and TRAINING")
	}
	if countEvents(evs, events.TypeFinalResultSummary) != 1 {
		t.Error("expected one final_result_summary event")
	}
	if countEvents(evs, events.TypeMetric) != 1 {
		t.Error("expected one metric event")
	}
}

func TestTrainPrefersCleanedData(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	cleaned := filepath.Join(t.TempDir(), "dataset_cleaned.csv")
	if err := os.WriteFile(cleaned, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write cleaned data: %v", err)
	}
	// Record the --data value the script actually received.
	writeScript(t, h.modelDir, "train.py", `
printf '{"trained_on": "%s"}' "$2" > "$4/final_metrics.json"
`)

	j := h.makeJob(t, model.StatusSuccess)
	// Push the job through a cleaning completion so cleaned_data_path is set.
	if err := h.store.StartStage(context.Background(), j.ID, model.StageClean, model.NewTaskID()); err != nil {
		t.Fatalf("StartStage clean: %v", err)
	}
	if err := h.store.CompleteCleaning(context.Background(), j.ID, cleaned, []byte(`{"summary": "ok"}`)); err != nil {
		t.Fatalf("CompleteCleaning: %v", err)
	}

	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageTrain, nil); err != nil {
		t.Fatalf("StartStage train: %v", err)
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusSuccess, 5*time.Second)
	if !strings.Contains(string(done.FinalMetrics), cleaned) {
		t.Errorf("metrics = %s, want training on %s", done.FinalMetrics, cleaned)
	}
}

func TestTrainScriptFails(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	writeScript(t, h.modelDir, "train.py", `
echo "cuda out of memory" >&2
exit 2
`)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageTrain, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	failed := waitForStatus(t, h.store, j.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "exited with code 2") {
		t.Errorf("error = %q", failed.Error)
	}
	if failed.FinalMetrics != nil {
		t.Errorf("metrics should stay empty, got %s", failed.FinalMetrics)
	}

	evs := persistedEvents(t, h.store, j.ID)
	if countEvents(evs, events.TypeError) != 1 {
		t.Errorf("got %d error events, want exactly 1", countEvents(evs, events.TypeError))
	}
	found := false
	for _, e := range evs {
		if e.Type == events.TypeLog && e.Severity == events.SeverityError && strings.Contains(e.Message, "cuda") {
			found = true
		}
	}
	if !found {
		t.Error("stderr line should surface as an error-severity log event")
	}
}

func TestTrainMissingSummaryStillSucceeds(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	writeScript(t, h.modelDir, "train.py", `
printf '{"accuracy": 0.5}' > "$4/final_metrics.json"
`)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageTrain, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusSuccess, 5*time.Second)
	if done.EducationalSummary != nil {
		t.Errorf("summary = %s, want none", done.EducationalSummary)
	}
}

func TestTrainInvalidParamsRejected(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)

	j := h.makeJob(t, model.StatusSuccess)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageTrain, map[string]any{"epochs": "not a number"}); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	failed := waitForStatus(t, h.store, j.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "invalid training parameters") {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestConcurrentTriggerConflicts(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	writeScript(t, h.modelDir, "analyze.py", `
sleep 1
printf '{}' > "$4/analysis_results.json"
`)

	j := h.makeJob(t, model.StatusPendingAnalysis)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil); err != nil {
		t.Fatalf("first StartStage: %v", err)
	}

	_, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("second StartStage error = %v, want ErrInvalidTransition", err)
	}

	waitForStatus(t, h.store, j.ID, model.StatusSuccess, 5*time.Second)
}

func TestRetryAfterFailure(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	writeScript(t, h.modelDir, "analyze.py", "exit 1\n")

	j := h.makeJob(t, model.StatusPendingAnalysis)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	waitForStatus(t, h.store, j.ID, model.StatusAnalysisFailed, 5*time.Second)

	writeScript(t, h.modelDir, "analyze.py", `
printf '{"row_count": 1}' > "$4/analysis_results.json"
`)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil); err != nil {
		t.Fatalf("retry StartStage: %v", err)
	}

	done := waitForStatus(t, h.store, j.ID, model.StatusSuccess, 5*time.Second)
	if done.Error != "" {
		t.Errorf("error should be cleared on retry, got %q", done.Error)
	}
}

func TestStartStageUnknownJob(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	_, err := h.eng.StartStage(context.Background(), "nope", model.StageAnalyze, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestStartStageUnknownModel(t *testing.T) {
	h := newHarness(t, false, 10*time.Second)
	j := &model.Job{
		ID:               model.NewID(),
		ModelID:          "ghost",
		Status:           model.StatusPendingAnalysis,
		OriginalDataPath: h.dataPath,
		OutputDir:        t.TempDir(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	_, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil)
	if !errors.Is(err, registry.ErrUnknownModel) {
		t.Fatalf("error = %v, want ErrUnknownModel", err)
	}

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.Status != model.StatusPendingAnalysis {
		t.Errorf("status = %q, rejection must leave the job untouched", got.Status)
	}
}

func TestStageTimeoutKillsScript(t *testing.T) {
	h := newHarness(t, false, 300*time.Millisecond)
	writeScript(t, h.modelDir, "analyze.py", "sleep 30\n")

	j := h.makeJob(t, model.StatusPendingAnalysis)
	if _, err := h.eng.StartStage(context.Background(), j.ID, model.StageAnalyze, nil); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	failed := waitForStatus(t, h.store, j.ID, model.StatusAnalysisFailed, 10*time.Second)
	if !strings.Contains(failed.Error, "timed out") {
		t.Errorf("error = %q", failed.Error)
	}
}
