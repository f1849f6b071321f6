package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/learnlab/internal/model"
	"github.com/seantiz/learnlab/internal/registry"
	"github.com/seantiz/learnlab/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	ModelID  string `json:"model_id"`
	DataPath string `json:"data_path"`
}

// triggerRequest is the JSON body for the stage trigger endpoints. Cleaning
// options and training hyperparameters both travel in this shape.
type triggerRequest struct {
	Options map[string]any `json:"options"`
	Config  map[string]any `json:"config"`
}

// triggerResponse acknowledges an accepted stage trigger.
type triggerResponse struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.ModelID == "" {
		s.writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	if req.DataPath == "" {
		s.writeError(w, http.StatusBadRequest, "data_path is required")
		return
	}
	if _, err := s.registry.Get(req.ModelID); err != nil {
		s.writeError(w, http.StatusBadRequest, "unknown model: "+req.ModelID)
		return
	}

	id := model.NewID()
	j := &model.Job{
		ID:               id,
		ModelID:          req.ModelID,
		Status:           model.StatusPendingAnalysis,
		OriginalDataPath: req.DataPath,
		OutputDir:        filepath.Join(s.dataDir, id),
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.store.CreateJob(r.Context(), j); err != nil {
		s.logger.Error("create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleTriggerAnalyze(w http.ResponseWriter, r *http.Request) {
	s.triggerStage(w, r, model.StageAnalyze, nil)
}

func (s *Server) handleTriggerClean(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrigger(w, r)
	if !ok {
		return
	}
	s.triggerStage(w, r, model.StageClean, req.Options)
}

func (s *Server) handleTriggerTrain(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrigger(w, r)
	if !ok {
		return
	}
	s.triggerStage(w, r, model.StageTrain, req.Config)
}

// decodeTrigger parses an optional trigger body. An empty body is fine.
func (s *Server) decodeTrigger(w http.ResponseWriter, r *http.Request) (*triggerRequest, bool) {
	var req triggerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return &req, true
}

// triggerStage starts one pipeline stage and maps the engine's errors onto
// status codes: unknown job is 404, a disallowed predecessor status is 409,
// an unknown model is 422 because the job references configuration that no
// longer exists.
func (s *Server) triggerStage(w http.ResponseWriter, r *http.Request, stage model.Stage, params map[string]any) {
	id := chi.URLParam(r, "id")

	taskID, err := s.engine.StartStage(r.Context(), id, stage, params)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "job status does not allow "+string(stage))
		return
	case errors.Is(err, registry.ErrUnknownModel):
		s.writeError(w, http.StatusUnprocessableEntity, "job references an unknown model")
		return
	case err != nil:
		s.logger.Error("trigger stage", "stage", stage, "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start "+string(stage))
		return
	}

	tr, _ := model.Transitions(stage)
	s.writeJSON(w, http.StatusAccepted, triggerResponse{
		JobID:  id,
		TaskID: taskID,
		Status: tr.InProgress,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
