package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// sandboxValidateRequest is the JSON body for POST /v1/sandbox/validate.
type sandboxValidateRequest struct {
	Code      string         `json:"code"`
	ModelType string         `json:"model_type"`
	Config    map[string]any `json:"config"`
}

// sandboxTrainRequest is the JSON body for POST /v1/sandbox/train.
type sandboxTrainRequest struct {
	Code      string         `json:"code"`
	ModelType string         `json:"model_type"`
	DataPath  string         `json:"data_path"`
	Config    map[string]any `json:"config"`
}

func (s *Server) handleSandboxValidate(w http.ResponseWriter, r *http.Request) {
	var req sandboxValidateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	verdict, err := s.sandbox.Validate(r.Context(), req.Code, req.ModelType, req.Config)
	if err != nil {
		s.logger.Error("sandbox validate", "error", err)
		s.writeError(w, http.StatusInternalServerError, "validation failed to run")
		return
	}

	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleSandboxTrain(w http.ResponseWriter, r *http.Request) {
	var req sandboxTrainRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.DataPath == "" {
		s.writeError(w, http.StatusBadRequest, "data_path is required")
		return
	}

	ticket, err := s.sandbox.Train(r.Context(), req.Code, req.ModelType, req.DataPath, req.Config)
	if err != nil {
		s.logger.Error("sandbox train", "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) handleSandboxJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, ok := s.sandbox.Job(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "sandbox job not found")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}
