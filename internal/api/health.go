package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	Models int    `json:"models"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Models: len(s.registry.List())}
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check database ping", "error", err)
		resp.Status = "degraded"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
