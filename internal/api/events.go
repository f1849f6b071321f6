package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/learnlab/internal/events"
	"github.com/seantiz/learnlab/internal/model"
	"github.com/seantiz/learnlab/internal/store"
)

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	// Re-read the status now that the subscription exists. A stage that
	// finished between the first read and Subscribe published its terminal
	// status_update to nobody; checking the stale snapshot would leave this
	// connection waiting for an event that already happened.
	j, err = s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	// A job sitting in a terminal status has nothing to stream right now; it
	// may be re-triggered later, but this connection ends immediately.
	if model.IsTerminal(j.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", j.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream closed")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, ev); err != nil {
				return // Client gone.
			}
			if canFlush {
				flusher.Flush()
			}
			// A terminal status_update ends this stage's stream. The topic
			// stays open for future stages; clients reconnect to follow them.
			if ev.Type == events.TypeStatusUpdate && model.IsTerminal(ev.Status) {
				_ = writeSSEEvent(w, "done", ev.Status)
				if canFlush {
					flusher.Flush()
				}
				return
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryLine is a single persisted event in the history response.
type eventHistoryLine struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
	CreatedAt string          `json:"created_at"`
}

// eventHistoryResponse is the JSON response for GET /v1/jobs/:id/events/history.
type eventHistoryResponse struct {
	JobID  string             `json:"job_id"`
	Events []eventHistoryLine `json:"events"`
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job for event history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	rows, err := s.store.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}

	lines := make([]eventHistoryLine, len(rows))
	for i, e := range rows {
		lines[i] = eventHistoryLine{
			Seq:       e.Seq,
			Type:      e.Type,
			Event:     e.Payload,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		JobID:  id,
		Events: lines,
	})
}

// writeSSEData writes one event as an SSE data frame carrying its JSON
// encoding.
func writeSSEData(w http.ResponseWriter, ev events.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
