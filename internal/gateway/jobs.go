package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/monitor"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 100

type trainResponse struct {
	JobID     string `json:"job_id"`
	NetworkID string `json:"network_id"`
	Mode      string `json:"mode,omitempty"`
	Events    string `json:"events"`
}

// train запускает обучение на бэкенде и сразу ставит задачу на мониторинг.
// Поля конфигурации, не переданные в теле, берутся из настроек шлюза.
func (s *Server) train(w http.ResponseWriter, r *http.Request) {
	networkID := chi.URLParam(r, "id")

	cfg := s.deps.Training
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := cfg.Validate(); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	jobID, err := s.deps.Backend.TrainNetwork(r.Context(), networkID, cfg)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if err := s.deps.Jobs.Track(jobID, networkID, monitor.WithTotalEpochs(cfg.Epochs)); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := trainResponse{JobID: jobID, NetworkID: networkID, Events: "/v1/jobs/" + jobID + "/events"}
	if snap, ok := s.deps.Jobs.Snapshot(jobID); ok {
		resp.Mode = snap.Mode
	}
	s.logger.Info("training started",
		zap.String("job_id", jobID),
		zap.String("network_id", networkID),
		zap.Int("epochs", cfg.Epochs),
		zap.String("trace_id", TraceID(r.Context())))
	writeJSON(w, http.StatusAccepted, resp)
}

// getJob - живое состояние из реестра, иначе последний снапшот из кэша
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if snap, ok := s.deps.Jobs.Snapshot(jobID); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if s.deps.Snapshots == nil {
		s.writeFailure(w, r, domain.ErrJobNotFound)
		return
	}

	snap, err := s.deps.Snapshots.Latest(r.Context(), jobID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.Cancel(chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, r, http.StatusNotImplemented, "journal is disabled")
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	entries, err := s.deps.History.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// jobEvents транслирует события сессии браузеру как text/event-stream.
// Завершенная задача отдает один snapshot из кэша и закрывает поток.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	events, stop, err := s.deps.Jobs.Watch(jobID)
	if errors.Is(err, domain.ErrJobNotFound) && s.deps.Snapshots != nil {
		snap, serr := s.deps.Snapshots.Latest(r.Context(), jobID)
		if serr != nil {
			s.writeFailure(w, r, serr)
			return
		}
		startStream(w)
		writeSSE(w, "snapshot", snap)
		writeSSE(w, "done", map[string]string{"state": snap.State})
		flusher.Flush()
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer stop()

	// Поток живет дольше WriteTimeout сервера
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	startStream(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				writeSSE(w, "done", map[string]string{"state": s.finalState(r, jobID)})
				flusher.Flush()
				return
			}
			if err := writeSSE(w, string(ev.Kind), ev); err != nil {
				s.logger.Debug("sse client gone", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// finalState - итог сессии после закрытия потока. Реестр к этому моменту уже мог отпустить задачу.
func (s *Server) finalState(r *http.Request, jobID string) string {
	if snap, ok := s.deps.Jobs.Snapshot(jobID); ok {
		return snap.State
	}
	if s.deps.Snapshots != nil {
		if snap, err := s.deps.Snapshots.Latest(r.Context(), jobID); err == nil {
			return snap.State
		}
	}
	return ""
}

func startStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
