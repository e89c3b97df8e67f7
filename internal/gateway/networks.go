package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/trainwatch/internal/domain"
)

type statusResponse struct {
	Channel    domain.ConnectionStatus `json:"channel"`
	Backend    map[string]any          `json:"backend,omitempty"`
	BackendErr string                  `json:"backend_error,omitempty"`
	ActiveJobs int                     `json:"active_jobs"`
}

// status - состояние push-канала и бэкенда. Недоступный бэкенд не делает ответ ошибкой.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{ActiveJobs: s.deps.Jobs.Active()}
	if s.deps.Channel != nil {
		resp.Channel = s.deps.Channel.Snapshot()
	}

	st, err := s.deps.Backend.Status(r.Context())
	if err != nil {
		resp.BackendErr = err.Error()
	} else {
		resp.Backend = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createNetwork(w http.ResponseWriter, r *http.Request) {
	var spec domain.NetworkSpec
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if len(spec.LayerSizes) == 0 {
		spec.LayerSizes = s.deps.LayerSizes
	}

	network, err := s.deps.Backend.CreateNetwork(r.Context(), spec.LayerSizes)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, network)
}

func (s *Server) listNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.deps.Backend.ListNetworks(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"networks": networks})
}

type exampleResponse struct {
	*domain.NetworkExample
	ImageURI   string  `json:"image_uri"`
	Confidence float64 `json:"confidence"`
}

// example - ?successful=false отдает ошибочный пример, по умолчанию успешный
func (s *Server) example(w http.ResponseWriter, r *http.Request) {
	successful := true
	if v := r.URL.Query().Get("successful"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "successful must be true or false")
			return
		}
		successful = b
	}

	ex, err := s.deps.Backend.Example(r.Context(), chi.URLParam(r, "id"), successful)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exampleResponse{NetworkExample: ex, ImageURI: ex.ImageDataURI(), Confidence: ex.Confidence()})
}

func (s *Server) misclassified(w http.ResponseWriter, r *http.Request) {
	maxCount, err1 := queryInt(r, "max_count")
	maxCheck, err2 := queryInt(r, "max_check")
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	set, err := s.deps.Backend.Misclassified(r.Context(), chi.URLParam(r, "id"), maxCount, maxCheck)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Backend.NetworkStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) visualize(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Backend.Visualize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExampleIndex int `json:"example_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExampleIndex < 0 {
		writeError(w, r, http.StatusBadRequest, "example_index must be >= 0")
		return
	}

	out, err := s.deps.Backend.Predict(r.Context(), chi.URLParam(r, "id"), req.ExampleIndex)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}
