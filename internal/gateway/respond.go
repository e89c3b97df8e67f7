package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/trainwatch/internal/backend"
	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/jobs"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, TraceID: TraceID(r.Context())})
}

// writeFailure переводит ошибку домена или бэкенда в HTTP-ответ
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *backend.APIError

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrJobExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTopology), errors.Is(err, domain.ErrInvalidTrainingConfig):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case backend.IsUnavailable(err):
		writeError(w, r, http.StatusServiceUnavailable, backend.DefaultErrorMessage)
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		// Ошибки запроса бэкенд объясняет сам, прокидываем как есть
		writeError(w, r, apiErr.StatusCode, backend.UserMessage(err))
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", TraceID(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusBadGateway, backend.UserMessage(err))
	}
}
