package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

const TraceHeader = "X-Trace-ID"

// TracingMiddleware берет Trace-ID из заголовка или генерирует новый
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceIDKey, traceID)))
	})
}

// TraceID безопасно достает ID запроса из контекста
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger пишет access-лог через zap вместо стандартного middleware.Logger
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("trace_id", TraceID(r.Context())),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
