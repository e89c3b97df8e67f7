package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/infra/auth"
	"github.com/xela07ax/trainwatch/internal/journal"
	"github.com/xela07ax/trainwatch/internal/monitor"
	"go.uber.org/zap"
)

// Backend - операции бэкенда обучения, которые шлюз отдает наружу
type Backend interface {
	Status(ctx context.Context) (map[string]any, error)
	CreateNetwork(ctx context.Context, layerSizes []int) (*domain.Network, error)
	ListNetworks(ctx context.Context) ([]domain.Network, error)
	TrainNetwork(ctx context.Context, networkID string, cfg domain.TrainingConfig) (string, error)
	NetworkStats(ctx context.Context, networkID string) (map[string]any, error)
	Predict(ctx context.Context, networkID string, exampleIndex int) (map[string]any, error)
	Visualize(ctx context.Context, networkID string) (map[string]any, error)
	Misclassified(ctx context.Context, networkID string, maxCount, maxCheck int) (*domain.ExampleSet, error)
	Example(ctx context.Context, networkID string, successful bool) (*domain.NetworkExample, error)
}

type JobTracker interface {
	Track(jobID, networkID string, opts ...monitor.SessionOption) error
	Watch(jobID string) (<-chan monitor.Event, func(), error)
	Snapshot(jobID string) (*domain.JobSnapshot, bool)
	Cancel(jobID string) error
	Active() int
}

type ChannelStatus interface {
	Snapshot() domain.ConnectionStatus
}

type HistoryReader interface {
	History(ctx context.Context, jobID string, limit int) ([]journal.Entry, error)
}

type SnapshotReader interface {
	Latest(ctx context.Context, jobID string) (*domain.JobSnapshot, error)
}

// Deps - зависимости шлюза. History, Snapshots, Validator и Metrics опциональны.
type Deps struct {
	Backend   Backend
	Jobs      JobTracker
	Channel   ChannelStatus
	History   HistoryReader
	Snapshots SnapshotReader
	Validator auth.TokenValidator
	Metrics   http.Handler

	Training   domain.TrainingConfig // значения по умолчанию для POST .../train
	LayerSizes []int
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Named("gateway"),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)

		r.Route("/networks", func(r chi.Router) {
			r.Get("/", s.listNetworks)
			r.With(s.protect()).Post("/", s.createNetwork)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/examples", s.example)
				r.Get("/misclassified", s.misclassified)
				r.Get("/stats", s.stats)
				r.Get("/visualize", s.visualize)
				r.Post("/predict", s.predict)
				r.With(s.protect()).Post("/train", s.train)
			})
		})

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/events", s.jobEvents)
			r.Get("/history", s.jobHistory)
			r.With(s.protect()).Delete("/", s.cancelJob)
		})
	})
}

// protect - изменяющие роуты требуют токен со scope training.write, если валидатор настроен
func (s *Server) protect() func(http.Handler) http.Handler {
	if s.deps.Validator == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.NewMiddleware(s.deps.Validator, s.logger, domain.ScopeTrainingWrite)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
