package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Сессии мониторинга по режиму доставки (push/pull) и их итогам
	SessionsStarted  *prometheus.CounterVec
	SessionsFinished *prometheus.CounterVec
	SessionsActive   prometheus.Gauge

	// Переключения push -> pull после ошибки канала
	Fallbacks prometheus.Counter

	// Доставленные вызывающему события
	EventsDelivered *prometheus.CounterVec

	// Pull-запросы к /training/{job_id}
	PollRequests *prometheus.CounterVec
	PollDuration prometheus.Histogram

	// Состояние push-канала (0 - нет связи, 1 - подключен)
	ChannelConnected prometheus.Gauge

	// Состояние Circuit Breaker бэкенда (0 - closed, 1 - half-open, 2 - open)
	BackendBreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SessionsStarted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trainwatch_sessions_started_total",
			Help: "Monitoring sessions started, by initial delivery mode.",
		}, []string{"mode"}),

		SessionsFinished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trainwatch_sessions_finished_total",
			Help: "Monitoring sessions finished, by outcome.",
		}, []string{"outcome"}), // completed, failed, cancelled

		SessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "trainwatch_sessions_active",
			Help: "Monitoring sessions currently running.",
		}),

		Fallbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trainwatch_push_fallbacks_total",
			Help: "Sessions switched from push to pull after a channel error.",
		}),

		EventsDelivered: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trainwatch_events_delivered_total",
			Help: "Events delivered to callers, by mode and kind.",
		}, []string{"mode", "kind"}),

		PollRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trainwatch_poll_requests_total",
			Help: "Training status requests issued in pull mode.",
		}, []string{"result"}),

		PollDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "trainwatch_poll_duration_seconds",
			Help:    "Latency of training status requests.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		ChannelConnected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "trainwatch_push_channel_connected",
			Help: "Push channel connection state (0=disconnected, 1=connected).",
		}),

		BackendBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "trainwatch_backend_circuit_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}
}
