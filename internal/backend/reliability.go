package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	Attempts      uint
	RateLimit     float64
	RateBurst     int
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CallTimeout   time.Duration

	// OnStateChange получает новое состояние предохранителя (0 - closed, 1 - half-open, 2 - open)
	OnStateChange func(state gobreaker.State)
}

// ReliabilityWrapper: Rate Limiter -> Circuit Breaker -> Retries -> Timeout.
type ReliabilityWrapper struct {
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
	logger   *zap.Logger
}

func NewReliabilityWrapper(cfg ReliabilityConfig, logger *zap.Logger) *ReliabilityWrapper {
	w := &ReliabilityWrapper{
		attempts: cfg.Attempts,
		timeout:  cfg.CallTimeout,
		logger:   logger.Named("reliability"),
	}
	if w.attempts == 0 {
		w.attempts = 1
	}

	// Настройка предохранителя
	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "training-backend",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд - открываемся
			return counts.ConsecutiveFailures > 5
		},
		// 4xx - проблема запроса, а не бэкенда: предохранитель их не считает
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(to)
			}
		},
	})

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	w.limiter = rate.NewLimiter(limit, max(cfg.RateBurst, 1))

	return w
}

// Do выполняет вызов. retryable=false - ровно одна попытка (train, training status).
func (w *ReliabilityWrapper) Do(ctx context.Context, retryable bool, call func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	attempt := func() error {
		tCtx := ctx
		if w.timeout > 0 {
			var cancel context.CancelFunc
			tCtx, cancel = context.WithTimeout(ctx, w.timeout)
			defer cancel()
		}
		return call(tCtx)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		if !retryable || w.attempts <= 1 {
			return nil, attempt()
		}

		var lastErr error
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Бэкенд сам сказал, когда приходить (Retry-After)
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			lastErr = attempt()
			if lastErr != nil && isPermanent(lastErr) {
				return retry.Unrecoverable(lastErr)
			}
			return lastErr
		})
		if retryErr != nil && lastErr != nil {
			// Наружу отдаем последнюю ошибку, а не агрегат retry-go, чтобы работали errors.As
			return nil, lastErr
		}
		return nil, retryErr
	})

	if IsUnavailable(err) {
		return fmt.Errorf("training backend unavailable: %w", err)
	}
	return err
}
