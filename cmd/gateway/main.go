package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xela07ax/trainwatch/internal/backend"
	"github.com/xela07ax/trainwatch/internal/cache"
	"github.com/xela07ax/trainwatch/internal/channel"
	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/gateway"
	"github.com/xela07ax/trainwatch/internal/infra"
	"github.com/xela07ax/trainwatch/internal/infra/auth"
	"github.com/xela07ax/trainwatch/internal/jobs"
	"github.com/xela07ax/trainwatch/internal/journal"
	"github.com/xela07ax/trainwatch/internal/monitor"
	"github.com/xela07ax/trainwatch/internal/repository/postgres"
)

func main() {
	flags := pflag.NewFlagSet("trainwatch-gateway", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("addr", ":8080", "listen address")
	flags.String("backend", "", "training backend base URL")
	flags.String("push", "", "push transport: sse, redis, kafka, none")
	flags.String("push-url", "", "SSE endpoint of the training backend")
	flags.Duration("poll-interval", 0, "status polling interval in pull mode")
	flags.String("log-level", "", "debug, info, warn, error")
	flags.String("log-format", "", "json or console")
	flags.Parse(os.Args[1:])

	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig(flags)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизни фоновых горутин: SIGTERM гасит push-канал и сессии
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	// 3. Клиент бэкенда (Rate Limiter -> Circuit Breaker -> Retries)
	reliability := backend.NewReliabilityWrapper(backend.ReliabilityConfig{
		Attempts:      cfg.Backend.RetryAttempts,
		RateLimit:     cfg.Backend.RateLimit,
		RateBurst:     cfg.Backend.RateBurst,
		CBMaxRequests: cfg.Backend.CBMaxRequests,
		CBInterval:    cfg.Backend.CBInterval,
		CBTimeout:     cfg.Backend.CBTimeout,
		CallTimeout:   cfg.Backend.Timeout,
		OnStateChange: func(st gobreaker.State) {
			metrics.BackendBreakerState.Set(float64(st))
		},
	}, logger)
	client := backend.NewClient(cfg.Backend.BaseURL, &http.Client{Timeout: cfg.Backend.Timeout}, reliability, logger)

	// 4. Redis: кэш снапшотов и (опционально) транспорт push-канала
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, snapshots will be unavailable until it recovers", zap.Error(err))
		}
		cancel()
	}

	// 5. Push-канал
	hub := channel.NewHub(logger)
	status := channel.NewStatus()
	status.OnChange(func(cs domain.ConnectionStatus) {
		if cs.Connected {
			metrics.ChannelConnected.Set(1)
		} else {
			metrics.ChannelConnected.Set(0)
		}
	})

	source, err := channel.NewSource(cfg.Push, rdb, hub, status, logger)
	if err != nil {
		logger.Fatal("failed to build push channel", zap.Error(err))
	}
	var bg sync.WaitGroup
	if source != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			// Канал, потерянный окончательно, не валит шлюз: новые сессии пойдут в pull
			if err := source.Run(appCtx); err != nil {
				logger.Error("push channel stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("push channel disabled, all sessions will poll")
	}

	// 6. Журнал прогресса в Postgres
	var (
		history    gateway.HistoryReader
		registryOp []jobs.Option
	)
	if cfg.Database.URL != "" {
		repo, err := postgres.NewJournalRepo(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			logger.Fatal("journal repository", zap.Error(err))
		}
		defer repo.Close()

		dbCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Ping(dbCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		if err := repo.EnsureSchema(dbCtx); err != nil {
			logger.Fatal("journal schema", zap.Error(err))
		}
		cancel()

		jr := journal.New(repo, journal.Config{
			BufferSize:    cfg.Journal.BufferSize,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, logger)
		jr.Start()
		defer jr.Stop()

		history = repo
		registryOp = append(registryOp, jobs.WithJournal(jr))
	}

	var snapshots gateway.SnapshotReader
	if rdb != nil {
		store := cache.NewSnapshotStore(rdb, cfg.Redis.SnapshotTTL)
		snapshots = store
		registryOp = append(registryOp, jobs.WithSnapshots(store), jobs.WithActiveSet(store))
	}

	// 7. Ядро: монитор и реестр сессий
	mon := monitor.New(status, hub, client, logger,
		monitor.WithMetrics(metrics),
		monitor.WithDefaultPollInterval(cfg.Monitor.PollInterval),
	)
	registry := jobs.NewRegistry(mon, logger, registryOp...)

	// Задачи, которые шлюз вел до рестарта, подхватываем заново
	if _, err := registry.Resume(appCtx); err != nil {
		logger.Warn("failed to resume active jobs", zap.Error(err))
	}

	// 8. Авторизация (RS256). Без ключа изменяющие роуты открыты.
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("auth public key", zap.Error(err))
		}
		validator = auth.NewRSAValidator(key)
	} else {
		logger.Warn("auth public key is not configured, mutating routes are unprotected")
	}

	// 9. HTTP
	api := gateway.NewServer(gateway.Deps{
		Backend:    client,
		Jobs:       registry,
		Channel:    status,
		History:    history,
		Snapshots:  snapshots,
		Validator:  validator,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Training:   cfg.Training,
		LayerSizes: cfg.Network.LayerSizes,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr), zap.String("push", cfg.Push.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 10. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("gateway stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Сначала сессии (последние события уходят в журнал), потом канал
	registry.Shutdown()
	bg.Wait()
	logger.Info("gateway exited properly")
}
