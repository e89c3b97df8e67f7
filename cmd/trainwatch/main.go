package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xela07ax/trainwatch/internal/backend"
	"github.com/xela07ax/trainwatch/internal/channel"
	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/infra"
	"github.com/xela07ax/trainwatch/internal/monitor"
)

// Сколько CLI ждет подключения push-канала, прежде чем начать в pull
const maxConnectWait = 5 * time.Second

func main() {
	flags := pflag.NewFlagSet("trainwatch", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("backend", "", "training backend base URL")
	flags.String("push", "", "push transport: sse, redis, kafka, none")
	flags.String("push-url", "", "SSE endpoint of the training backend")
	flags.Duration("poll-interval", 0, "status polling interval in pull mode")
	flags.String("log-level", "", "debug, info, warn, error")
	flags.String("log-format", "", "json or console")
	flags.Int("epochs", 0, "training epochs")
	flags.Int("batch-size", 0, "mini-batch size")
	flags.Float64("learning-rate", 0, "learning rate")
	flags.IntSlice("layers", nil, "layer sizes, e.g. 784,128,64,10")
	flags.Int("hidden1", 0, "first hidden layer size (instead of --layers)")
	flags.Int("hidden2", 0, "second hidden layer size, 0 - single hidden layer")
	networkID := flags.String("network", "", "train an existing network instead of creating one")
	examples := flags.Bool("examples", true, "show a correct and a wrong prediction after training")
	misclassified := flags.Int("misclassified", 0, "list up to N misclassified examples after training")
	flags.Parse(os.Args[1:])

	cfg, err := infra.LoadConfig(flags)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := applyHiddenLayers(flags, cfg); err != nil {
		log.Fatalf("flags: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdout, *networkID, *examples, *misclassified); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		logger.Sync()
		os.Exit(1)
	}
}

// applyHiddenLayers собирает топологию из --hidden1/--hidden2, как форма конфигурации сети
func applyHiddenLayers(flags *pflag.FlagSet, cfg *infra.Config) error {
	hidden1, err := flags.GetInt("hidden1")
	if err != nil {
		return err
	}
	hidden2, err := flags.GetInt("hidden2")
	if err != nil {
		return err
	}
	if hidden1 <= 0 {
		if hidden2 > 0 {
			return errors.New("--hidden2 requires --hidden1")
		}
		return nil
	}
	if flags.Changed("layers") {
		return errors.New("--layers and --hidden1 are mutually exclusive")
	}

	cfg.Network.LayerSizes = domain.BuildLayerSizes(hidden1, hidden2)
	return domain.NetworkSpec{LayerSizes: cfg.Network.LayerSizes}.Validate()
}

func run(ctx context.Context, cfg *infra.Config, logger *zap.Logger, out io.Writer, networkID string, showExamples bool, misclassified int) error {
	// 1. Клиент бэкенда
	reliability := backend.NewReliabilityWrapper(backend.ReliabilityConfig{
		Attempts:      cfg.Backend.RetryAttempts,
		RateLimit:     cfg.Backend.RateLimit,
		RateBurst:     cfg.Backend.RateBurst,
		CBMaxRequests: cfg.Backend.CBMaxRequests,
		CBInterval:    cfg.Backend.CBInterval,
		CBTimeout:     cfg.Backend.CBTimeout,
		CallTimeout:   cfg.Backend.Timeout,
	}, logger)
	client := backend.NewClient(cfg.Backend.BaseURL, &http.Client{Timeout: cfg.Backend.Timeout}, reliability, logger)

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("backend is not reachable: %s", backend.UserMessage(err))
	}
	logger.Debug("backend status", zap.Any("status", st))

	// 2. Push-канал
	hub := channel.NewHub(logger)
	status := channel.NewStatus()

	var rdb *redis.Client
	if cfg.Push.Transport == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}
	source, err := channel.NewSource(cfg.Push, rdb, hub, status, logger)
	if err != nil {
		return err
	}

	chCtx, stopChannel := context.WithCancel(ctx)
	defer stopChannel()
	if source != nil {
		go func() {
			if err := source.Run(chCtx); err != nil {
				logger.Warn("push channel stopped", zap.Error(err))
			}
		}()
		waitConnected(chCtx, status, min(cfg.Push.ConnectTimeout, maxConnectWait))
	}

	// 3. Сеть
	if networkID == "" {
		network, err := client.CreateNetwork(ctx, cfg.Network.LayerSizes)
		if err != nil {
			return fmt.Errorf("create network: %w", err)
		}
		networkID = network.ID
		fmt.Fprintf(out, "Created network %s %v\n", network.ID, network.LayerSizes)
	}

	// 4. Обучение
	jobID, err := client.TrainNetwork(ctx, networkID, cfg.Training)
	if err != nil {
		return fmt.Errorf("start training: %w", err)
	}
	fmt.Fprintf(out, "Training job %s: %d epochs, batch %d, learning rate %g\n",
		jobID, cfg.Training.Epochs, cfg.Training.MiniBatchSize, cfg.Training.LearningRate)

	// 5. Мониторинг
	mon := monitor.New(status, hub, client, logger, monitor.WithDefaultPollInterval(cfg.Monitor.PollInterval))
	session, err := mon.Start(ctx, jobID,
		monitor.WithNetworkID(networkID),
		monitor.WithTotalEpochs(cfg.Training.Epochs),
	)
	if err != nil {
		return err
	}
	defer session.Cancel()

	fmt.Fprintf(out, "Monitoring via %s\n", session.Mode())
	for ev := range session.Events() {
		printEvent(out, ev)
	}

	switch err := session.Err(); {
	case errors.Is(err, domain.ErrJobFailed):
		return err
	case err != nil:
		return fmt.Errorf("monitoring interrupted: %w", err)
	}

	// Push-канал больше не нужен
	stopChannel()

	// 6. Результаты
	if showExamples {
		for _, successful := range []bool{true, false} {
			ex, err := client.Example(ctx, networkID, successful)
			if err != nil {
				fmt.Fprintf(out, "Example unavailable: %s\n", backend.UserMessage(err))
				continue
			}
			printExample(out, ex)
		}
	}
	if misclassified > 0 {
		set, err := client.Misclassified(ctx, networkID, misclassified, 0)
		if err != nil {
			return fmt.Errorf("misclassified: %w", err)
		}
		fmt.Fprintf(out, "Misclassified: %d", len(set.Examples))
		if set.Checked > 0 {
			fmt.Fprintf(out, " of %d checked", set.Checked)
		}
		fmt.Fprintln(out)
		for _, ex := range set.Examples {
			printExample(out, &ex)
		}
	}
	return nil
}

// waitConnected ждет подключения канала не дольше d. Монитор выбирает режим один раз на старте.
func waitConnected(ctx context.Context, status *channel.Status, d time.Duration) {
	if d <= 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	updates := status.Watch(wctx)
	for {
		select {
		case cs := <-updates:
			if cs.Connected {
				return
			}
		case <-wctx.Done():
			return
		}
	}
}

func printEvent(out io.Writer, ev monitor.Event) {
	switch ev.Kind {
	case monitor.EventWarning:
		fmt.Fprintf(out, "  ! status request failed: %s\n", ev.Error)
	case monitor.EventFailed:
		fmt.Fprintf(out, "  x training failed: %s\n", ev.Error)
	case monitor.EventUpdate:
		fmt.Fprintln(out, formatUpdate(*ev.Update, ev.Mode))
	}
}

func formatUpdate(u domain.TrainingUpdate, mode monitor.Mode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  epoch %d/%d  %5.1f%%", u.Epoch, u.TotalEpochs, u.Progress)
	if u.Accuracy != nil {
		fmt.Fprintf(&sb, "  accuracy %.2f%%", *u.Accuracy*100)
	} else {
		sb.WriteString("  accuracy -")
	}
	if u.Total > 0 {
		fmt.Fprintf(&sb, " (%d/%d)", u.Correct, u.Total)
	}
	fmt.Fprintf(&sb, "  %.1fs  [%s]", u.ElapsedTime, mode)
	return sb.String()
}

func printExample(out io.Writer, ex *domain.NetworkExample) {
	verdict := "correct"
	if !ex.Correct {
		verdict = "wrong"
	}
	fmt.Fprintf(out, "  #%d actual %d predicted %d (%s, confidence %.2f)\n",
		ex.ExampleIndex, ex.ActualDigit, ex.PredictedDigit, verdict, ex.Confidence())
}
