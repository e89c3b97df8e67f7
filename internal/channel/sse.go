package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap"
)

// EventTrainingUpdate - имя SSE-события с прогрессом
const EventTrainingUpdate = "training_update"

// Source - транспорт push-канала. Run блокируется до отмены ctx или окончательной потери связи.
type Source interface {
	Run(ctx context.Context) error
}

type SSEConfig struct {
	URL               string
	ConnectTimeout    time.Duration
	ReconnectAttempts uint
	ReconnectDelay    time.Duration
}

// SSEClient держит постоянное соединение с потоком событий бэкенда
// и раскладывает training_update по подпискам Hub.
type SSEClient struct {
	cfg    SSEConfig
	http   *http.Client
	hub    *Hub
	status *Status
	logger *zap.Logger
}

func NewSSEClient(cfg SSEConfig, httpClient *http.Client, hub *Hub, status *Status, logger *zap.Logger) *SSEClient {
	if httpClient == nil {
		// Без общего Timeout: он оборвал бы стрим
		httpClient = &http.Client{}
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 1
	}
	return &SSEClient{
		cfg:    cfg,
		http:   httpClient,
		hub:    hub,
		status: status,
		logger: logger.Named("sse").With(zap.String("url", cfg.URL)),
	}
}

// Run: connect -> read -> (обрыв) -> reconnect. Возвращает ошибку, когда попытки переподключения исчерпаны.
func (c *SSEClient) Run(ctx context.Context) error {
	defer c.status.Set(false, "")

	for {
		var body io.ReadCloser
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.cfg.ReconnectAttempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return c.cfg.ReconnectDelay
			}),
		)
		err := r.Do(func() error {
			var connErr error
			body, connErr = c.connect(ctx)
			if connErr != nil {
				c.logger.Warn("push channel connect failed", zap.Error(connErr))
				c.status.Set(false, "")
			}
			return connErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.hub.Fail(fmt.Errorf("push channel unavailable: %w", err))
			return fmt.Errorf("sse: reconnect attempts exhausted: %w", err)
		}

		channelID := uuid.New().String()
		c.status.Set(true, channelID)
		c.logger.Info("connected to training event stream", zap.String("channel_id", channelID))

		readErr := readEvents(body, c.dispatch)
		body.Close()
		c.status.Set(false, "")

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("disconnected from training event stream", zap.Error(readErr))
		c.hub.Fail(fmt.Errorf("%w: %v", domain.ErrChannelClosed, readErr))
	}
}

// connect открывает стрим. ConnectTimeout ограничивает только ожидание заголовков ответа.
func (c *SSEClient) connect(ctx context.Context) (io.ReadCloser, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	var timer *time.Timer
	if c.cfg.ConnectTimeout > 0 {
		timer = time.AfterFunc(c.cfg.ConnectTimeout, cancel)
	}
	resp, err := c.http.Do(req)
	if timer != nil && !timer.Stop() {
		// Таймер уже сработал: контекст отменен
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("connect timeout after %v", c.cfg.ConnectTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *SSEClient) dispatch(ev sseEvent) error {
	if ev.Name != EventTrainingUpdate {
		return nil
	}
	var u domain.TrainingUpdate
	if err := json.Unmarshal([]byte(ev.Data), &u); err != nil {
		c.logger.Error("invalid training_update payload", zap.String("data", ev.Data), zap.Error(err))
		return nil
	}
	c.logger.Debug("training update received",
		zap.String("job_id", u.JobID),
		zap.Int("epoch", u.Epoch),
		zap.Int("total_epochs", u.TotalEpochs))
	c.hub.Publish(u)
	return nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

type sseEvent struct {
	ID   string
	Name string
	Data string
}

var errStreamEnded = errors.New("event stream ended")

// readEvents разбирает text/event-stream: поля event/data/id, пустая строка - конец события.
func readEvents(r io.Reader, fn func(sseEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		ev   sseEvent
		data []string
	)
	flush := func() error {
		if len(data) == 0 && ev.Name == "" {
			return nil
		}
		if ev.Name == "" {
			ev.Name = "message"
		}
		ev.Data = strings.Join(data, "\n")
		err := fn(ev)
		ev, data = sseEvent{}, data[:0]
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // комментарий / keep-alive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errStreamEnded
}
