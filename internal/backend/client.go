package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap"
)

// Client - типизированный клиент удаленного сервиса обучения.
// Сама сеть живет на бэкенде, здесь только HTTP-вызовы.
type Client struct {
	baseURL string
	http    *http.Client
	rw      *ReliabilityWrapper
	logger  *zap.Logger
}

func NewClient(baseURL string, httpClient *http.Client, rw *ReliabilityWrapper, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		rw:      rw,
		logger:  logger.Named("backend"),
	}
}

// Status - GET /status
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, true, http.MethodGet, "/status", nil, &out)
	return out, err
}

// CreateNetwork - POST /networks
func (c *Client) CreateNetwork(ctx context.Context, layerSizes []int) (*domain.Network, error) {
	if len(layerSizes) == 0 {
		layerSizes = domain.DefaultLayerSizes
	}
	spec := domain.NetworkSpec{LayerSizes: layerSizes}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var out domain.Network
	if err := c.call(ctx, true, http.MethodPost, "/networks", spec, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("backend: create network: empty network_id in response")
	}
	if len(out.LayerSizes) == 0 {
		out.LayerSizes = layerSizes
	}
	return &out, nil
}

// ListNetworks - GET /networks. Бэкенд отдает либо массив, либо {"networks": [...]}.
func (c *Client) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	var raw json.RawMessage
	if err := c.call(ctx, true, http.MethodGet, "/networks", nil, &raw); err != nil {
		return nil, err
	}

	networks := make([]domain.Network, 0)
	if err := json.Unmarshal(raw, &networks); err == nil {
		return networks, nil
	}
	var wrapped struct {
		Networks []domain.Network `json:"networks"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("backend: decode networks: %w", err)
	}
	if wrapped.Networks == nil {
		return networks, nil
	}
	return wrapped.Networks, nil
}

// TrainNetwork - POST /networks/{id}/train. Не повторяется: повтор запустил бы вторую задачу.
func (c *Client) TrainNetwork(ctx context.Context, networkID string, cfg domain.TrainingConfig) (string, error) {
	if networkID == "" {
		return "", fmt.Errorf("backend: no network available for training")
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("backend: %w", err)
	}

	var out domain.TrainResponse
	if err := c.call(ctx, false, http.MethodPost, "/networks/"+url.PathEscape(networkID)+"/train", cfg, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("backend: train: empty job_id in response")
	}
	return out.JobID, nil
}

// TrainingStatus - GET /training/{job_id}. Источник pull-режима, без ретраев.
func (c *Client) TrainingStatus(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	if jobID == "" {
		return nil, domain.ErrEmptyJobID
	}
	var out domain.JobStatus
	if err := c.call(ctx, false, http.MethodGet, "/training/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NetworkStats - GET /networks/{id}/stats
func (c *Client) NetworkStats(ctx context.Context, networkID string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, false, http.MethodGet, "/networks/"+url.PathEscape(networkID)+"/stats", nil, &out)
	return out, err
}

// Predict - POST /networks/{id}/predict
func (c *Client) Predict(ctx context.Context, networkID string, exampleIndex int) (map[string]any, error) {
	body := map[string]int{"example_index": exampleIndex}
	var out map[string]any
	err := c.call(ctx, false, http.MethodPost, "/networks/"+url.PathEscape(networkID)+"/predict", body, &out)
	return out, err
}

// Visualize - GET /networks/{id}/visualize
func (c *Client) Visualize(ctx context.Context, networkID string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, false, http.MethodGet, "/networks/"+url.PathEscape(networkID)+"/visualize", nil, &out)
	return out, err
}

// Misclassified - GET /networks/{id}/misclassified. maxCount/maxCheck <= 0 - дефолты 10 и 500.
func (c *Client) Misclassified(ctx context.Context, networkID string, maxCount, maxCheck int) (*domain.ExampleSet, error) {
	if maxCount <= 0 {
		maxCount = 10
	}
	if maxCheck <= 0 {
		maxCheck = 500
	}
	q := url.Values{}
	q.Set("max_count", strconv.Itoa(maxCount))
	q.Set("max_check", strconv.Itoa(maxCheck))

	var raw json.RawMessage
	path := "/networks/" + url.PathEscape(networkID) + "/misclassified?" + q.Encode()
	if err := c.call(ctx, false, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	var set domain.ExampleSet
	if err := json.Unmarshal(raw, &set.Examples); err == nil {
		return &set, nil
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("backend: decode misclassified: %w", err)
	}
	return &set, nil
}

// Example - успешный или ошибочный пример предсказания.
// Флаг Correct выставляется по эндпоинту, бэкенд его не присылает.
func (c *Client) Example(ctx context.Context, networkID string, successful bool) (*domain.NetworkExample, error) {
	suffix := "/unsuccessful_example"
	if successful {
		suffix = "/successful_example"
	}

	var out domain.NetworkExample
	if err := c.call(ctx, true, http.MethodGet, "/networks/"+url.PathEscape(networkID)+suffix, nil, &out); err != nil {
		return nil, err
	}
	out.Correct = successful
	return &out, nil
}

func (c *Client) call(ctx context.Context, retryable bool, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
	}

	start := time.Now()
	err := c.rw.Do(ctx, retryable, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, payload, out)
	})

	if err != nil {
		c.logger.Warn("backend call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return err
	}
	c.logger.Debug("backend call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Path: path, Message: errorMessage(data)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
				return &ThrottleError{RetryAfter: after, Cause: apiErr}
			}
		}
		if resp.StatusCode == http.StatusInternalServerError && strings.Contains(path, "example") {
			// Типичный случай: сеть еще не обучена
			c.logger.Warn("server error on example endpoint, network may not be trained yet", zap.String("path", path))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

// errorMessage достает message/error из тела ошибки
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return DefaultErrorMessage
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
