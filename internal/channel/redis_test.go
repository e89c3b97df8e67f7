package channel

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/trainwatch/internal/infra"
	"go.uber.org/zap/zaptest"
)

func TestRedisSourceHandle(t *testing.T) {
	logger := zaptest.NewLogger(t)
	hub := NewHub(logger)
	sub := hub.Subscribe("J1")
	defer sub.Close()

	s := NewRedisSource(nil, infra.RedisChanTrainingUpdates, hub, NewStatus(), logger)
	s.handle(`not json`)
	s.handle(`{"job_id":"J1","network_id":"N1","epoch":3,"total_epochs":10,"progress":30}`)

	select {
	case u := <-sub.Updates():
		if u.Epoch != 3 || u.NetworkID != "N1" {
			t.Fatalf("unexpected update %+v", u)
		}
	default:
		t.Fatal("valid payload was not published")
	}
	select {
	case u := <-sub.Updates():
		t.Fatalf("broken payload must be dropped, got %+v", u)
	default:
	}
}

func TestRedisSourceGivesUpOnCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	status := NewStatus()
	status.Set(true, "stale")

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	s := NewRedisSource(rdb, infra.RedisChanTrainingUpdates, NewHub(logger), status, logger)
	s.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run must return nil on cancel, got %v", err)
	}
	if status.Connected() {
		t.Fatal("status must be disconnected after Run returns")
	}
}

func TestNewSource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	hub, status := NewHub(logger), NewStatus()

	tests := []struct {
		name    string
		cfg     infra.PushConfig
		want    bool
		wantErr bool
	}{
		{"none", infra.PushConfig{Transport: "none"}, false, false},
		{"empty", infra.PushConfig{}, false, false},
		{"sse", infra.PushConfig{Transport: "sse", URL: "http://localhost/events"}, true, false},
		{"kafka", infra.PushConfig{Transport: "kafka", KafkaBrokers: []string{"127.0.0.1:9092"}, KafkaTopic: "training-updates"}, true, false},
		{"redis without client", infra.PushConfig{Transport: "redis"}, false, true},
		{"unknown", infra.PushConfig{Transport: "websocket"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewSource(tt.cfg, nil, hub, status, logger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (src != nil) != tt.want {
				t.Fatalf("source = %T, want non-nil %v", src, tt.want)
			}
			if k, ok := src.(*KafkaSource); ok {
				k.reader.Close()
			}
		})
	}
}
