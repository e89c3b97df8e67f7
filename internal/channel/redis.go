package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap"
)

// RedisSource - push-канал поверх Redis Pub/Sub. Релей бэкенда публикует
// training_update в JSON в один общий канал, фильтр по job_id делает Hub.
type RedisSource struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	status  *Status
	logger  *zap.Logger

	retryDelay     time.Duration
	reconnectDelay time.Duration
}

func NewRedisSource(rdb *redis.Client, channel string, hub *Hub, status *Status, logger *zap.Logger) *RedisSource {
	return &RedisSource{
		rdb:            rdb,
		channel:        channel,
		hub:            hub,
		status:         status,
		logger:         logger.Named("redis-source").With(zap.String("chan", channel)),
		retryDelay:     5 * time.Second,
		reconnectDelay: 1 * time.Second,
	}
}

// Run - «живучий» цикл подписки: переподключается, пока не отменен ctx.
func (s *RedisSource) Run(ctx context.Context) error {
	defer s.status.Set(false, "")

	for {
		pubsub := s.rdb.Subscribe(ctx, s.channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to subscribe", zap.Error(err))
			s.status.Set(false, "")
			if !sleepCtx(ctx, s.retryDelay) {
				return nil
			}
			continue
		}

		s.status.Set(true, "redis:"+s.channel)
		s.logger.Info("subscribed to training updates")

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return nil
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				s.handle(msg.Payload)
			}
		}

		pubsub.Close()
		s.status.Set(false, "")
		s.hub.Fail(fmt.Errorf("%w: redis subscription dropped", domain.ErrChannelClosed))
		if !sleepCtx(ctx, s.reconnectDelay) {
			return nil
		}
	}
}

func (s *RedisSource) handle(payload string) {
	var u domain.TrainingUpdate
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		s.logger.Error("invalid signal format", zap.String("payload", payload), zap.Error(err))
		return
	}
	s.hub.Publish(u)
}

// sleepCtx спит d или до отмены ctx. false - ctx отменен.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
