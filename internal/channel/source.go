package channel

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/trainwatch/internal/infra"
	"go.uber.org/zap"
)

// NewSource собирает транспорт push-канала по push.transport.
// "none" возвращает nil: статус остается disconnected и монитор всегда опрашивает.
func NewSource(cfg infra.PushConfig, rdb *redis.Client, hub *Hub, status *Status, logger *zap.Logger) (Source, error) {
	switch cfg.Transport {
	case "sse":
		return NewSSEClient(SSEConfig{
			URL:               cfg.URL,
			ConnectTimeout:    cfg.ConnectTimeout,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
		}, nil, hub, status, logger), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("channel: redis transport requires a redis client")
		}
		return NewRedisSource(rdb, infra.RedisChanTrainingUpdates, hub, status, logger), nil
	case "kafka":
		return NewKafkaSource(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, hub, status, logger), nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("channel: unknown transport %q", cfg.Transport)
}
