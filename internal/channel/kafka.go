package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap"
)

const defaultKafkaGroup = "trainwatch"

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string // префикс: к нему добавляется уникальный суффикс процесса
}

// KafkaSource - push-канал поверх топика Kafka с сообщениями training_update.
type KafkaSource struct {
	cfg    KafkaConfig
	reader *kafka.Reader
	hub    *Hub
	status *Status
	logger *zap.Logger
}

func NewKafkaSource(cfg KafkaConfig, hub *Hub, status *Status, logger *zap.Logger) *KafkaSource {
	// Каждому процессу своя группа: партиции топика не делятся между шлюзом и CLI
	if cfg.GroupID == "" {
		cfg.GroupID = defaultKafkaGroup
	}
	cfg.GroupID = cfg.GroupID + "-" + uuid.NewString()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset, // история прогресса не нужна, только новые сообщения
		MinBytes:    1,                // прогресс - маленькие сообщения, ждать пачку нельзя
		MaxBytes:    10e6,             // 10MB
		MaxWait:     500 * time.Millisecond,
	})

	return &KafkaSource{
		cfg:    cfg,
		reader: reader,
		hub:    hub,
		status: status,
		logger: logger.Named("kafka-source").With(zap.String("topic", cfg.Topic)),
	}
}

// Run читает топик до отмены ctx. У Kafka нет события connect, поэтому
// доступность брокера проверяется dial'ом до старта и после каждой ошибки чтения.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.status.Set(false, "")
	defer s.reader.Close()

	s.probe(ctx)

	for {
		message, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Error("failed to fetch message", zap.Error(err))
			if s.status.Connected() {
				s.status.Set(false, "")
				s.hub.Fail(fmt.Errorf("%w: kafka: %v", domain.ErrChannelClosed, err))
			}
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			s.probe(ctx)
			continue
		}

		if !s.status.Connected() {
			s.status.Set(true, s.channelID())
		}

		var u domain.TrainingUpdate
		if err := json.Unmarshal(message.Value, &u); err != nil {
			s.logger.Error("failed to unmarshal training update", zap.Error(err))
		} else {
			s.hub.Publish(u)
		}

		// Прогресс не переигрываем: коммитим сразу, пропущенное не нужно
		if err := s.reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
			s.logger.Warn("failed to commit message", zap.Error(err))
		}
	}
}

func (s *KafkaSource) probe(ctx context.Context) {
	for _, broker := range s.cfg.Brokers {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := kafka.DialContext(dctx, "tcp", broker)
		cancel()
		if err != nil {
			s.logger.Warn("kafka broker unreachable", zap.String("broker", broker), zap.Error(err))
			continue
		}
		conn.Close()
		s.status.Set(true, s.channelID())
		return
	}
	s.status.Set(false, "")
}

func (s *KafkaSource) channelID() string {
	return fmt.Sprintf("kafka:%s/%s", s.cfg.Topic, s.cfg.GroupID)
}
