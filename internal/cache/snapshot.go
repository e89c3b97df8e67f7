package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/infra"
)

const DefaultSnapshotTTL = 24 * time.Hour

// SnapshotStore хранит последнее состояние каждой задачи в Redis.
// Переживает рестарт шлюза: GET /v1/jobs/{id} отвечает и по уже завершенным сессиям.
type SnapshotStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewSnapshotStore(rdb redis.Cmdable, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotStore{rdb: rdb, ttl: ttl}
}

func (s *SnapshotStore) Save(ctx context.Context, snap domain.JobSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, infra.JobSnapshotKey(snap.JobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to save snapshot: %w", err)
	}
	return nil
}

// Latest возвращает domain.ErrJobNotFound, если снапшота нет или он истек
func (s *SnapshotStore) Latest(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	data, err := s.rdb.Get(ctx, infra.JobSnapshotKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: failed to load snapshot: %w", err)
	}

	var snap domain.JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("cache: corrupted snapshot for %s: %w", jobID, err)
	}
	return &snap, nil
}

// MarkActive запоминает задачу как наблюдаемую: после рестарта шлюз подхватит ее снова
func (s *SnapshotStore) MarkActive(ctx context.Context, jobID, networkID string) error {
	if err := s.rdb.HSet(ctx, infra.RedisKeyActiveJobs, jobID, networkID).Err(); err != nil {
		return fmt.Errorf("cache: failed to mark job active: %w", err)
	}
	return nil
}

func (s *SnapshotStore) MarkDone(ctx context.Context, jobID string) error {
	if err := s.rdb.HDel(ctx, infra.RedisKeyActiveJobs, jobID).Err(); err != nil {
		return fmt.Errorf("cache: failed to unmark job: %w", err)
	}
	return nil
}

// ActiveJobs - job_id -> network_id задач, мониторинг которых был прерван остановкой шлюза
func (s *SnapshotStore) ActiveJobs(ctx context.Context) (map[string]string, error) {
	jobs, err := s.rdb.HGetAll(ctx, infra.RedisKeyActiveJobs).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: failed to load active jobs: %w", err)
	}
	return jobs, nil
}
