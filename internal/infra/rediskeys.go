package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "trainwatch"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanTrainingUpdates - канал, в который релей бэкенда публикует training_update в JSON.
	RedisChanTrainingUpdates = RedisNamespace + ":training-updates"
)

// Состояние (L2)
const (
	// RedisKeyActiveJobs - hash job_id -> network_id задач, которые шлюз мониторит прямо сейчас
	RedisKeyActiveJobs = RedisNamespace + ":jobs:active"
)

// JobSnapshotKey ключ последнего известного состояния задачи
func JobSnapshotKey(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s:latest", RedisNamespace, jobID)
}
