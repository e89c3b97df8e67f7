package domain

import (
	"errors"
	"fmt"
	"time"
)

// JobState - статус удаленной задачи обучения, как его отдает бэкенд
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

var (
	ErrJobFailed     = errors.New("training job failed")
	ErrInvalidUpdate = errors.New("invalid training update")
	ErrEmptyJobID    = errors.New("job id is required")
	ErrChannelClosed = errors.New("push channel closed")
	ErrJobNotFound   = errors.New("job not found")
)

// TrainingUpdate - одно сообщение о прогрессе обучения.
// Приходит извне (push-канал) либо синтезируется из ответа /training/{job_id}.
type TrainingUpdate struct {
	JobID       string   `json:"job_id"`
	NetworkID   string   `json:"network_id"`
	Epoch       int      `json:"epoch"`
	TotalEpochs int      `json:"total_epochs"`
	Accuracy    *float64 `json:"accuracy"` // nil до первого результата
	ElapsedTime float64  `json:"elapsed_time"`
	Progress    float64  `json:"progress"` // 0-100
	Correct     int      `json:"correct,omitempty"`
	Total       int      `json:"total,omitempty"`

	// Status опционален: push-сообщение с "failed" означает падение задачи на бэкенде
	Status JobState `json:"status,omitempty"`
}

// IsTerminal - финальная эпоха. После нее по задаче ничего не ожидается.
func (u TrainingUpdate) IsTerminal() bool {
	return u.TotalEpochs > 0 && u.Epoch == u.TotalEpochs
}

// IsFailure сообщает, что бэкенд пометил задачу как упавшую
func (u TrainingUpdate) IsFailure() bool {
	return u.Status == JobFailed
}

// Validate проверяет инварианты модели данных.
// Монитор не фильтрует сообщения по Validate: реестр задач только логирует нарушения.
func (u TrainingUpdate) Validate() error {
	switch {
	case u.JobID == "":
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, ErrEmptyJobID)
	case u.Epoch < 1:
		return fmt.Errorf("%w: epoch %d < 1", ErrInvalidUpdate, u.Epoch)
	case u.TotalEpochs < u.Epoch:
		return fmt.Errorf("%w: total_epochs %d < epoch %d", ErrInvalidUpdate, u.TotalEpochs, u.Epoch)
	case u.ElapsedTime < 0:
		return fmt.Errorf("%w: negative elapsed_time", ErrInvalidUpdate)
	case u.Progress < 0 || u.Progress > 100:
		return fmt.Errorf("%w: progress %.2f out of range", ErrInvalidUpdate, u.Progress)
	case u.Correct < 0 || u.Total < 0 || u.Correct > u.Total:
		return fmt.Errorf("%w: correct %d / total %d", ErrInvalidUpdate, u.Correct, u.Total)
	}
	return nil
}

// JobStatus - ответ GET /training/{job_id} (источник для pull-режима)
type JobStatus struct {
	Status       JobState `json:"status"`
	Progress     float64  `json:"progress"`
	Accuracy     *float64 `json:"accuracy"`
	Correct      int      `json:"correct"`
	Total        int      `json:"total"`
	ElapsedTime  float64  `json:"elapsed_time"`
	CurrentEpoch int      `json:"current_epoch"`

	// Необязательные поля, часть бэкендов их отдает
	TotalEpochs int    `json:"total_epochs,omitempty"`
	NetworkID   string `json:"network_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ToUpdate синтезирует TrainingUpdate из статуса задачи.
// networkID и totalEpochs берутся из статуса, если бэкенд их прислал, иначе из переданных значений.
func (s JobStatus) ToUpdate(jobID, networkID string, totalEpochs int) TrainingUpdate {
	if s.NetworkID != "" {
		networkID = s.NetworkID
	}
	if s.TotalEpochs > 0 {
		totalEpochs = s.TotalEpochs
	}

	u := TrainingUpdate{
		JobID:       jobID,
		NetworkID:   networkID,
		Epoch:       s.CurrentEpoch,
		TotalEpochs: totalEpochs,
		Accuracy:    s.Accuracy,
		ElapsedTime: s.ElapsedTime,
		Progress:    s.Progress,
		Correct:     s.Correct,
		Total:       s.Total,
		Status:      s.Status,
	}

	if s.Status == JobCompleted {
		// Финальное сообщение: прогресс 100, эпоха = total, чтобы IsTerminal() было истинно
		u.Progress = 100
		if u.TotalEpochs < u.Epoch {
			u.TotalEpochs = u.Epoch
		}
		if u.TotalEpochs == 0 {
			u.TotalEpochs = 1
		}
		u.Epoch = u.TotalEpochs
	}
	return u
}

// ConnectionStatus - состояние push-канала
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	ChannelID string `json:"channel_id,omitempty"`
}

// JobSnapshot - последнее известное состояние наблюдаемой задачи (кэш и GET /v1/jobs/{id})
type JobSnapshot struct {
	JobID     string          `json:"job_id"`
	NetworkID string          `json:"network_id,omitempty"`
	State     string          `json:"state"` // состояние сессии мониторинга
	Mode      string          `json:"mode"`
	Update    *TrainingUpdate `json:"update,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}
