package journal

import (
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/trainwatch/internal/monitor"
)

// Entry - одна строка журнала прогресса (таблица training_events)
type Entry struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	NetworkID   string    `json:"network_id,omitempty"`
	Kind        string    `json:"kind"` // update, warning, failed
	Mode        string    `json:"mode"` // push, pull
	Epoch       int       `json:"epoch"`
	TotalEpochs int       `json:"total_epochs"`
	Accuracy    *float64  `json:"accuracy,omitempty"`
	Progress    float64   `json:"progress"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// FromEvent снимает с события монитора то, что нужно хранить
func FromEvent(ev monitor.Event) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		JobID:     ev.JobID,
		Kind:      string(ev.Kind),
		Mode:      string(ev.Mode),
		Error:     ev.Error,
		Timestamp: ev.At,
	}
	if u := ev.Update; u != nil {
		e.NetworkID = u.NetworkID
		e.Epoch = u.Epoch
		e.TotalEpochs = u.TotalEpochs
		e.Accuracy = u.Accuracy
		e.Progress = u.Progress
	}
	return e
}
