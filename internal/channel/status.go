package channel

import (
	"context"
	"sync"

	"github.com/xela07ax/trainwatch/internal/domain"
)

// Status - явный провайдер состояния push-канала. Создается вместе с транспортом
// и передается в монитор через конструктор (никаких глобальных синглтонов).
type Status struct {
	mu       sync.RWMutex
	cur      domain.ConnectionStatus
	watchers map[chan domain.ConnectionStatus]struct{}
	onChange func(domain.ConnectionStatus)
}

func NewStatus() *Status {
	return &Status{watchers: make(map[chan domain.ConnectionStatus]struct{})}
}

// OnChange - хук для метрик. Вызывается под блокировкой, должен быть быстрым.
func (s *Status) OnChange(fn func(domain.ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Status) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Connected
}

func (s *Status) Snapshot() domain.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set фиксирует событие connect/disconnect/error
func (s *Status) Set(connected bool, channelID string) {
	next := domain.ConnectionStatus{Connected: connected}
	if connected {
		next.ChannelID = channelID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == next {
		return
	}
	s.cur = next
	if s.onChange != nil {
		s.onChange(next)
	}
	for ch := range s.watchers {
		// Latest wins: выкидываем непрочитанное старое значение
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

// Watch отдает канал изменений статуса до отмены ctx. Первым приходит текущее значение.
func (s *Status) Watch(ctx context.Context) <-chan domain.ConnectionStatus {
	ch := make(chan domain.ConnectionStatus, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	ch <- s.cur
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()
	return ch
}
