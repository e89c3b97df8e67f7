package monitor

/*
Монитор прогресса обучения: по job_id отдает поток обновлений до финальной эпохи,
падения задачи или отмены.

- Режим выбирается один раз при старте по состоянию push-канала. Подключен -
  подписка на канал с фильтром по job_id, иначе опрос /training/{job_id} раз в 2 секунды.
- Ошибка push-подписки переводит сессию в pull до конца мониторинга. Обратного перехода нет.
- Каждая сессия - одна горутина, которая владеет всем состоянием (подписка, тикер,
  ответы опроса приходят к ней через каналы).
- После того как Cancel() вернул управление, ни одно событие не будет доставлено.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/trainwatch/internal/channel"
	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap"
)

// DefaultPollInterval - фиксированный интервал опроса, без backoff
const DefaultPollInterval = 2 * time.Second

// StatusProvider отдает состояние push-канала на момент старта сессии
type StatusProvider interface {
	Connected() bool
}

// PushSource - подписка на push-обновления одной задачи
type PushSource interface {
	Subscribe(jobID string) *channel.Subscription
}

// StatusFetcher - источник pull-режима (GET /training/{job_id})
type StatusFetcher interface {
	TrainingStatus(ctx context.Context, jobID string) (*domain.JobStatus, error)
}

// TickerFunc создает тикер и функцию его остановки. Подменяется в тестах.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Monitor struct {
	status    StatusProvider
	push      PushSource
	fetcher   StatusFetcher
	interval  time.Duration
	newTicker TickerFunc
	metrics   *Metrics
	logger    *zap.Logger
}

type Option func(*Monitor)

func WithMetrics(m *Metrics) Option { return func(mon *Monitor) { mon.metrics = m } }

func WithTicker(fn TickerFunc) Option { return func(mon *Monitor) { mon.newTicker = fn } }

func WithDefaultPollInterval(d time.Duration) Option {
	return func(mon *Monitor) {
		if d > 0 {
			mon.interval = d
		}
	}
}

// New собирает монитор. push может быть nil - тогда всегда pull.
func New(status StatusProvider, push PushSource, fetcher StatusFetcher, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		status:    status,
		push:      push,
		fetcher:   fetcher,
		interval:  DefaultPollInterval,
		newTicker: realTicker,
		logger:    logger.Named("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

type sessionConfig struct {
	networkID   string
	totalEpochs int
	interval    time.Duration
}

type SessionOption func(*sessionConfig)

// WithNetworkID подставляется в синтезированные pull-обновления
func WithNetworkID(id string) SessionOption { return func(c *sessionConfig) { c.networkID = id } }

// WithTotalEpochs - сколько эпох запрошено при старте обучения
func WithTotalEpochs(n int) SessionOption { return func(c *sessionConfig) { c.totalEpochs = n } }

func WithPollInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// Start начинает мониторинг задачи. Сессия живет до финального события, Cancel() или отмены ctx.
func (m *Monitor) Start(ctx context.Context, jobID string, opts ...SessionOption) (*Session, error) {
	if jobID == "" {
		return nil, domain.ErrEmptyJobID
	}
	if m.fetcher == nil {
		return nil, errors.New("monitor: status fetcher is required")
	}

	cfg := sessionConfig{interval: m.interval}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Выбор режима: один раз, на старте
	mode, state := ModePull, StatePullActive
	if m.push != nil && m.status != nil && m.status.Connected() {
		mode, state = ModePush, StatePushActive
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		jobID:  jobID,
		cfg:    cfg,
		m:      m,
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  state,
		mode:   mode,
		logger: m.logger.With(zap.String("job_id", jobID)),
	}

	// Подписываемся до возврата из Start, чтобы не потерять обновления, пришедшие сразу после
	var sub *channel.Subscription
	if mode == ModePush {
		sub = m.push.Subscribe(jobID)
	}

	m.metrics.SessionsStarted.WithLabelValues(string(mode)).Inc()
	m.metrics.SessionsActive.Inc()
	s.logger.Info("monitoring started", zap.String("mode", string(mode)))

	go s.run(sctx, sub)
	return s, nil
}

type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// State - состояние конечного автомата сессии
type State string

const (
	StateIdle       State = "idle"
	StatePushActive State = "push-active"
	StatePullActive State = "pull-active"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

type EventKind string

const (
	EventUpdate  EventKind = "update"  // очередное обновление прогресса
	EventWarning EventKind = "warning" // ошибка pull-запроса, мониторинг продолжается
	EventFailed  EventKind = "failed"  // задача упала на бэкенде, финал
)

type Event struct {
	Kind   EventKind              `json:"kind"`
	JobID  string                 `json:"job_id"`
	Mode   Mode                   `json:"mode"`
	Update *domain.TrainingUpdate `json:"update,omitempty"`
	Err    error                  `json:"-"`
	Error  string                 `json:"error,omitempty"`
	At     time.Time              `json:"at"`
}

// Terminal - после этого события других по задаче не будет
func (e Event) Terminal() bool {
	return e.Kind == EventFailed || (e.Kind == EventUpdate && e.Update != nil && e.Update.IsTerminal())
}

type Session struct {
	jobID  string
	cfg    sessionConfig
	m      *Monitor
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	mu    sync.RWMutex
	state State
	mode  Mode
	err   error
}

func (s *Session) JobID() string { return s.jobID }

// Events - поток событий. Закрывается, когда сессия завершена.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel останавливает мониторинг и ждет освобождения тикера и подписки.
// Безопасен для повторного вызова и вызова после завершения.
func (s *Session) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Mode - текущий режим доставки (push может смениться на pull после ошибки канала)
func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Err - итог сессии: nil (completed), ErrJobFailed (failed) или context.Canceled.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) setState(st State, mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if mode != "" {
		s.mode = mode
	}
}

func (s *Session) finish(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.err = err
	s.mu.Unlock()

	s.m.metrics.SessionsFinished.WithLabelValues(string(st)).Inc()
	s.m.metrics.SessionsActive.Dec()
	s.logger.Info("monitoring finished", zap.String("outcome", string(st)), zap.Error(err))
}

type pollResult struct {
	status *domain.JobStatus
	err    error
}

func (s *Session) run(ctx context.Context, sub *channel.Subscription) {
	defer close(s.done)
	defer close(s.events)
	// Отмена контекста гасит запоздавшие pull-запросы на всех путях выхода
	defer s.cancel()

	var (
		updates  <-chan domain.TrainingUpdate
		subErrs  <-chan error
		tick     <-chan time.Time
		stopTick func()
		results  = make(chan pollResult)
	)

	releasePush := func() {
		if sub != nil {
			sub.Close()
			sub, updates, subErrs = nil, nil, nil
		}
	}
	release := func() {
		releasePush()
		if stopTick != nil {
			stopTick()
			stopTick, tick = nil, nil
		}
	}
	defer release()

	startPull := func() {
		tick, stopTick = s.m.newTicker(s.cfg.interval)
		s.setState(StatePullActive, ModePull)
	}

	if sub != nil {
		updates, subErrs = sub.Updates(), sub.Err()
	} else {
		startPull()
	}

	for {
		select {
		case <-ctx.Done():
			s.finish(StateCancelled, ctx.Err())
			return

		case u := <-updates:
			if u.IsFailure() {
				releasePush()
				if !s.emit(ctx, Event{Kind: EventFailed, Update: &u, Err: domain.ErrJobFailed}) {
					s.finish(StateCancelled, context.Canceled)
					return
				}
				s.finish(StateFailed, domain.ErrJobFailed)
				return
			}
			if !s.emit(ctx, Event{Kind: EventUpdate, Update: &u}) {
				s.finish(StateCancelled, context.Canceled)
				return
			}
			if u.IsTerminal() {
				releasePush()
				s.finish(StateCompleted, nil)
				return
			}

		case err := <-subErrs:
			// Ошибка канала не отдается вызывающему: переходим на опрос до конца задачи
			s.logger.Warn("push channel error, falling back to polling", zap.Error(err))
			s.m.metrics.Fallbacks.Inc()
			releasePush()
			startPull()

		case <-tick:
			// Интервальный опрос: следующий тик не ждет ответа предыдущего
			go s.poll(ctx, results)

		case r := <-results:
			if r.err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.emit(ctx, Event{Kind: EventWarning, Err: r.err})
				continue
			}

			switch r.status.Status {
			case domain.JobFailed:
				release()
				err := domain.ErrJobFailed
				if r.status.Error != "" {
					err = fmt.Errorf("%w: %s", domain.ErrJobFailed, r.status.Error)
				}
				if !s.emit(ctx, Event{Kind: EventFailed, Err: err}) {
					s.finish(StateCancelled, context.Canceled)
					return
				}
				s.finish(StateFailed, err)
				return

			case domain.JobCompleted:
				release()
				u := r.status.ToUpdate(s.jobID, s.cfg.networkID, s.cfg.totalEpochs)
				if !s.emit(ctx, Event{Kind: EventUpdate, Update: &u}) {
					s.finish(StateCancelled, context.Canceled)
					return
				}
				s.finish(StateCompleted, nil)
				return

			default:
				u := r.status.ToUpdate(s.jobID, s.cfg.networkID, s.cfg.totalEpochs)
				if !s.emit(ctx, Event{Kind: EventUpdate, Update: &u}) {
					s.finish(StateCancelled, context.Canceled)
					return
				}
				// Последняя эпоха при статусе running - тоже финал: после нее ничего не отдаем
				if u.IsTerminal() {
					release()
					s.finish(StateCompleted, nil)
					return
				}
			}
		}
	}
}

func (s *Session) poll(ctx context.Context, results chan<- pollResult) {
	start := time.Now()
	st, err := s.m.fetcher.TrainingStatus(ctx, s.jobID)
	s.m.metrics.PollDuration.Observe(time.Since(start).Seconds())

	if err == nil && st == nil {
		err = errors.New("empty training status response")
	}
	if err != nil {
		s.m.metrics.PollRequests.WithLabelValues("error").Inc()
	} else {
		s.m.metrics.PollRequests.WithLabelValues("ok").Inc()
	}

	// Ответ после завершения сессии отбрасывается
	select {
	case results <- pollResult{status: st, err: err}:
	case <-ctx.Done():
	}
}

// emit отдает событие вызывающему. false - сессия отменена, событие не доставлено.
func (s *Session) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	ev.JobID = s.jobID
	ev.Mode = s.Mode()
	ev.At = time.Now()
	if ev.Err != nil {
		ev.Error = ev.Err.Error()
	}

	select {
	case s.events <- ev:
		s.m.metrics.EventsDelivered.WithLabelValues(string(ev.Mode), string(ev.Kind)).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}
