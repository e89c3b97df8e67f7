package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/journal"
	"github.com/xela07ax/trainwatch/internal/monitor"
	"go.uber.org/zap"
)

var ErrJobExists = errors.New("job is already being monitored")

const (
	watcherBuffer = 32
	saveTimeout   = 2 * time.Second
)

type SessionStarter interface {
	Start(ctx context.Context, jobID string, opts ...monitor.SessionOption) (*monitor.Session, error)
}

type SnapshotWriter interface {
	Save(ctx context.Context, snap domain.JobSnapshot) error
}

// ActiveSet переживает рестарт шлюза: задачи, чей мониторинг прервала остановка, подхватываются в Resume
type ActiveSet interface {
	MarkActive(ctx context.Context, jobID, networkID string) error
	MarkDone(ctx context.Context, jobID string) error
	ActiveJobs(ctx context.Context) (map[string]string, error)
}

// Registry держит по одной сессии мониторинга на задачу и раздает ее события
// журналу, кэшу снапшотов и подписчикам (SSE-клиентам шлюза).
type Registry struct {
	mon       SessionStarter
	recorder  journal.Recorder
	snapshots SnapshotWriter
	active    ActiveSet
	logger    *zap.Logger

	// Сессии живут дольше HTTP-запроса, который их создал
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	session   *monitor.Session
	networkID string

	mu       sync.Mutex
	last     *monitor.Event
	watchers map[int]chan monitor.Event
	nextID   int
	closed   bool
}

type Option func(*Registry)

func WithJournal(r journal.Recorder) Option { return func(reg *Registry) { reg.recorder = r } }

func WithSnapshots(w SnapshotWriter) Option { return func(reg *Registry) { reg.snapshots = w } }

func WithActiveSet(a ActiveSet) Option { return func(reg *Registry) { reg.active = a } }

func NewRegistry(mon SessionStarter, logger *zap.Logger, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		mon:    mon,
		logger: logger.With(zap.String("mod", "jobs")),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track запускает мониторинг задачи. Повторный Track по активной задаче - ErrJobExists.
func (r *Registry) Track(jobID, networkID string, opts ...monitor.SessionOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; ok {
		return ErrJobExists
	}

	opts = append([]monitor.SessionOption{monitor.WithNetworkID(networkID)}, opts...)
	s, err := r.mon.Start(r.ctx, jobID, opts...)
	if err != nil {
		return err
	}

	j := &job{session: s, networkID: networkID, watchers: make(map[int]chan monitor.Event)}
	r.jobs[jobID] = j
	r.save(r.snapshotOf(j, nil))
	r.markActive(jobID, networkID)

	r.wg.Add(1)
	go r.pump(jobID, j)
	return nil
}

func (r *Registry) pump(jobID string, j *job) {
	defer r.wg.Done()

	for ev := range j.session.Events() {
		if ev.Update != nil {
			if err := ev.Update.Validate(); err != nil {
				r.logger.Warn("upstream update violates data model", zap.String("job_id", jobID), zap.Error(err))
			}
		}

		j.mu.Lock()
		evCopy := ev
		j.last = &evCopy
		for id, w := range j.watchers {
			select {
			case w <- ev:
			default:
				r.logger.Warn("watcher is too slow, event dropped", zap.String("job_id", jobID), zap.Int("watcher", id))
			}
		}
		j.mu.Unlock()

		if r.recorder != nil {
			r.recorder.Record(journal.FromEvent(ev))
		}
		r.save(r.snapshotOf(j, &ev))
	}

	// Поток событий закрыт: сессия завершена, финальное состояние уже выставлено
	r.save(r.snapshotOf(j, nil))

	// Остановка шлюза - не конец задачи: оставляем ее в наборе для Resume
	if r.ctx.Err() == nil {
		r.markDone(jobID)
	}

	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()

	j.mu.Lock()
	j.closed = true
	for id, w := range j.watchers {
		close(w)
		delete(j.watchers, id)
	}
	j.mu.Unlock()

	r.logger.Info("job released", zap.String("job_id", jobID), zap.String("state", string(j.session.State())))
}

func (r *Registry) snapshotOf(j *job, ev *monitor.Event) domain.JobSnapshot {
	snap := domain.JobSnapshot{
		JobID:     j.session.JobID(),
		NetworkID: j.networkID,
		State:     string(j.session.State()),
		Mode:      string(j.session.Mode()),
		UpdatedAt: time.Now(),
	}

	if ev == nil {
		j.mu.Lock()
		ev = j.last
		j.mu.Unlock()
	}
	if ev != nil {
		snap.Update = ev.Update
		snap.Error = ev.Error
	}
	if err := j.session.Err(); err != nil && snap.Error == "" {
		snap.Error = err.Error()
	}
	return snap
}

func (r *Registry) save(snap domain.JobSnapshot) {
	if r.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.snapshots.Save(ctx, snap); err != nil {
		r.logger.Warn("failed to save job snapshot", zap.String("job_id", snap.JobID), zap.Error(err))
	}
}

func (r *Registry) markActive(jobID, networkID string) {
	if r.active == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.active.MarkActive(ctx, jobID, networkID); err != nil {
		r.logger.Warn("failed to mark job active", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (r *Registry) markDone(jobID string) {
	if r.active == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.active.MarkDone(ctx, jobID); err != nil {
		r.logger.Warn("failed to unmark job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Resume возобновляет мониторинг задач, прерванных прошлой остановкой шлюза.
// Число эпох неизвестно: его сообщит первое же обновление.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	if r.active == nil {
		return 0, nil
	}
	pending, err := r.active.ActiveJobs(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for jobID, networkID := range pending {
		if err := r.Track(jobID, networkID); err != nil {
			if !errors.Is(err, ErrJobExists) {
				r.logger.Warn("failed to resume job", zap.String("job_id", jobID), zap.Error(err))
			}
			continue
		}
		resumed++
	}
	if resumed > 0 {
		r.logger.Info("monitoring resumed after restart", zap.Int("jobs", resumed))
	}
	return resumed, nil
}

// Watch подписывает на события задачи. Первым приходит последнее уже доставленное событие, если оно было.
// Канал закрывается по завершении сессии; stop отписывает раньше.
func (r *Registry) Watch(jobID string) (<-chan monitor.Event, func(), error) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, domain.ErrJobNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	ch := make(chan monitor.Event, watcherBuffer)
	if j.closed {
		close(ch)
		return ch, func() {}, nil
	}
	if j.last != nil {
		ch <- *j.last
	}
	id := j.nextID
	j.nextID++
	j.watchers[id] = ch

	var once sync.Once
	stop := func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if w, ok := j.watchers[id]; ok {
				delete(j.watchers, id)
				close(w)
			}
		})
	}
	return ch, stop, nil
}

// Snapshot - состояние активной задачи из памяти
func (r *Registry) Snapshot(jobID string) (*domain.JobSnapshot, bool) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	snap := r.snapshotOf(j, nil)
	return &snap, true
}

// Cancel останавливает мониторинг. Удаленная задача обучения продолжает работать.
func (r *Registry) Cancel(jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return domain.ErrJobNotFound
	}
	j.session.Cancel()
	return nil
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Shutdown отменяет все сессии и ждет, пока их события будут разобраны
func (r *Registry) Shutdown() {
	r.cancel()
	r.wg.Wait()
}
