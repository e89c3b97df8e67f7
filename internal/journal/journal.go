package journal

/*
Журнал прогресса обучения: события мониторинга пишутся в хранилище пачками,
не задерживая доставку событий вызывающему.

- Record не блокируется: при переполнении буфера событие сбрасывается с ошибкой в лог.
- Пачка уходит в хранилище по размеру (BatchSize) или по таймеру (FlushInterval).
- Stop закрывает вход и дожидается финального flush.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBufferSize    = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
)

// Storage определяет, куда физически пишется журнал
type Storage interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

type Recorder interface {
	Record(e Entry)
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Journal struct {
	ch        chan Entry
	repo      Storage
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup

	// mu защищает закрытие ch от одновременной записи из Record
	mu     sync.RWMutex
	closed bool
}

func New(repo Storage, cfg Config, logger *zap.Logger) *Journal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Journal{
		ch:        make(chan Entry, cfg.BufferSize),
		repo:      repo,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		logger:    logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер допишет остатки. Повторный вызов безопасен.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("journal entry dropped: journal is stopped", zap.String("job_id", e.JobID))
		return
	}

	// Load Shedding: прогресс важнее журнала
	select {
	case j.ch <- e:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("job_id", e.JobID),
			zap.Int("epoch", e.Epoch),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Entry, 0, j.batchSize)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: на финальном flush внешний контекст уже отменен
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): все, что было в буфере, уже вычитано
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
