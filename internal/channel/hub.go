package channel

import (
	"sync"

	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap"
)

// subscriptionBuffer - сколько непрочитанных обновлений держим на подписку.
// При переполнении выбрасывается самое старое: важен только последний статус.
const subscriptionBuffer = 16

// Hub раздает training_update подписчикам, отфильтрованным по job_id.
// Сервер канала фильтра не знает, фильтрация на стороне клиента.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger.Named("hub"),
	}
}

// Subscription - подписка на обновления одной задачи. Close обязателен на всех путях выхода.
type Subscription struct {
	jobID   string
	hub     *Hub
	updates chan domain.TrainingUpdate
	errs    chan error
	once    sync.Once
}

func (s *Subscription) Updates() <-chan domain.TrainingUpdate { return s.updates }

// Err срабатывает один раз при ошибке транспорта
func (s *Subscription) Err() <-chan error { return s.errs }

func (s *Subscription) JobID() string { return s.jobID }

// Close освобождает подписку. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID:   jobID,
		hub:     h,
		updates: make(chan domain.TrainingUpdate, subscriptionBuffer),
		errs:    make(chan error, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.jobID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
	}
}

// Publish доставляет обновление всем подписчикам его job_id. Никогда не блокируется.
func (h *Hub) Publish(u domain.TrainingUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[u.JobID] {
		select {
		case sub.updates <- u:
		default:
			// Подписчик не успевает: выкидываем самое старое
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- u:
			default:
			}
			h.logger.Debug("subscription overflow, oldest update dropped", zap.String("job_id", u.JobID))
		}
	}
}

// Fail сообщает об ошибке транспорта всем живым подпискам
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, set := range h.subs {
		for sub := range set {
			select {
			case sub.errs <- err:
			default:
			}
			n++
		}
	}
	if n > 0 {
		h.logger.Warn("push channel error delivered to subscribers", zap.Int("subscribers", n), zap.Error(err))
	}
}

// Active - количество живых подписок (утечки подписок видны в тестах и метриках)
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
