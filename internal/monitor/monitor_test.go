package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xela07ax/trainwatch/internal/channel"
	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 2 * time.Second

// fakeTicker - ручной тикер: тест сам решает, когда «прошли» 2000 мс
type fakeTicker struct {
	ch chan time.Time

	mu       sync.Mutex
	started  int
	stopped  int
	interval time.Duration
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time)}
}

func (f *fakeTicker) New(d time.Duration) (<-chan time.Time, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.interval = d
	return f.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped++
	}
}

func (f *fakeTicker) Tick(t *testing.T) {
	t.Helper()
	select {
	case f.ch <- time.Now():
	case <-time.After(waitTimeout):
		t.Fatal("tick was not consumed: session is not polling")
	}
}

// tickIgnored проверяет, что тик никто не читает
func (f *fakeTicker) tickIgnored() bool {
	select {
	case f.ch <- time.Now():
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

func (f *fakeTicker) Interval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

func (f *fakeTicker) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

type fetchResponse struct {
	status *domain.JobStatus
	err    error
}

// scriptedFetcher отдает заранее заданные ответы по порядку
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []fetchResponse
	calls     int
	gate      chan struct{} // если задан, ответ ждет gate (ctx игнорируется - имитация запоздалого ответа)
	called    chan struct{}
}

func (f *scriptedFetcher) TrainingStatus(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	f.mu.Lock()
	f.calls++
	var resp fetchResponse
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	} else {
		resp = fetchResponse{status: &domain.JobStatus{Status: domain.JobRunning}}
	}
	gate, called := f.gate, f.called
	f.mu.Unlock()

	if called != nil {
		called <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return resp.status, resp.err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	hub     *channel.Hub
	status  *channel.Status
	fetcher *scriptedFetcher
	ticker  *fakeTicker
	metrics *Metrics
	mon     *Monitor
}

func newFixture(t *testing.T, connected bool, responses ...fetchResponse) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		hub:     channel.NewHub(logger),
		status:  channel.NewStatus(),
		fetcher: &scriptedFetcher{responses: responses},
		ticker:  newFakeTicker(),
		metrics: NewMetrics(nil),
	}
	if connected {
		f.status.Set(true, "chan-1")
	}
	f.mon = New(f.status, f.hub, f.fetcher, logger, WithTicker(f.ticker.New), WithMetrics(f.metrics))
	return f
}

func recv(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event stream closed, expected an event")
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("expected closed stream, got event %+v", ev)
		}
	case <-time.After(waitTimeout):
		t.Fatal("event stream was not closed")
	}
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
	}
}

func ptr(v float64) *float64 { return &v }

func TestStartRequiresJobID(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.mon.Start(context.Background(), ""); !errors.Is(err, domain.ErrEmptyJobID) {
		t.Fatalf("expected ErrEmptyJobID, got %v", err)
	}
}

func TestPushTerminalUpdateReleasesSubscription(t *testing.T) {
	f := newFixture(t, true)

	s, err := f.mon.Start(context.Background(), "J2")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Mode() != ModePush || s.State() != StatePushActive {
		t.Fatalf("expected push-active, got %s/%s", s.Mode(), s.State())
	}
	if f.hub.Active() != 1 {
		t.Fatalf("expected one subscription, got %d", f.hub.Active())
	}

	final := domain.TrainingUpdate{JobID: "J2", NetworkID: "N1", Epoch: 5, TotalEpochs: 5, Accuracy: ptr(0.92), Progress: 100}
	f.hub.Publish(domain.TrainingUpdate{JobID: "other", Epoch: 1, TotalEpochs: 5}) // чужая задача
	f.hub.Publish(final)

	ev := recv(t, s)
	if ev.Kind != EventUpdate || ev.Update == nil {
		t.Fatalf("expected update event, got %+v", ev)
	}
	if got := *ev.Update; got.Epoch != 5 || got.TotalEpochs != 5 || *got.Accuracy != 0.92 || got.Progress != 100 {
		t.Fatalf("update was not forwarded verbatim: %+v", got)
	}
	if !ev.Terminal() {
		t.Fatal("final epoch must be terminal")
	}

	expectClosed(t, s)
	if f.hub.Active() != 0 {
		t.Fatalf("subscription leaked: %d active", f.hub.Active())
	}
	if s.State() != StateCompleted || s.Err() != nil {
		t.Fatalf("expected completed, got %s (%v)", s.State(), s.Err())
	}
	if f.fetcher.Calls() != 0 {
		t.Fatalf("push mode must not poll, got %d requests", f.fetcher.Calls())
	}
	if started, _ := f.ticker.counts(); started != 0 {
		t.Fatalf("push mode must not start a ticker")
	}

	// После финала ничего не доставляется
	f.hub.Publish(domain.TrainingUpdate{JobID: "J2", Epoch: 6, TotalEpochs: 6})
	if _, ok := <-s.Events(); ok {
		t.Fatal("update delivered after terminal")
	}
}

func TestPushForwardsEveryUpdateInOrder(t *testing.T) {
	f := newFixture(t, true)
	s, _ := f.mon.Start(context.Background(), "J3")

	for epoch := 1; epoch <= 3; epoch++ {
		f.hub.Publish(domain.TrainingUpdate{JobID: "J3", Epoch: epoch, TotalEpochs: 3, Progress: float64(epoch) * 33})
		ev := recv(t, s)
		if ev.Update.Epoch != epoch {
			t.Fatalf("expected epoch %d, got %d", epoch, ev.Update.Epoch)
		}
	}
	expectClosed(t, s)
}

// Дубликаты и эпохи не по порядку пересылаются как есть: монитор доверяет источнику
// и не делает ни дедупликации, ни переупорядочивания.
func TestPushDuplicateAndOutOfOrderEpochsAreForwarded(t *testing.T) {
	f := newFixture(t, true)
	s, _ := f.mon.Start(context.Background(), "J4")

	sequence := []int{2, 2, 1, 3}
	for _, epoch := range sequence {
		f.hub.Publish(domain.TrainingUpdate{JobID: "J4", Epoch: epoch, TotalEpochs: 4})
		if got := recv(t, s).Update.Epoch; got != epoch {
			t.Fatalf("expected epoch %d forwarded as is, got %d", epoch, got)
		}
	}
	if s.State() != StatePushActive {
		t.Fatalf("session must still be active, got %s", s.State())
	}
	s.Cancel()
}

func TestPushFailureStatusIsTerminal(t *testing.T) {
	f := newFixture(t, true)
	s, _ := f.mon.Start(context.Background(), "J5")

	f.hub.Publish(domain.TrainingUpdate{JobID: "J5", Epoch: 2, TotalEpochs: 10, Status: domain.JobFailed})

	ev := recv(t, s)
	if ev.Kind != EventFailed || !errors.Is(ev.Err, domain.ErrJobFailed) {
		t.Fatalf("expected failed event, got %+v", ev)
	}
	expectClosed(t, s)
	if s.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", s.State())
	}
	if f.hub.Active() != 0 {
		t.Fatal("subscription leaked after failure")
	}
}

func TestPushErrorFallsBackToPolling(t *testing.T) {
	f := newFixture(t, true,
		fetchResponse{status: &domain.JobStatus{Status: domain.JobRunning, Progress: 60, CurrentEpoch: 6}},
		fetchResponse{status: &domain.JobStatus{Status: domain.JobCompleted, Progress: 100, CurrentEpoch: 10, Accuracy: ptr(0.9)}},
	)
	s, _ := f.mon.Start(context.Background(), "J6", WithNetworkID("N6"), WithTotalEpochs(10))

	f.hub.Publish(domain.TrainingUpdate{JobID: "J6", Epoch: 5, TotalEpochs: 10, Progress: 50})
	if ev := recv(t, s); ev.Mode != ModePush || ev.Update.Epoch != 5 {
		t.Fatalf("expected push update for epoch 5, got %+v", ev)
	}

	// Обрыв канала: ошибка не отдается вызывающему, сессия сама уходит в pull
	f.hub.Fail(domain.ErrChannelClosed)

	f.ticker.Tick(t)
	ev := recv(t, s)
	if ev.Kind != EventUpdate || ev.Mode != ModePull {
		t.Fatalf("expected pull update after fallback, got %+v", ev)
	}
	if ev.Update.Epoch != 6 || ev.Update.NetworkID != "N6" || ev.Update.TotalEpochs != 10 {
		t.Fatalf("unexpected synthesized update: %+v", *ev.Update)
	}
	if s.State() != StatePullActive {
		t.Fatalf("expected pull-active, got %s", s.State())
	}
	if f.hub.Active() != 0 {
		t.Fatal("push subscription must be released after fallback")
	}

	// Обратного перехода нет: push-обновления больше не доставляются
	f.hub.Publish(domain.TrainingUpdate{JobID: "J6", Epoch: 7, TotalEpochs: 10})

	f.ticker.Tick(t)
	ev = recv(t, s)
	if !ev.Terminal() || ev.Update.Progress != 100 {
		t.Fatalf("expected terminal pull update, got %+v", ev)
	}
	expectClosed(t, s)

	if got := testutil.ToFloat64(f.metrics.Fallbacks); got != 1 {
		t.Fatalf("expected 1 fallback, got %v", got)
	}
	if f.fetcher.Calls() != 2 {
		t.Fatalf("expected 2 status requests, got %d", f.fetcher.Calls())
	}
}

func TestPullScenarioRunningToCompleted(t *testing.T) {
	f := newFixture(t, false,
		fetchResponse{status: &domain.JobStatus{Status: domain.JobRunning, Progress: 30, CurrentEpoch: 3}},
		fetchResponse{status: &domain.JobStatus{Status: domain.JobRunning, Progress: 70, CurrentEpoch: 7}},
		fetchResponse{status: &domain.JobStatus{Status: domain.JobCompleted, Progress: 100, Accuracy: ptr(0.91), CurrentEpoch: 10}},
	)
	s, err := f.mon.Start(context.Background(), "J1", WithTotalEpochs(10))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Mode() != ModePull {
		t.Fatalf("expected pull mode when channel is disconnected, got %s", s.Mode())
	}

	var progress []float64
	for i := 0; i < 3; i++ {
		f.ticker.Tick(t)
		if i == 0 && f.ticker.Interval() != DefaultPollInterval {
			t.Fatalf("expected %v poll interval, got %v", DefaultPollInterval, f.ticker.Interval())
		}
		ev := recv(t, s)
		if ev.Kind != EventUpdate {
			t.Fatalf("expected update, got %+v", ev)
		}
		progress = append(progress, ev.Update.Progress)
	}

	want := []float64{30, 70, 100}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress sequence %v, want %v", progress, want)
		}
	}

	expectClosed(t, s)
	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}
	if _, stopped := f.ticker.counts(); stopped != 1 {
		t.Fatalf("ticker must be stopped once, got %d", stopped)
	}
	if !f.ticker.tickIgnored() {
		t.Fatal("no tick may be consumed after completion")
	}
	if f.fetcher.Calls() != 3 {
		t.Fatalf("expected exactly 3 status requests, got %d", f.fetcher.Calls())
	}
}

func TestPullCompletedSynthesizesFinalUpdate(t *testing.T) {
	f := newFixture(t, false,
		fetchResponse{status: &domain.JobStatus{Status: domain.JobCompleted, Progress: 97, Accuracy: ptr(0.91), CurrentEpoch: 4, Correct: 9100, Total: 10000}},
	)
	s, _ := f.mon.Start(context.Background(), "J7", WithNetworkID("N7"), WithTotalEpochs(5))

	f.ticker.Tick(t)
	u := recv(t, s).Update
	if u.Progress != 100 || u.Epoch != 5 || u.TotalEpochs != 5 || !u.IsTerminal() {
		t.Fatalf("final update must be terminal with progress 100: %+v", *u)
	}
	if u.JobID != "J7" || u.NetworkID != "N7" || u.Correct != 9100 || *u.Accuracy != 0.91 {
		t.Fatalf("unexpected final update fields: %+v", *u)
	}
	expectClosed(t, s)
}

func TestPullRunningFinalEpochIsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		status domain.JobStatus
		opts   []SessionOption
	}{
		{"total from session", domain.JobStatus{Status: domain.JobRunning, Progress: 98, CurrentEpoch: 5}, []SessionOption{WithTotalEpochs(5)}},
		{"total from backend", domain.JobStatus{Status: domain.JobRunning, Progress: 98, CurrentEpoch: 5, TotalEpochs: 5}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Бэкенд еще считает финальную оценку: running с последней эпохой, потом completed
			f := newFixture(t, false,
				fetchResponse{status: &tt.status},
				fetchResponse{status: &domain.JobStatus{Status: domain.JobRunning, CurrentEpoch: 5, TotalEpochs: 5}},
				fetchResponse{status: &domain.JobStatus{Status: domain.JobCompleted, Progress: 100, CurrentEpoch: 5, TotalEpochs: 5}},
			)
			s, err := f.mon.Start(context.Background(), "J5", tt.opts...)
			if err != nil {
				t.Fatalf("start: %v", err)
			}

			f.ticker.Tick(t)
			ev := recv(t, s)
			if ev.Kind != EventUpdate || !ev.Update.IsTerminal() {
				t.Fatalf("expected terminal update, got %+v", ev)
			}

			expectClosed(t, s)
			if s.State() != StateCompleted {
				t.Fatalf("expected completed, got %s", s.State())
			}
			if !f.ticker.tickIgnored() {
				t.Fatal("no tick may be consumed after the final epoch")
			}
			if f.fetcher.Calls() != 1 {
				t.Fatalf("expected a single status request, got %d", f.fetcher.Calls())
			}
		})
	}
}

func TestPullFailedStatusSurfacesFailure(t *testing.T) {
	f := newFixture(t, false,
		fetchResponse{status: &domain.JobStatus{Status: domain.JobRunning, Progress: 10, CurrentEpoch: 1}},
		fetchResponse{status: &domain.JobStatus{Status: domain.JobFailed, Error: "out of memory"}},
	)
	s, _ := f.mon.Start(context.Background(), "J8")

	f.ticker.Tick(t)
	recv(t, s)

	f.ticker.Tick(t)
	ev := recv(t, s)
	if ev.Kind != EventFailed || ev.Update != nil {
		t.Fatalf("expected failure signal instead of update, got %+v", ev)
	}
	if !errors.Is(ev.Err, domain.ErrJobFailed) || ev.Error == "" {
		t.Fatalf("expected ErrJobFailed, got %v", ev.Err)
	}

	expectClosed(t, s)
	if s.State() != StateFailed || !errors.Is(s.Err(), domain.ErrJobFailed) {
		t.Fatalf("expected failed state, got %s (%v)", s.State(), s.Err())
	}
	if !f.ticker.tickIgnored() {
		t.Fatal("polling must stop after failure")
	}
}

func TestPullTransportErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, false,
		fetchResponse{err: errors.New("connection refused")},
		fetchResponse{status: &domain.JobStatus{Status: domain.JobCompleted, Progress: 100, CurrentEpoch: 3}},
	)
	s, _ := f.mon.Start(context.Background(), "J9", WithTotalEpochs(3))

	f.ticker.Tick(t)
	ev := recv(t, s)
	if ev.Kind != EventWarning || ev.Error != "connection refused" {
		t.Fatalf("expected warning, got %+v", ev)
	}
	if ev.Terminal() {
		t.Fatal("warning must not be terminal")
	}

	f.ticker.Tick(t)
	if ev := recv(t, s); !ev.Terminal() {
		t.Fatalf("expected terminal update, got %+v", ev)
	}
	expectClosed(t, s)

	if got := testutil.ToFloat64(f.metrics.PollRequests.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed poll, got %v", got)
	}
}

func TestCancelBeforeTerminalDeliversNothing(t *testing.T) {
	t.Run("push", func(t *testing.T) {
		f := newFixture(t, true)
		s, _ := f.mon.Start(context.Background(), "J10")

		s.Cancel()
		f.hub.Publish(domain.TrainingUpdate{JobID: "J10", Epoch: 3, TotalEpochs: 3})

		expectClosed(t, s)
		if s.State() != StateCancelled || !errors.Is(s.Err(), context.Canceled) {
			t.Fatalf("expected cancelled, got %s (%v)", s.State(), s.Err())
		}
		if f.hub.Active() != 0 {
			t.Fatal("subscription leaked after cancel")
		}
		s.Cancel() // повторный вызов безопасен
	})

	t.Run("pull with in-flight request", func(t *testing.T) {
		f := newFixture(t, false)
		f.fetcher.gate = make(chan struct{})
		f.fetcher.called = make(chan struct{}, 1)
		f.fetcher.responses = []fetchResponse{
			{status: &domain.JobStatus{Status: domain.JobCompleted, Progress: 100, CurrentEpoch: 2}},
		}
		s, _ := f.mon.Start(context.Background(), "J11")

		f.ticker.Tick(t)
		<-f.fetcher.called

		s.Cancel()
		close(f.fetcher.gate) // запоздалый ответ после отмены

		expectClosed(t, s)
		if _, stopped := f.ticker.counts(); stopped != 1 {
			t.Fatal("ticker must be released on cancel")
		}
		if s.State() != StateCancelled {
			t.Fatalf("expected cancelled, got %s", s.State())
		}
	})

	t.Run("parent context", func(t *testing.T) {
		f := newFixture(t, false)
		ctx, cancel := context.WithCancel(context.Background())
		s, _ := f.mon.Start(ctx, "J12")

		cancel()
		expectClosed(t, s)
		if s.State() != StateCancelled {
			t.Fatalf("expected cancelled, got %s", s.State())
		}
	})
}

func TestModeIsNotReevaluatedMidTraining(t *testing.T) {
	f := newFixture(t, false,
		fetchResponse{status: &domain.JobStatus{Status: domain.JobRunning, CurrentEpoch: 1}},
	)
	s, _ := f.mon.Start(context.Background(), "J13")

	// Канал поднялся уже после старта - сессия остается в pull
	f.status.Set(true, "late")
	f.hub.Publish(domain.TrainingUpdate{JobID: "J13", Epoch: 2, TotalEpochs: 2})

	f.ticker.Tick(t)
	if ev := recv(t, s); ev.Mode != ModePull || ev.Update.Epoch != 1 {
		t.Fatalf("expected pull update, got %+v", ev)
	}
	if f.hub.Active() != 0 {
		t.Fatal("pull session must not subscribe to push channel")
	}
	s.Cancel()
}

func TestSessionOptionsOverridePollInterval(t *testing.T) {
	f := newFixture(t, false)
	s, _ := f.mon.Start(context.Background(), "J14", WithPollInterval(500*time.Millisecond))
	defer s.Cancel()

	f.ticker.Tick(t)
	if got := f.ticker.Interval(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms interval, got %v", got)
	}
}
