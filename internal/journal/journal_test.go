package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/trainwatch/internal/domain"
	"github.com/xela07ax/trainwatch/internal/monitor"
	"go.uber.org/zap/zaptest"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]Entry
	err     error
}

func (m *memStorage) WriteBatch(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Журнал переиспользует слайс пачки
	m.batches = append(m.batches, append([]Entry(nil), entries...))
	return m.err
}

func (m *memStorage) snapshot() (batches int, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		total += len(b)
	}
	return len(m.batches), total
}

func TestJournalFlushesFullBatch(t *testing.T) {
	store := &memStorage{}
	j := New(store, Config{BatchSize: 3, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	j.Start()
	defer j.Stop()

	for i := 1; i <= 3; i++ {
		j.Record(Entry{JobID: "J1", Epoch: i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if batches, total := store.snapshot(); batches == 1 && total == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("full batch was not flushed")
}

func TestJournalFlushesOnTimer(t *testing.T) {
	store := &memStorage{}
	j := New(store, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, zaptest.NewLogger(t))
	j.Start()
	defer j.Stop()

	j.Record(Entry{JobID: "J1", Epoch: 1})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, total := store.snapshot(); total == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("partial batch was not flushed by timer")
}

func TestJournalStopDrainsBuffer(t *testing.T) {
	store := &memStorage{}
	j := New(store, Config{BatchSize: 1000, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	j.Start()

	for i := 0; i < 250; i++ {
		j.Record(Entry{JobID: "J1", Epoch: i})
	}
	j.Stop()

	if _, total := store.snapshot(); total != 250 {
		t.Fatalf("expected 250 entries after drain, got %d", total)
	}

	// После остановки запись игнорируется, а не паникует
	j.Record(Entry{JobID: "J1"})
	j.Stop()
}

func TestJournalOverflowDropsEntries(t *testing.T) {
	store := &memStorage{}
	// Воркер не запущен: буфер никто не читает
	j := New(store, Config{BufferSize: 2, BatchSize: 10, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		j.Record(Entry{JobID: "J1", Epoch: i})
	}
	if len(j.ch) != 2 {
		t.Fatalf("expected buffer to hold 2 entries, got %d", len(j.ch))
	}

	j.Start()
	j.Stop()
	if _, total := store.snapshot(); total != 2 {
		t.Fatalf("expected 2 persisted entries, got %d", total)
	}
}

func TestJournalStorageErrorIsNotFatal(t *testing.T) {
	store := &memStorage{err: errors.New("db down")}
	j := New(store, Config{BatchSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	j.Start()

	j.Record(Entry{JobID: "J1", Epoch: 1})
	j.Record(Entry{JobID: "J1", Epoch: 2})
	j.Stop()

	if batches, _ := store.snapshot(); batches != 2 {
		t.Fatalf("expected worker to keep flushing after errors, got %d batches", batches)
	}
}

func TestFromEvent(t *testing.T) {
	acc := 0.91
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := monitor.Event{
		Kind:  monitor.EventUpdate,
		JobID: "J1",
		Mode:  monitor.ModePush,
		Update: &domain.TrainingUpdate{
			JobID: "J1", NetworkID: "N1", Epoch: 3, TotalEpochs: 10, Accuracy: &acc, Progress: 30,
		},
		At: at,
	}

	e := FromEvent(ev)
	if e.ID == "" {
		t.Fatal("entry id must be generated")
	}
	if e.JobID != "J1" || e.NetworkID != "N1" || e.Kind != "update" || e.Mode != "push" {
		t.Fatalf("unexpected identity fields: %+v", e)
	}
	if e.Epoch != 3 || e.TotalEpochs != 10 || e.Progress != 30 || e.Accuracy == nil || *e.Accuracy != acc {
		t.Fatalf("unexpected progress fields: %+v", e)
	}
	if !e.Timestamp.Equal(at) {
		t.Fatalf("expected timestamp %v, got %v", at, e.Timestamp)
	}

	warn := FromEvent(monitor.Event{Kind: monitor.EventWarning, JobID: "J1", Mode: monitor.ModePull, Error: "timeout"})
	if warn.Error != "timeout" || warn.Epoch != 0 {
		t.Fatalf("unexpected warning entry: %+v", warn)
	}
}
