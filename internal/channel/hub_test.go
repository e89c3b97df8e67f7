package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap/zaptest"
)

func TestHubFiltersByJobID(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	a := hub.Subscribe("A")
	b := hub.Subscribe("B")
	defer a.Close()
	defer b.Close()

	hub.Publish(domain.TrainingUpdate{JobID: "A", Epoch: 1})
	hub.Publish(domain.TrainingUpdate{JobID: "C", Epoch: 1})

	select {
	case u := <-a.Updates():
		if u.JobID != "A" {
			t.Fatalf("unexpected update %+v", u)
		}
	default:
		t.Fatal("subscriber A got nothing")
	}
	select {
	case u := <-b.Updates():
		t.Fatalf("subscriber B must not receive %+v", u)
	default:
	}
}

func TestHubOverflowKeepsLatest(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	sub := hub.Subscribe("A")
	defer sub.Close()

	total := subscriptionBuffer + 5
	for i := 1; i <= total; i++ {
		hub.Publish(domain.TrainingUpdate{JobID: "A", Epoch: i})
	}

	var last domain.TrainingUpdate
	n := 0
	for len(sub.Updates()) > 0 {
		last = <-sub.Updates()
		n++
	}
	if n != subscriptionBuffer {
		t.Fatalf("expected %d buffered updates, got %d", subscriptionBuffer, n)
	}
	if last.Epoch != total {
		t.Fatalf("latest update must survive overflow, got epoch %d", last.Epoch)
	}
}

func TestHubFailAndClose(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	sub := hub.Subscribe("A")
	other := hub.Subscribe("A")
	if hub.Active() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", hub.Active())
	}

	boom := errors.New("boom")
	hub.Fail(boom)
	hub.Fail(errors.New("second error is dropped"))

	if err := <-sub.Err(); !errors.Is(err, boom) {
		t.Fatalf("expected first error, got %v", err)
	}
	if err := <-other.Err(); !errors.Is(err, boom) {
		t.Fatalf("expected first error for second subscriber, got %v", err)
	}

	sub.Close()
	sub.Close()
	other.Close()
	if hub.Active() != 0 {
		t.Fatalf("expected no subscriptions, got %d", hub.Active())
	}
}

func TestStatusWatchAndHook(t *testing.T) {
	s := NewStatus()
	var hooked []domain.ConnectionStatus
	s.OnChange(func(cs domain.ConnectionStatus) { hooked = append(hooked, cs) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Watch(ctx)
	if cs := <-ch; cs.Connected {
		t.Fatal("initial status must be disconnected")
	}

	s.Set(true, "c1")
	s.Set(true, "c1") // без изменений - без уведомления
	select {
	case cs := <-ch:
		if !cs.Connected || cs.ChannelID != "c1" {
			t.Fatalf("unexpected status %+v", cs)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher was not notified")
	}

	s.Set(false, "ignored")
	if snap := s.Snapshot(); snap.Connected || snap.ChannelID != "" {
		t.Fatalf("disconnected status must drop channel id, got %+v", snap)
	}
	if len(hooked) != 2 {
		t.Fatalf("expected 2 hook calls, got %d", len(hooked))
	}
}
