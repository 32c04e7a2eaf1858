package relay

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_SubscribeAndPublish(t *testing.T) {
	hub := NewHub()
	var a, b, other frameSink

	unsubA := hub.Subscribe("ch", "a", 8, a.send)
	unsubB := hub.Subscribe("ch", "b", 8, b.send)
	unsubO := hub.Subscribe("other", "o", 8, other.send)
	defer unsubO()

	if got := hub.Subscribers("ch"); got != 2 {
		t.Fatalf("Subscribers = %d, want 2", got)
	}

	delivered, dropped := hub.Publish("ch", []byte("frame"))
	if delivered != 2 || dropped != 0 {
		t.Fatalf("Publish = (%d, %d), want (2, 0)", delivered, dropped)
	}
	waitFor(t, "delivery", func() bool { return a.count() == 1 && b.count() == 1 })
	if other.count() != 0 {
		t.Errorf("other channel got %d frames, want 0", other.count())
	}

	unsubA()
	unsubA()
	unsubB()
	if got := hub.Subscribers("ch"); got != 0 {
		t.Errorf("Subscribers after unsubscribe = %d, want 0", got)
	}
	stats := hub.Stats()
	if stats.Channels != 1 || stats.Subscribers != 1 || stats.Published != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestHub_PublishNoSubscribers(t *testing.T) {
	hub := NewHub()
	delivered, dropped := hub.Publish("empty", []byte("x"))
	if delivered != 0 || dropped != 0 {
		t.Fatalf("Publish = (%d, %d), want (0, 0)", delivered, dropped)
	}
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewHub()
	release := make(chan struct{})
	var got frameSink
	unsub := hub.Subscribe("ch", "slow", 1, func(frame []byte) error {
		<-release
		return got.send(frame)
	})

	// The writer goroutine holds at most one frame and the queue one more,
	// so publishing many frames without blocking must drop some.
	var dropped int
	for i := 0; i < 10; i++ {
		_, d := hub.Publish("ch", []byte{byte(i)})
		dropped += d
	}
	if dropped == 0 {
		t.Fatal("expected a slow subscriber to miss frames")
	}
	if hub.Stats().Dropped != uint64(dropped) {
		t.Errorf("Stats.Dropped = %d, want %d", hub.Stats().Dropped, dropped)
	}
	close(release)
	unsub()
	if got.count() > 10-dropped {
		t.Errorf("delivered %d frames, more than the %d queued", got.count(), 10-dropped)
	}
}

func TestHub_SendErrorStopsWriter(t *testing.T) {
	hub := NewHub()
	calls := 0
	var mu sync.Mutex
	unsub := hub.Subscribe("ch", "broken", 4, func([]byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("write failed")
	})
	defer unsub()

	hub.Publish("ch", []byte("1"))
	waitFor(t, "first send", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	hub.Publish("ch", []byte("2"))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("send called %d times after an error, want 1", calls)
	}
}

func TestHub_ResubscribeReplaces(t *testing.T) {
	hub := NewHub()
	var first, second frameSink
	unsubFirst := hub.Subscribe("ch", "same", 4, first.send)
	unsubSecond := hub.Subscribe("ch", "same", 4, second.send)
	defer unsubSecond()

	if got := hub.Subscribers("ch"); got != 1 {
		t.Fatalf("Subscribers = %d, want 1", got)
	}
	// The stale unsubscribe must not remove the replacement.
	unsubFirst()
	if got := hub.Subscribers("ch"); got != 1 {
		t.Fatalf("Subscribers after stale unsubscribe = %d, want 1", got)
	}
	hub.Publish("ch", []byte("x"))
	waitFor(t, "delivery to replacement", func() bool { return second.count() == 1 })
	if first.count() != 0 {
		t.Errorf("replaced subscriber got %d frames", first.count())
	}
}
