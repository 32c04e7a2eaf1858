package progress

import (
	"testing"
	"time"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	stats := m.Snapshot()
	if stats.Done != 1000 || stats.Percent != 50 {
		t.Fatalf("unexpected progress %+v", stats)
	}
	if stats.Rate < 900 || stats.Rate > 1100 {
		t.Fatalf("expected rate around 1000/s, got %.2f", stats.Rate)
	}
	if stats.ETA < 900*time.Millisecond || stats.ETA > 1100*time.Millisecond {
		t.Fatalf("expected ETA around 1s, got %s", stats.ETA)
	}
	if stats.Elapsed != time.Second {
		t.Fatalf("expected 1s elapsed, got %s", stats.Elapsed)
	}
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10000)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	now = now.Add(1 * time.Second)
	m.Set(4000)

	stats := m.Snapshot()
	if stats.Rate < 1300 || stats.Rate > 1500 {
		t.Fatalf("expected smoothed rate around 1400/s, got %.2f", stats.Rate)
	}
}

func TestMeterSetIgnoresRegression(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10)
	now = now.Add(time.Second)
	m.Set(5)
	m.Set(3)
	if got := m.Snapshot().Done; got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestMeterNoRateNoETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000)

	stats := m.Snapshot()
	if stats.Rate != 0 {
		t.Fatalf("expected rate 0, got %.2f", stats.Rate)
	}
	if stats.ETA != 0 {
		t.Fatalf("expected ETA 0, got %s", stats.ETA)
	}
}
