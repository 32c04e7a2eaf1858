package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a Meter.
type Stats struct {
	Done      int64
	Total     int64
	Rate      float64 // units per second, smoothed
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
	Elapsed   time.Duration
}

// Meter counts progress in arbitrary units (bytes, frames, symbols) and
// keeps an exponentially weighted rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rate      float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter. A zero total means open ended.
func (m *Meter) Start(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rate = 0
}

// Add records n more units.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.sample()
}

// Set moves the counter to an absolute value. Values below the current
// count are ignored.
func (m *Meter) Set(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done <= m.done {
		return
	}
	m.done = done
	m.sample()
}

func (m *Meter) sample() {
	now := m.now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate = m.alpha*inst + (1-m.alpha)*m.rate
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Done:      m.done,
		Total:     m.total,
		Rate:      m.rate,
		StartedAt: m.startedAt,
		Elapsed:   m.now().Sub(m.startedAt),
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rate > 0 && m.total > m.done {
		stats.ETA = time.Duration(float64(m.total-m.done) / m.rate * float64(time.Second))
	}
	return stats
}
