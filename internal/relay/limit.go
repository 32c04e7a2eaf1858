package relay

import "sync"

// connLimiter caps concurrent websocket connections. A zero limit admits
// everyone.
type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newConnLimiter(limit int) *connLimiter {
	return &connLimiter{limit: limit}
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

func (l *connLimiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}
