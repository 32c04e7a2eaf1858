package transfer

import (
	"container/list"
	"time"

	"github.com/sheerbytes/robin/internal/coder"
)

type slotState int

const (
	slotActive slotState = iota
	slotFinalized
)

// slot is the per-transfer receiver state. A finalized slot is a tombstone:
// it has no decoder and makes late fragments a cheap no-op.
type slot struct {
	meta     Meta
	state    slotState
	decoder  *coder.Decoder
	final    coder.Progress
	touched  time.Time
	lruEntry *list.Element
}

func (s *slot) progress() coder.Progress {
	if s.state == slotFinalized {
		return s.final
	}
	return s.decoder.Progress()
}

func (s *slot) finalize() {
	s.final = s.decoder.Progress()
	s.state = slotFinalized
	s.decoder = nil
}

// slotTable maps Meta to slots. With maxSlots or ttl set it evicts the least
// recently touched slots; zero values keep every slot for the life of the
// table.
type slotTable struct {
	slots    map[Meta]*slot
	lru      *list.List
	maxSlots int
	ttl      time.Duration
	now      func() time.Time
	onEvict  func(*slot)
}

func newSlotTable(maxSlots int, ttl time.Duration, now func() time.Time, onEvict func(*slot)) *slotTable {
	if now == nil {
		now = time.Now
	}
	if onEvict == nil {
		onEvict = func(*slot) {}
	}
	return &slotTable{
		slots:    make(map[Meta]*slot),
		lru:      list.New(),
		maxSlots: maxSlots,
		ttl:      ttl,
		now:      now,
		onEvict:  onEvict,
	}
}

// touch marks s as recently used.
func (t *slotTable) touch(s *slot) {
	s.touched = t.now()
	t.lru.MoveToFront(s.lruEntry)
}

// peek returns the slot for m without touching it.
func (t *slotTable) peek(m Meta) (*slot, bool) {
	s, ok := t.slots[m]
	return s, ok
}

func (t *slotTable) insert(m Meta, d *coder.Decoder) *slot {
	if t.maxSlots > 0 {
		for len(t.slots) >= t.maxSlots {
			t.evictOldest()
		}
	}
	s := &slot{meta: m, state: slotActive, decoder: d, touched: t.now()}
	s.lruEntry = t.lru.PushFront(s)
	t.slots[m] = s
	return s
}

// stale reports whether s is due for expiry.
func (t *slotTable) stale(s *slot) bool {
	return t.ttl > 0 && !s.touched.After(t.now().Add(-t.ttl))
}

// expire drops slots idle for longer than the ttl.
func (t *slotTable) expire() {
	if t.ttl <= 0 {
		return
	}
	for e := t.lru.Back(); e != nil; e = t.lru.Back() {
		s := e.Value.(*slot)
		if !t.stale(s) {
			return
		}
		t.remove(s)
		t.onEvict(s)
	}
}

func (t *slotTable) evictOldest() {
	e := t.lru.Back()
	if e == nil {
		return
	}
	s := e.Value.(*slot)
	t.remove(s)
	t.onEvict(s)
}

func (t *slotTable) remove(s *slot) {
	t.lru.Remove(s.lruEntry)
	delete(t.slots, s.meta)
}

func (t *slotTable) len() int {
	return len(t.slots)
}
