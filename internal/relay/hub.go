// Package relay fans frames out from publishers to subscribers over
// websockets, for receivers that cannot be reached by UDP directly.
package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// subscriber holds one subscriber connection and its send queue.
type subscriber struct {
	id    string
	queue chan []byte
}

// Hub routes frames to the subscribers of a channel. Delivery is best
// effort: a subscriber whose queue is full misses the frame, which the
// fountain code on top absorbs.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*subscriber // channel -> subscriber id -> subscriber

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*subscriber)}
}

// Subscribe registers a subscriber on channel. send is called from a
// dedicated goroutine for every queued frame; when it fails the subscriber
// stops consuming. The returned function unsubscribes and waits briefly for
// the writer to drain.
func (h *Hub) Subscribe(channel, id string, queueSize int, send func(frame []byte) error) (unsubscribe func()) {
	if queueSize < 1 {
		queueSize = 1
	}
	sub := &subscriber{id: id, queue: make(chan []byte, queueSize)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range sub.queue {
			if err := send(frame); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*subscriber)
	}
	if old, ok := h.channels[channel][id]; ok {
		close(old.queue)
	}
	h.channels[channel][id] = sub
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			subs := h.channels[channel]
			if subs[id] != sub {
				// Replaced by a newer subscription with the same id.
				h.mu.Unlock()
				return
			}
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
			close(sub.queue)
			h.mu.Unlock()

			select {
			case <-done:
			case <-time.After(time.Second):
			}
		})
	}
}

// Publish queues frame for every subscriber of channel without blocking.
// It returns how many subscribers got the frame and how many missed it.
func (h *Hub) Publish(channel string, frame []byte) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.channels[channel] {
		select {
		case sub.queue <- frame:
			delivered++
		default:
			dropped++
		}
	}
	h.published.Add(1)
	h.dropped.Add(uint64(dropped))
	return delivered, dropped
}

// Subscribers returns the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Channels    int    `json:"channels"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		Channels:  len(h.channels),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
	}
	for _, subs := range h.channels {
		s.Subscribers += len(subs)
	}
	return s
}
