// Package progress fans job progress snapshots out to subscribers.
package progress

import (
	"sync"

	"github.com/optimode/mailverify/types"
)

// Hub is an in-memory pub/sub keyed by job id. Each subscriber holds at
// most one pending snapshot; a newer snapshot replaces an unread one, so a
// slow reader skips intermediate states but always sees the latest.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan types.Progress]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan types.Progress]struct{})}
}

// Subscribe registers a subscriber for jobID. The channel is closed by
// Finish, Shutdown or the returned unsubscribe func, whichever comes first.
func (h *Hub) Subscribe(jobID string) (<-chan types.Progress, func()) {
	ch := make(chan types.Progress, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if _, ok := h.subs[jobID]; !ok {
		h.subs[jobID] = make(map[chan types.Progress]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[jobID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.subs, jobID)
			}
		}
	}
	return ch, unsub
}

// Publish delivers p to every subscriber of p.JobID without blocking.
func (h *Hub) Publish(p types.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[p.JobID] {
		offer(ch, p)
	}
}

// Finish delivers the final snapshot and closes every subscriber of the job.
func (h *Hub) Finish(p types.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[p.JobID] {
		offer(ch, p)
		close(ch)
	}
	delete(h.subs, p.JobID)
}

// Subscribers returns the number of live subscribers for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Shutdown closes every subscriber and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, subs := range h.subs {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, id)
	}
}

func offer(ch chan types.Progress, p types.Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	// drop the stale snapshot; only this goroutine sends, under the hub lock
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}
