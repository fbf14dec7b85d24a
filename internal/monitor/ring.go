package monitor

import "sync"

// Ring keeps the most recently surfaced messages in a fixed-size buffer.
// It backs the recent-messages view of the admin API, so writers never
// block and old messages fall off silently.
type Ring struct {
	mu    sync.RWMutex
	buf   []Message
	next  int
	count int
	total uint64
}

// NewRing creates a ring holding up to capacity messages. Capacity below
// one is raised to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Message, capacity)}
}

// Add records a message, evicting the oldest when the ring is full.
func (r *Ring) Add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = msg
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++
}

// Len returns the number of messages currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Total returns the number of messages ever added.
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Recent returns up to limit messages, newest first. A non-positive
// limit returns everything held.
func (r *Ring) Recent(limit int) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Message, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
