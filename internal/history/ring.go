// Package history holds the bounded per-room message history.
package history

import "roomdrop/internal/protocol"

// DefaultCapacity is the number of messages a room retains.
const DefaultCapacity = 5

// Ring is a fixed-capacity FIFO of content records. Append past capacity
// evicts the oldest entry. The zero value is not usable; use NewRing.
// Ring is not safe for concurrent use; callers serialize access per room.
type Ring struct {
	items []protocol.Content
	start int
	count int
}

// NewRing returns an empty ring. capacity <= 0 falls back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{items: make([]protocol.Content, capacity)}
}

// Append adds one record, evicting the oldest if the ring is full.
func (r *Ring) Append(c protocol.Content) {
	idx := (r.start + r.count) % len(r.items)
	r.items[idx] = c
	if r.count < len(r.items) {
		r.count++
		return
	}
	r.start = (r.start + 1) % len(r.items)
}

// Len returns the number of retained records.
func (r *Ring) Len() int {
	return r.count
}

// Snapshot returns the retained records, oldest first. The returned slice is
// a copy and stays valid across later appends.
func (r *Ring) Snapshot() []protocol.Content {
	out := make([]protocol.Content, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}
