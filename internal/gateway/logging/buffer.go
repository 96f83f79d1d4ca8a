package logging

import (
	"sync"
)

// DefaultBufferCapacity bounds the startup buffer when no capacity is configured.
const DefaultBufferCapacity = 1000

// Buffer is a bounded FIFO ring of log entries used before the transport is
// ready. On overflow the oldest entry is evicted and the drop counter
// incremented. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []*Entry
	head    int
	size    int
	dropped uint64
}

// NewBuffer creates a Buffer holding at most capacity entries.
// Non-positive capacities fall back to DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{entries: make([]*Entry, capacity)}
}

// Append adds an entry, evicting the oldest when full. It reports whether an
// eviction happened.
func (b *Buffer) Append(e *Entry) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.entries) {
		// Overwrite the oldest slot and advance the head.
		b.entries[b.head] = e
		b.head = (b.head + 1) % len(b.entries)
		b.dropped++
		return true
	}
	b.entries[(b.head+b.size)%len(b.entries)] = e
	b.size++
	return false
}

// Drain removes and returns all buffered entries in FIFO order.
func (b *Buffer) Drain() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Entry, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(b.head+i)%len(b.entries)])
	}
	b.head, b.size = 0, 0
	for i := range b.entries {
		b.entries[i] = nil
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the total number of evicted entries.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
