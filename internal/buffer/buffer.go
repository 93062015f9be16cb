// Package buffer queues events for devices that are currently offline.
package buffer

import (
	"sync"

	"github.com/DCsunset/clip-share/internal/protocol"
)

// Category names an independently bounded queue per device.
type Category string

const (
	CategoryShare  Category = "share"
	CategoryUnpair Category = "unpair"
)

// Sizes bounds each category's queue length per device.
type Sizes struct {
	Share  int
	Unpair int
}

// Entry is one buffered event together with its category.
type Entry struct {
	Category Category
	Message  protocol.Message
}

// Buffer holds bounded per-(identity, category) FIFO queues. Insertion past
// capacity evicts the oldest entry; the sender is never blocked.
type Buffer struct {
	mu     sync.Mutex
	sizes  Sizes
	queues map[string]map[Category][]protocol.Message
}

// New creates an empty buffer with the given capacities. A capacity of
// zero disables buffering for that category.
func New(sizes Sizes) *Buffer {
	if sizes.Share < 0 {
		sizes.Share = 0
	}
	if sizes.Unpair < 0 {
		sizes.Unpair = 0
	}
	return &Buffer{
		sizes:  sizes,
		queues: make(map[string]map[Category][]protocol.Message),
	}
}

func (b *Buffer) capacity(cat Category) int {
	switch cat {
	case CategoryShare:
		return b.sizes.Share
	case CategoryUnpair:
		return b.sizes.Unpair
	default:
		return 0
	}
}

// Enqueue appends the message to the identity's queue for the category and
// reports whether an older entry was evicted to make room.
func (b *Buffer) Enqueue(identity string, cat Category, msg protocol.Message) bool {
	capacity := b.capacity(cat)
	if capacity == 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	queues, ok := b.queues[identity]
	if !ok {
		queues = make(map[Category][]protocol.Message)
		b.queues[identity] = queues
	}

	q := queues[cat]
	evicted := false
	if len(q) >= capacity {
		q = q[1:]
		evicted = true
	}
	queues[cat] = append(q, msg)
	return evicted
}

// Drain removes and returns everything buffered for the identity, share
// entries before unpair entries, each category oldest first.
func (b *Buffer) Drain(identity string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	queues, ok := b.queues[identity]
	if !ok {
		return nil
	}
	delete(b.queues, identity)

	var out []Entry
	for _, cat := range []Category{CategoryShare, CategoryUnpair} {
		for _, msg := range queues[cat] {
			out = append(out, Entry{Category: cat, Message: msg})
		}
	}
	return out
}

// Clear drops everything buffered for the identity.
func (b *Buffer) Clear(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, identity)
}

// Pending counts buffered entries for the identity.
func (b *Buffer) Pending(identity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, q := range b.queues[identity] {
		n += len(q)
	}
	return n
}

// Total counts buffered entries across all identities.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, queues := range b.queues {
		for _, q := range queues {
			n += len(q)
		}
	}
	return n
}
