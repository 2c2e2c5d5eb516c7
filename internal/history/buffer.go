// Package history keeps the most recent chat messages for replay to new
// connections and for polling-cursor reads.
package history

import (
	"iter"
	"sync"

	"socialchat/internal/model"
)

// DefaultCapacity is the number of messages kept when none is configured.
const DefaultCapacity = 100

// Buffer is a fixed-capacity FIFO of chat messages. Appends past capacity
// silently evict the oldest entry.
type Buffer struct {
	mu    sync.RWMutex
	items []model.ChatMessage
	head  int // index of the oldest entry
	size  int
}

// New creates a Buffer holding at most capacity messages.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]model.ChatMessage, capacity)}
}

// Append stores msg at the tail, evicting the head when full.
func (b *Buffer) Append(msg model.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.size) % len(b.items)
	b.items[idx] = msg
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.head = (b.head + 1) % len(b.items)
}

// SnapshotSince returns the messages strictly after the one with id cursor.
// An empty or unknown cursor yields the whole buffer.
func (b *Buffer) SnapshotSince(cursor string) []model.ChatMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if cursor != "" {
		if pos := b.indexLocked(cursor); pos >= 0 {
			start = pos + 1
		}
	}
	out := make([]model.ChatMessage, 0, b.size-start)
	for i := start; i < b.size; i++ {
		out = append(out, b.items[(b.head+i)%len(b.items)])
	}
	return out
}

// Since is the iterator form of SnapshotSince. The sequence is taken when
// iteration starts, so ranging over it twice re-reads the buffer.
func (b *Buffer) Since(cursor string) iter.Seq[model.ChatMessage] {
	return func(yield func(model.ChatMessage) bool) {
		for _, msg := range b.SnapshotSince(cursor) {
			if !yield(msg) {
				return
			}
		}
	}
}

// Find returns the buffered message with the given id.
func (b *Buffer) Find(id string) (model.ChatMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos := b.indexLocked(id)
	if pos < 0 {
		return model.ChatMessage{}, false
	}
	return b.items[(b.head+pos)%len(b.items)], true
}

// Len reports how many messages are buffered.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap reports the configured capacity.
func (b *Buffer) Cap() int {
	return len(b.items)
}

// indexLocked returns the logical position of id, searching newest first so
// that a repeated id resolves to its latest occurrence.
func (b *Buffer) indexLocked(id string) int {
	for i := b.size - 1; i >= 0; i-- {
		if b.items[(b.head+i)%len(b.items)].ID == id {
			return i
		}
	}
	return -1
}
