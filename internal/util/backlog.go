package util

import "sync"

// Entry is one backlog item with its sequence number.
type Entry[T any] struct {
	Seq   uint64
	Value T
}

// Backlog keeps the newest entries of an append-only feed. Every Push gets
// the next sequence number, starting at 1, so a reader that remembers the
// last number it saw can ask for just what came after. Entries older than
// the capacity are gone; Since silently starts at the oldest one kept.
type Backlog[T any] struct {
	mu   sync.RWMutex
	ring []T
	next uint64 // sequence number of the next Push
}

func NewBacklog[T any](capacity int) *Backlog[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Backlog[T]{ring: make([]T, capacity), next: 1}
}

// Push appends v, evicting the oldest entry when full, and returns v's
// sequence number.
func (b *Backlog[T]) Push(v T) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.next
	b.ring[b.slot(seq)] = v
	b.next++
	return seq
}

// Since returns the kept entries numbered after seq, oldest first.
func (b *Backlog[T]) Since(seq uint64) []Entry[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	from := max(seq+1, b.oldest())
	if from >= b.next {
		return nil
	}
	out := make([]Entry[T], 0, b.next-from)
	for s := from; s < b.next; s++ {
		out = append(out, Entry[T]{Seq: s, Value: b.ring[b.slot(s)]})
	}
	return out
}

// Last is the sequence number of the newest entry, 0 before the first Push.
func (b *Backlog[T]) Last() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next - 1
}

func (b *Backlog[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.next - b.oldest())
}

func (b *Backlog[T]) oldest() uint64 {
	if n := uint64(len(b.ring)); b.next > n {
		return b.next - n
	}
	return 1
}

func (b *Backlog[T]) slot(seq uint64) int { return int(seq % uint64(len(b.ring))) }
