// Package buffer holds measurements that have not been delivered yet.
//
// The buffer is a fixed-capacity FIFO shared by exactly one producer
// (the sampling loop) and one consumer (the delivery worker). Enqueue
// never waits for the consumer; when the buffer is full the overflow
// policy decides which record is lost. Contents are not persisted.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Policy decides which record is dropped when the buffer is full.
type Policy int

const (
	// DropOldest evicts the record at the head to make room.
	DropOldest Policy = iota
	// DropNewest discards the record being enqueued.
	DropNewest
)

var ErrInvalidCapacity = errors.New("buffer capacity must be at least 1")

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop-oldest", "":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Buffer is a bounded ring buffer.
type Buffer[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	count   int
	dropped uint64
	policy  Policy

	// ready has capacity 1; a pending value means "something may be
	// available". There is a single consumer, so one slot is enough.
	ready chan struct{}
}

func New[T any](capacity int, policy Policy) (*Buffer[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer[T]{
		items:  make([]T, capacity),
		policy: policy,
		ready:  make(chan struct{}, 1),
	}, nil
}

// Enqueue appends item. It returns false if a record was lost to the
// overflow policy, either the evicted head or item itself.
func (b *Buffer[T]) Enqueue(item T) bool {
	b.mu.Lock()
	kept := true
	if b.count == len(b.items) {
		b.dropped++
		kept = false
		if b.policy == DropNewest {
			b.mu.Unlock()
			return false
		}
		b.popLocked()
	}
	b.items[(b.head+b.count)%len(b.items)] = item
	b.count++
	b.mu.Unlock()

	b.signal()
	return kept
}

// PushFront puts a record that was dequeued but not delivered back at
// the head. It returns false if a record was lost because the buffer
// filled up in the meantime: under DropOldest that is item itself,
// being the oldest record, under DropNewest it is the tail.
func (b *Buffer[T]) PushFront(item T) bool {
	b.mu.Lock()
	kept := true
	if b.count == len(b.items) {
		b.dropped++
		kept = false
		if b.policy == DropOldest {
			b.mu.Unlock()
			return false
		}
		var zero T
		b.count--
		b.items[(b.head+b.count)%len(b.items)] = zero
	}
	b.head = (b.head - 1 + len(b.items)) % len(b.items)
	b.items[b.head] = item
	b.count++
	b.mu.Unlock()

	b.signal()
	return kept
}

// TryDequeue removes and returns the head, if any.
func (b *Buffer[T]) TryDequeue() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// Dequeue blocks until a record is available or ctx is done.
func (b *Buffer[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		if item, ok := b.TryDequeue(); ok {
			return item, nil
		}
		select {
		case <-b.ready:
		case <-ctx.Done():
			var zero T
			return zero, context.Cause(ctx)
		}
	}
}

// Len returns the number of buffered records.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer[T]) Cap() int { return len(b.items) }

// Dropped returns the number of records lost to the overflow policy.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer[T]) popLocked() T {
	var zero T
	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.count--
	return item
}

func (b *Buffer[T]) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
