// Package ringchan provides a bounded channel with drop-oldest overflow
// semantics, used for lossy fan-out queues (advertisement and state pushes)
// where a slow consumer must never stall the producer.
package ringchan

import "sync/atomic"

// Ring wraps a buffered channel so that producers never block: when the
// buffer is full the oldest element is discarded to make room.
//
// Readers consume through C() like a normal Go channel. Writers use Send.
type Ring[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Consumers can range over it until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts an item, discarding the oldest buffered element if the ring
// is full. It never blocks: every channel operation is non-blocking, so a
// producer losing the eviction slot to a racing producer retries instead of
// parking on the insert. Returns true if at least one element was dropped
// to make room.
func (r *Ring[T]) Send(v T) bool {
	dropped := false
	for {
		select {
		case r.ch <- v:
			return dropped
		default:
		}

		// Full: evict one and retry. The default arm covers a reader (or a
		// racing producer) draining the slot first.
		select {
		case <-r.ch:
			r.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// TryReceive attempts a non-blocking receive.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Dropped returns the number of elements discarded due to overflow.
func (r *Ring[T]) Dropped() int64 { return r.dropped.Load() }

// Close closes the underlying channel. Send after Close panics.
func (r *Ring[T]) Close() { close(r.ch) }
