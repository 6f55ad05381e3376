// Package eventq provides a bounded queue with non-blocking enqueue.
// Producers on hot paths (the store's broadcast hook, process monitors)
// must never stall behind a slow consumer; when the queue is full the
// value is dropped and counted instead.
package eventq

import "sync/atomic"

// Queue is a fixed-capacity FIFO. Offer never blocks; C never closes.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// New returns a queue holding at most size values.
func New[T any](size int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, size)}
}

// Offer enqueues v if there is room. It reports whether the value was
// accepted; rejected values increment the drop counter.
func (q *Queue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C is the receive side of the queue.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Len reports the number of queued values.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Dropped reports how many values have been rejected since creation.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
