package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is an unbounded queue with any number of producers. A single
// internal goroutine moves items into the channel returned by Recv, so any number
// of goroutines can wait for items with a select.
//
// Items pushed concurrently are delivered in the order their appends succeeded.
// The socket uses it to hand completed messages from the packet path to Receive.
type LockFreeMPSC[T any] struct {
	head    atomic.Pointer[mpscNode[T]] // owned by the forwarder
	tail    atomic.Pointer[mpscNode[T]]
	pending atomic.Int64
	closed  atomic.Bool

	out      chan *T
	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup

	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its forwarding goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	q := &LockFreeMPSC[T]{
		out:  make(chan *T),
		stop: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	sentinel := &mpscNode[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.forward()
	return q
}

// Push appends value. It returns false for nil values and once the queue is closed.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	for spins := 0; ; spins++ {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		} else if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.pending.Add(1)

			// under the lock so the signal cannot fall between the
			// forwarder's emptiness check and its Wait
			q.mu.Lock()
			q.cond.Signal()
			q.mu.Unlock()
			return true
		}

		if spins < 10 {
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// pop unlinks the oldest item, or returns nil when the list is empty
func (q *LockFreeMPSC[T]) pop() *T {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil
	}
	q.head.Store(next)
	v := next.value
	next.value = nil
	return v
}

func (q *LockFreeMPSC[T]) forward() {
	defer q.done.Done()
	defer close(q.out)

	for {
		v := q.pop()
		if v == nil {
			if q.closed.Load() {
				return
			}
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
			continue
		}

		select {
		case q.out <- v:
			q.pending.Add(-1)
		case <-q.stop:
			return
		}
	}
}

// Recv returns the channel items are delivered on. It is closed once the queue is
// closed and drained, or shut down.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes. Queued items are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// Shutdown closes the queue, drops undelivered items and waits for the
// forwarding goroutine to exit.
func (q *LockFreeMPSC[T]) Shutdown() {
	q.Close()
	q.stopOnce.Do(func() { close(q.stop) })
	q.done.Wait()
}

// Len returns the number of items pushed but not yet received.
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.pending.Load())
}
