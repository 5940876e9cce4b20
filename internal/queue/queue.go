// Package queue implements the priority-ordered pending-frame queue
// described in the routing engine's send path: push_ordered, pop_highest,
// length, and a scoped in-use guard that replaces the teacher's manual
// cross-task mutation flag with an ordinary mutex.
//
// Modeled on the transmit queue in the teacher repo's tq.go — one mutex
// guarding a small set of priority buckets, with a condition variable
// used to wake a waiting consumer rather than have it spin.
package queue

import (
	"context"
	"sync"

	"github.com/loramesh/meshd/internal/proto"
)

// MaxPriority is the highest priority value accepted by Push; 0 is
// lowest, MaxPriority is served first.
const MaxPriority = 40

// Queue is a strict-priority, FIFO-within-priority list of pending
// frames. The zero value is not usable; construct with New.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	buckets [MaxPriority + 1][]*proto.Packet
	length  int

	closed bool
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func clampPriority(priority int) int {
	switch {
	case priority < 0:
		return 0
	case priority > MaxPriority:
		return MaxPriority
	default:
		return priority
	}
}

// Push appends pkt to the bucket for priority (clamped to
// [0, MaxPriority]), in FIFO order within that bucket, and wakes any
// goroutine blocked in WaitPop.
func (q *Queue) Push(pkt *proto.Packet, priority int) {
	priority = clampPriority(priority)

	q.mu.Lock()
	q.buckets[priority] = append(q.buckets[priority], pkt)
	q.length++
	q.mu.Unlock()

	q.cond.Broadcast()
}

// popLocked removes and returns the head of the highest non-empty
// bucket. Caller must hold q.mu.
func (q *Queue) popLocked() (*proto.Packet, bool) {
	for p := MaxPriority; p >= 0; p-- {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		pkt := bucket[0]
		q.buckets[p] = bucket[1:]
		q.length--
		return pkt, true
	}
	return nil, false
}

// Pop removes and returns the highest-priority pending frame without
// blocking. ok is false when the queue is empty.
func (q *Queue) Pop() (pkt *proto.Packet, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Peek returns, without removing, the highest-priority pending frame.
func (q *Queue) Peek() (pkt *proto.Packet, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := MaxPriority; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			return q.buckets[p][0], true
		}
	}
	return nil, false
}

// PeekPriority reports whether any frame is queued at exactly priority
// (clamped to [0, MaxPriority]).
func (q *Queue) PeekPriority(priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets[clampPriority(priority)]) > 0
}

// WaitPop blocks until a frame is available, the queue is closed, or ctx
// is done — the "accepts an external wake signal" requirement for every
// blocking queue wait. ok is false if ctx ended the wait or the queue was
// closed with nothing left to drain.
func (q *Queue) WaitPop(ctx context.Context) (pkt *proto.Packet, ok bool) {
	// Translate ctx cancellation into a cond wakeup; a queue only has
	// one real waiter (the scheduler's transmit loop) so a goroutine
	// per call is cheap and self-terminating.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if pkt, ok := q.popLocked(); ok {
			return pkt, true
		}
		if q.closed {
			return nil, false
		}
		if ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Len returns the total number of pending frames across all priorities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Close wakes every blocked WaitPop so the owning goroutine can exit
// during shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Lock acquires the queue's in-use guard for direct inspection of
// Queue's internals by a caller outside this package's own methods
// (which already serialize through q.mu themselves — do not call Push,
// Pop, Peek, or Len while holding the guard, or it deadlocks). The
// returned func releases it and is always safe to defer.
func (q *Queue) Lock() (unlock func()) {
	q.mu.Lock()
	return q.mu.Unlock
}

// Snapshot returns the pending frames in pop order without removing
// them, using the in-use guard internally.
func (q *Queue) Snapshot() []*proto.Packet {
	unlock := q.Lock()
	defer unlock()

	out := make([]*proto.Packet, 0, q.length)
	for p := MaxPriority; p >= 0; p-- {
		out = append(out, q.buckets[p]...)
	}
	return out
}
