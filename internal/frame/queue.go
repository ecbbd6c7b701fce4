package frame

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue has been closed.
var ErrClosed = errors.New("frame queue closed")

// Queue is a fixed-capacity ring buffer with a drop-oldest overflow policy.
// Push never blocks; when the buffer is full the oldest frame is evicted.
type Queue struct {
	mu      sync.Mutex
	buf     []Frame
	head    int // index of the oldest frame
	size    int
	closed  bool
	dropped uint64
	ready   chan struct{} // closed and replaced whenever a frame arrives
	notify  func()
}

// NewQueue creates a queue holding at most capacity frames (minimum 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:   make([]Frame, capacity),
		ready: make(chan struct{}),
	}
}

// setNotify installs a callback fired after each successful push.
func (q *Queue) setNotify(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// Push appends f, evicting the oldest frame when full. It reports whether a
// frame was evicted. Pushing to a closed queue is a no-op.
func (q *Queue) Push(f Frame) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size == len(q.buf) {
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++

	close(q.ready)
	q.ready = make(chan struct{})
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
	return evicted
}

// TryPop removes and returns the oldest frame without blocking.
func (q *Queue) TryPop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (Frame, bool) {
	if q.size == 0 {
		return Frame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f, true
}

// Pop blocks until a frame is available, ctx is cancelled or the queue is
// closed. Frames still buffered at close time are discarded.
func (q *Queue) Pop(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Frame{}, ErrClosed
		}
		if f, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return f, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ready:
		}
	}
}

// Snapshot returns the buffered frames oldest first without removing them.
func (q *Queue) Snapshot() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Frame, q.size)
	for i := range q.size {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

// SetCapacity resizes the buffer, keeping the newest frames when shrinking.
func (q *Queue) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if capacity == len(q.buf) {
		return
	}
	keep := min(q.size, capacity)
	skip := q.size - keep
	next := make([]Frame, capacity)
	for i := range keep {
		next[i] = q.buf[(q.head+skip+i)%len(q.buf)]
	}
	q.dropped += uint64(skip)
	q.buf = next
	q.head = 0
	q.size = keep
}

// Close wakes all blocked poppers and rejects further pushes.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for i := range q.buf {
		q.buf[i] = Frame{}
	}
	q.size = 0
	close(q.ready)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many frames were evicted by overflow or shrinking.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
