package client

import (
	"sync"
	"time"
)

// PendingOperation is a local edit buffered while the transport is
// unavailable. Operations flush in FIFO order on reconnect and are
// discarded entirely on workspace switch.
type PendingOperation struct {
	EntityID   string
	Payload    []byte
	Delete     bool
	EnqueuedAt time.Time
}

// Queue is a FIFO buffer of pending operations.
type Queue struct {
	mu  sync.Mutex
	ops []PendingOperation
}

// NewQueue creates an empty pending queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends an operation to the tail of the queue.
func (q *Queue) Push(op PendingOperation) {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
}

// Drain removes and returns all queued operations in FIFO order.
func (q *Queue) Drain() []PendingOperation {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()
	return ops
}

// Clear discards all queued operations.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.ops = nil
	q.mu.Unlock()
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
