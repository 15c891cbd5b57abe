package pipeline

import (
	"context"
	"time"
)

// entry is a queue slot: either a record or the shutdown sentinel.
type entry struct {
	data     []byte
	sentinel bool
}

// Queue is a bounded FIFO of encoded records shared by producers and workers.
// Puts never block; Get blocks for at most the given timeout.
type Queue struct {
	ch chan entry
}

// NewQueue creates a queue holding at most capacity entries.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan entry, capacity)}
}

// TryPut adds a record if there is room and reports whether it did.
func (q *Queue) TryPut(data []byte) bool {
	select {
	case q.ch <- entry{data: data}:
		return true
	default:
		return false
	}
}

// TrySentinel adds a sentinel if there is room and reports whether it did.
func (q *Queue) TrySentinel() bool {
	select {
	case q.ch <- entry{sentinel: true}:
		return true
	default:
		return false
	}
}

// Get waits up to timeout for the next entry. ok is false when the timeout
// expires or ctx is done first.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (data []byte, sentinel bool, ok bool) {
	if ctx.Err() != nil {
		return nil, false, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-q.ch:
		return e.data, e.sentinel, true
	case <-timer.C:
		return nil, false, false
	case <-ctx.Done():
		return nil, false, false
	}
}

// Len returns the number of queued entries, sentinels included.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
