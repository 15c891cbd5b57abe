package pipeline

import (
	"sync/atomic"
	"time"
)

// Heartbeats holds one last-active timestamp per worker slot. A slot is
// written by the worker currently owning it, and once by the pipeline when a
// replacement is installed; readers are unrestricted.
//
// Timestamps are offsets from a fixed epoch measured with the monotonic
// clock, so wall-clock jumps cannot make a worker look stale.
type Heartbeats struct {
	epoch time.Time
	slots []atomic.Int64
}

// NewHeartbeats creates n slots, all set to now.
func NewHeartbeats(n int) *Heartbeats {
	h := &Heartbeats{
		epoch: time.Now(),
		slots: make([]atomic.Int64, n),
	}
	for i := range h.slots {
		h.Touch(i)
	}
	return h
}

// Touch sets slot i to now. Besides the owning worker's own refreshes, it is
// called when a replacement unit is installed so the new worker is not judged
// by its predecessor's timestamp.
func (h *Heartbeats) Touch(i int) {
	h.slots[i].Store(int64(time.Since(h.epoch)))
}

// Age returns how long ago slot i was last touched.
func (h *Heartbeats) Age(i int) time.Duration {
	return time.Since(h.epoch) - time.Duration(h.slots[i].Load())
}

// Len returns the number of slots.
func (h *Heartbeats) Len() int {
	return len(h.slots)
}
