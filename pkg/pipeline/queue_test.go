package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFOAndCapacity(t *testing.T) {
	q := NewQueue(2)

	if !q.TryPut([]byte("a")) || !q.TryPut([]byte("b")) {
		t.Fatal("expected two puts to succeed")
	}
	if q.TryPut([]byte("c")) {
		t.Error("put beyond capacity succeeded")
	}
	if q.TrySentinel() {
		t.Error("sentinel beyond capacity succeeded")
	}
	if q.Len() != 2 || q.Cap() != 2 {
		t.Errorf("Len/Cap = %d/%d, want 2/2", q.Len(), q.Cap())
	}

	for _, want := range []string{"a", "b"} {
		data, sentinel, ok := q.Get(context.Background(), time.Second)
		if !ok || sentinel || string(data) != want {
			t.Fatalf("Get() = %q, %v, %v; want %q", data, sentinel, ok, want)
		}
	}
}

func TestQueueSentinelIsDistinct(t *testing.T) {
	q := NewQueue(4)
	q.TryPut([]byte{})
	q.TrySentinel()

	data, sentinel, ok := q.Get(context.Background(), time.Second)
	if !ok || sentinel || data == nil {
		t.Errorf("empty record came back as %v, %v, %v", data, sentinel, ok)
	}
	_, sentinel, ok = q.Get(context.Background(), time.Second)
	if !ok || !sentinel {
		t.Error("expected sentinel")
	}
}

func TestQueueGetTimeout(t *testing.T) {
	q := NewQueue(1)

	start := time.Now()
	_, _, ok := q.Get(context.Background(), 30*time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("Get on empty queue returned ok")
	}
	if elapsed < 25*time.Millisecond || elapsed > time.Second {
		t.Errorf("Get returned after %s, want about 30ms", elapsed)
	}
}

func TestQueueGetCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if _, _, ok := q.Get(ctx, 10*time.Second); ok {
		t.Fatal("cancelled Get returned ok")
	}
	if time.Since(start) > time.Second {
		t.Error("Get ignored cancellation")
	}

	q.TryPut([]byte("x"))
	if _, _, ok := q.Get(ctx, time.Second); ok {
		t.Error("Get with an already cancelled context must not dequeue")
	}
	if q.Len() != 1 {
		t.Error("record was consumed by a cancelled Get")
	}
}

func TestHeartbeats(t *testing.T) {
	h := NewHeartbeats(3)
	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}

	time.Sleep(30 * time.Millisecond)
	h.Touch(1)

	if h.Age(0) < 25*time.Millisecond {
		t.Errorf("untouched slot age = %s", h.Age(0))
	}
	if h.Age(1) > 20*time.Millisecond {
		t.Errorf("touched slot age = %s", h.Age(1))
	}

	// A replacement worker starts with a fresh timestamp.
	h.Touch(0)
	if h.Age(0) > 20*time.Millisecond {
		t.Errorf("retouched slot age = %s", h.Age(0))
	}
}
