package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/traceship/traceship/pkg/broker"
	"github.com/traceship/traceship/pkg/telemetry"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// count returns how many log lines contain substr.
func (b *syncBuffer) count(substr string) int {
	n := 0
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// recorder collects published payloads across every fake publisher.
type recorder struct {
	mu        sync.Mutex
	published []string
	factories atomic.Int64
	closes    atomic.Int64
}

func (r *recorder) add(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, string(payload))
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.published...)
}

// fakePublisher delegates Publish to fn.
type fakePublisher struct {
	rec *recorder
	fn  func(ctx context.Context, payload []byte) error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return f.fn(ctx, payload)
}

func (f *fakePublisher) Close() error {
	f.rec.closes.Add(1)
	return nil
}

// factoryFor returns a factory producing publishers that run fn.
func factoryFor(rec *recorder, fn func(ctx context.Context, payload []byte) error) broker.Factory {
	return func(ctx context.Context) (broker.Publisher, error) {
		rec.factories.Add(1)
		return &fakePublisher{rec: rec, fn: fn}, nil
	}
}

// countingFactory publishes successfully into rec.
func countingFactory(rec *recorder) broker.Factory {
	return factoryFor(rec, func(ctx context.Context, payload []byte) error {
		rec.add(payload)
		return nil
	})
}

// failingFactory produces publishers whose every publish fails.
func failingFactory(rec *recorder) broker.Factory {
	return factoryFor(rec, func(ctx context.Context, payload []byte) error {
		return errors.New("broker unavailable")
	})
}

// hangingFactory produces publishers that block, ignoring ctx, until release
// is closed. Only the first `hangs` publishes hang; later ones succeed.
func hangingFactory(rec *recorder, release <-chan struct{}, hangs int64) broker.Factory {
	var n atomic.Int64
	return factoryFor(rec, func(ctx context.Context, payload []byte) error {
		if n.Add(1) <= hangs {
			<-release
			return errors.New("released")
		}
		rec.add(payload)
		return nil
	})
}

// testConfig returns a configuration with short timings.
func testConfig() Config {
	return Config{
		Enabled:          true,
		QueueCapacity:    100,
		Workers:          2,
		DequeueTimeout:   20 * time.Millisecond,
		WatchdogInterval: 20 * time.Millisecond,
		StaleThreshold:   time.Minute,
		KillTimeout:      50 * time.Millisecond,
		JoinTimeout:      200 * time.Millisecond,
		PublishTimeout:   100 * time.Millisecond,
		ReconnectBackoff: 10 * time.Millisecond,
		Topic:            "test:spans",
	}
}

// newTestPipeline builds a pipeline logging JSON into the returned buffer.
func newTestPipeline(t *testing.T, cfg Config, factory broker.Factory, opts ...Option) (*Pipeline, *syncBuffer) {
	t.Helper()

	buf := &syncBuffer{}
	logger := telemetry.NewLoggerWithWriter(buf, telemetry.LoggingConfig{Level: "debug", Format: "json"})
	opts = append([]Option{WithLogger(logger)}, opts...)

	p, err := New(cfg, factory, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p, buf
}

// currentUnits snapshots the worker units installed right now.
func currentUnits(p *Pipeline) []*workerUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	units := make([]*workerUnit, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil {
			units = append(units, w)
		}
	}
	return units
}

// releaseOnCleanup unblocks hung publishes when the test ends and waits for
// units to exit, so no worker goroutine outlives the test that started it.
func releaseOnCleanup(t *testing.T, release chan struct{}, units []*workerUnit) {
	t.Helper()
	t.Cleanup(func() {
		close(release)
		for _, w := range units {
			select {
			case <-w.done:
			case <-time.After(2 * time.Second):
				t.Errorf("worker %d generation %d still running after release", w.index, w.generation)
			}
		}
	})
}

// waitFor polls cond until it holds or timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}
