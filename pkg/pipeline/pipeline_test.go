package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/traceship/traceship/pkg/broker"
	"github.com/traceship/traceship/pkg/telemetry"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero dequeue timeout", func(c *Config) { c.DequeueTimeout = 0 }},
		{"negative backoff", func(c *Config) { c.ReconnectBackoff = -time.Second }},
		{"threshold below dequeue timeout", func(c *Config) { c.StaleThreshold = c.DequeueTimeout }},
		{"threshold within publish window", func(c *Config) {
			c.StaleThreshold = 5 * time.Second
			c.PublishTimeout = 10 * time.Second
		}},
		{"threshold equal to dequeue plus publish", func(c *Config) { c.StaleThreshold = c.DequeueTimeout + c.PublishTimeout }},
		{"threshold below reconnect backoff", func(c *Config) {
			c.StaleThreshold = time.Second
			c.ReconnectBackoff = 2 * time.Second
		}},
		{"empty topic", func(c *Config) { c.Topic = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, countingFactory(&recorder{})); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := New(testConfig(), nil); err == nil {
		t.Error("expected error for nil factory")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestEveryRecordPublishedExactlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	cfg.QueueCapacity = 500
	rec := &recorder{}
	p, _ := newTestPipeline(t, cfg, countingFactory(rec))
	p.Start()

	const n = 300
	for i := 0; i < n; i++ {
		if !p.Enqueue([]byte(fmt.Sprintf("record-%d", i))) {
			t.Fatalf("Enqueue(%d) rejected", i)
		}
	}

	waitFor(t, 5*time.Second, "all records published", func() bool {
		return len(rec.payloads()) >= n
	})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	seen := make(map[string]int, n)
	for _, payload := range rec.payloads() {
		seen[payload]++
	}
	if len(seen) != n {
		t.Errorf("published %d distinct records, want %d", len(seen), n)
	}
	for payload, count := range seen {
		if count != 1 {
			t.Errorf("%s published %d times", payload, count)
		}
	}
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	rec := &recorder{}
	p, _ := newTestPipeline(t, cfg, countingFactory(rec))

	for i := 0; i < 20; i++ {
		p.Enqueue([]byte(fmt.Sprintf("%02d", i)))
	}
	p.Start()

	waitFor(t, 5*time.Second, "records published", func() bool {
		return len(rec.payloads()) == 20
	})
	for i, payload := range rec.payloads() {
		if want := fmt.Sprintf("%02d", i); payload != want {
			t.Fatalf("payload %d = %s, want %s", i, payload, want)
		}
	}
}

func TestEnqueueOnFullQueueDropsAndLogsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 3
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	rec := &recorder{}

	// Not started: workers are not consuming.
	p, logs := newTestPipeline(t, cfg, countingFactory(rec), WithMetrics(metrics))

	accepted := 0
	for i := 0; i < 5; i++ {
		start := time.Now()
		if p.Enqueue([]byte("r")) {
			accepted++
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Enqueue took %s", elapsed)
		}
	}

	if accepted != 3 {
		t.Errorf("accepted %d records, want 3", accepted)
	}
	if got := p.Status().QueueDepth; got != 3 {
		t.Errorf("queue depth = %d, want 3", got)
	}
	if got := logs.count("telemetry queue full"); got != 2 {
		t.Errorf("logged %d drops, want 2", got)
	}
	if rec.factories.Load() != 0 {
		t.Error("no broker client should be built before Start")
	}
}

func TestPublishFailureKeepsWorkerAlive(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.StaleThreshold = 500 * time.Millisecond
	rec := &recorder{}
	p, logs := newTestPipeline(t, cfg, failingFactory(rec))
	p.Start()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				p.Enqueue([]byte("doomed"))
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	time.Sleep(700 * time.Millisecond)
	close(stop)
	wg.Wait()

	st := p.Status()
	if st.Workers[0].Generation != 1 || st.Workers[0].Restarts != 0 {
		t.Errorf("worker was restarted: %+v", st.Workers[0])
	}
	if !st.Workers[0].Running {
		t.Error("worker exited after publish failures")
	}
	if st.Workers[0].HeartbeatAgeSeconds > cfg.StaleThreshold.Seconds() {
		t.Errorf("heartbeat stopped advancing: age %.3fs", st.Workers[0].HeartbeatAgeSeconds)
	}
	if rec.factories.Load() < 2 {
		t.Errorf("broker client rebuilt %d times, want at least 2", rec.factories.Load())
	}
	if logs.count("publish failed") == 0 {
		t.Error("expected publish failures to be logged")
	}
}

func TestPublisherPanicIsContained(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	rec := &recorder{}
	var calls sync.Once
	factory := factoryFor(rec, func(ctx context.Context, payload []byte) error {
		panicked := false
		calls.Do(func() { panicked = true })
		if panicked {
			panic("client bug")
		}
		rec.add(payload)
		return nil
	})
	p, logs := newTestPipeline(t, cfg, factory)
	p.Start()

	p.Enqueue([]byte("lost"))
	p.Enqueue([]byte("kept"))

	waitFor(t, 2*time.Second, "second record published", func() bool {
		return len(rec.payloads()) == 1
	})
	if got := rec.payloads()[0]; got != "kept" {
		t.Errorf("published %q, want kept", got)
	}
	if logs.count("publisher panic") != 1 {
		t.Error("expected the panic to be logged as a publish failure")
	}
}

func TestConstructionFailureBacksOff(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.StaleThreshold = 200 * time.Millisecond

	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 64})
	var (
		mu     sync.Mutex
		failed int
	)
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		failed++
	}, telemetry.FilterByType(telemetry.EventTypeBrokerConnectFailed))

	calls := make(chan struct{}, 1000)
	factory := func(ctx context.Context) (broker.Publisher, error) {
		calls <- struct{}{}
		return nil, errors.New("connection refused")
	}

	p, _ := newTestPipeline(t, cfg, factory, WithEvents(events))
	p.Start()

	time.Sleep(500 * time.Millisecond)
	st := p.Status()
	_ = p.Shutdown(context.Background())
	_ = events.Shutdown(context.Background())

	n := len(calls)
	// 500ms at one attempt per 50ms is about 10; a hot loop would be thousands.
	if n < 3 || n > 20 {
		t.Errorf("factory called %d times in 500ms, want roughly 10", n)
	}
	if st.Workers[0].Restarts != 0 {
		t.Errorf("worker restarted %d times; its heartbeat should stay fresh while reconnecting", st.Workers[0].Restarts)
	}
	mu.Lock()
	defer mu.Unlock()
	if failed == 0 {
		t.Error("expected broker.connect_failed events")
	}
}

func TestWatchdogRestartsStaleWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.StaleThreshold = 100 * time.Millisecond
	cfg.WatchdogInterval = 20 * time.Millisecond
	cfg.KillTimeout = 50 * time.Millisecond
	cfg.PublishTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	rec := &recorder{}
	p, logs := newTestPipeline(t, cfg, hangingFactory(rec, release, 1))
	p.Start()
	releaseOnCleanup(t, release, currentUnits(p))

	hungAt := time.Now()
	p.Enqueue([]byte("stuck"))

	waitFor(t, 2*time.Second, "worker replacement", func() bool {
		return p.Status().Workers[0].Generation >= 2
	})
	if took := time.Since(hungAt); took > cfg.StaleThreshold+2*cfg.WatchdogInterval+300*time.Millisecond {
		t.Errorf("replacement took %s", took)
	}

	st := p.Status().Workers[0]
	if st.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", st.Restarts)
	}
	if st.HeartbeatAgeSeconds >= cfg.StaleThreshold.Seconds() {
		t.Errorf("replacement heartbeat not reset: age %.3fs", st.HeartbeatAgeSeconds)
	}
	if logs.count("worker heartbeat stale, restarting") == 0 {
		t.Error("expected staleness to be logged")
	}
	waitFor(t, time.Second, "kill failure log", func() bool {
		return logs.count("killed worker did not exit") == 1
	})

	// The replacement drains the queue.
	p.Enqueue([]byte("after"))
	waitFor(t, 2*time.Second, "replacement to publish", func() bool {
		for _, payload := range rec.payloads() {
			if payload == "after" {
				return true
			}
		}
		return false
	})
}

func TestDisabledPipelineIsNoOp(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	rec := &recorder{}
	p, _ := newTestPipeline(t, cfg, countingFactory(rec))
	p.Start()

	for i := 0; i < 50; i++ {
		if p.Enqueue([]byte("r")) {
			t.Fatal("Enqueue accepted a record while disabled")
		}
	}
	time.Sleep(50 * time.Millisecond)

	if p.Status().QueueDepth != 0 {
		t.Errorf("queue depth = %d, want 0", p.Status().QueueDepth)
	}
	if rec.factories.Load() != 0 || len(rec.payloads()) != 0 {
		t.Error("disabled pipeline touched the broker")
	}
	if p.Status().Started {
		t.Error("workers started while disabled")
	}
}

func TestSetEnabledStartsDeferredWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	rec := &recorder{}
	p, _ := newTestPipeline(t, cfg, countingFactory(rec))
	p.Start()

	p.SetEnabled(true)
	if !p.Enabled() || !p.Status().Started {
		t.Fatal("expected workers to start once enabled")
	}

	p.Enqueue([]byte("after-enable"))
	waitFor(t, 2*time.Second, "record published", func() bool {
		return len(rec.payloads()) == 1
	})

	p.SetEnabled(false)
	if p.Enqueue([]byte("ignored")) {
		t.Error("Enqueue accepted a record after disabling")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	cfg := testConfig()
	rec := &recorder{}
	p, _ := newTestPipeline(t, cfg, countingFactory(rec))

	p.Start()
	gens := []uint64{}
	for _, w := range p.Status().Workers {
		gens = append(gens, w.Generation)
	}
	p.Start()
	for i, w := range p.Status().Workers {
		if w.Generation != gens[i] {
			t.Errorf("second Start respawned worker %d", i)
		}
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), countingFactory(&recorder{}))

	start := time.Now()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("Shutdown without Start should return immediately")
	}

	p.Start()
	if p.Status().Started {
		t.Error("Start after Shutdown must not spawn workers")
	}
	if p.Enqueue([]byte("late")) {
		t.Error("Enqueue after Shutdown must drop")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestShutdownIsPromptWithIdleWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 4
	cfg.DequeueTimeout = 2 * time.Second
	cfg.StaleThreshold = time.Minute
	cfg.JoinTimeout = 3 * time.Second
	p, _ := newTestPipeline(t, cfg, countingFactory(&recorder{}))
	p.Start()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	// Sentinels wake parked workers well before the dequeue timeout.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %s with idle workers", elapsed)
	}
}

func TestShutdownBoundedWithHungWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 2
	cfg.JoinTimeout = 150 * time.Millisecond
	release := make(chan struct{})
	rec := &recorder{}
	p, logs := newTestPipeline(t, cfg, hangingFactory(rec, release, 1))
	p.Start()
	units := currentUnits(p)
	releaseOnCleanup(t, release, units)

	p.Enqueue([]byte("hangs"))
	waitFor(t, time.Second, "publish to hang", func() bool {
		return p.Status().QueueDepth == 0
	})
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	err := p.Shutdown(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrWorkersStuck) {
		t.Fatalf("Shutdown() error = %v, want ErrWorkersStuck", err)
	}
	if limit := time.Duration(cfg.Workers)*cfg.JoinTimeout + 200*time.Millisecond; elapsed > limit {
		t.Errorf("Shutdown took %s, limit %s", elapsed, limit)
	}
	if logs.count("worker did not exit during shutdown") != 1 {
		t.Errorf("expected one stuck-worker log line, got logs:\n%s", logs.String())
	}
}

func TestEnqueueAfterShutdownDrops(t *testing.T) {
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	p, logs := newTestPipeline(t, testConfig(), countingFactory(&recorder{}), WithMetrics(metrics))
	p.Start()
	_ = p.Shutdown(context.Background())

	if p.Enqueue([]byte("late")) {
		t.Fatal("Enqueue accepted a record after Shutdown")
	}
	if logs.count("pipeline stopped, dropping record") != 1 {
		t.Error("expected the stopped drop to be logged")
	}
}
