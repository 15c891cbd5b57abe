package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/traceship/traceship/pkg/broker"
	"github.com/traceship/traceship/pkg/telemetry"
)

// ErrWorkersStuck is wrapped by every error Shutdown reports for a worker
// that did not exit within its join timeout.
var ErrWorkersStuck = errors.New("worker did not exit")

// Pipeline owns the queue, the heartbeat table, the worker units and the
// watchdog. It is constructed once and shared by every producer.
type Pipeline struct {
	cfg        Config
	factory    broker.Factory
	queue      *Queue
	heartbeats *Heartbeats

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	enabled atomic.Bool
	stopped atomic.Bool

	// stop is closed exactly once, by Shutdown.
	stop     chan struct{}
	stopOnce sync.Once

	// generations holds the generation of the unit currently owning each
	// slot. Workers compare against it to notice they were superseded.
	generations []atomic.Uint64

	// mu guards everything below. Slot replacement and Shutdown's snapshot
	// are mutually exclusive through it.
	mu             sync.Mutex
	workers        []*workerUnit
	restarts       []uint64
	startRequested bool
	launched       bool

	watchdogDone chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *telemetry.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(events *telemetry.EventPublisher) Option {
	return func(p *Pipeline) {
		p.events = events
	}
}

// New creates a pipeline. Nothing runs until Start.
func New(cfg Config, factory broker.Factory, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("broker factory is required")
	}

	p := &Pipeline{
		cfg:          cfg,
		factory:      factory,
		queue:        NewQueue(cfg.QueueCapacity),
		heartbeats:   NewHeartbeats(cfg.Workers),
		logger:       telemetry.NewNopLogger(),
		stop:         make(chan struct{}),
		generations:  make([]atomic.Uint64, cfg.Workers),
		workers:      make([]*workerUnit, cfg.Workers),
		restarts:     make([]uint64, cfg.Workers),
		watchdogDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.NewComponentLogger("pipeline").WithTopic(cfg.Topic)
	p.enabled.Store(cfg.Enabled)
	p.metrics.SetQueueCapacity(cfg.QueueCapacity)

	return p, nil
}

// Start spawns the workers and the watchdog. Calling it again, or after
// Shutdown, does nothing. If the pipeline is disabled, the start is deferred
// until SetEnabled(true).
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped.Load() || p.startRequested {
		return
	}
	p.startRequested = true

	if !p.enabled.Load() {
		p.logger.Info("telemetry upload disabled, workers not started")
		return
	}
	p.launchLocked()
}

// launchLocked starts every worker and the watchdog. p.mu must be held.
func (p *Pipeline) launchLocked() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.spawnLocked(i)
	}
	p.launched = true
	go p.runWatchdog()

	p.logger.WithFields(map[string]interface{}{
		"workers":  p.cfg.Workers,
		"capacity": p.cfg.QueueCapacity,
	}).Info("pipeline started")
	_ = p.events.PublishPipelineStarted(p.cfg.Workers, p.cfg.QueueCapacity)
}

// Enqueue hands an encoded record to the pipeline without blocking. It
// reports whether the record was accepted; a rejected record is gone.
// Enqueue never panics and never returns an error.
func (p *Pipeline) Enqueue(data []byte) bool {
	if !p.enabled.Load() {
		return false
	}
	if p.stopped.Load() {
		p.metrics.RecordDropped(telemetry.DropReasonStopped)
		p.logger.Debug("pipeline stopped, dropping record")
		return false
	}
	if !p.queue.TryPut(data) {
		p.metrics.RecordDropped(telemetry.DropReasonFull)
		p.logger.WithField("capacity", p.queue.Cap()).Warn("telemetry queue full, dropping record")
		return false
	}
	p.metrics.RecordEnqueued()
	return true
}

// SetEnabled flips the feature flag at runtime. Records already queued are
// still published after the pipeline is disabled.
func (p *Pipeline) SetEnabled(enabled bool) {
	if p.enabled.Swap(enabled) == enabled {
		return
	}
	p.logger.WithField("enabled", enabled).Info("telemetry upload toggled")

	if !enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startRequested && !p.launched && !p.stopped.Load() {
		p.launchLocked()
	}
}

// Enabled reports the feature flag.
func (p *Pipeline) Enabled() bool {
	return p.enabled.Load()
}

// WorkerStatus describes one worker slot.
type WorkerStatus struct {
	Index               int     `json:"index"`
	Generation          uint64  `json:"generation"`
	Restarts            uint64  `json:"restarts"`
	HeartbeatAgeSeconds float64 `json:"heartbeat_age_seconds"`
	Running             bool    `json:"running"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Enabled       bool           `json:"enabled"`
	Started       bool           `json:"started"`
	Stopped       bool           `json:"stopped"`
	QueueDepth    int            `json:"queue_depth"`
	QueueCapacity int            `json:"queue_capacity"`
	Workers       []WorkerStatus `json:"workers"`
}

// Status returns the current pipeline status.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Enabled:       p.enabled.Load(),
		Started:       p.launched,
		Stopped:       p.stopped.Load(),
		QueueDepth:    p.queue.Len(),
		QueueCapacity: p.queue.Cap(),
		Workers:       make([]WorkerStatus, p.cfg.Workers),
	}
	for i := range st.Workers {
		ws := WorkerStatus{
			Index:               i,
			Generation:          p.generations[i].Load(),
			Restarts:            p.restarts[i],
			HeartbeatAgeSeconds: p.heartbeats.Age(i).Seconds(),
		}
		if w := p.workers[i]; w != nil {
			ws.Running = !w.exited()
		}
		st.Workers[i] = ws
	}
	return st
}
