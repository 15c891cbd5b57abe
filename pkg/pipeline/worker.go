package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/traceship/traceship/pkg/broker"
	"github.com/traceship/traceship/pkg/telemetry"
)

// workerUnit is one execution of a worker slot. A slot keeps its index for
// the life of the pipeline; the unit occupying it changes on every restart.
type workerUnit struct {
	index      int
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// kill cancels the unit's context, aborting a context-aware publish or dequeue.
func (w *workerUnit) kill() {
	w.cancel()
}

func (w *workerUnit) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// spawnLocked starts a new unit in slot i. p.mu must be held.
func (p *Pipeline) spawnLocked(i int) *workerUnit {
	gen := p.generations[i].Add(1)
	p.heartbeats.Touch(i)

	ctx, cancel := context.WithCancel(context.Background())
	w := &workerUnit{
		index:      i,
		generation: gen,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	p.workers[i] = w

	go p.runWorker(ctx, w)

	p.logger.WithWorker(i).WithField("generation", gen).Debug("worker started")
	_ = p.events.PublishWorkerStarted(i, gen)
	return w
}

// owns reports whether w is still the slot's current unit.
func (p *Pipeline) owns(w *workerUnit) bool {
	return p.generations[w.index].Load() == w.generation
}

// touch refreshes the slot heartbeat unless w has been superseded.
func (p *Pipeline) touch(w *workerUnit) {
	if p.owns(w) {
		p.heartbeats.Touch(w.index)
	}
}

// runWorker is the per-worker loop. Only the stop signal, a sentinel,
// cancellation or being superseded end it; broker failures never do.
func (p *Pipeline) runWorker(ctx context.Context, w *workerUnit) {
	defer close(w.done)

	logger := p.logger.WithWorker(w.index)
	var pub broker.Publisher
	defer func() {
		if pub != nil {
			_ = pub.Close()
		}
	}()

	for {
		if p.stopped.Load() || ctx.Err() != nil || !p.owns(w) {
			return
		}

		if pub == nil {
			var err error
			pub, err = p.connect(ctx)
			p.metrics.RecordBrokerConnect(err)
			if err != nil {
				pub = nil
				logger.WithError(err).Error("failed to construct broker client")
				_ = p.events.PublishBrokerConnectFailed(w.index, err)
				p.touch(w)
				if !p.pause(ctx, p.cfg.ReconnectBackoff) {
					return
				}
				continue
			}
		}

		p.touch(w)

		data, sentinel, ok := p.queue.Get(ctx, p.cfg.DequeueTimeout)
		if !ok {
			continue
		}
		if sentinel {
			logger.Debug("received sentinel, worker exiting")
			return
		}
		p.metrics.SetQueueDepth(p.queue.Len())

		if err := p.publish(ctx, pub, data); err != nil {
			logger.WithError(err).Error("publish failed, record dropped and broker client reset")
			_ = pub.Close()
			pub = nil
			continue
		}
		logger.Debug("record published")
	}
}

// connect builds a broker client, converting a panic into an error.
func (p *Pipeline) connect(ctx context.Context) (pub broker.Publisher, err error) {
	defer func() {
		if r := recover(); r != nil {
			pub = nil
			err = fmt.Errorf("broker factory panic: %v", r)
		}
	}()
	return p.factory(ctx)
}

// publish sends one record with PublishTimeout, converting a panic into an error.
func (p *Pipeline) publish(ctx context.Context, pub broker.Publisher, data []byte) (err error) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	timer := telemetry.NewTimer()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
		p.metrics.RecordPublish(timer.Duration(), err)
	}()

	return pub.Publish(pctx, p.cfg.Topic, data)
}

// pause sleeps for d. It returns false if the pipeline stopped or ctx was
// cancelled first.
func (p *Pipeline) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !p.stopped.Load() && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-p.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
