package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Shutdown stops the pipeline: it sets the stop signal, injects one sentinel
// per worker, then waits up to JoinTimeout for each worker. Workers that do
// not exit are logged and reported as errors wrapping ErrWorkersStuck;
// Shutdown never waits longer than Workers x JoinTimeout for them.
//
// Shutdown without Start, and any call after the first, returns nil.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	first := false
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stop)
		first = true
	})
	if !first {
		return nil
	}

	p.mu.Lock()
	launched := p.launched
	workers := make([]*workerUnit, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil {
			workers = append(workers, w)
		}
	}
	p.mu.Unlock()

	if !launched {
		return nil
	}

	for range workers {
		if !p.queue.TrySentinel() {
			// Workers still notice the stop signal after one dequeue timeout.
			p.logger.Debug("queue full, sentinel not injected")
		}
	}

	var errs []error
	for _, w := range workers {
		if err := p.join(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}

	select {
	case <-p.watchdogDone:
	case <-ctx.Done():
	}

	p.metrics.RecordShutdownStuck(len(errs))
	_ = p.events.PublishPipelineStopped(len(errs))
	p.logger.WithFields(map[string]interface{}{
		"stuck_workers": len(errs),
		"remaining":     p.queue.Len(),
	}).Info("pipeline stopped")

	return errors.Join(errs...)
}

// join waits for w to exit, bounded by JoinTimeout and ctx.
func (p *Pipeline) join(ctx context.Context, w *workerUnit) error {
	timer := time.NewTimer(p.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		if w.exited() {
			return nil
		}
	}

	p.logger.WithWorker(w.index).
		WithField("join_timeout", p.cfg.JoinTimeout.String()).
		Error("worker did not exit during shutdown")
	_ = p.events.PublishWorkerExitTimeout(w.index, p.cfg.JoinTimeout)
	return fmt.Errorf("worker %d: %w", w.index, ErrWorkersStuck)
}
