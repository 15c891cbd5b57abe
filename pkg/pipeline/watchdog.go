package pipeline

import (
	"time"
)

// runWatchdog checks heartbeats every WatchdogInterval until the stop signal.
// Nothing restarts the watchdog itself.
func (p *Pipeline) runWatchdog() {
	defer close(p.watchdogDone)

	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkWorkers()
		}
	}
}

// checkWorkers restarts every slot whose heartbeat is older than StaleThreshold.
func (p *Pipeline) checkWorkers() {
	for i := 0; i < p.cfg.Workers; i++ {
		if p.stopped.Load() {
			return
		}
		age := p.heartbeats.Age(i)
		p.metrics.SetHeartbeatAge(i, age)
		if age > p.cfg.StaleThreshold {
			p.restartWorker(i, age)
		}
	}
	p.metrics.SetQueueDepth(p.queue.Len())
}

// restartWorker kills the unit in slot i and starts a replacement.
//
// The replacement is installed under p.mu before waiting on the old unit, so
// Shutdown never blocks behind KillTimeout. The old unit is already cancelled
// and superseded; whether or not it exits, it can no longer touch the slot.
func (p *Pipeline) restartWorker(i int, age time.Duration) {
	logger := p.logger.WithWorker(i)

	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		return
	}
	old := p.workers[i]
	logger.WithField("heartbeat_age", age.String()).Error("worker heartbeat stale, restarting")
	_ = p.events.PublishWorkerStale(i, age)

	if old != nil {
		old.kill()
	}
	w := p.spawnLocked(i)
	p.restarts[i]++
	p.mu.Unlock()

	p.metrics.RecordWorkerRestart(i)
	logger.WithField("generation", w.generation).Error("stale worker replaced")
	_ = p.events.PublishWorkerRestarted(i, w.generation)

	if old == nil {
		return
	}

	timer := time.NewTimer(p.cfg.KillTimeout)
	defer timer.Stop()
	select {
	case <-old.done:
	case <-timer.C:
		logger.WithField("kill_timeout", p.cfg.KillTimeout.String()).
			Error("killed worker did not exit, leaving it behind")
		_ = p.events.PublishWorkerKillFailed(i, p.cfg.KillTimeout)
	case <-p.stop:
	}
}
