package pipeline

import (
	"fmt"
	"time"
)

// Config configures the upload pipeline.
type Config struct {
	// Enabled is the feature flag. When false, Enqueue is a no-op and Start
	// does not spawn workers.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// QueueCapacity is the number of records buffered before Enqueue drops.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity" validate:"gt=0"`

	// Workers is the number of parallel publish loops.
	Workers int `yaml:"workers" json:"workers" validate:"gt=0"`

	// DequeueTimeout bounds how long a worker waits on an empty queue
	// before re-checking the stop signal.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout" json:"dequeue_timeout" validate:"gt=0"`

	// WatchdogInterval is how often heartbeats are checked.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" json:"watchdog_interval" validate:"gt=0"`

	// StaleThreshold is how old a heartbeat may get before the worker is restarted.
	StaleThreshold time.Duration `yaml:"stale_threshold" json:"stale_threshold" validate:"gt=0"`

	// KillTimeout bounds the wait for a killed worker to exit.
	KillTimeout time.Duration `yaml:"kill_timeout" json:"kill_timeout" validate:"gt=0"`

	// JoinTimeout bounds the wait for each worker during Shutdown.
	JoinTimeout time.Duration `yaml:"join_timeout" json:"join_timeout" validate:"gt=0"`

	// PublishTimeout bounds a single publish call.
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout" validate:"gt=0"`

	// ReconnectBackoff is the pause after a failed broker client construction.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" json:"reconnect_backoff" validate:"gte=0"`

	// Topic is the broker destination records are published to.
	Topic string `yaml:"topic" json:"topic" validate:"required"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		QueueCapacity:    10000,
		Workers:          3,
		DequeueTimeout:   1 * time.Second,
		WatchdogInterval: 5 * time.Second,
		StaleThreshold:   30 * time.Second,
		KillTimeout:      5 * time.Second,
		JoinTimeout:      5 * time.Second,
		PublishTimeout:   10 * time.Second,
		ReconnectBackoff: 1 * time.Second,
		Topic:            "traceship:spans",
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got: %d", c.QueueCapacity)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got: %d", c.Workers)
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"dequeue timeout", c.DequeueTimeout},
		{"watchdog interval", c.WatchdogInterval},
		{"stale threshold", c.StaleThreshold},
		{"kill timeout", c.KillTimeout},
		{"join timeout", c.JoinTimeout},
		{"publish timeout", c.PublishTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got: %s", d.name, d.value)
		}
	}
	if c.ReconnectBackoff < 0 {
		return fmt.Errorf("reconnect backoff must not be negative, got: %s", c.ReconnectBackoff)
	}
	// The heartbeat is not touched while a worker waits in Get or publishes,
	// nor while it backs off after a failed connect. A threshold inside either
	// window would restart healthy workers.
	if busy := c.DequeueTimeout + c.PublishTimeout; c.StaleThreshold <= busy {
		return fmt.Errorf("stale threshold (%s) must exceed dequeue timeout plus publish timeout (%s)", c.StaleThreshold, busy)
	}
	if c.StaleThreshold <= c.ReconnectBackoff {
		return fmt.Errorf("stale threshold (%s) must exceed reconnect backoff (%s)", c.StaleThreshold, c.ReconnectBackoff)
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	return nil
}
