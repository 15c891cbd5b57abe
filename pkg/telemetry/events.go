package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a pipeline lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated (pipeline, watchdog, worker).
	Source string `json:"source"`

	// Worker is the worker slot index, if the event concerns one.
	Worker *int `json:"worker,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePipelineStarted     = "pipeline.started"
	EventTypePipelineStopped     = "pipeline.stopped"
	EventTypeWorkerStarted       = "worker.started"
	EventTypeWorkerStale         = "worker.stale"
	EventTypeWorkerRestarted     = "worker.restarted"
	EventTypeWorkerKillFailed    = "worker.kill_failed"
	EventTypeWorkerExitTimeout   = "worker.exit_timeout"
	EventTypeBrokerConnectFailed = "broker.connect_failed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Errors returned by Publish.
var (
	ErrPublisherStopped = errors.New("event publisher stopped")
	ErrEventBufferFull  = errors.New("event buffer full, event dropped")
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers on its own
// goroutine. Publish never blocks; events are dropped when the buffer is full.
// A nil or disabled publisher accepts and discards everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep, nil
}

// Publish queues an event for delivery to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	select {
	case ep.buffer <- event:
		return nil
	default:
		return ErrEventBufferFull
	}
}

// PublishPipelineStarted publishes a pipeline started event.
func (ep *EventPublisher) PublishPipelineStarted(workers, capacity int) error {
	return ep.Publish(Event{
		Type:    EventTypePipelineStarted,
		Source:  "pipeline",
		Message: fmt.Sprintf("Pipeline started with %d workers, queue capacity %d", workers, capacity),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"workers":  workers,
			"capacity": capacity,
		},
	})
}

// PublishPipelineStopped publishes a pipeline stopped event.
func (ep *EventPublisher) PublishPipelineStopped(stuck int) error {
	level := EventLevelInfo
	if stuck > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypePipelineStopped,
		Source:  "pipeline",
		Message: fmt.Sprintf("Pipeline stopped, %d workers did not exit", stuck),
		Level:   level,
		Data: map[string]interface{}{
			"stuck_workers": stuck,
		},
	})
}

// PublishWorkerStarted publishes a worker started event.
func (ep *EventPublisher) PublishWorkerStarted(worker int, generation uint64) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkerStarted,
		Source:  "pipeline",
		Worker:  &worker,
		Message: fmt.Sprintf("Worker %d started (generation %d)", worker, generation),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"generation": generation,
		},
	})
}

// PublishWorkerStale publishes a stale heartbeat event.
func (ep *EventPublisher) PublishWorkerStale(worker int, age time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkerStale,
		Source:  "watchdog",
		Worker:  &worker,
		Message: fmt.Sprintf("Worker %d heartbeat is %s old", worker, age.Round(time.Millisecond)),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"age_seconds": age.Seconds(),
		},
	})
}

// PublishWorkerRestarted publishes a worker restarted event.
func (ep *EventPublisher) PublishWorkerRestarted(worker int, generation uint64) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkerRestarted,
		Source:  "watchdog",
		Worker:  &worker,
		Message: fmt.Sprintf("Worker %d restarted (generation %d)", worker, generation),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"generation": generation,
		},
	})
}

// PublishWorkerKillFailed publishes an event for a worker that ignored cancellation.
func (ep *EventPublisher) PublishWorkerKillFailed(worker int, timeout time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkerKillFailed,
		Source:  "watchdog",
		Worker:  &worker,
		Message: fmt.Sprintf("Worker %d did not exit within %s of being killed", worker, timeout),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"timeout_seconds": timeout.Seconds(),
		},
	})
}

// PublishWorkerExitTimeout publishes an event for a worker that outlived its shutdown join.
func (ep *EventPublisher) PublishWorkerExitTimeout(worker int, timeout time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkerExitTimeout,
		Source:  "pipeline",
		Worker:  &worker,
		Message: fmt.Sprintf("Worker %d still running %s after shutdown", worker, timeout),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"timeout_seconds": timeout.Seconds(),
		},
	})
}

// PublishBrokerConnectFailed publishes a broker client construction failure.
func (ep *EventPublisher) PublishBrokerConnectFailed(worker int, err error) error {
	return ep.Publish(Event{
		Type:    EventTypeBrokerConnectFailed,
		Source:  "worker",
		Worker:  &worker,
		Message: fmt.Sprintf("Worker %d failed to connect to broker: %v", worker, err),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"error": err.Error(),
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains what is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls every matching subscriber in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByWorker creates a filter that only allows events for one worker slot.
func FilterByWorker(worker int) EventFilter {
	return func(event Event) bool {
		return event.Worker != nil && *event.Worker == worker
	}
}
