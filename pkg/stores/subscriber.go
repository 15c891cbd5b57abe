package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/traceship/traceship/pkg/telemetry"
)

// writeTimeout bounds a single incident insert made from the event goroutine.
const writeTimeout = 5 * time.Second

// IncidentFromEvent converts a lifecycle event into an incident. ok is false
// for event types the journal does not record.
func IncidentFromEvent(event telemetry.Event) (*Incident, bool) {
	kind := IncidentKind(event.Type)
	if !kind.Valid() {
		return nil, false
	}

	incident := &Incident{
		EventID:     event.ID,
		Kind:        kind,
		Level:       event.Level,
		WorkerIndex: event.Worker,
		Message:     event.Message,
		Timestamp:   event.Timestamp,
	}

	if g, ok := event.Data["generation"].(uint64); ok {
		incident.Generation = &g
	}

	if len(event.Data) > 0 {
		if data, err := json.Marshal(event.Data); err == nil {
			details := string(data)
			incident.Details = &details
		}
	}

	return incident, true
}

// Attach subscribes journal to the incident events of publisher. Writes run
// on the publisher's delivery goroutine, never on a worker or the watchdog.
func Attach(publisher *telemetry.EventPublisher, journal Journal, logger *telemetry.Logger) {
	if publisher == nil || journal == nil {
		return
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("journal")

	kinds := IncidentKinds()
	types := make([]string, len(kinds))
	for i, k := range kinds {
		types[i] = string(k)
	}

	publisher.Subscribe(func(event telemetry.Event) {
		incident, ok := IncidentFromEvent(event)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := journal.RecordIncident(ctx, incident); err != nil {
			logger.WithError(err).WithField("event_type", event.Type).Error("failed to record incident")
		}
	}, telemetry.FilterByType(types...))
}

// Prune deletes incidents older than retention. A non-positive retention
// keeps everything.
func Prune(ctx context.Context, journal Journal, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return journal.PruneBefore(ctx, time.Now().Add(-retention))
}
