package stores

import (
	"context"
	"time"
)

// IncidentKind is the lifecycle event type an incident was recorded from.
type IncidentKind string

const (
	IncidentWorkerStale         IncidentKind = "worker.stale"
	IncidentWorkerRestarted     IncidentKind = "worker.restarted"
	IncidentWorkerKillFailed    IncidentKind = "worker.kill_failed"
	IncidentWorkerExitTimeout   IncidentKind = "worker.exit_timeout"
	IncidentBrokerConnectFailed IncidentKind = "broker.connect_failed"
)

// IncidentKinds lists every kind the journal records.
func IncidentKinds() []IncidentKind {
	return []IncidentKind{
		IncidentWorkerStale,
		IncidentWorkerRestarted,
		IncidentWorkerKillFailed,
		IncidentWorkerExitTimeout,
		IncidentBrokerConnectFailed,
	}
}

// Valid reports whether k is a kind the journal records.
func (k IncidentKind) Valid() bool {
	for _, kind := range IncidentKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Incident is one persisted watchdog or shutdown incident.
type Incident struct {
	ID          int64        `json:"id"`
	EventID     string       `json:"event_id"`
	Kind        IncidentKind `json:"kind"`
	Level       string       `json:"level"`
	WorkerIndex *int         `json:"worker_index,omitempty"`
	Generation  *uint64      `json:"generation,omitempty"`
	Message     string       `json:"message"`
	Details     *string      `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time    `json:"timestamp"`
}

// IncidentFilter narrows ListIncidents. Zero fields match everything.
type IncidentFilter struct {
	Kind   IncidentKind
	Worker *int
	Since  time.Time
	Limit  int
}

// Journal is the incident persistence interface.
type Journal interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// RecordIncident stores an incident. Recording the same EventID twice
	// is a no-op.
	RecordIncident(ctx context.Context, incident *Incident) error

	// ListIncidents returns incidents newest first.
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*Incident, error)

	CountByKind(ctx context.Context) (map[IncidentKind]int, error)

	// PruneBefore deletes incidents older than cutoff and returns how many
	// were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	HealthCheck(ctx context.Context) error
}
