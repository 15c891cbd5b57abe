package stores

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func intPtr(i int) *int { return &i }

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check succeeded before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("migrate succeeded before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrationsAreIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents").Scan(&count); err != nil {
		t.Fatalf("incidents table not accessible: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, "SELECT generation FROM incidents"); err != nil {
		t.Errorf("generation column missing: %v", err)
	}
}

func TestRecordAndListIncidents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	details := `{"age_seconds":31.5}`
	gen := uint64(2)
	base := time.UnixMilli(1_700_000_000_000)

	incidents := []*Incident{
		{EventID: "e1", Kind: IncidentWorkerStale, Level: "error", WorkerIndex: intPtr(0), Message: "stale", Details: &details, Timestamp: base},
		{EventID: "e2", Kind: IncidentWorkerRestarted, Level: "info", WorkerIndex: intPtr(0), Generation: &gen, Message: "restarted", Timestamp: base.Add(time.Second)},
		{EventID: "e3", Kind: IncidentBrokerConnectFailed, Level: "error", WorkerIndex: intPtr(1), Message: "refused", Timestamp: base.Add(2 * time.Second)},
	}
	for _, inc := range incidents {
		if err := store.RecordIncident(ctx, inc); err != nil {
			t.Fatalf("RecordIncident(%s) error = %v", inc.EventID, err)
		}
		if inc.ID == 0 {
			t.Errorf("incident %s got no ID", inc.EventID)
		}
	}

	all, err := store.ListIncidents(ctx, IncidentFilter{})
	if err != nil {
		t.Fatalf("ListIncidents() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d incidents, want 3", len(all))
	}
	if all[0].EventID != "e3" || all[2].EventID != "e1" {
		t.Errorf("incidents not newest first: %s, %s", all[0].EventID, all[2].EventID)
	}

	oldest := all[2]
	if oldest.Details == nil || *oldest.Details != details {
		t.Errorf("details = %v, want %s", oldest.Details, details)
	}
	if !oldest.Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", oldest.Timestamp, base)
	}
	if oldest.Generation != nil {
		t.Errorf("generation = %d, want nil", *oldest.Generation)
	}
	if all[1].Generation == nil || *all[1].Generation != 2 {
		t.Errorf("restarted incident generation = %v, want 2", all[1].Generation)
	}

	tests := []struct {
		name   string
		filter IncidentFilter
		want   []string
	}{
		{"by kind", IncidentFilter{Kind: IncidentWorkerStale}, []string{"e1"}},
		{"by worker", IncidentFilter{Worker: intPtr(0)}, []string{"e2", "e1"}},
		{"since", IncidentFilter{Since: base.Add(time.Second)}, []string{"e3", "e2"}},
		{"limit", IncidentFilter{Limit: 1}, []string{"e3"}},
		{"no match", IncidentFilter{Kind: IncidentWorkerExitTimeout}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListIncidents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListIncidents() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d incidents, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].EventID != id {
					t.Errorf("incident %d = %s, want %s", i, got[i].EventID, id)
				}
			}
		})
	}
}

func TestRecordIncidentIgnoresDuplicateEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := &Incident{EventID: "dup", Kind: IncidentWorkerStale, Level: "error", Message: "first"}
	second := &Incident{EventID: "dup", Kind: IncidentWorkerStale, Level: "error", Message: "second"}

	if err := store.RecordIncident(ctx, first); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := store.RecordIncident(ctx, second); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	if second.ID != 0 {
		t.Errorf("duplicate got ID %d", second.ID)
	}

	got, _ := store.ListIncidents(ctx, IncidentFilter{})
	if len(got) != 1 || got[0].Message != "first" {
		t.Errorf("got %+v, want the first incident only", got)
	}
}

func TestRecordIncidentValidation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		incident *Incident
	}{
		{"missing event id", &Incident{Kind: IncidentWorkerStale}},
		{"unknown kind", &Incident{EventID: "x", Kind: "pipeline.started"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.RecordIncident(ctx, tt.incident); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCountByKindAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		_ = store.RecordIncident(ctx, &Incident{
			EventID:   fmt.Sprintf("old-%d", i),
			Kind:      IncidentWorkerKillFailed,
			Level:     "error",
			Message:   "kill failed",
			Timestamp: now.Add(-48 * time.Hour),
		})
	}
	_ = store.RecordIncident(ctx, &Incident{
		EventID: "new", Kind: IncidentWorkerExitTimeout, Level: "error", Message: "exit timeout", Timestamp: now,
	})

	counts, err := store.CountByKind(ctx)
	if err != nil {
		t.Fatalf("CountByKind() error = %v", err)
	}
	if counts[IncidentWorkerKillFailed] != 3 || counts[IncidentWorkerExitTimeout] != 1 {
		t.Errorf("counts = %v", counts)
	}

	removed, err := Prune(ctx, store, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("removed %d, want 3", removed)
	}

	removed, _ = Prune(ctx, store, 0)
	if removed != 0 {
		t.Errorf("zero retention removed %d", removed)
	}

	remaining, _ := store.ListIncidents(ctx, IncidentFilter{})
	if len(remaining) != 1 || remaining[0].EventID != "new" {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	path := t.TempDir() + "/journal.db"
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.RecordIncident(ctx, &Incident{EventID: "a", Kind: IncidentWorkerStale, Level: "error", Message: "stale"}); err != nil {
		t.Fatalf("RecordIncident() error = %v", err)
	}
	_ = store.Close()

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ListIncidents(ctx, IncidentFilter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("after reopen got %d incidents, err %v", len(got), err)
	}
}
