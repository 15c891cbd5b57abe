package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements Journal using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds incident journal configuration. An empty Path disables the
// journal.
type Config struct {
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" validate:"gte=0"`
	Retention       time.Duration `yaml:"retention" json:"retention" validate:"gte=0"`
}

// Enabled reports whether a journal path is configured.
func (c Config) Enabled() bool {
	return c.Path != ""
}

// DefaultConfig returns the journal defaults. The journal is disabled until a
// path is set.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		Retention:       7 * 24 * time.Hour,
	}
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own empty database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"busy_timeout(5000)", "synchronous(NORMAL)"}
	if s.path != memoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	dsn := s.path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordIncident stores an incident and fills in its ID. A duplicate EventID
// leaves the existing row untouched.
func (s *SQLiteStore) RecordIncident(ctx context.Context, incident *Incident) error {
	if incident.EventID == "" {
		return fmt.Errorf("incident event id is required")
	}
	if !incident.Kind.Valid() {
		return fmt.Errorf("unknown incident kind: %s", incident.Kind)
	}
	if incident.Timestamp.IsZero() {
		incident.Timestamp = time.Now()
	}

	query := `
		INSERT OR IGNORE INTO incidents (
			event_id, kind, level, worker_index, generation, message, details, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var generation *int64
	if incident.Generation != nil {
		g := int64(*incident.Generation)
		generation = &g
	}

	result, err := s.db.ExecContext(ctx, query,
		incident.EventID,
		incident.Kind,
		incident.Level,
		incident.WorkerIndex,
		generation,
		incident.Message,
		incident.Details,
		incident.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get incident id: %w", err)
	}
	incident.ID = id

	return nil
}

// ListIncidents lists incidents matching filter, newest first
func (s *SQLiteStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*Incident, error) {
	query := `
		SELECT id, event_id, kind, level, worker_index, generation, message, details, occurred_at
		FROM incidents
		WHERE 1 = 1
	`
	var args []interface{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Worker != nil {
		query += " AND worker_index = ?"
		args = append(args, *filter.Worker)
	}
	if !filter.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}

	query += " ORDER BY occurred_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*Incident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}

	return incidents, nil
}

func scanIncident(rows *sql.Rows) (*Incident, error) {
	var (
		incident   Incident
		worker     sql.NullInt64
		generation sql.NullInt64
		details    sql.NullString
		occurredAt int64
	)

	err := rows.Scan(
		&incident.ID,
		&incident.EventID,
		&incident.Kind,
		&incident.Level,
		&worker,
		&generation,
		&incident.Message,
		&details,
		&occurredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	if worker.Valid {
		w := int(worker.Int64)
		incident.WorkerIndex = &w
	}
	if generation.Valid {
		g := uint64(generation.Int64)
		incident.Generation = &g
	}
	if details.Valid {
		incident.Details = &details.String
	}
	incident.Timestamp = time.UnixMilli(occurredAt)

	return &incident, nil
}

// CountByKind returns the number of stored incidents per kind
func (s *SQLiteStore) CountByKind(ctx context.Context) (map[IncidentKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM incidents GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	defer rows.Close()

	counts := make(map[IncidentKind]int)
	for rows.Next() {
		var (
			kind  IncidentKind
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan incident count: %w", err)
		}
		counts[kind] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incident counts: %w", err)
	}

	return counts, nil
}

// PruneBefore deletes incidents that occurred before cutoff
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM incidents WHERE occurred_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune incidents: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a journal in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
