// Package stores provides durable state store implementations for the
// reconciler.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/queuetue/phasor/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore on a local SQLite database.
// Writes to the same phase are serialized with a per-phase lock so
// concurrent recorders cannot interleave an upsert.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore opens the database, enables WAL mode, and applies pending
// migrations.
func NewSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		path:  cfg.Path,
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
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

// phaseLock returns the lock serializing writes for one (plan, phase) pair.
func (s *SQLiteStore) phaseLock(planSource, phase string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := planSource + "\x00" + phase
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// LoadPlanState returns the prior state for a plan source. A plan that has
// never run yields an empty state, not an error.
func (s *SQLiteStore) LoadPlanState(ctx context.Context, planSource string) (*engine.PlanState, error) {
	state := &engine.PlanState{
		PlanSource: planSource,
		Phases:     make(map[string]*engine.PhaseRecord),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_id FROM plans WHERE source = ?`, planSource,
	).Scan(&state.LastRunID)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, status, applied_hash, resources, attempts, run_id, updated_at
		FROM phase_records
		WHERE plan_source = ?
	`, planSource)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		record := &engine.PhaseRecord{}
		var (
			status    string
			resources []byte
		)
		if err := rows.Scan(&record.Phase, &status, &record.AppliedHash,
			&resources, &record.Attempts, &record.RunID, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan phase record: %w", err)
		}
		record.Status = engine.PhaseStatus(status)
		if len(resources) > 0 {
			if err := json.Unmarshal(resources, &record.Resources); err != nil {
				return nil, fmt.Errorf("failed to decode resource snapshots for phase %s: %w", record.Phase, err)
			}
		}
		state.Phases[record.Phase] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read phase records: %w", err)
	}
	return state, nil
}

// SavePlanState persists a plan's complete state in one transaction,
// replacing any previous records.
func (s *SQLiteStore) SavePlanState(ctx context.Context, state *engine.PlanState) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (source, last_run_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET last_run_id = excluded.last_run_id, updated_at = excluded.updated_at
	`, state.PlanSource, state.LastRunID, now)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM phase_records WHERE plan_source = ?`, state.PlanSource); err != nil {
		return fmt.Errorf("failed to clear phase records: %w", err)
	}

	for _, record := range state.Phases {
		if err := insertPhaseRecord(ctx, tx, state.PlanSource, record); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan state: %w", err)
	}
	return nil
}

// RecordPhase upserts one phase's record.
func (s *SQLiteStore) RecordPhase(ctx context.Context, planSource string, record *engine.PhaseRecord) error {
	lock := s.phaseLock(planSource, record.Phase)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (source, last_run_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO NOTHING
	`, planSource, record.RunID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to ensure plan row: %w", err)
	}

	resources, err := encodeSnapshots(record.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode resource snapshots for phase %s: %w", record.Phase, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO phase_records (plan_source, phase, status, applied_hash, resources, attempts, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_source, phase) DO UPDATE SET
			status = excluded.status,
			applied_hash = excluded.applied_hash,
			resources = excluded.resources,
			attempts = excluded.attempts,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`, planSource, record.Phase, string(record.Status), record.AppliedHash,
		resources, record.Attempts, record.RunID, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record phase %s: %w", record.Phase, err)
	}
	return nil
}

func insertPhaseRecord(ctx context.Context, tx *sql.Tx, planSource string, record *engine.PhaseRecord) error {
	resources, err := encodeSnapshots(record.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode resource snapshots for phase %s: %w", record.Phase, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO phase_records (plan_source, phase, status, applied_hash, resources, attempts, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, planSource, record.Phase, string(record.Status), record.AppliedHash,
		resources, record.Attempts, record.RunID, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert phase record %s: %w", record.Phase, err)
	}
	return nil
}

func encodeSnapshots(snapshots []engine.ResourceSnapshot) ([]byte, error) {
	if len(snapshots) == 0 {
		return nil, nil
	}
	return json.Marshal(snapshots)
}

// AppendEvent records a timeline event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, timestamp, run_id, phase, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), event.Timestamp.UnixNano(),
		event.RunID, event.Phase, event.Message, details)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the timeline for a run in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*engine.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, timestamp, run_id, phase, message, details
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp, rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*engine.Event
	for rows.Next() {
		event := &engine.Event{}
		var (
			typ     string
			ts      int64
			details []byte
		)
		if err := rows.Scan(&event.ID, &typ, &ts, &event.RunID,
			&event.Phase, &event.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(typ)
		event.Timestamp = time.Unix(0, ts)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}
