package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/driftwood-io/driftwood/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the agent's state journal. It implements engine.StateJournal.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ engine.StateJournal = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`

	// HistoryRetention bounds how long transition history is kept.
	// Zero keeps everything.
	HistoryRetention time.Duration `yaml:"historyRetention"`
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
	if cfg.Path == ":memory:" {
		// every connection to :memory: is a separate database
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open is a convenience that creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// RecordState stores the latest state of a workload and appends it to its
// history. Reports older than the stored generation only reach the history.
func (s *SQLiteStore) RecordState(ctx context.Context, state engine.ExecutionState) error {
	ts := state.Timestamp.UTC()
	if state.Timestamp.IsZero() {
		ts = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workload_states (workload, state, substatus, generation, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workload) DO UPDATE SET
			state = excluded.state,
			substatus = excluded.substatus,
			generation = excluded.generation,
			updated_at = excluded.updated_at
		WHERE excluded.generation > workload_states.generation
	`, state.Workload, string(state.State), state.Substatus, int64(state.Generation), ts)
	if err != nil {
		return fmt.Errorf("failed to upsert workload state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transitions (workload, state, substatus, generation, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, state.Workload, string(state.State), state.Substatus, int64(state.Generation), ts)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	return tx.Commit()
}

// RecordHandle stores the runtime handle of a started workload.
func (s *SQLiteStore) RecordHandle(ctx context.Context, workload string, handle engine.Handle, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workload_handles (workload, runtime, handle_id, fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workload) DO UPDATE SET
			runtime = excluded.runtime,
			handle_id = excluded.handle_id,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`, workload, handle.Runtime, handle.ID, fingerprint, s.now())
	if err != nil {
		return fmt.Errorf("failed to record handle: %w", err)
	}
	return nil
}

// ClearHandle forgets the runtime handle of a workload.
func (s *SQLiteStore) ClearHandle(ctx context.Context, workload string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workload_handles WHERE workload = ?`, workload); err != nil {
		return fmt.Errorf("failed to clear handle: %w", err)
	}
	return nil
}

// RecordBatch stores the outcome of a desired-state batch. A request seen
// again overwrites the earlier outcome.
func (s *SQLiteStore) RecordBatch(ctx context.Context, result engine.BatchResult) error {
	workloads, err := json.Marshal(result.Workloads)
	if err != nil {
		return fmt.Errorf("failed to marshal workloads: %w", err)
	}
	if result.Workloads == nil {
		workloads = []byte("[]")
	}

	ts := result.Timestamp.UTC()
	if result.Timestamp.IsZero() {
		ts = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (request_id, accepted, code, error, workloads, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			accepted = excluded.accepted,
			code = excluded.code,
			error = excluded.error,
			workloads = excluded.workloads,
			recorded_at = excluded.recorded_at
	`, result.RequestID, result.Accepted, result.Code, result.Error, string(workloads), ts)
	if err != nil {
		return fmt.Errorf("failed to record batch: %w", err)
	}
	return nil
}

// LoadRecords returns every persisted workload with its handle, if any.
// A handle without a state row yields a record with an empty state.
func (s *SQLiteStore) LoadRecords(ctx context.Context) ([]engine.JournalRecord, error) {
	byName := make(map[string]*engine.JournalRecord)
	var order []string

	rows, err := s.db.QueryContext(ctx, `
		SELECT workload, state, substatus, generation, updated_at
		FROM workload_states
		ORDER BY workload
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load workload states: %w", err)
	}
	for rows.Next() {
		var (
			rec        engine.JournalRecord
			state      string
			generation int64
		)
		if err := rows.Scan(&rec.Workload, &state, &rec.Substatus, &generation, &rec.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan workload state: %w", err)
		}
		rec.State = engine.WorkloadState(state)
		rec.Generation = uint64(generation)
		byName[rec.Workload] = &rec
		order = append(order, rec.Workload)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT workload, runtime, handle_id, fingerprint, updated_at
		FROM workload_handles
		ORDER BY workload
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load handles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name        string
			handle      engine.Handle
			fingerprint string
			updatedAt   time.Time
		)
		if err := rows.Scan(&name, &handle.Runtime, &handle.ID, &fingerprint, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan handle: %w", err)
		}
		rec, ok := byName[name]
		if !ok {
			rec = &engine.JournalRecord{Workload: name, UpdatedAt: updatedAt}
			byName[name] = rec
			order = append(order, name)
		}
		rec.Handle = handle
		rec.Fingerprint = fingerprint
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(order)
	records := make([]engine.JournalRecord, 0, len(order))
	for _, name := range order {
		records = append(records, *byName[name])
	}
	return records, nil
}

// DeleteRecord removes a workload that reached Removed. Its history stays
// until pruned.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, workload string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workload_handles WHERE workload = ?`, workload); err != nil {
		return fmt.Errorf("failed to delete handle: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workload_states WHERE workload = ?`, workload); err != nil {
		return fmt.Errorf("failed to delete workload state: %w", err)
	}

	return tx.Commit()
}

// History returns the recorded transitions of a workload, newest first.
func (s *SQLiteStore) History(ctx context.Context, workload string, limit int) ([]*Transition, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workload, state, substatus, generation, recorded_at
		FROM transitions
		WHERE workload = ?
		ORDER BY generation DESC, id DESC
		LIMIT ?
	`, workload, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []*Transition
	for rows.Next() {
		tr := &Transition{}
		var generation int64
		if err := rows.Scan(&tr.ID, &tr.Workload, &tr.State, &tr.Substatus, &generation, &tr.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.Generation = uint64(generation)
		history = append(history, tr)
	}

	return history, rows.Err()
}

// GetBatch retrieves a batch outcome by request ID.
func (s *SQLiteStore) GetBatch(ctx context.Context, requestID string) (*BatchRecord, error) {
	b := &BatchRecord{}
	var workloads string
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, accepted, code, error, workloads, recorded_at
		FROM batches
		WHERE request_id = ?
	`, requestID).Scan(&b.RequestID, &b.Accepted, &b.Code, &b.Error, &workloads, &b.RecordedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch not found: %s", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if err := json.Unmarshal([]byte(workloads), &b.Workloads); err != nil {
		return nil, fmt.Errorf("failed to decode batch workloads: %w", err)
	}
	return b, nil
}

// ListBatches returns recent batch outcomes, newest first.
func (s *SQLiteStore) ListBatches(ctx context.Context, limit, offset int) ([]*BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, accepted, code, error, workloads, recorded_at
		FROM batches
		ORDER BY recorded_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*BatchRecord
	for rows.Next() {
		b := &BatchRecord{}
		var workloads string
		if err := rows.Scan(&b.RequestID, &b.Accepted, &b.Code, &b.Error, &workloads, &b.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if err := json.Unmarshal([]byte(workloads), &b.Workloads); err != nil {
			return nil, fmt.Errorf("failed to decode batch workloads: %w", err)
		}
		batches = append(batches, b)
	}

	return batches, rows.Err()
}

// PruneHistory deletes transitions and batches recorded before cutoff.
func (s *SQLiteStore) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	transitions, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM batches WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batches: %w", err)
	}
	batches, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return transitions + batches, nil
}

// RunRetention prunes history older than HistoryRetention once per interval
// until ctx is cancelled. It returns immediately when retention is disabled.
func (s *SQLiteStore) RunRetention(ctx context.Context, interval time.Duration, onError func(error)) {
	if s.cfg.HistoryRetention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PruneHistory(ctx, s.now().Add(-s.cfg.HistoryRetention)); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
