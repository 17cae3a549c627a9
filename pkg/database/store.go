// Copyright 2025 Relayforge
//
// Package database provides the PostgreSQL-backed connection pool,
// migrations, and transaction runner the event-graph core persists
// through.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	_ "github.com/lib/pq" // PostgreSQL driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store represents a database connection pool plus migration and
// transaction-running support.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	maxRetries int
	retryDelay time.Duration

	observer func(name string, err error, duration time.Duration)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger for the store.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithObserver registers a callback invoked after every RunInteraction
// attempt with its name, final error (nil on success), and wall-clock
// duration -- the hook metrics.Recorder.ObserveTransaction attaches
// through, kept decoupled here so this package never imports metrics.
func WithObserver(fn func(name string, err error, duration time.Duration)) Option {
	return func(s *Store) { s.observer = fn }
}

// WithRetry overrides the transaction runner's retry budget for
// transient (serialization/deadlock) errors.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

// PoolConfig tunes the underlying *sql.DB connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open opens a new Store against dsn and verifies connectivity.
func Open(ctx context.Context, dsn string, pool PoolConfig, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database: dsn cannot be empty")
	}

	s := &Store{
		logger:     log.New(log.Writer(), "[database] ", log.LstdFlags),
		maxRetries: 3,
		retryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	s.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	return s, nil
}

// DB returns the underlying *sql.DB for callers that need direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool. A Store must not be used after Close;
// subsequent RunInteraction calls return ErrClosed.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// HealthStatus reports the health of the store's connection pool.
type HealthStatus struct {
	Healthy            bool
	Error              string
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxOpenConnections int
	CheckedAt          time.Time
}

// Health reports connection pool health.
func (s *Store) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{CheckedAt: time.Now()}
	if err := s.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		return status
	}
	stats := s.db.Stats()
	status.Healthy = true
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.WaitDuration = stats.WaitDuration
	status.MaxOpenConnections = stats.MaxOpenConnections
	return status
}

// ============================================================================
// Migrations
// ============================================================================

// Migration is one embedded schema migration file.
type Migration struct {
	Version string
	SQL     string
}

func (s *Store) loadMigrations() ([]Migration, error) {
	var migrations []Migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(d.Name(), ".sql"),
			SQL:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// MigrateUp applies every pending embedded migration in order.
func (s *Store) MigrateUp(ctx context.Context) error {
	migrations, err := s.loadMigrations()
	if err != nil {
		return fmt.Errorf("database: load migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("database: load applied migrations: %w", err)
		}
		applied = map[string]bool{}
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		s.logger.Printf("applying migration %s", m.Version)
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMigrationFailed, m.Version, err)
		}
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, now()) ON CONFLICT DO NOTHING`,
		m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// ============================================================================
// Transaction runner
// ============================================================================

// Tx is the transaction handle passed to RunInteraction closures. It must
// never suspend on anything beyond the database itself within the closure
// body.
type Tx struct {
	tx        *sql.Tx
	callbacks []func()
}

// Exec runs a statement that returns no rows.
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs a statement returning rows.
func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRow runs a statement returning at most one row.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// CallAfter registers fn to run once the enclosing transaction has
// committed durably. fn never runs if the transaction aborts.
func (t *Tx) CallAfter(fn func()) {
	t.callbacks = append(t.callbacks, fn)
}

// RunInteraction runs fn inside a single database transaction. On success
// it commits and then drains fn's post-commit callbacks, in registration
// order, before returning. On error it rolls back and no callback runs.
// Errors classified as transient (serialization failure, deadlock) are
// retried up to the store's configured retry budget; after that the
// returned error reports the attempt count and wraps the last database
// error. If ctx is canceled first, RunInteraction returns ctx.Err() at
// once while the interaction, including its post-commit callbacks, runs
// to completion in the background.
func (s *Store) RunInteraction(ctx context.Context, name string, fn func(ctx context.Context, tx *Tx) error) error {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		err := s.runInteraction(context.WithoutCancel(ctx), name, fn)
		if s.observer != nil {
			s.observer(name, err, time.Since(start))
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) runInteraction(ctx context.Context, name string, fn func(ctx context.Context, tx *Tx) error) error {
	if s.db == nil {
		return ErrClosed
	}
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
	}
	return fmt.Errorf("database: interaction %q aborted after %d attempts: %w", name, s.maxRetries+1, lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, cb := range tx.callbacks {
		cb()
	}
	return nil
}

// isTransient reports whether err represents a Postgres condition the
// transaction runner should retry: serialization failures and deadlocks.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
