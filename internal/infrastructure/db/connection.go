// Package db manages the relational store connection and owns the
// repository wiring. PostgreSQL and SQLite are supported; the driver
// is picked from the DATABASE_URL scheme.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/persistence/sqldb"
)

// Config holds database connection configuration.
type Config struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns reasonable defaults: a local SQLite file and
// the standard batch flusher settings.
func DefaultConfig() Config {
	return Config{
		URL:             "sqlite:///./nexusfeed.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
		BatchSize:       sqldb.DefaultBatchSize,
		FlushInterval:   sqldb.DefaultFlushInterval,
	}
}

// Manager owns the database handle and repository instances.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
}

// driverFor maps a DATABASE_URL to (driver, dsn).
func driverFor(url string) (string, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url, nil
	case strings.HasPrefix(url, "sqlite:///"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite:///"), nil
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite://"), nil
	case url == "":
		return "", "", fmt.Errorf("database URL is required")
	default:
		// Bare paths are treated as SQLite files.
		return "sqlite3", url, nil
	}
}

// NewManager opens the store, verifies connectivity, applies the
// schema and wires the repositories.
func NewManager(config Config, observer persistence.WriteObserver) (*Manager, error) {
	driver, dsn, err := driverFor(config.URL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	trades := sqldb.NewTradesRepo(db, config.QueryTimeout, config.BatchSize, config.FlushInterval, observer)
	repos := &persistence.Repository{
		Trades:    trades,
		Snapshots: sqldb.NewSnapshotsRepo(db, config.QueryTimeout, observer),
	}
	repos.OnShutdown(trades.Close)

	return &Manager{db: db, config: config, repos: repos}, nil
}

// Repository returns the repository collection.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// DB returns the underlying handle, mainly for tests.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Ping tests basic connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Stats returns connection pool statistics for the health endpoint.
func (m *Manager) Stats() map[string]any {
	s := m.db.Stats()
	return map[string]any{
		"max_open_connections": s.MaxOpenConnections,
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"wait_count":           s.WaitCount,
		"wait_duration_ms":     s.WaitDuration.Milliseconds(),
	}
}

// Close shuts the repositories down (final flush) and closes the
// connection.
func (m *Manager) Close(ctx context.Context) error {
	err := m.repos.Shutdown(ctx)
	if cerr := m.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
