// Package sqlite implements the execution history store using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - UUIDs are stored as text
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/galaxy/internal/storage"
	pgstore "github.com/jkaninda/galaxy/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.ExecutionStore backed by SQLite. The repository
// is the PostgreSQL one: both operate on the same GORM model and GORM's
// SQLite dialect handles the SQL differences.
type Store struct {
	*pgstore.ExecutionRepository
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

var _ storage.ExecutionStore = (*Store)(nil)

// Open creates a new SQLite-backed Store and migrates its schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         pgstore.NewGormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := pgstore.AutoMigrate(db); err != nil {
		_ = closeDB(db)
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return &Store{
		ExecutionRepository: pgstore.NewExecutionRepository(db),
		db:                  db,
		logger:              slogger,
		path:                cfg.Path,
	}, nil
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return closeDB(s.db)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
