// Package migration manages schema migrations via golang-migrate
package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
)

// Config holds the migration configuration
type Config struct {
	// Path to the directory of *.up.sql / *.down.sql files
	MigrationsPath string
	// Timeout for one migration run
	Timeout time.Duration
	// Steps > 0 limits how many migrations apply (0 = all)
	Steps int
}

// Manager drives migrations against one database
type Manager struct {
	db       *sqlx.DB
	config   Config
	migrator *migrate.Migrate
}

// NewManager creates a migration manager
func NewManager(db *sqlx.DB, config Config) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection cannot be nil")
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "migrations/sql"
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	return &Manager{db: db, config: config}, nil
}

func (m *Manager) init() error {
	if m.migrator != nil {
		return nil
	}
	driver, err := postgres.WithInstance(m.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", m.config.MigrationsPath), "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	m.migrator = migrator
	return nil
}

// Up applies pending migrations, bounded by the configured timeout
func (m *Manager) Up(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if m.config.Steps > 0 {
			err = m.migrator.Steps(m.config.Steps)
		} else {
			err = m.migrator.Up()
		}
		if err == migrate.ErrNoChange {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migration timeout after %s", m.config.Timeout)
	}
}

// Down rolls back the last applied migration
func (m *Manager) Down(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}
	return m.migrator.Steps(-1)
}

// Reset rolls back all migrations
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}
	err := m.migrator.Down()
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}

// Version returns the current version and whether the schema is dirty
func (m *Manager) Version(ctx context.Context) (uint, bool, error) {
	if err := m.init(); err != nil {
		return 0, false, err
	}
	version, dirty, err := m.migrator.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Validate fails when the schema is in a dirty state
func (m *Manager) Validate(ctx context.Context) error {
	version, dirty, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state at version %d", version)
	}
	return nil
}
