// Package main drives schema migrations for the ingest worker database
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/database/migration"
)

const defaultMigrationsPath = "migrations/sql"

var (
	// Command flags
	upFlag       = flag.Bool("up", false, "Apply pending migrations")
	downFlag     = flag.Bool("down", false, "Roll back the last migration")
	resetFlag    = flag.Bool("reset", false, "Roll back all migrations")
	versionFlag  = flag.Bool("version", false, "Show current migration version")
	validateFlag = flag.Bool("validate", false, "Fail when the schema is dirty")

	// Global flags
	dsn           = flag.String("dsn", "", "Database connection string (defaults to the worker configuration)")
	migrationsDir = flag.String("dir", defaultMigrationsPath, "Migrations directory")
	steps         = flag.Int("steps", 0, "Number of migrations to apply with -up (0 = all)")
	timeout       = flag.Duration("timeout", 1*time.Minute, "Migration timeout")
)

func main() {
	flag.Parse()

	connString := *dsn
	if connString == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		connString = cfg.Database.ConnString()
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Received termination signal, canceling...")
		cancel()
	}()

	manager, err := migration.NewManager(sqlx.NewDb(db, "postgres"), migration.Config{
		MigrationsPath: *migrationsDir,
		Timeout:        *timeout,
		Steps:          *steps,
	})
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}

	switch {
	case *versionFlag:
		version, dirty, err := manager.Version(ctx)
		if err != nil {
			log.Fatalf("Failed to get migration version: %v", err)
		}
		fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)

	case *validateFlag:
		if err := manager.Validate(ctx); err != nil {
			log.Fatalf("Migration validation failed: %v", err)
		}
		fmt.Println("Schema is clean")

	case *upFlag:
		fmt.Println("Running migrations...")
		start := time.Now()
		if err := manager.Up(ctx); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Printf("Migrations completed in %s\n", time.Since(start))

	case *downFlag:
		fmt.Println("Rolling back last migration...")
		if err := manager.Down(ctx); err != nil {
			log.Fatalf("Failed to roll back migration: %v", err)
		}
		fmt.Println("Rollback completed")

	case *resetFlag:
		fmt.Println("Rolling back all migrations...")
		if err := manager.Reset(ctx); err != nil {
			log.Fatalf("Failed to reset migrations: %v", err)
		}
		fmt.Println("All migrations have been rolled back")

	default:
		flag.Usage()
	}
}
