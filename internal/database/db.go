// Package database provides the Postgres pool, a transaction wrapper with
// savepoint support, and short-lived sessions for the recovery wrapper.
package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// Connect opens the Postgres pool and verifies connectivity
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	logger.Info("database connected", map[string]interface{}{
		"host":      cfg.Host,
		"database":  cfg.Database,
		"max_conns": cfg.MaxConns,
	})
	return db, nil
}
