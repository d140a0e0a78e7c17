// Package recovery wraps database operations in disposable sessions and
// replaces sessions that corrupt mid-operation. Long-running tasks call
// through here for every statement group, so no pool connection is held
// between operations and a wedged connection costs one bounded teardown
// plus a single retry, never a stuck worker.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// teardownTimeout bounds rollback and close on a corrupted session; a
// wedged connection must not block recovery.
const teardownTimeout = 2 * time.Second

// Runner executes operations with session replacement on corruption
type Runner struct {
	factory *database.SessionFactory
	metrics *metrics.Metrics
	logger  observability.Logger
}

func NewRunner(factory *database.SessionFactory, m *metrics.Metrics, logger observability.Logger) *Runner {
	return &Runner{
		factory: factory,
		metrics: m,
		logger:  logger.WithPrefix("recovery"),
	}
}

// Do runs op on a fresh session and commits on success. A corrupted
// session is torn down within bounded time and the operation re-runs
// exactly once on a replacement; any second failure propagates. Non-
// corruption failures roll back and propagate immediately.
func (r *Runner) Do(ctx context.Context, name string, op func(ctx context.Context, sess *database.Session) error) error {
	err := r.attempt(ctx, name, op)
	if err == nil {
		return nil
	}
	if !IsCorruption(err) {
		return err
	}

	r.metrics.SessionRecovers.Inc()
	r.logger.Warn("session corrupted, retrying on a fresh session", map[string]interface{}{
		"operation": name,
		"error":     err.Error(),
	})

	if retryErr := r.attempt(ctx, name, op); retryErr != nil {
		return fmt.Errorf("%s failed after session recovery: %w", name, retryErr)
	}
	return nil
}

func (r *Runner) attempt(ctx context.Context, name string, op func(ctx context.Context, sess *database.Session) error) error {
	sess, err := r.factory.Open(ctx)
	if err != nil {
		return fmt.Errorf("open session for %s: %w", name, err)
	}

	if err := op(ctx, sess); err != nil {
		r.teardown(sess, err)
		return err
	}

	if err := sess.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// teardown disposes a failed session. Corrupted sessions get the bounded
// path so a dead connection cannot hang the worker; healthy sessions roll
// back normally.
func (r *Runner) teardown(sess *database.Session, cause error) {
	if !IsCorruption(cause) {
		sess.Close()
		return
	}
	if err := sess.RollbackBounded(teardownTimeout); err != nil {
		r.logger.Warn("bounded rollback failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := sess.CloseBounded(teardownTimeout); err != nil {
		r.logger.Warn("bounded close failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
