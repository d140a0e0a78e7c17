package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// Transaction is a database transaction with savepoint support. Savepoints
// give the batch persister per-page atomicity inside one outer commit.
type Transaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)

	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error

	Commit() error
	Rollback() error
}

// UnitOfWork runs functions inside managed transactions
type UnitOfWork struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewUnitOfWork creates a UnitOfWork over the pool
func NewUnitOfWork(db *sqlx.DB, logger observability.Logger) *UnitOfWork {
	return &UnitOfWork{db: db, logger: logger}
}

// BeginTx starts a transaction at read-committed unless options say otherwise
func (u *UnitOfWork) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transaction, error) {
	if opts == nil {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := u.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return newTx(tx, u.logger), nil
}

// Execute runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (u *UnitOfWork) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	tx, err := u.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				u.logger.Error("rollback after panic failed", map[string]interface{}{
					"error": rbErr.Error(),
					"panic": fmt.Sprintf("%v", r),
				})
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			u.logger.Error("rollback failed", map[string]interface{}{
				"error":          rbErr.Error(),
				"original_error": err.Error(),
			})
			return errors.Wrap(err, "transaction failed and rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type txImpl struct {
	tx     *sqlx.Tx
	logger observability.Logger

	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func newTx(tx *sqlx.Tx, logger observability.Logger) *txImpl {
	return &txImpl{tx: tx, logger: logger}
}

// WrapTx adapts an existing sqlx transaction; the session recovery wrapper
// uses it for transactions begun on a checked-out connection.
func WrapTx(tx *sqlx.Tx, logger observability.Logger) Transaction {
	return newTx(tx, logger)
}

func (t *txImpl) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *txImpl) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *txImpl) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.GetContext(ctx, dest, query, args...)
}

func (t *txImpl) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.SelectContext(ctx, dest, query, args...)
}

func (t *txImpl) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	return t.tx.NamedExecContext(ctx, query, arg)
}

func (t *txImpl) savepointExec(ctx context.Context, verb, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed || t.rolledBack {
		return errors.New("transaction already completed")
	}
	if !savepointName.MatchString(name) {
		return errors.Errorf("invalid savepoint name %q", name)
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("%s %s", verb, name)); err != nil {
		return errors.Wrapf(err, "%s %s failed", verb, name)
	}
	return nil
}

func (t *txImpl) Savepoint(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "SAVEPOINT", name)
}

func (t *txImpl) RollbackToSavepoint(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "ROLLBACK TO SAVEPOINT", name)
}

func (t *txImpl) ReleaseSavepoint(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "RELEASE SAVEPOINT", name)
}

func (t *txImpl) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return errors.New("transaction already committed")
	}
	if t.rolledBack {
		return errors.New("transaction already rolled back")
	}
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	t.committed = true
	return nil
}

func (t *txImpl) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return errors.New("transaction already committed")
	}
	if t.rolledBack {
		return nil
	}
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "failed to rollback transaction")
	}
	t.rolledBack = true
	return nil
}

// runBounded runs op in a goroutine and gives up after timeout. A wedged
// connection can block driver calls indefinitely; the abandoned goroutine
// unblocks once the connection is torn down.
func runBounded(timeout time.Duration, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.Errorf("operation timed out after %s", timeout)
	}
}
