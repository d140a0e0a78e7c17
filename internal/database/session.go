package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// Session is one checked-out connection with an open transaction. Every
// database operation issued by long-running tasks runs on its own Session
// so the pool connection is returned as soon as the operation commits.
type Session struct {
	conn   *sqlx.Conn
	tx     Transaction
	logger observability.Logger
	closed bool
}

// SessionFactory opens sessions from the pool
type SessionFactory struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewSessionFactory creates a SessionFactory
func NewSessionFactory(db *sqlx.DB, logger observability.Logger) *SessionFactory {
	return &SessionFactory{db: db, logger: logger}
}

// Open checks out a connection and begins a transaction on it
func (f *SessionFactory) Open(ctx context.Context) (*Session, error) {
	conn, err := f.db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire connection")
	}
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &Session{conn: conn, tx: WrapTx(tx, f.logger), logger: f.logger}, nil
}

// Tx returns the session's transaction
func (s *Session) Tx() Transaction {
	return s.tx
}

// Commit commits the transaction and returns the connection to the pool
func (s *Session) Commit() error {
	if s.closed {
		return errors.New("session already closed")
	}
	err := s.tx.Commit()
	s.close()
	if err != nil {
		return err
	}
	return nil
}

// RollbackBounded attempts rollback but gives up after timeout. It may fail
// when the connection is wedged; the caller proceeds to CloseBounded either
// way.
func (s *Session) RollbackBounded(timeout time.Duration) error {
	if s.closed {
		return nil
	}
	return runBounded(timeout, s.tx.Rollback)
}

// CloseBounded closes the underlying connection, giving up after timeout
func (s *Session) CloseBounded(timeout time.Duration) error {
	if s.closed {
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	return runBounded(timeout, conn.Close)
}

// Close rolls back anything uncommitted and returns the connection
func (s *Session) Close() {
	if s.closed {
		return
	}
	_ = s.tx.Rollback()
	s.close()
}

func (s *Session) close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.closed = true
}
