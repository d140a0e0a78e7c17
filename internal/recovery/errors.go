package recovery

import (
	"database/sql/driver"
	"errors"
	"strings"
)

// ErrSessionCorrupted marks an error as a session-killing condition.
// Wrap database errors with Corrupted when the failure mode is known.
var ErrSessionCorrupted = errors.New("database session corrupted")

// Corrupted tags err as a corruption so IsCorruption recognizes it
// without string matching.
func Corrupted(err error) error {
	if err == nil {
		return nil
	}
	return &corruptionError{err: err}
}

type corruptionError struct {
	err error
}

func (c *corruptionError) Error() string { return c.err.Error() }
func (c *corruptionError) Unwrap() error { return c.err }
func (c *corruptionError) Is(target error) bool {
	return target == ErrSessionCorrupted
}

// corruptionMarkers are error-text fragments that indicate the session's
// transaction or connection is beyond repair and must be replaced rather
// than retried in place.
var corruptionMarkers = []string{
	"pending rollback",
	"invalid transaction",
	"autobegin is disabled",
	"another operation is in progress",
	"bad connection",
	"conn busy",
}

// IsCorruption reports whether err means the session must be torn down.
// Typed markers win; the substring scan catches drivers that only expose
// the condition through the message text.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionCorrupted) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range corruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
