package job

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrUnknownKind is returned when a record names no registered job kind.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrSerialization is returned when a payload cannot be encoded or decoded.
	ErrSerialization = errors.New("serialization failed")
	// ErrEnqueueFailed wraps store failures surfaced by the Enqueuer.
	ErrEnqueueFailed = errors.New("enqueue failed")
	// ErrConnection marks a store that could not be reached.
	ErrConnection = errors.New("store unreachable")

	ErrEmptyKindName = errors.New("job kind name is empty")
	ErrNilRoutine    = errors.New("job kind routine is nil")
	ErrDuplicateKind = errors.New("job kind registered twice")
)

// ExecutionError is returned when a job routine reports failure or panics.
type ExecutionError struct {
	Kind string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Permanent reports whether err can never succeed on a later attempt.
func Permanent(err error) bool {
	return errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrSerialization)
}

// IsConnectionError reports whether err means the store could not be reached,
// as opposed to the store rejecting the statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// SQLSTATE class 08: connection exception. 57P01-03: server shutting down.
		if pqErr.Code.Class() == "08" {
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func wrapStoreError(err error) error {
	if IsConnectionError(err) && !errors.Is(err, ErrConnection) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return err
}
