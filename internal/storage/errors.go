package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors. StorageError wraps one of them so callers can match with
// errors.Is regardless of the driver error underneath.
var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrQueryFailed       = errors.New("storage: query failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrWriterClosed      = errors.New("storage: batch writer is closed")
)

// StorageError records the operation and table of a failed storage call.
// Retries is set for inserts that exhausted their retry budget.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(kind error, op, table string, err error) *StorageError {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", kind, err)}
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// WrapConnectionError wraps err as a connection failure during op.
func WrapConnectionError(op string, err error) error {
	return wrap(ErrConnectionFailed, op, "", err)
}

// WrapQueryError wraps err as a failed query against table.
func WrapQueryError(op, table string, err error) error {
	return wrap(ErrQueryFailed, op, table, err)
}

// WrapBatchError wraps err as an insert into table that failed after retries.
func WrapBatchError(table string, err error, retries int) error {
	se := wrap(ErrBatchInsertFailed, "Insert", table, err)
	se.Retries = retries
	return se
}
