package engine

import (
	"errors"
	"fmt"

	"github.com/ftsync/ftsync/internal/locks"
)

var (
	// ErrInvalidTimestamp is returned when the claimed modification time
	// cannot be parsed or is not after the Unix epoch.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrInvalidPath is returned for an empty path or one containing NUL.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when the path has no stored file.
	ErrNotFound = errors.New("file not found")

	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage failure")

	// ErrLockUnavailable is returned when a lock wait was abandoned.
	ErrLockUnavailable = locks.ErrLockUnavailable
)

// StorageError reports a failed backend or blob store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
