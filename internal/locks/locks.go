// Package locks provides keyed shared/exclusive locks for serializing
// metadata updates to the same path or content hash.
package locks

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockUnavailable is returned when a lock could not be acquired because the
// caller's context ended or the manager was closed.
var ErrLockUnavailable = errors.New("lock unavailable")

// Mode is the kind of hold a Guard represents.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Manager hands out keyed locks. Acquisition blocks until the lock is held or
// ctx is done. Every returned Guard must be released exactly once; extra
// Release calls are no-ops.
type Manager interface {
	AcquireShared(ctx context.Context, key string) (*Guard, error)
	AcquireExclusive(ctx context.Context, key string) (*Guard, error)
	// Len returns the number of keys currently held or waited on.
	Len() int
	Close() error
}

// New returns the lock manager of the given kind.
func New(kind string) (Manager, error) {
	switch kind {
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown locks type: %s", kind)
	}
}

// FileKey is the lock key guarding the metadata of path in bucket.
func FileKey(bucket, path string) string {
	return "file:" + bucket + ":" + path
}

// HashKey is the lock key guarding the refcount of hash in bucket.
func HashKey(bucket, hash string) string {
	return "hash:" + bucket + ":" + hash
}
