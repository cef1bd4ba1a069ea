package locks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// exclusiveWeight is the semaphore weight taken by an exclusive holder; shared
// holders take 1. The semaphore is FIFO, so a queued exclusive request also
// blocks shared requests that arrive after it.
const exclusiveWeight = 1 << 30

type entry struct {
	sem  *semaphore.Weighted
	refs int // holders + waiters, guarded by Memory.mu
}

// Memory is an in-process lock manager. Entries are created on first use and
// removed once no goroutine holds or waits on them, so a waiter never ends up
// with an entry that another goroutine has already replaced in the table.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewMemory creates an empty lock table.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*entry)}
}

// AcquireShared blocks until a shared hold on key is obtained.
func (m *Memory) AcquireShared(ctx context.Context, key string) (*Guard, error) {
	return m.acquire(ctx, key, Shared)
}

// AcquireExclusive blocks until sole ownership of key is obtained.
func (m *Memory) AcquireExclusive(ctx context.Context, key string) (*Guard, error) {
	return m.acquire(ctx, key, Exclusive)
}

func (m *Memory) acquire(ctx context.Context, key string, mode Mode) (*Guard, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLockUnavailable, key, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: manager closed", ErrLockUnavailable, key)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(exclusiveWeight)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	weight := int64(1)
	if mode == Exclusive {
		weight = exclusiveWeight
	}
	if err := e.sem.Acquire(ctx, weight); err != nil {
		m.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockUnavailable, key, err)
	}
	return &Guard{m: m, key: key, e: e, weight: weight, mode: mode}, nil
}

// unref drops one reference and evicts the entry when none remain.
// It reports whether key still mapped to e.
func (m *Memory) unref(key string, e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	existed := m.entries[key] == e
	e.refs--
	if e.refs == 0 && existed {
		delete(m.entries, key)
	}
	return existed
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close makes further acquisitions fail with ErrLockUnavailable.
// Existing holders keep their locks until they release them.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Guard is a held lock.
type Guard struct {
	m        *Memory
	key      string
	e        *entry
	weight   int64
	mode     Mode
	released atomic.Bool
}

// Key returns the locked key.
func (g *Guard) Key() string { return g.key }

// Mode returns whether the hold is shared or exclusive.
func (g *Guard) Mode() Mode { return g.mode }

// Release gives up the hold. It returns whether a lock object for the key
// existed to release; calls after the first return false.
func (g *Guard) Release() bool {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return false
	}
	g.e.sem.Release(g.weight)
	return g.m.unref(g.key, g.e)
}
