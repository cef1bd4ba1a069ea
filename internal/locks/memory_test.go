package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "file:photos:/a/b.txt", FileKey("photos", "/a/b.txt"))
	assert.Equal(t, "hash:photos:abc123", HashKey("photos", "abc123"))
	assert.NotEqual(t, FileKey("b", "x"), HashKey("b", "x"))
}

func TestNew(t *testing.T) {
	m, err := New("memory")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, m)

	_, err = New("etcd")
	assert.Error(t, err)
}

func TestSharedHoldersCoexist(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	g1, err := m.AcquireShared(ctx, "k")
	require.NoError(t, err)
	g2, err := m.AcquireShared(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Shared, g1.Mode())
	assert.Equal(t, 1, m.Len())

	assert.True(t, g1.Release())
	assert.True(t, g2.Release())
	assert.Equal(t, 0, m.Len())
}

func TestExclusiveExcludesOthers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	g, err := m.AcquireExclusive(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, g.Mode())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.AcquireShared(short, "k")
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	short2, cancel2 := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel2()
	_, err = m.AcquireExclusive(short2, "k")
	assert.ErrorIs(t, err, ErrLockUnavailable)

	assert.True(t, g.Release())
	assert.Equal(t, 0, m.Len())
}

func TestSharedBlocksExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s, err := m.AcquireShared(ctx, "k")
	require.NoError(t, err)

	acquired := make(chan *Guard)
	go func() {
		g, err := m.AcquireExclusive(ctx, "k")
		if err != nil {
			close(acquired)
			return
		}
		acquired <- g
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive acquired while shared held")
	case <-time.After(30 * time.Millisecond):
	}

	s.Release()
	select {
	case g := <-acquired:
		require.NotNil(t, g)
		g.Release()
	case <-time.After(time.Second):
		t.Fatal("exclusive never acquired")
	}
	assert.Equal(t, 0, m.Len())
}

func TestWaitingExclusiveBlocksLaterShared(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s, err := m.AcquireShared(ctx, "k")
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g, err := m.AcquireExclusive(ctx, "k")
		if !assert.NoError(t, err) {
			return
		}
		record("exclusive")
		time.Sleep(10 * time.Millisecond)
		g.Release()
	}()

	// Let the writer queue up before the second reader arrives.
	time.Sleep(20 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		g, err := m.AcquireShared(ctx, "k")
		if !assert.NoError(t, err) {
			return
		}
		record("shared")
		g.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	s.Release()
	wg.Wait()

	assert.Equal(t, []string{"exclusive", "shared"}, order)
	assert.Equal(t, 0, m.Len())
}

func TestCancelledWaiterLeavesNoHold(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	g, err := m.AcquireExclusive(ctx, "k")
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := m.AcquireExclusive(waitCtx, "k")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err = <-done
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	g.Release()
	assert.Equal(t, 0, m.Len())

	// The key is free again.
	g, err = m.AcquireExclusive(ctx, "k")
	require.NoError(t, err)
	g.Release()
}

func TestAcquireWithDoneContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.AcquireShared(ctx, "k")
	assert.True(t, errors.Is(err, ErrLockUnavailable))
	assert.Equal(t, 0, m.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewMemory()
	g, err := m.AcquireExclusive(context.Background(), "k")
	require.NoError(t, err)

	assert.True(t, g.Release())
	assert.False(t, g.Release())
	assert.False(t, g.Release())
	assert.Equal(t, 0, m.Len())

	var nilGuard *Guard
	assert.False(t, nilGuard.Release())
}

func TestClose(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g, err := m.AcquireShared(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = m.AcquireShared(ctx, "other")
	assert.ErrorIs(t, err, ErrLockUnavailable)

	// Existing holders release normally.
	assert.True(t, g.Release())
	assert.Equal(t, 0, m.Len())
}

func TestExclusiveMutualExclusion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g, err := m.AcquireExclusive(ctx, "k")
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				counter++
				inside.Add(-1)
				g.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 32*50, counter)
	assert.Equal(t, 0, m.Len())
}

func TestDistinctKeysIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, err := m.AcquireExclusive(ctx, FileKey("b", "/a"))
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h, err := m.AcquireExclusive(short, HashKey("b", "abc"))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	h.Release()
	a.Release()
	assert.Equal(t, 0, m.Len())
}
