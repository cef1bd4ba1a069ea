package tracing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ZeroValueIsStopped(t *testing.T) {
	var r Recorder
	assert.False(t, r.Enabled())
	assert.Zero(t, r.BufferSize())

	var buf bytes.Buffer
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotEnabled)
	r.Stop()
}

func TestRecorder_NilIsStopped(t *testing.T) {
	var r *Recorder
	assert.False(t, r.Enabled())
	assert.ErrorIs(t, r.Snapshot(&bytes.Buffer{}), ErrNotEnabled)
	r.Stop()
}

func TestRecorder_Snapshot(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)
	defer r.Stop()

	assert.True(t, r.Enabled())
	assert.Equal(t, DefaultBufferSize, r.BufferSize())

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))
	assert.NotZero(t, buf.Len())
}

func TestRecorder_StartTwiceKeepsFirst(t *testing.T) {
	r, err := New(4 * 1024 * 1024)
	require.NoError(t, err)
	defer r.Stop()

	require.NoError(t, r.Start(1024))
	assert.Equal(t, 4*1024*1024, r.BufferSize())
}

func TestRecorder_StopThenSnapshot(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)

	r.Stop()
	r.Stop()
	assert.False(t, r.Enabled())
	assert.ErrorIs(t, r.Snapshot(&bytes.Buffer{}), ErrNotEnabled)
}
