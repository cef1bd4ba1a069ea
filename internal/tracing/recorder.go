// Package tracing keeps a rolling runtime trace that can be dumped on demand,
// so a slow put or a lock pile-up can be inspected after the fact.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the ring buffer size used when none is given (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// MinAge is how much recent history the recorder tries to retain.
const MinAge = 30 * time.Second

// ErrNotEnabled is returned by Snapshot when the recorder is not running.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a runtime/trace FlightRecorder. The zero value is a stopped
// recorder; a nil *Recorder behaves the same.
type Recorder struct {
	mu  sync.Mutex
	fr  *trace.FlightRecorder
	buf int
}

// New starts a recorder with a ring buffer of bufferSize bytes.
// bufferSize <= 0 selects DefaultBufferSize.
func New(bufferSize int) (*Recorder, error) {
	r := &Recorder{}
	if err := r.Start(bufferSize); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start(bufferSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		return nil
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   MinAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return err
	}
	r.fr = fr
	r.buf = bufferSize
	return nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// BufferSize returns the configured ring buffer size, or 0 when stopped.
func (r *Recorder) BufferSize() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0
	}
	return r.buf
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. Safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
