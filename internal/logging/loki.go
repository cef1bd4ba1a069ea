package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ftsync/ftsync/internal/config"
)

// LokiWriter buffers log lines and pushes them to Loki's HTTP push API in
// batches. Writes never fail; delivery problems are counted and reported on
// stderr a few times to avoid feeding back into the logger.
type LokiWriter struct {
	url      string
	labels   map[string]string
	client   *http.Client
	maxBatch int
	interval time.Duration

	mu      sync.Mutex
	pending []lokiLine

	kick     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	sending  sync.Mutex

	failures atomic.Uint64
}

type lokiLine struct {
	at   time.Time
	text string
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewLokiWriter creates a writer for cfg. Call Start to begin flushing.
func NewLokiWriter(cfg config.LokiConfig) *LokiWriter {
	labels := map[string]string{"job": "ftsync"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if host, err := os.Hostname(); err == nil {
		if _, ok := labels["host"]; !ok {
			labels["host"] = host
		}
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &LokiWriter{
		url:      cfg.URL,
		labels:   labels,
		client:   &http.Client{Timeout: 10 * time.Second},
		maxBatch: batch,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Write queues one log line. zerolog reuses p, so it is copied.
func (w *LokiWriter) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, lokiLine{at: time.Now(), text: text})
	full := len(w.pending) >= w.maxBatch
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the background flusher.
func (w *LokiWriter) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Flush()
			case <-w.kick:
				w.Flush()
			}
		}
	}()
}

// Close stops the flusher and pushes whatever is still queued.
func (w *LokiWriter) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.Flush()
	return nil
}

// Failures returns how many pushes failed.
func (w *LokiWriter) Failures() uint64 {
	return w.failures.Load()
}

// Flush pushes the queued lines now.
func (w *LokiWriter) Flush() {
	w.sending.Lock()
	defer w.sending.Unlock()

	w.mu.Lock()
	lines := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(lines) == 0 {
		return
	}

	values := make([][2]string, len(lines))
	for i, l := range lines {
		values[i] = [2]string{strconv.FormatInt(l.at.UnixNano(), 10), l.text}
	}
	body, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: w.labels, Values: values}}})
	if err != nil {
		w.fail("marshal payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		w.fail("build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.fail("push: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		w.fail("push: status %d", resp.StatusCode)
	}
}

func (w *LokiWriter) fail(format string, args ...any) {
	if n := w.failures.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: "+format+"\n", args...)
	}
}
