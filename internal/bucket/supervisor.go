package bucket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/ftsync/ftsync/internal/config"
	"github.com/ftsync/ftsync/internal/metrics"
)

// Bucket states reported by Supervisor.Status.
const (
	StateStarting = "starting"
	StateUp       = "up"
	StateFailed   = "failed"
	StateStopped  = "stopped"
)

// CollectInterval is how often sampled gauges are refreshed.
var CollectInterval = 15 * time.Second

// Supervisor runs every configured bucket concurrently. Each bucket is its
// own failure domain: one that fails to open, fails to listen or panics is
// logged and marked down while the rest keep serving.
type Supervisor struct {
	buckets   []config.BucketConfig
	metrics   *metrics.EngineMetrics
	collector *metrics.Collector

	mu    sync.Mutex
	state map[string]string
}

// NewSupervisor creates a supervisor for the buckets in cfg. m may be nil.
func NewSupervisor(cfg *config.Config, m *metrics.EngineMetrics) *Supervisor {
	state := make(map[string]string, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		state[b.Name] = StateStarting
	}
	return &Supervisor{
		buckets:   cfg.Buckets,
		metrics:   m,
		collector: metrics.NewCollector(m),
		state:     state,
	}
}

// Status returns each bucket's state.
func (s *Supervisor) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// Healthy reports whether every bucket is up.
func (s *Supervisor) Healthy() bool {
	for _, st := range s.Status() {
		if st != StateUp {
			return false
		}
	}
	return true
}

func (s *Supervisor) setState(name, state string) {
	s.mu.Lock()
	s.state[name] = state
	s.mu.Unlock()
	s.metrics.SetBucketUp(name, state == StateUp)
}

// Run blocks until ctx is done and every bucket has stopped. It returns an
// error only when no bucket could start at all.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.buckets) == 0 {
		return errors.New("no buckets configured")
	}

	collectCtx, stopCollect := context.WithCancel(ctx)
	defer stopCollect()
	go s.collector.Run(collectCtx, CollectInterval)

	var (
		startedMu sync.Mutex
		started   int
	)
	markStarted := func() {
		startedMu.Lock()
		started++
		startedMu.Unlock()
	}

	p := pool.New().WithContext(ctx)
	for _, b := range s.buckets {
		b := b
		p.Go(func(ctx context.Context) error {
			return s.runBucket(ctx, b, markStarted)
		})
	}
	err := p.Wait()

	startedMu.Lock()
	defer startedMu.Unlock()
	if started == 0 {
		return fmt.Errorf("no bucket could start: %w", err)
	}
	if err != nil {
		log.Warn().Err(err).Msg("some buckets failed")
	}
	return nil
}

// runBucket runs one bucket, turning a panic into an error so it cannot take
// the process down.
func (s *Supervisor) runBucket(ctx context.Context, cfg config.BucketConfig, markStarted func()) (err error) {
	var pc panics.Catcher
	pc.Try(func() {
		err = s.serveBucket(ctx, cfg, markStarted)
	})
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("bucket %s: %w", cfg.Name, r.AsError())
	}

	if err != nil {
		s.setState(cfg.Name, StateFailed)
		log.Error().Err(err).Str("bucket", cfg.Name).Msg("bucket failed")
		return err
	}
	s.setState(cfg.Name, StateStopped)
	return nil
}

func (s *Supervisor) serveBucket(ctx context.Context, cfg config.BucketConfig, markStarted func()) error {
	rt, err := Open(ctx, cfg, s.metrics)
	if err != nil {
		return err
	}
	if err := rt.Listen(); err != nil {
		_ = rt.Close()
		return err
	}

	s.collector.Track(cfg.Name, rt.Locks())
	defer s.collector.Untrack(cfg.Name)

	markStarted()
	s.setState(cfg.Name, StateUp)
	return rt.Serve(ctx)
}
