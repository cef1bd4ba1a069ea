// Package bucket wires one bucket's backend, locks, blobs, engine and
// listener together, and supervises many buckets in one process.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ftsync/ftsync/internal/blob"
	"github.com/ftsync/ftsync/internal/config"
	"github.com/ftsync/ftsync/internal/engine"
	"github.com/ftsync/ftsync/internal/kvstore"
	"github.com/ftsync/ftsync/internal/locks"
	"github.com/ftsync/ftsync/internal/metrics"
	"github.com/ftsync/ftsync/internal/server"
)

// ShutdownTimeout bounds how long in-flight requests get to finish.
const ShutdownTimeout = 10 * time.Second

// Runtime is one running bucket.
type Runtime struct {
	cfg     config.BucketConfig
	kv      kvstore.Backend
	locks   locks.Manager
	blobs   blob.Store
	engine  *engine.Engine
	handler http.Handler
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener

	closeOnce sync.Once
	closeErr  error
}

// Open builds the bucket's components and prepares its backend schema.
// Nothing listens until Listen or Run is called.
func Open(ctx context.Context, cfg config.BucketConfig, m *metrics.EngineMetrics) (*Runtime, error) {
	logger := log.With().Str("bucket", cfg.Name).Logger()

	kv, err := kvstore.New(ctx, cfg.KVStore)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: open kvstore: %w", cfg.Name, err)
	}
	if err := kv.Setup(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("bucket %s: setup kvstore: %w", cfg.Name, err)
	}

	lk, err := locks.New(cfg.Locks)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("bucket %s: %w", cfg.Name, err)
	}

	blobs, err := blob.New(ctx, cfg.Blobs, cfg.Name)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("bucket %s: open blob store: %w", cfg.Name, err)
	}

	e := engine.New(cfg.Name, kv, lk, blobs, m)
	rt := &Runtime{
		cfg:     cfg,
		kv:      kv,
		locks:   lk,
		blobs:   blobs,
		engine:  e,
		handler: server.New(e, cfg.MaxUploadBytes(), m).Handler(),
		log:     logger,
	}
	logger.Info().
		Str("kvstore", cfg.KVStore.Type).
		Str("blobs", cfg.Blobs.Type).
		Str("listen", cfg.Listen).
		Msg("bucket opened")
	return rt, nil
}

// Name returns the bucket name.
func (rt *Runtime) Name() string { return rt.cfg.Name }

// Engine returns the bucket's engine.
func (rt *Runtime) Engine() *engine.Engine { return rt.engine }

// Handler returns the bucket's HTTP handler.
func (rt *Runtime) Handler() http.Handler { return rt.handler }

// Locks returns the bucket's lock manager.
func (rt *Runtime) Locks() locks.Manager { return rt.locks }

// Listen binds the bucket's listen address.
func (rt *Runtime) Listen() error {
	ln, err := net.Listen("tcp", rt.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bucket %s: listen on %s: %w", rt.cfg.Name, rt.cfg.Listen, err)
	}
	rt.mu.Lock()
	rt.listener = ln
	rt.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (rt *Runtime) Addr() net.Addr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.listener == nil {
		return nil
	}
	return rt.listener.Addr()
}

// Run listens (if Listen was not called yet) and serves until ctx is done,
// then drains in-flight requests and closes the bucket.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt.Addr() == nil {
		if err := rt.Listen(); err != nil {
			_ = rt.Close()
			return err
		}
	}
	return rt.Serve(ctx)
}

// Serve serves on the bound listener until ctx is done.
func (rt *Runtime) Serve(ctx context.Context) error {
	rt.mu.Lock()
	ln := rt.listener
	rt.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("bucket %s: not listening", rt.cfg.Name)
	}

	srv := &http.Server{
		Handler:           rt.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Requests outlive ctx so Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	rt.log.Info().Str("addr", ln.Addr().String()).Msg("bucket serving")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	if closeErr := rt.Close(); closeErr != nil {
		rt.log.Warn().Err(closeErr).Msg("failed to close bucket")
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("bucket %s: serve: %w", rt.cfg.Name, serveErr)
	}
	rt.log.Info().Msg("bucket stopped")
	return nil
}

// Close releases the lock manager and backend. Safe to call more than once.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		_ = rt.locks.Close()
		rt.closeErr = rt.kv.Close()
	})
	return rt.closeErr
}
