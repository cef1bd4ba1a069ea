// Package kvstore persists the per-bucket dedup metadata of ftsync.
//
// Three relations are kept, each keyed by bucket:
//
//	refcount (bucket, hash) -> number of paths pointing at hash
//	modified (bucket, path) -> last accepted Unix timestamp for path
//	ref_file (bucket, path) -> content hash path resolves to
//
// Reads of missing keys return the zero value (0 or "") instead of an error.
// Setters are single-statement upserts. Nothing here makes a sequence of calls
// atomic; callers serialize read-modify-write sequences with the locks package.
package kvstore

import (
	"context"
	"fmt"

	"github.com/ftsync/ftsync/internal/config"
	"github.com/rs/zerolog/log"
)

// Backend is the storage contract every metadata engine implements.
type Backend interface {
	// Setup creates the relations if they do not exist. Safe to call on every start.
	Setup(ctx context.Context) error

	GetRefCount(ctx context.Context, bucket, hash string) (int64, error)
	SetRefCount(ctx context.Context, bucket, hash string, n int64) error

	GetModified(ctx context.Context, bucket, path string) (int64, error)
	SetModified(ctx context.Context, bucket, path string, modified int64) error
	DeleteModified(ctx context.Context, bucket, path string) error

	GetRefFile(ctx context.Context, bucket, path string) (string, error)
	SetRefFile(ctx context.Context, bucket, path, hash string) error
	DeleteRefFile(ctx context.Context, bucket, path string) error

	// ListRefFiles returns every path -> hash mapping of a bucket.
	ListRefFiles(ctx context.Context, bucket string) (map[string]string, error)
	// ListRefCounts returns every hash -> refcount entry of a bucket, zeros included.
	ListRefCounts(ctx context.Context, bucket string) (map[string]int64, error)

	Close() error
}

// IncrementRefCount adds one to the refcount of hash and returns the new value.
// It is a get followed by a set; hold the hash lock around it.
func IncrementRefCount(ctx context.Context, b Backend, bucket, hash string) (int64, error) {
	n, err := b.GetRefCount(ctx, bucket, hash)
	if err != nil {
		return 0, err
	}
	n++
	if err := b.SetRefCount(ctx, bucket, hash, n); err != nil {
		return 0, err
	}
	log.Debug().Str("bucket", bucket).Str("hash", hash).Int64("refcount", n).Msg("refcount incremented")
	return n, nil
}

// DecrementRefCount subtracts one from the refcount of hash and returns the new
// value. A count already at zero is left alone.
// It is a get followed by a set; hold the hash lock around it.
func DecrementRefCount(ctx context.Context, b Backend, bucket, hash string) (int64, error) {
	n, err := b.GetRefCount(ctx, bucket, hash)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	n--
	if err := b.SetRefCount(ctx, bucket, hash, n); err != nil {
		return 0, err
	}
	log.Debug().Str("bucket", bucket).Str("hash", hash).Int64("refcount", n).Msg("refcount decremented")
	return n, nil
}

// New creates the backend selected by cfg. Setup is not called.
func New(ctx context.Context, cfg config.KVStoreConfig) (Backend, error) {
	switch cfg.Type {
	case config.KVStoreSQLite:
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite as KV storage")
		return OpenSQLite(cfg.SQLite.Path, cfg.SQLite.PoolSize)
	case config.KVStorePostgres:
		log.Info().Str("host", cfg.Postgres.Host).Str("dbname", cfg.Postgres.DBName).Msg("using Postgres as KV storage")
		return OpenPostgres(ctx, cfg.Postgres.ConnString(), cfg.Postgres.PoolSize)
	case config.KVStoreMongoDB:
		log.Info().Str("database", cfg.MongoDB.Database).Msg("using MongoDB as KV storage")
		return OpenMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.PoolSize)
	case config.KVStoreMemory:
		log.Info().Msg("using in-memory KV storage")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown kvstore type: %s", cfg.Type)
	}
}
