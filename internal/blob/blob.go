// Package blob stores file content by its SHA-256 hash.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ftsync/ftsync/internal/config"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by Get when no blob exists for a hash.
var ErrNotFound = errors.New("blob not found")

// Store keeps content addressed by hash. Put is idempotent and Delete of an
// absent blob is not an error.
type Store interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// New builds the blob store for a bucket.
func New(ctx context.Context, cfg config.BlobConfig, bucket string) (Store, error) {
	switch cfg.Type {
	case config.BlobsFS, "":
		log.Info().Str("bucket", bucket).Str("dir", cfg.FS.Dir).Bool("compress", cfg.FS.CompressEnabled()).Msg("using filesystem blob store")
		return NewFS(cfg.FS.Dir, cfg.FS.CompressEnabled())
	case config.BlobsS3:
		prefix := cfg.S3.Prefix
		if prefix == "" {
			prefix = bucket
		}
		log.Info().Str("bucket", bucket).Str("s3_bucket", cfg.S3.Bucket).Str("prefix", prefix).Msg("using s3 blob store")
		return NewS3(ctx, cfg.S3, prefix)
	default:
		return nil, fmt.Errorf("unknown blobs type: %s", cfg.Type)
	}
}
