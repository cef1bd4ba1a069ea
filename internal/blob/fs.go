package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FS keeps blobs as files under dir, optionally zstd-compressed.
// Layout is dir/ab/abcdef..., two levels to keep directories small.
type FS struct {
	dir      string
	compress bool

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewFS creates a filesystem blob store rooted at dir.
func NewFS(dir string, compress bool) (*FS, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	s := &FS{dir: dir, compress: compress}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s, nil
}

// Dir returns the root directory.
func (s *FS) Dir() string { return s.dir }

// Put writes data under hash. An existing blob is left untouched.
func (s *FS) Put(ctx context.Context, hash string, data []byte) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}
	if fileExists(p) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create blob subdir: %w", err)
	}

	payload := data
	if s.compress {
		payload = s.encode(data)
	}

	// Unique temp names let concurrent writers of the same hash race safely;
	// the content is identical so whichever rename lands last wins.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// Get reads the blob for hash and verifies its content against the hash.
func (s *FS) Get(ctx context.Context, hash string) ([]byte, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	data := raw
	if s.compress {
		data, err = s.decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decompress blob %s: %w", hash, err)
		}
	}

	if actual := Hash(data); actual != hash {
		return nil, fmt.Errorf("blob hash mismatch: expected %s, got %s (data corruption)", hash, actual)
	}
	return data, nil
}

// Has reports whether a blob for hash exists.
func (s *FS) Has(ctx context.Context, hash string) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// Delete removes the blob for hash.
func (s *FS) Delete(ctx context.Context, hash string) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// path maps a hash to its file. Hashes must be plain hex so they can never
// escape the store directory.
func (s *FS) path(hash string) (string, error) {
	if !validHash(hash) {
		return "", fmt.Errorf("invalid blob hash %q", hash)
	}
	return filepath.Join(s.dir, hash[:2], hash), nil
}

func (s *FS) encode(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *FS) decode(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

func validHash(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
