// Package engine implements last-writer-wins file sync on top of a key-value
// backend, a keyed lock manager and a content-addressed blob store.
//
// Every mutation of a path runs under the exclusive path lock for its whole
// read-compare-write sequence. Reference count changes additionally run under
// the hash lock of the affected hash, always taken after the path lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ftsync/ftsync/internal/blob"
	"github.com/ftsync/ftsync/internal/kvstore"
	"github.com/ftsync/ftsync/internal/locks"
	"github.com/ftsync/ftsync/internal/metrics"
)

// Outcome tells whether a put changed anything.
type Outcome int

const (
	// OutcomeApplied means the content and timestamp were recorded.
	OutcomeApplied Outcome = iota
	// OutcomeStale means the stored timestamp was equal or newer; nothing changed.
	OutcomeStale
)

func (o Outcome) String() string {
	if o == OutcomeStale {
		return "stale"
	}
	return "applied"
}

// PutResult describes the state of a path after a put.
type PutResult struct {
	Path    string
	Outcome Outcome
	// Hash is the content hash the path resolves to now. For a stale put this
	// is the prevailing hash, not the hash of the rejected content.
	Hash string
	// Modified is the prevailing modification time.
	Modified int64
	// Deduplicated is set when the content was already stored for another path.
	Deduplicated bool
}

// Stale reports whether the put was rejected as stale.
func (r *PutResult) Stale() bool { return r.Outcome == OutcomeStale }

// DeleteResult describes a removed path.
type DeleteResult struct {
	Path     string
	Hash     string
	Modified int64
	// Collected is set when the path held the last reference to its blob.
	Collected bool
}

// FileInfo is the metadata recorded for a path.
type FileInfo struct {
	Path     string
	Hash     string
	Modified int64
}

// File is a path's metadata and content.
type File struct {
	FileInfo
	Content []byte
}

// Engine runs the sync protocol for one bucket.
type Engine struct {
	bucket  string
	kv      kvstore.Backend
	locks   locks.Manager
	blobs   blob.Store
	metrics *metrics.EngineMetrics
	log     zerolog.Logger
}

// New creates an engine for bucket. m may be nil.
func New(bucket string, kv kvstore.Backend, lk locks.Manager, blobs blob.Store, m *metrics.EngineMetrics) *Engine {
	return &Engine{
		bucket:  bucket,
		kv:      kv,
		locks:   lk,
		blobs:   blobs,
		metrics: m,
		log:     log.With().Str("bucket", bucket).Logger(),
	}
}

// Bucket returns the bucket name.
func (e *Engine) Bucket() string { return e.bucket }

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return fmt.Errorf("%w: contains NUL", ErrInvalidPath)
	}
	return nil
}

// PutFile stores content at path with a client-supplied modification time
// in any format ParseTimestamp accepts.
func (e *Engine) PutFile(ctx context.Context, path string, content []byte, modified string) (*PutResult, error) {
	ts, err := ParseTimestamp(modified)
	if err != nil {
		e.metrics.RecordPut(e.bucket, metrics.OutcomeError, 0)
		return nil, err
	}
	return e.PutFileAt(ctx, path, content, ts)
}

// PutFileAt stores content at path if modified is newer than the stored
// modification time. A stale put is not an error; it returns OutcomeStale
// with the prevailing state.
func (e *Engine) PutFileAt(ctx context.Context, path string, content []byte, modified int64) (res *PutResult, err error) {
	defer func() {
		switch {
		case err != nil:
			e.metrics.RecordPut(e.bucket, metrics.OutcomeError, 0)
		case res.Stale():
			e.metrics.RecordPut(e.bucket, metrics.OutcomeStale, 0)
		default:
			e.metrics.RecordPut(e.bucket, metrics.OutcomeApplied, len(content))
		}
	}()

	if err := validatePath(path); err != nil {
		return nil, err
	}
	if modified <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTimestamp, modified)
	}

	guard, err := e.acquire(ctx, locks.FileKey(e.bucket, path), "file")
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	current, err := e.kv.GetModified(ctx, e.bucket, path)
	if err != nil {
		return nil, storageErr("get modified", err)
	}
	oldHash, err := e.kv.GetRefFile(ctx, e.bucket, path)
	if err != nil {
		return nil, storageErr("get ref file", err)
	}

	if current >= modified {
		e.log.Debug().
			Str("path", path).
			Int64("stored", current).
			Int64("claimed", modified).
			Msg("stale put rejected")
		return &PutResult{Path: path, Outcome: OutcomeStale, Hash: oldHash, Modified: current}, nil
	}

	if content == nil {
		// A nil slice would tell reference to skip the blob write.
		content = []byte{}
	}
	newHash := blob.Hash(content)
	res = &PutResult{Path: path, Outcome: OutcomeApplied, Hash: newHash, Modified: modified}

	if newHash == oldHash {
		if err := e.kv.SetModified(ctx, e.bucket, path, modified); err != nil {
			return nil, storageErr("set modified", err)
		}
		e.log.Debug().Str("path", path).Int64("modified", modified).Msg("content unchanged, timestamp bumped")
		return res, nil
	}

	refs, err := e.reference(ctx, newHash, content)
	if err != nil {
		return nil, err
	}
	res.Deduplicated = refs > 1

	var oldRefs int64
	if oldHash != "" {
		oldRefs, err = e.dereference(ctx, oldHash)
		if err != nil {
			e.undoReference(ctx, newHash)
			return nil, err
		}
	}

	if err := e.kv.SetRefFile(ctx, e.bucket, path, newHash); err != nil {
		e.rollbackPut(ctx, path, oldHash, newHash, false)
		return nil, storageErr("set ref file", err)
	}
	if err := e.kv.SetModified(ctx, e.bucket, path, modified); err != nil {
		e.rollbackPut(ctx, path, oldHash, newHash, true)
		return nil, storageErr("set modified", err)
	}

	if oldHash != "" && oldRefs == 0 {
		e.collect(ctx, oldHash)
	}

	e.log.Debug().
		Str("path", path).
		Str("hash", newHash).
		Str("previous", oldHash).
		Int64("modified", modified).
		Bool("dedup", res.Deduplicated).
		Msg("put applied")
	return res, nil
}

// rollbackPut restores the path's previous mapping and reference counts after
// a failed metadata write. It runs detached from ctx so a cancelled request
// still leaves consistent state behind.
func (e *Engine) rollbackPut(ctx context.Context, path, oldHash, newHash string, refFileWritten bool) {
	ctx = context.WithoutCancel(ctx)
	if refFileWritten {
		var err error
		if oldHash == "" {
			err = e.kv.DeleteRefFile(ctx, e.bucket, path)
		} else {
			err = e.kv.SetRefFile(ctx, e.bucket, path, oldHash)
		}
		if err != nil {
			e.log.Error().Err(err).Str("path", path).Msg("failed to restore ref file after failed put")
		}
	}
	if oldHash != "" {
		if _, err := e.reference(ctx, oldHash, nil); err != nil {
			e.log.Error().Err(err).Str("hash", oldHash).Msg("failed to restore reference after failed put")
		}
	}
	e.undoReference(ctx, newHash)
}

// undoReference drops a reference taken earlier in a failed operation and
// collects the blob if that was the only one.
func (e *Engine) undoReference(ctx context.Context, hash string) {
	ctx = context.WithoutCancel(ctx)
	n, err := e.dereference(ctx, hash)
	if err != nil {
		e.log.Error().Err(err).Str("hash", hash).Msg("failed to undo reference")
		return
	}
	if n == 0 {
		e.collect(ctx, hash)
	}
}

// DeleteFile removes path and drops its content reference, collecting the
// blob when no other path refers to it.
func (e *Engine) DeleteFile(ctx context.Context, path string) (res *DeleteResult, err error) {
	defer func() {
		switch {
		case errors.Is(err, ErrNotFound):
			e.metrics.RecordDelete(e.bucket, metrics.OutcomeNotFound)
		case err != nil:
			e.metrics.RecordDelete(e.bucket, metrics.OutcomeError)
		default:
			e.metrics.RecordDelete(e.bucket, metrics.OutcomeDeleted)
		}
	}()

	if err := validatePath(path); err != nil {
		return nil, err
	}

	guard, err := e.acquire(ctx, locks.FileKey(e.bucket, path), "file")
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	hash, err := e.kv.GetRefFile(ctx, e.bucket, path)
	if err != nil {
		return nil, storageErr("get ref file", err)
	}
	modified, err := e.kv.GetModified(ctx, e.bucket, path)
	if err != nil {
		return nil, storageErr("get modified", err)
	}
	if hash == "" && modified == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	var refs int64
	if hash != "" {
		refs, err = e.dereference(ctx, hash)
		if err != nil {
			return nil, err
		}
	}

	if err := e.kv.DeleteRefFile(ctx, e.bucket, path); err != nil {
		if hash != "" {
			if _, rerr := e.reference(context.WithoutCancel(ctx), hash, nil); rerr != nil {
				e.log.Error().Err(rerr).Str("hash", hash).Msg("failed to restore reference after failed delete")
			}
		}
		return nil, storageErr("delete ref file", err)
	}
	// The mapping is gone; finish the delete even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if err := e.kv.DeleteModified(ctx, e.bucket, path); err != nil {
		// An orphaned timestamp only makes a later put with an older time stale.
		e.log.Warn().Err(err).Str("path", path).Msg("failed to delete modified entry")
	}

	res = &DeleteResult{Path: path, Hash: hash, Modified: modified}
	if hash != "" && refs == 0 {
		res.Collected = e.collect(ctx, hash)
	}

	e.log.Debug().Str("path", path).Str("hash", hash).Bool("collected", res.Collected).Msg("file deleted")
	return res, nil
}

// GetFile returns the content stored at path.
func (e *Engine) GetFile(ctx context.Context, path string) (*File, error) {
	return e.stat(ctx, path, func(ctx context.Context, info *FileInfo) ([]byte, error) {
		data, err := e.blobs.Get(ctx, info.Hash)
		if err != nil {
			return nil, storageErr("get blob", err)
		}
		return data, nil
	})
}

// Stat returns the metadata recorded for path.
func (e *Engine) Stat(ctx context.Context, path string) (*FileInfo, error) {
	f, err := e.stat(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return &f.FileInfo, nil
}

// stat reads path's metadata under a shared path lock and, when read is set,
// its content while the lock is still held.
func (e *Engine) stat(ctx context.Context, path string, read func(context.Context, *FileInfo) ([]byte, error)) (*File, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	start := time.Now()
	guard, err := e.locks.AcquireShared(ctx, locks.FileKey(e.bucket, path))
	e.metrics.ObserveLockWait(e.bucket, "file", time.Since(start))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	hash, err := e.kv.GetRefFile(ctx, e.bucket, path)
	if err != nil {
		return nil, storageErr("get ref file", err)
	}
	if hash == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	modified, err := e.kv.GetModified(ctx, e.bucket, path)
	if err != nil {
		return nil, storageErr("get modified", err)
	}

	f := &File{FileInfo: FileInfo{Path: path, Hash: hash, Modified: modified}}
	if read != nil {
		f.Content, err = read(ctx, &f.FileInfo)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// acquire takes an exclusive lock on key and records the wait.
func (e *Engine) acquire(ctx context.Context, key, kind string) (*locks.Guard, error) {
	start := time.Now()
	g, err := e.locks.AcquireExclusive(ctx, key)
	e.metrics.ObserveLockWait(e.bucket, kind, time.Since(start))
	return g, err
}

// reference stores content under hash (when content is non-nil) and
// increments its reference count, both under the hash lock so a concurrent
// collection cannot remove a blob that is about to be referenced.
func (e *Engine) reference(ctx context.Context, hash string, content []byte) (int64, error) {
	guard, err := e.acquire(ctx, locks.HashKey(e.bucket, hash), "hash")
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	if content != nil {
		if err := e.blobs.Put(ctx, hash, content); err != nil {
			return 0, storageErr("put blob", err)
		}
		// The blob has landed; it must not be left without a count row.
		ctx = context.WithoutCancel(ctx)
	}
	n, err := kvstore.IncrementRefCount(ctx, e.kv, e.bucket, hash)
	if err != nil {
		if content != nil {
			e.dropUnreferenced(ctx, hash)
		}
		return 0, storageErr("increment refcount", err)
	}
	return n, nil
}

// dereference decrements hash's reference count under the hash lock.
func (e *Engine) dereference(ctx context.Context, hash string) (int64, error) {
	guard, err := e.acquire(ctx, locks.HashKey(e.bucket, hash), "hash")
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	n, err := kvstore.DecrementRefCount(ctx, e.kv, e.bucket, hash)
	if err != nil {
		return 0, storageErr("decrement refcount", err)
	}
	return n, nil
}

// collect deletes hash's blob if its reference count is still zero. Failures
// are logged and counted; metadata stays authoritative either way.
func (e *Engine) collect(ctx context.Context, hash string) bool {
	ctx = context.WithoutCancel(ctx)
	guard, err := e.acquire(ctx, locks.HashKey(e.bucket, hash), "hash")
	if err != nil {
		e.metrics.RecordGCError(e.bucket)
		e.log.Warn().Err(err).Str("hash", hash).Msg("blob collection skipped")
		return false
	}
	defer guard.Release()

	return e.dropUnreferenced(ctx, hash)
}

// dropUnreferenced deletes hash's blob when its reference count is zero.
// The caller holds the hash lock.
func (e *Engine) dropUnreferenced(ctx context.Context, hash string) bool {
	n, err := e.kv.GetRefCount(ctx, e.bucket, hash)
	if err != nil {
		e.metrics.RecordGCError(e.bucket)
		e.log.Warn().Err(err).Str("hash", hash).Msg("blob collection skipped")
		return false
	}
	if n > 0 {
		// Re-referenced between the decrement and now.
		return false
	}
	if err := e.blobs.Delete(ctx, hash); err != nil {
		e.metrics.RecordGCError(e.bucket)
		e.log.Warn().Err(err).Str("hash", hash).Msg("failed to delete unreferenced blob")
		return false
	}
	e.metrics.RecordBlobCollected(e.bucket)
	e.log.Debug().Str("hash", hash).Msg("blob collected")
	return true
}

// Drift is a hash whose stored reference count disagrees with the number of
// paths that refer to it.
type Drift struct {
	Hash   string
	Stored int64
	Actual int64
}

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Bucket       string
	Files        int
	Hashes       int
	Drift        []Drift
	MissingBlobs []string
	// LeakedBlobs are stored blobs whose hash has a zero count and no path,
	// left behind by a failed collection.
	LeakedBlobs []string
}

// OK reports whether no inconsistency was found.
func (r *VerifyReport) OK() bool {
	return len(r.Drift) == 0 && len(r.MissingBlobs) == 0 && len(r.LeakedBlobs) == 0
}

// Verify recounts references from the path mappings and compares them with
// the stored reference counts, checks that every referenced blob exists and
// that no unreferenced blob was left behind.
// It takes no locks, so results are only exact while the bucket is idle.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	files, err := e.kv.ListRefFiles(ctx, e.bucket)
	if err != nil {
		return nil, storageErr("list ref files", err)
	}
	counts, err := e.kv.ListRefCounts(ctx, e.bucket)
	if err != nil {
		return nil, storageErr("list refcounts", err)
	}

	actual := make(map[string]int64)
	for _, h := range files {
		actual[h]++
	}

	report := &VerifyReport{Bucket: e.bucket, Files: len(files), Hashes: len(actual)}
	seen := make(map[string]bool, len(counts)+len(actual))
	for h, stored := range counts {
		seen[h] = true
		if stored != actual[h] {
			report.Drift = append(report.Drift, Drift{Hash: h, Stored: stored, Actual: actual[h]})
		}
		if stored == 0 && actual[h] == 0 {
			ok, err := e.blobs.Has(ctx, h)
			if err != nil {
				return nil, storageErr("check blob", err)
			}
			if ok {
				report.LeakedBlobs = append(report.LeakedBlobs, h)
			}
		}
	}
	for h, n := range actual {
		if !seen[h] {
			report.Drift = append(report.Drift, Drift{Hash: h, Stored: 0, Actual: n})
		}
		ok, err := e.blobs.Has(ctx, h)
		if err != nil {
			return nil, storageErr("check blob", err)
		}
		if !ok {
			report.MissingBlobs = append(report.MissingBlobs, h)
		}
	}

	sort.Slice(report.Drift, func(i, j int) bool { return report.Drift[i].Hash < report.Drift[j].Hash })
	sort.Strings(report.MissingBlobs)
	sort.Strings(report.LeakedBlobs)
	return report, nil
}
