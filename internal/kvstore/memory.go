package kvstore

import (
	"context"
	"sync"
)

type key struct {
	bucket string
	name   string
}

// Memory keeps all relations in process memory. Contents are lost on exit.
type Memory struct {
	mu       sync.RWMutex
	refCount map[key]int64
	modified map[key]int64
	refFile  map[key]string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		refCount: make(map[key]int64),
		modified: make(map[key]int64),
		refFile:  make(map[key]string),
	}
}

func (m *Memory) Setup(context.Context) error { return nil }

func (m *Memory) GetRefCount(_ context.Context, bucket, hash string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refCount[key{bucket, hash}], nil
}

func (m *Memory) SetRefCount(_ context.Context, bucket, hash string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refCount[key{bucket, hash}] = n
	return nil
}

func (m *Memory) GetModified(_ context.Context, bucket, path string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modified[key{bucket, path}], nil
}

func (m *Memory) SetModified(_ context.Context, bucket, path string, modified int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modified[key{bucket, path}] = modified
	return nil
}

func (m *Memory) DeleteModified(_ context.Context, bucket, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modified, key{bucket, path})
	return nil
}

func (m *Memory) GetRefFile(_ context.Context, bucket, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refFile[key{bucket, path}], nil
}

func (m *Memory) SetRefFile(_ context.Context, bucket, path, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refFile[key{bucket, path}] = hash
	return nil
}

func (m *Memory) DeleteRefFile(_ context.Context, bucket, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refFile, key{bucket, path})
	return nil
}

func (m *Memory) ListRefFiles(_ context.Context, bucket string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.refFile {
		if k.bucket == bucket {
			out[k.name] = v
		}
	}
	return out, nil
}

func (m *Memory) ListRefCounts(_ context.Context, bucket string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for k, v := range m.refCount {
		if k.bucket == bucket {
			out[k.name] = v
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
