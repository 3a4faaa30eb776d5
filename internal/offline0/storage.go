package offline0

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Bucket is one named key→response store.
//
// Keys are request identities (see Request.Key) for cache buckets and replay
// IDs for queue buckets. Keys returns them in ascending byte order.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, ent Entry) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries map[string]Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage holds all buckets of one origin. Opening an existing bucket
// returns a handle to the same data; opening is idempotent.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// OpenStorage opens the backend named by cfg.Backend.
func OpenStorage(cfg StorageConfig) (CacheStorage, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "leveldb":
		kv, err := openLevelKV(filepath.Join(cfg.Path, "leveldb"))
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return newDiskStorage(kv, cfg.ramMax, cfg.diskMax)
	case "badger":
		kv, err := openBadgerKV(filepath.Join(cfg.Path, "badger"))
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return newDiskStorage(kv, cfg.ramMax, cfg.diskMax)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ---- memory ----

type memoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	closed  bool
}

func NewMemoryStorage() CacheStorage {
	return &memoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	b, ok := s.buckets[name]
	if !ok {
		b = &memoryBucket{name: name, entries: map[string]Entry{}}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[name]
	delete(s.buckets, name)
	s.mu.Unlock()
	if ok {
		b.drop()
	}
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[string]Entry
	dropped bool
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) drop() {
	b.mu.Lock()
	b.entries = map[string]Entry{}
	b.dropped = true
	b.mu.Unlock()
}

func (b *memoryBucket) Match(ctx context.Context, key string) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ent, ok := b.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return ent.clone(), true, nil
}

func (b *memoryBucket) Put(ctx context.Context, key string, ent Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return fmt.Errorf("bucket %q: %w", b.name, ErrNotFound)
	}
	b.entries[key] = ent.clone()
	return nil
}

func (b *memoryBucket) PutAll(ctx context.Context, entries map[string]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return fmt.Errorf("bucket %q: %w", b.name, ErrNotFound)
	}
	for k, ent := range entries {
		b.entries[k] = ent.clone()
	}
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[key]
	delete(b.entries, key)
	return ok, nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
