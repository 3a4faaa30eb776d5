package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Key layout shared by the disk backends:
//
//	b:<bucket>               bucket marker (gob bucketMeta)
//	e:<bucket>\x00<key>      entry (gob Entry)
const (
	prefixBucket = "b:"
	prefixEntry  = "e:"
	keySep       = "\x00"
)

var errKVNotFound = errors.New("kv: not found")

type kvPair struct {
	key []byte
	val []byte
}

// kvStore is the minimal ordered key-value surface diskStorage needs.
// write must apply puts and deletes atomically.
type kvStore interface {
	get(key []byte) ([]byte, error)
	write(puts []kvPair, dels [][]byte) error
	scan(prefix []byte, fn func(key, val []byte) error) error
	close() error
}

type bucketMeta struct {
	CreatedAt int64
}

// diskStorage implements CacheStorage over a kvStore, with an optional RAM
// LRU in front and an optional byte quota over all stored entries.
type diskStorage struct {
	kv       kvStore
	ram      *ramCache
	maxBytes int64

	mu        sync.Mutex
	buckets   map[string]struct{}
	index     map[string]int64 // entry kv key -> encoded size
	totalSize int64
	writes    uint64 // bumped on every entry write or delete
	closed    bool
}

func newDiskStorage(kv kvStore, ramMax, diskMax int64) (*diskStorage, error) {
	s := &diskStorage{
		kv:       kv,
		ram:      newRAMCache(ramMax),
		maxBytes: diskMax,
		buckets:  map[string]struct{}{},
		index:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = kv.close()
		return nil, err
	}
	return s, nil
}

func (s *diskStorage) loadIndex() error {
	err := s.kv.scan([]byte(prefixBucket), func(key, _ []byte) error {
		s.buckets[strings.TrimPrefix(string(key), prefixBucket)] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}
	return s.kv.scan([]byte(prefixEntry), func(key, val []byte) error {
		sz := int64(len(val))
		s.index[string(key)] = sz
		s.totalSize += sz
		return nil
	})
}

func entryKey(bucket, key string) string {
	return prefixEntry + bucket + keySep + key
}

func (s *diskStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.Contains(name, keySep) {
		return nil, fmt.Errorf("invalid bucket name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	if _, ok := s.buckets[name]; !ok {
		mb, err := encodeGob(bucketMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.kv.write([]kvPair{{key: []byte(prefixBucket + name), val: mb}}, nil); err != nil {
			return nil, err
		}
		s.buckets[name] = struct{}{}
	}
	return &diskBucket{s: s, name: name}, nil
}

func (s *diskStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}

	prefix := prefixEntry + name + keySep
	dels := [][]byte{[]byte(prefixBucket + name)}
	var freed int64
	var keys []string
	for k, sz := range s.index {
		if strings.HasPrefix(k, prefix) {
			dels = append(dels, []byte(k))
			keys = append(keys, k)
			freed += sz
		}
	}
	if err := s.kv.write(nil, dels); err != nil {
		return false, err
	}
	for _, k := range keys {
		delete(s.index, k)
	}
	s.totalSize -= freed
	s.writes++
	delete(s.buckets, name)
	s.ram.DeletePrefix(prefix)
	return true, nil
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *diskStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.kv.close()
}

// TotalSize reports bytes stored on disk and held in RAM.
func (s *diskStorage) TotalSize() (disk int64, ram int64) {
	s.mu.Lock()
	disk = s.totalSize
	s.mu.Unlock()
	return disk, s.ram.TotalSize()
}

type diskBucket struct {
	s    *diskStorage
	name string
}

func (b *diskBucket) Name() string { return b.name }

func (b *diskBucket) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	k := entryKey(b.name, key)
	if ent, ok := b.s.ram.Get(k); ok {
		return ent, true, nil
	}
	b.s.mu.Lock()
	gen := b.s.writes
	b.s.mu.Unlock()

	raw, err := b.s.kv.get([]byte(k))
	if errors.Is(err, errKVNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(raw, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	b.s.fillRAM(gen, k, ent, int64(len(raw)))
	return ent, true, nil
}

// fillRAM caches a value read from disk unless a write landed since the read
// began; the RAM copy must never be older than the disk one.
func (s *diskStorage) fillRAM(gen uint64, k string, ent Entry, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes != gen || s.closed {
		return
	}
	s.ram.Put(k, ent, size)
}

func (b *diskBucket) Put(ctx context.Context, key string, ent Entry) error {
	return b.PutAll(ctx, map[string]Entry{key: ent})
}

func (b *diskBucket) PutAll(ctx context.Context, entries map[string]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type encoded struct {
		key string
		ent Entry
		val []byte
	}
	enc := make([]encoded, 0, len(entries))
	for key, ent := range entries {
		v, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		enc = append(enc, encoded{key: entryKey(b.name, key), ent: ent, val: v})
	}

	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	if _, ok := s.buckets[b.name]; !ok {
		return fmt.Errorf("bucket %q: %w", b.name, ErrNotFound)
	}

	total := s.totalSize
	puts := make([]kvPair, 0, len(enc))
	for _, e := range enc {
		total += int64(len(e.val)) - s.index[e.key]
		puts = append(puts, kvPair{key: []byte(e.key), val: e.val})
	}
	if s.maxBytes > 0 && total > s.maxBytes {
		return fmt.Errorf("bucket %q: %w (%s of %s)", b.name, ErrQuotaExceeded,
			formatBytes(uint64(total)), formatBytes(uint64(s.maxBytes)))
	}
	if err := s.kv.write(puts, nil); err != nil {
		return err
	}
	for _, e := range enc {
		sz := int64(len(e.val))
		s.index[e.key] = sz
		s.ram.Put(e.key, e.ent, sz)
	}
	s.totalSize = total
	s.writes++
	return nil
}

func (b *diskBucket) Delete(ctx context.Context, key string) (bool, error) {
	k := entryKey(b.name, key)
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	sz, ok := s.index[k]
	if !ok {
		return false, nil
	}
	if err := s.kv.write(nil, [][]byte{[]byte(k)}); err != nil {
		return false, err
	}
	delete(s.index, k)
	s.totalSize -= sz
	s.writes++
	s.ram.Delete(k)
	return true, nil
}

func (b *diskBucket) Keys(ctx context.Context) ([]string, error) {
	prefix := prefixEntry + b.name + keySep
	s := b.s
	s.mu.Lock()
	out := make([]string, 0)
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
