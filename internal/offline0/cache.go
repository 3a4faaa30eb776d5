package offline0

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"offline0/internal/metrics"
)

// FetchFunc produces a network response for a cache miss.
type FetchFunc func(ctx context.Context, req *Request) (*Response, error)

// Cache is the worker's handle on its current bucket. Storage is treated as
// best-effort: read errors count as misses and write errors are logged, so a
// full or broken disk never fails a response.
type Cache struct {
	name    string
	storage CacheStorage
	metrics *metrics.Metrics
	log     *slog.Logger
	errLog  *rateLimitedLogger
	now     func() time.Time

	// fetchTimeout bounds a shared miss fetch, which runs detached from
	// the callers waiting on it.
	fetchTimeout time.Duration

	group  singleflight.Group
	closed atomic.Bool
}

func newCache(name string, storage CacheStorage, m *metrics.Metrics, log *slog.Logger, now func() time.Time) *Cache {
	return &Cache{
		name:    name,
		storage: storage,
		metrics: m,
		log:     log,
		errLog:  newRateLimitedLogger(log, time.Minute),
		now:     now,

		fetchTimeout: 30 * time.Second,
	}
}

func (c *Cache) Name() string { return c.name }

// close makes later writes no-ops so a retired worker cannot recreate its
// bucket after activation of a newer version deleted it.
func (c *Cache) close() { c.closed.Store(true) }

func (c *Cache) bucket(ctx context.Context) (Bucket, error) {
	return c.storage.Open(ctx, c.name)
}

// Match returns the stored response for req's identity.
func (c *Cache) Match(ctx context.Context, req *Request) (*Response, bool) {
	ent, ok := c.lookup(ctx, req.Key())
	if !ok {
		return nil, false
	}
	return ent.response(SourceCache), true
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	if c.closed.Load() {
		return Entry{}, false
	}
	b, err := c.bucket(ctx)
	if err != nil {
		c.errLog.Warn("cache open failed", KeyBucket, c.name, KeyError, err)
		c.metrics.CacheOp("match", "error")
		return Entry{}, false
	}
	ent, ok, err := b.Match(ctx, key)
	if err != nil {
		c.errLog.Warn("cache read failed", KeyBucket, c.name, KeyURL, key, KeyError, err)
		c.metrics.CacheOp("match", "error")
		return Entry{}, false
	}
	if !ok {
		c.metrics.CacheOp("match", "miss")
		return Entry{}, false
	}
	c.metrics.CacheOp("match", "hit")
	return ent, true
}

// Put stores a copy of resp under req's identity and reports whether it was
// stored. Failures are logged here; a retired cache stores nothing.
func (c *Cache) Put(ctx context.Context, req *Request, resp *Response) bool {
	if c.closed.Load() {
		return false
	}
	b, err := c.bucket(ctx)
	if err == nil {
		err = b.Put(ctx, req.Key(), newEntry(req, resp, c.now()))
	}
	if err != nil {
		c.errLog.Warn("cache write failed", KeyBucket, c.name, KeyURL, req.URL.String(), KeyError, err)
		c.metrics.CacheOp("put", "error")
		return false
	}
	c.metrics.CacheOp("put", "ok")
	return true
}

// putIfChanged stores resp unless the stored body has the same checksum.
// It reports whether a write happened.
func (c *Cache) putIfChanged(ctx context.Context, req *Request, resp *Response) bool {
	next := newEntry(req, resp, c.now())
	if cur, ok := c.lookup(ctx, req.Key()); ok && cur.Hash32 == next.Hash32 && cur.Status == next.Status {
		c.metrics.CacheOp("revalidate", "unchanged")
		return false
	}
	if !c.Put(ctx, req, resp) {
		return false
	}
	c.metrics.CacheOp("revalidate", "ok")
	return true
}

// GetOrFetch returns the cached response for req, or fetches it, storing a
// 200 response before returning. Concurrent misses for the same identity
// share one fetch; each caller receives its own copy.
//
// The shared fetch is not tied to any one caller: a caller whose ctx ends
// stops waiting, and the others still get the result.
func (c *Cache) GetOrFetch(ctx context.Context, req *Request, fetch FetchFunc) (resp *Response, hit bool, err error) {
	if cached, ok := c.Match(ctx, req); ok {
		return cached, true, nil
	}
	ch := c.group.DoChan(req.Key(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		r, err := fetch(fctx, req)
		if err != nil {
			return nil, err
		}
		if r.Status == 200 {
			c.Put(fctx, req, r)
		}
		return r, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Response).Clone(), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// addAll fetches every request and stores all of them, or none if any fetch
// fails or returns a non-2xx status.
func (c *Cache) addAll(ctx context.Context, reqs []*Request, fetchAll func(context.Context, []*Request) ([]*Response, error)) error {
	resps, err := fetchAll(ctx, reqs)
	if err != nil {
		return err
	}
	entries := make(map[string]Entry, len(reqs))
	now := c.now()
	for i, req := range reqs {
		entries[req.Key()] = newEntry(req, resps[i], now)
	}
	b, err := c.bucket(ctx)
	if err != nil {
		return err
	}
	return b.PutAll(ctx, entries)
}
