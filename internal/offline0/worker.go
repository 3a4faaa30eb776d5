package offline0

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"offline0/internal/metrics"
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Deps are the collaborators a Worker is built with. Only Storage and
// Network are required.
type Deps struct {
	Storage CacheStorage
	Network Network
	Clients Clients
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Worker is one version of the offline cache manager. All of its behaviour
// is driven by the Config it was created with.
type Worker struct {
	cfg     Config
	origin  *url.URL
	storage CacheStorage
	network Network
	clients Clients
	metrics *metrics.Metrics
	log     *slog.Logger
	errLog  *rateLimitedLogger
	now     func() time.Time

	cache    *Cache
	validate *validator.Validate
	notes    *notificationLog

	state       atomic.Int32
	skipWaiting atomic.Bool
	reg         *Registration
	activated   chan struct{}
	activeOnce  sync.Once

	replayMu sync.Map // tag -> *sync.Mutex

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func NewWorker(cfg Config, deps Deps) (*Worker, error) {
	if deps.Storage == nil || deps.Network == nil {
		return nil, fmt.Errorf("worker: storage and network are required")
	}
	origin, err := url.Parse(cfg.Server.PublicOrigin)
	if err != nil || !origin.IsAbs() {
		return nil, fmt.Errorf("worker: public origin %q is not an absolute url", cfg.Server.PublicOrigin)
	}
	if deps.Clients == nil {
		deps.Clients = noClients{}
	}
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger.With(KeyVersion, cfg.App.Version)

	w := &Worker{
		cfg:       cfg,
		origin:    origin,
		storage:   deps.Storage,
		network:   deps.Network,
		clients:   deps.Clients,
		metrics:   deps.Metrics,
		log:       log,
		errLog:    newRateLimitedLogger(log, time.Minute),
		now:       deps.Now,
		validate:  validator.New(),
		notes:     newNotificationLog(cfg.Push.MaxTracked),
		bgSem:     make(chan struct{}, 32),
		activated: make(chan struct{}),
	}
	w.cache = newCache(cfg.CacheName(), deps.Storage, deps.Metrics, log, deps.Now)
	if d := cfg.Network.timeoutDur; d > 0 {
		w.cache.fetchTimeout = d
	}
	return w, nil
}

func (w *Worker) Version() string   { return w.cfg.App.Version }
func (w *Worker) CacheName() string { return w.cfg.CacheName() }
func (w *Worker) Cache() *Cache     { return w.cache }
func (w *Worker) Config() Config    { return w.cfg }
func (w *Worker) State() State      { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	old := State(w.state.Swap(int32(s)))
	if old != s {
		w.log.Debug("worker state", KeyOldState, old.String(), KeyNewState, s.String())
	}
}

// SkipWaiting asks for activation without waiting for controlled clients to
// go away. It takes effect once the worker is installed and attached to a
// registration.
func (w *Worker) SkipWaiting() {
	w.skipWaiting.Store(true)
}

// resolve turns a manifest path or absolute URL into a URL on the worker's
// origin.
func (w *Worker) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return w.origin.ResolveReference(u), nil
}

func (w *Worker) getRequest(ref string) (*Request, error) {
	u, err := w.resolve(ref)
	if err != nil {
		return nil, err
	}
	return NewRequest("GET", u.String())
}

// Install fetches the precache manifest into the version's bucket. Nothing is
// written unless every asset succeeds; on failure the worker is redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	start := w.now()

	reqs := make([]*Request, 0, len(w.cfg.Precache))
	for _, p := range w.cfg.Precache {
		req, err := w.getRequest(p)
		if err != nil {
			return w.failInstall(fmt.Errorf("precache %q: %w", p, err))
		}
		reqs = append(reqs, req)
	}

	existed, err := w.storage.Has(ctx, w.CacheName())
	if err != nil {
		return w.failInstall(err)
	}
	if err := w.cache.addAll(ctx, reqs, w.fetchAll); err != nil {
		if !existed {
			if _, derr := w.storage.Delete(context.WithoutCancel(ctx), w.CacheName()); derr != nil {
				w.log.Warn("cleanup after failed install", KeyBucket, w.CacheName(), KeyError, derr)
			}
		}
		return w.failInstall(err)
	}

	w.setState(StateInstalled)
	w.metrics.Install("ok")
	w.log.Info("installed",
		KeyBucket, w.CacheName(),
		KeyCount, len(reqs),
		KeyDuration, w.now().Sub(start).Milliseconds(),
	)
	w.SkipWaiting()
	return nil
}

func (w *Worker) failInstall(err error) error {
	w.setState(StateRedundant)
	w.metrics.Install("failed")
	w.log.Error("install failed", KeyBucket, w.CacheName(), KeyError, err)
	return fmt.Errorf("%w: %v", ErrInstallFailed, err)
}

// fetchAll fetches reqs with bounded concurrency. Any transport error or
// non-2xx status fails the whole set.
func (w *Worker) fetchAll(ctx context.Context, reqs []*Request) ([]*Response, error) {
	out := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Install.Concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := w.network.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return fmt.Errorf("%s: status %d", req.URL.String(), resp.Status)
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Activate removes buckets left by other versions and claims all clients.
// Both run together and activation completes only when both have. Fetches
// arriving meanwhile wait for it. A failed step is reported but the worker
// still ends up activated.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	defer w.activeOnce.Do(func() { close(w.activated) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.deleteStaleBuckets(gctx) })
	g.Go(func() error { return w.clients.Claim(gctx, w.Version()) })
	err := g.Wait()

	w.setState(StateActivated)
	if err != nil {
		w.log.Error("activation incomplete", KeyBucket, w.CacheName(), KeyError, err)
		return fmt.Errorf("activate %s: %w", w.Version(), err)
	}
	w.log.Info("activated", KeyBucket, w.CacheName())
	return nil
}

// awaitActivation blocks while activation is in progress.
func (w *Worker) awaitActivation(ctx context.Context) error {
	if w.State() != StateActivating {
		return nil
	}
	select {
	case <-w.activated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) deleteStaleBuckets(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == w.CacheName() || w.cfg.isQueueBucket(name) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete bucket %q: %w", name, err)
		}
		w.log.Info("deleted stale bucket", KeyBucket, name)
	}
	return nil
}

// retire marks the worker redundant after a newer version took over.
func (w *Worker) retire() {
	w.setState(StateRedundant)
	w.cache.close()
}

// background runs fn on a tracked goroutine once one of the worker's slots is
// free. Work queues behind busy slots rather than being skipped; the timeout
// starts when fn does.
func (w *Worker) background(timeout time.Duration, fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.bgSem <- struct{}{}
		defer func() { <-w.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background work started by the worker has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}
