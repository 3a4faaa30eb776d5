package offline0

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registration ties worker versions to one origin and scope. It holds at most
// one installing, one waiting and one active worker.
type Registration struct {
	scope   string
	clients Clients
	log     *slog.Logger

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker
}

func NewRegistration(scope string, clients Clients, log *slog.Logger) *Registration {
	if clients == nil {
		clients = noClients{}
	}
	if log == nil {
		log = discardLogger()
	}
	return &Registration{scope: scope, clients: clients, log: log}
}

func (r *Registration) Scope() string { return r.scope }

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Update installs w beside the current active worker. If install fails the
// active worker keeps serving and the error is returned. On success w waits,
// and is activated right away when it asked to skip waiting or when no
// client is controlled.
func (r *Registration) Update(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	if r.installing != nil {
		r.mu.Unlock()
		return fmt.Errorf("registration %s: version %s is already installing", r.scope, r.installing.Version())
	}
	if r.active != nil && r.active.Version() == w.Version() {
		r.mu.Unlock()
		return nil
	}
	r.installing = w
	w.reg = r
	r.mu.Unlock()

	err := w.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if old := r.waiting; old != nil {
		old.retire()
	}
	r.waiting = w
	r.mu.Unlock()

	if w.skipWaiting.Load() {
		return r.activateWaiting(ctx)
	}
	clients, err := r.clients.MatchAll(ctx)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		return r.activateWaiting(ctx)
	}
	r.log.Info("worker waiting", KeyVersion, w.Version(), KeyCount, len(clients))
	return nil
}

// SkipWaiting activates the waiting worker, if any, without waiting for
// clients of the current one to go away.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	w.SkipWaiting()
	return r.activateWaiting(ctx)
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	prev := r.active
	r.waiting = nil
	// Fetches reaching w through Active must wait for activation to finish.
	w.setState(StateActivating)
	r.active = w
	r.mu.Unlock()

	if prev != nil {
		prev.retire()
	}
	return w.Activate(ctx)
}

// Close waits for background work of every worker held by the registration.
func (r *Registration) Close() {
	r.mu.Lock()
	ws := []*Worker{r.installing, r.waiting, r.active}
	r.mu.Unlock()
	for _, w := range ws {
		if w != nil {
			w.Wait()
		}
	}
}
