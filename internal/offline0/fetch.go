package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const offlineHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You're offline</h1><p>Offline - Please check your connection.</p></body></html>
`

const (
	strategyNavigate     = "navigate"
	strategyNetworkFirst = "network-first"
	strategyBypass       = "bypass"
)

// Fetch answers an intercepted request.
//
// Same-origin GET navigations are served cache-first with a background
// refresh; other same-origin GETs are network-first with cache fallback.
// Everything else goes to the network untouched, except writes matching a
// queue that fail on the network: those are queued for replay and answered
// with 202.
func (w *Worker) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if err := w.awaitActivation(ctx); err != nil {
		return nil, err
	}
	start := w.now()

	var (
		resp     *Response
		err      error
		strategy string
	)
	switch {
	case !w.intercepts(req):
		strategy = strategyBypass
		resp, err = w.passThrough(ctx, req)
	case req.IsNavigation():
		strategy = strategyNavigate
		resp = w.fetchNavigation(ctx, req)
	default:
		strategy = strategyNetworkFirst
		resp, err = w.fetchNetworkFirst(ctx, req)
	}
	if err != nil {
		w.metrics.ObserveFetch(strategy, "error", w.now().Sub(start), 0)
		return nil, err
	}
	w.metrics.ObserveFetch(strategy, string(resp.Source), w.now().Sub(start), len(resp.Body))
	return resp, nil
}

// intercepts reports whether req is handled by the cache policies.
func (w *Worker) intercepts(req *Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.URL.Scheme == "chrome-extension" || !sameOrigin(req.URL, w.origin) {
		return false
	}
	if req.Header.Get("Authorization") != "" {
		return false
	}
	if rule := w.cfg.pickRule(req.URL.Path); rule != nil {
		if rule.Bypass || hasAnyCookie(req.Header, rule.BypassWhenCookies) {
			return false
		}
	}
	return true
}

func (w *Worker) passThrough(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.network.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceBypass
		return resp, nil
	}
	if req.Method == http.MethodGet || !errors.Is(err, ErrNetwork) || !sameOrigin(req.URL, w.origin) {
		return nil, err
	}
	q, ok := w.cfg.queueForPath(req.URL.Path)
	if !ok {
		return nil, err
	}
	id, qerr := w.Enqueue(ctx, q.Tag, req)
	if qerr != nil {
		w.log.Error("queue write failed", KeyTag, q.Tag, KeyURL, req.URL.String(), KeyError, qerr)
		return nil, err
	}
	resp = textResponse(http.StatusAccepted, "application/json",
		fmt.Sprintf(`{"queued":true,"tag":%q,"id":%q}`, q.Tag, id), SourceQueued)
	return resp, nil
}

func (w *Worker) fetchOrigin(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Source = SourceNetwork
	return resp, nil
}

// fetchNavigation never fails: a network error without a cached copy yields
// the offline page, or a synthesized 503 when the offline page is missing.
func (w *Worker) fetchNavigation(ctx context.Context, req *Request) *Response {
	resp, hit, err := w.cache.GetOrFetch(ctx, req, w.fetchOrigin)
	if hit {
		w.revalidateAsync(req)
		return resp
	}
	if err == nil {
		return resp
	}

	w.log.Debug("navigation offline", KeyURL, req.URL.String(), KeyError, err)
	if off, ok := w.matchPath(ctx, w.cfg.Offline.Page); ok {
		off.Source = SourceOffline
		return off
	}
	return textResponse(http.StatusServiceUnavailable, "text/html; charset=utf-8", offlineHTML, SourceSynthesized)
}

func (w *Worker) fetchNetworkFirst(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.fetchOrigin(ctx, req)
	if err == nil {
		if resp.Status == http.StatusOK {
			w.cache.Put(ctx, req, resp)
		}
		return resp, nil
	}

	if cached, ok := w.cache.Match(ctx, req); ok {
		return cached, nil
	}
	if req.Destination == DestImage {
		if img, ok := w.matchPath(ctx, w.cfg.Offline.Image); ok {
			img.Source = SourceOffline
			return img, nil
		}
		return textResponse(http.StatusNotFound, "text/plain; charset=utf-8", "not found", SourceSynthesized), nil
	}
	return nil, err
}

func (w *Worker) matchPath(ctx context.Context, path string) (*Response, bool) {
	if path == "" {
		return nil, false
	}
	req, err := w.getRequest(path)
	if err != nil {
		return nil, false
	}
	return w.cache.Match(ctx, req)
}

// revalidateAsync refreshes a cached navigation in the background. Failures
// are logged; the caller already has a response.
func (w *Worker) revalidateAsync(req *Request) {
	req = req.Clone()
	w.background(w.backgroundTimeout(), func(ctx context.Context) {
		resp, err := w.fetchOrigin(ctx, req)
		if err != nil {
			w.errLog.Warn("background refresh failed", KeyURL, req.URL.String(), KeyError, err)
			w.metrics.CacheOp("revalidate", "error")
			return
		}
		if resp.Status != http.StatusOK {
			w.metrics.CacheOp("revalidate", "skipped")
			return
		}
		w.cache.putIfChanged(ctx, req, resp)
	})
}

func (w *Worker) backgroundTimeout() time.Duration {
	if d := w.cfg.Network.timeoutDur; d > 0 {
		return 2 * d
	}
	return 30 * time.Second
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	r := http.Request{Header: h}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}
