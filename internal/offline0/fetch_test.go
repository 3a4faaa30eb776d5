package offline0

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNavigationServedFromCacheAndRefreshed(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.set("/", http.StatusOK, "<h1>home v2</h1>")

	resp, err := w.Fetch(context.Background(), navigation(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "<h1>home</h1>", string(resp.Body))

	w.Wait()
	assert.Equal(t, 2, env.net.count(http.MethodGet, "/"), "install plus one background refresh")

	cached, ok := w.Cache().Match(context.Background(), navigation(t, "/"))
	require.True(t, ok)
	assert.Equal(t, "<h1>home v2</h1>", string(cached.Body))
}

func TestNavigationRefreshSkipsErrors(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.set("/", http.StatusInternalServerError, "oops")

	_, err := w.Fetch(context.Background(), navigation(t, "/"))
	require.NoError(t, err)
	w.Wait()

	cached, ok := w.Cache().Match(context.Background(), navigation(t, "/"))
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, cached.Status)
	assert.Equal(t, "<h1>home</h1>", string(cached.Body))
}

func TestNavigationMissFetchesAndStores(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.set("/projects", http.StatusOK, "<h1>projects</h1>")

	resp, err := w.Fetch(context.Background(), navigation(t, "/projects"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "<h1>projects</h1>", string(resp.Body))

	cached, ok := w.Cache().Match(context.Background(), navigation(t, "/projects"))
	require.True(t, ok)
	assert.Equal(t, resp.Body, cached.Body)
}

func TestNavigationNotFoundIsNotStored(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)

	resp, err := w.Fetch(context.Background(), navigation(t, "/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	_, ok := w.Cache().Match(context.Background(), navigation(t, "/missing"))
	assert.False(t, ok)
}

func TestNavigationOfflineServesOfflinePage(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setOffline(true)

	resp, err := w.Fetch(context.Background(), navigation(t, "/about"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, "<h1>offline</h1>", string(resp.Body))
}

func TestNavigationOfflineWithoutOfflinePageSynthesizes503(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setOffline(true)

	b, err := env.storage.Open(context.Background(), "site-v1")
	require.NoError(t, err)
	_, err = b.Delete(context.Background(), "GET https://site.test/offline.html")
	require.NoError(t, err)

	resp, err := w.Fetch(context.Background(), navigation(t, "/about"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, SourceSynthesized, resp.Source)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(resp.Body), "Offline - Please check your connection.")
}

func TestNetworkFirstStoresIdenticalCopy(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setType("/api/data.json", http.StatusOK, `{"a":1}`, "application/json")

	resp, err := w.Fetch(context.Background(), mustRequest(t, http.MethodGet, "https://site.test/api/data.json"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)

	cached, ok := w.Cache().Match(context.Background(), mustRequest(t, http.MethodGet, "https://site.test/api/data.json"))
	require.True(t, ok)
	assert.Equal(t, resp.Status, cached.Status)
	assert.Equal(t, resp.Body, cached.Body)
	assert.Equal(t, "application/json", cached.Header.Get("Content-Type"))

	// The stored copy must not alias the returned response.
	resp.Body[0] = 'X'
	again, ok := w.Cache().Match(context.Background(), mustRequest(t, http.MethodGet, "https://site.test/api/data.json"))
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(again.Body))
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setOffline(true)

	resp, err := w.Fetch(context.Background(), mustRequest(t, http.MethodGet, "https://site.test/app.css"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "body{}", string(resp.Body))
}

func TestNetworkFirstNon200IsNotStored(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.set("/api/later", http.StatusAccepted, "later")

	resp, err := w.Fetch(context.Background(), mustRequest(t, http.MethodGet, "https://site.test/api/later"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)

	_, ok := w.Cache().Match(context.Background(), mustRequest(t, http.MethodGet, "https://site.test/api/later"))
	assert.False(t, ok)
}

func TestImageFallback(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setOffline(true)

	req := mustRequest(t, http.MethodGet, "https://site.test/static/photo.jpg")
	req.Destination = DestImage
	resp, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, "PNG-offline", string(resp.Body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestImageFallbackWithoutOfflineImageIs404(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.Offline.Image = ""
	w := env.activate(t, cfg)
	env.net.setOffline(true)

	req := mustRequest(t, http.MethodGet, "https://site.test/static/photo.jpg")
	req.Destination = DestImage
	resp, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, SourceSynthesized, resp.Source)
}

func TestNetworkFirstOfflineWithoutCacheFails(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setOffline(true)

	_, err := w.Fetch(context.Background(), mustRequest(t, http.MethodGet, "https://site.test/api/data.json"))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestBypassedRequestsAreNotCached(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T) *Request
	}{
		{"post", func(t *testing.T) *Request {
			return mustRequest(t, http.MethodPost, "https://site.test/api/data.json")
		}},
		{"cross origin", func(t *testing.T) *Request {
			return mustRequest(t, http.MethodGet, "https://cdn.other.test/api/data.json")
		}},
		{"chrome extension", func(t *testing.T) *Request {
			return mustRequest(t, http.MethodGet, "chrome-extension://abc/api/data.json")
		}},
		{"authorization", func(t *testing.T) *Request {
			req := mustRequest(t, http.MethodGet, "https://site.test/api/data.json")
			req.Header.Set("Authorization", "Bearer x")
			return req
		}},
		{"bypass rule", func(t *testing.T) *Request {
			return mustRequest(t, http.MethodGet, "https://site.test/admin/api/data.json")
		}},
		{"bypass cookie", func(t *testing.T) *Request {
			req := navigation(t, "/account/settings")
			req.Header.Set("Cookie", "theme=dark; session=abc")
			return req
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.activate(t, env.cfg)
			env.net.setType("/api/data.json", http.StatusOK, "{}", "application/json")
			env.net.setType("/admin/api/data.json", http.StatusOK, "{}", "application/json")
			env.net.set("/account/settings", http.StatusOK, "<h1>settings</h1>")
			before := len(bucketKeys(t, env.storage, "site-v1"))

			resp, err := w.Fetch(context.Background(), tt.build(t))
			require.NoError(t, err)
			assert.Equal(t, SourceBypass, resp.Source)
			assert.Len(t, bucketKeys(t, env.storage, "site-v1"), before)
		})
	}
}

func TestCookieRuleWithoutCookieIsCached(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.set("/account/settings", http.StatusOK, "<h1>settings</h1>")

	req := navigation(t, "/account/settings")
	req.Header.Set("Cookie", "theme=dark")
	resp, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)

	_, ok := w.Cache().Match(context.Background(), navigation(t, "/account/settings"))
	assert.True(t, ok)
}

func TestFailedWriteIsQueued(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setOffline(true)

	req := mustRequest(t, http.MethodPost, "https://site.test/api/contact")
	req.Header.Set("Content-Type", "application/json")
	req.Body = []byte(`{"name":"ada"}`)
	resp, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, SourceQueued, resp.Source)
	assert.Contains(t, string(resp.Body), `"tag":"form-submission"`)

	ents, err := w.QueueEntries(context.Background(), TagFormSubmission)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, http.MethodPost, ents[0].Request.Method)
	assert.Equal(t, "https://site.test/api/contact", ents[0].Request.URL)
	assert.Equal(t, `{"name":"ada"}`, string(ents[0].Request.Body))
	assert.Equal(t, "application/json", ents[0].Request.Header.Get("Content-Type"))
}

func TestFailedWriteWithoutQueueFails(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.setOffline(true)

	_, err := w.Fetch(context.Background(), mustRequest(t, http.MethodPost, "https://site.test/api/other"))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)

	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context, req *Request) (*Response, error) {
		calls.Add(1)
		<-release
		return textResponse(http.StatusOK, "text/html", "<h1>shared</h1>", SourceNetwork), nil
	}

	const n = 8
	var wg sync.WaitGroup
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := NewRequest(http.MethodGet, "https://site.test/shared")
			resp, _, err := w.Cache().GetOrFetch(context.Background(), req, fetch)
			if err == nil {
				bodies[i] = string(resp.Body)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, b := range bodies {
		assert.Equal(t, "<h1>shared</h1>", b)
	}
}

func TestCancelledMissDoesNotFailJoinedMiss(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.set("/projects", http.StatusOK, "<h1>projects</h1>")

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	env.net.mu.Lock()
	env.net.hook = func(req *Request) {
		if req.URL.Path == "/projects" {
			entered <- struct{}{}
			<-release
		}
	}
	env.net.mu.Unlock()

	first, second := navigation(t, "/projects"), navigation(t, "/projects")
	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		_, _ = w.Fetch(ctxA, first)
	}()
	<-entered

	type result struct {
		resp *Response
		err  error
	}
	doneB := make(chan result, 1)
	go func() {
		resp, err := w.Fetch(context.Background(), second)
		doneB <- result{resp, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}
	close(release)

	var got result
	select {
	case got = <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatal("joined caller never answered")
	}
	require.NoError(t, got.err)
	assert.Equal(t, SourceNetwork, got.resp.Source)
	assert.Equal(t, "<h1>projects</h1>", string(got.resp.Body))
	assert.Equal(t, 1, env.net.count(http.MethodGet, "/projects"))

	cached, ok := w.Cache().Match(context.Background(), navigation(t, "/projects"))
	require.True(t, ok)
	assert.Equal(t, "<h1>projects</h1>", string(cached.Body))
}

func TestRefreshWaitsForFreeSlot(t *testing.T) {
	env := newTestEnv(t)
	w := env.activate(t, env.cfg)
	env.net.set("/", http.StatusOK, "<h1>home v2</h1>")

	for i := 0; i < cap(w.bgSem); i++ {
		w.bgSem <- struct{}{}
	}
	resp, err := w.Fetch(context.Background(), navigation(t, "/"))
	assert.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, env.net.count(http.MethodGet, "/"), "refresh waits while every slot is busy")
	for i := 0; i < cap(w.bgSem); i++ {
		<-w.bgSem
	}

	require.NotNil(t, resp)
	assert.Equal(t, SourceCache, resp.Source)
	w.Wait()
	assert.Equal(t, 2, env.net.count(http.MethodGet, "/"))
	cached, ok := w.Cache().Match(context.Background(), navigation(t, "/"))
	require.True(t, ok)
	assert.Equal(t, "<h1>home v2</h1>", string(cached.Body))
}

func TestHasAnyCookie(t *testing.T) {
	h := http.Header{}
	h.Set("Cookie", "a=1; session=xyz")
	assert.True(t, hasAnyCookie(h, []string{"session"}))
	assert.False(t, hasAnyCookie(h, []string{"other"}))
	assert.False(t, hasAnyCookie(h, nil))
	assert.False(t, hasAnyCookie(http.Header{}, []string{"session"}))
}
