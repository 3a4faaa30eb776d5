package offline0

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testService struct {
	svc *Service
	net *fakeNetwork
	url string
}

func newTestService(t *testing.T, start bool) *testService {
	t.Helper()
	net := newFakeNetwork()
	svc, err := NewService(testConfig(t), Deps{
		Storage: NewMemoryStorage(),
		Network: net,
		Logger:  discardLogger(),
	})
	require.NoError(t, err)
	if start {
		require.NoError(t, svc.Start(context.Background()))
	}
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, svc.Close())
	})
	return &testService{svc: svc, net: net, url: srv.URL}
}

func (ts *testService) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.url+path, r)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

var htmlAccept = map[string]string{"Accept": "text/html,application/xhtml+xml"}

func TestServiceServesNavigationFromCache(t *testing.T) {
	ts := newTestService(t, true)

	resp, body := ts.do(t, http.MethodGet, "/", "", htmlAccept)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>home</h1>", body)
	assert.Equal(t, "cache", resp.Header.Get(HeaderSource))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), HeaderSource)
}

func TestServiceOfflineNavigation(t *testing.T) {
	ts := newTestService(t, true)
	ts.net.setOffline(true)

	resp, body := ts.do(t, http.MethodGet, "/about", "", htmlAccept)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>offline</h1>", body)
	assert.Equal(t, "offline", resp.Header.Get(HeaderSource))
}

func TestServiceBadGateway(t *testing.T) {
	ts := newTestService(t, true)
	ts.net.setOffline(true)

	resp, _ := ts.do(t, http.MethodGet, "/api/data.json", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get(HeaderSource))
}

func TestServicePassesThroughBeforeInstall(t *testing.T) {
	ts := newTestService(t, false)

	resp, body := ts.do(t, http.MethodGet, "/", "", htmlAccept)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>home</h1>", body)
	assert.Equal(t, "bypass", resp.Header.Get(HeaderSource))

	resp, _ = ts.do(t, http.MethodGet, "/_offline0/status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/_offline0/sync/form-submission", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServiceQueuesAndReplaysWrites(t *testing.T) {
	ts := newTestService(t, true)
	ts.net.setOffline(true)

	resp, body := ts.do(t, http.MethodPost, "/api/contact", `{"name":"ada"}`, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", resp.Header.Get(HeaderSource))
	assert.Contains(t, body, `"queued":true`)

	resp, body = ts.do(t, http.MethodGet, "/_offline0/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "v1", st.Version)
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, "site-v1", st.CacheName)
	assert.Equal(t, QueueStatus{Pending: 1}, st.Queues[TagFormSubmission])
	assert.Contains(t, st.Buckets, "form-queue")

	resp, body = ts.do(t, http.MethodGet, "/_offline0/queue/form-submission", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "https://site.test/api/contact", items[0]["url"])

	ts.net.setOffline(false)
	ts.net.set("/api/contact", http.StatusOK, "ok")
	resp, body = ts.do(t, http.MethodPost, "/_offline0/sync/form-submission", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res SyncResult
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, ts.net.count(http.MethodPost, "/api/contact"), "one failed attempt while offline, one replay")
}

func TestServiceSyncUnknownTag(t *testing.T) {
	ts := newTestService(t, true)
	resp, _ := ts.do(t, http.MethodPost, "/_offline0/sync/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServiceEnqueueEndpoint(t *testing.T) {
	ts := newTestService(t, true)

	resp, body := ts.do(t, http.MethodPost, "/_offline0/queue/analytics-sync?url=/api/analytics/event", `{"e":"view"}`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, body, `"id"`)

	ents, err := ts.svc.Registration().Active().QueueEntries(context.Background(), TagAnalyticsSync)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, http.MethodPost, ents[0].Request.Method)
	assert.Equal(t, `{"e":"view"}`, string(ents[0].Request.Body))

	resp, _ = ts.do(t, http.MethodPost, "/_offline0/queue/analytics-sync?url=/x&method=GET", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/_offline0/queue/analytics-sync?url=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/_offline0/queue/nope?url=/x", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServicePushEndpoint(t *testing.T) {
	ts := newTestService(t, true)

	resp, body := ts.do(t, http.MethodPost, "/_offline0/push", `{"title":"Hello","data":{"url":"/projects"}}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(body), &n))
	assert.Equal(t, "Hello", n.Title)
	assert.Equal(t, "/projects", n.Data.URL)

	resp, _ = ts.do(t, http.MethodPost, "/_offline0/push", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServiceMessageEndpoint(t *testing.T) {
	ts := newTestService(t, true)
	ts.net.set("/projects", http.StatusOK, "<h1>projects</h1>")

	resp, _ := ts.do(t, http.MethodPost, "/_offline0/message", `{"type":"CACHE_URLS","urls":["/projects"]}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, bucketKeys(t, ts.svc.Storage(), "site-v1"), "GET https://site.test/projects")

	resp, _ = ts.do(t, http.MethodPost, "/_offline0/message", `{"type":"BOGUS"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceMetricsEndpoint(t *testing.T) {
	ts := newTestService(t, true)
	ts.do(t, http.MethodGet, "/", "", htmlAccept)

	resp, body := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "offline0_fetch_total")
	assert.Contains(t, body, `offline0_install_total{result="ok"} 1`)
}

func TestServiceConnectivityReinstallsAndReplays(t *testing.T) {
	ts := newTestService(t, false)
	ts.net.setOffline(true)
	require.Error(t, ts.svc.Install(context.Background()))
	require.Nil(t, ts.svc.Registration().Active())

	ts.svc.checkConnectivity(context.Background())
	assert.False(t, ts.svc.online.Load())
	assert.Nil(t, ts.svc.Registration().Active())

	ts.net.setOffline(false)
	ts.svc.checkConnectivity(context.Background())
	assert.True(t, ts.svc.online.Load())
	require.NotNil(t, ts.svc.Registration().Active())
}

func TestBuildRequest(t *testing.T) {
	ts := newTestService(t, false)

	tests := []struct {
		name     string
		method   string
		header   map[string]string
		wantMode RequestMode
		wantDest string
	}{
		{"fetch metadata", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "image"}, ModeNoCORS, DestImage},
		{"html accept", http.MethodGet, map[string]string{"Accept": "text/html"}, ModeNavigate, DestDocument},
		{"image accept", http.MethodGet, map[string]string{"Accept": "image/avif,image/webp"}, ModeCORS, DestImage},
		{"html post", http.MethodPost, map[string]string{"Accept": "text/html"}, ModeCORS, ""},
		{"empty dest", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "cors", "Sec-Fetch-Dest": "empty"}, ModeCORS, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "http://edge.local/page?q=1", strings.NewReader("body"))
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			req, err := ts.svc.buildRequest(r)
			require.NoError(t, err)
			assert.Equal(t, "https://site.test/page?q=1", req.URL.String())
			assert.Equal(t, tt.wantMode, req.Mode)
			assert.Equal(t, tt.wantDest, req.Destination)
			if tt.method == http.MethodPost {
				assert.Equal(t, "body", string(req.Body))
			} else {
				assert.Empty(t, req.Body)
			}
		})
	}
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, HeaderSource)
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))
	ensureExposedHeader(h, "x-offline0")
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(ErrNotActive))
	assert.Equal(t, http.StatusNotFound, errorStatus(ErrUnknownSyncTag))
	assert.Equal(t, http.StatusBadRequest, errorStatus(ErrInvalidMessage))
	assert.Equal(t, http.StatusInsufficientStorage, errorStatus(ErrQuotaExceeded))
	assert.Equal(t, http.StatusBadGateway, errorStatus(ErrNetwork))
}
