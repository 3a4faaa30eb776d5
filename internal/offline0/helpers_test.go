package offline0

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
app:
  name: site
  version: v1
server:
  origin: http://origin.test
  publicOrigin: https://site.test
precache:
  - /
  - /offline.html
  - /static/offline.png
  - /app.css
offline:
  page: /offline.html
  image: /static/offline.png
rules:
  - match: PathPrefix(/admin)
    bypass: true
  - match: Glob(/account/**)
    bypassWhenCookies: [session]
replay:
  maxAttempts: 3
  initialInterval: 1s
  maxInterval: 4s
  multiplier: 2
content:
  updateEvery: 0s
connectivity:
  checkEvery: 0s
`

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)
	return cfg
}

func withVersion(t *testing.T, cfg Config, version string) Config {
	t.Helper()
	cfg.App.Version = version
	return cfg
}

type fakePage struct {
	status int
	body   string
	ctype  string
}

// fakeNetwork serves pages by path. Methods are ignored.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]fakePage
	down    map[string]bool
	offline bool
	calls   []string
	hook    func(req *Request)
}

func newFakeNetwork() *fakeNetwork {
	n := &fakeNetwork{pages: map[string]fakePage{}, down: map[string]bool{}}
	n.set("/", 200, "<h1>home</h1>")
	n.set("/offline.html", 200, "<h1>offline</h1>")
	n.setType("/static/offline.png", 200, "PNG-offline", "image/png")
	n.setType("/app.css", 200, "body{}", "text/css")
	return n
}

func (n *fakeNetwork) set(path string, status int, body string) {
	n.setType(path, status, body, "text/html; charset=utf-8")
}

func (n *fakeNetwork) setType(path string, status int, body, ctype string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[path] = fakePage{status: status, body: body, ctype: ctype}
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = v
}

func (n *fakeNetwork) setDown(path string, v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[path] = v
}

func (n *fakeNetwork) count(method, path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	want := method + " " + path
	c := 0
	for _, s := range n.calls {
		if s == want {
			c++
		}
	}
	return c
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.Path)
	hook := n.hook
	offline := n.offline || n.down[req.URL.Path]
	p, ok := n.pages[req.URL.Path]
	n.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offline {
		return nil, fmt.Errorf("%w: %s unreachable", ErrNetwork, req.URL.Path)
	}
	if !ok {
		p = fakePage{status: http.StatusNotFound, body: "not found", ctype: "text/plain"}
	}
	h := make(http.Header)
	h.Set("Content-Type", p.ctype)
	return &Response{
		Status:     p.status,
		StatusText: http.StatusText(p.status),
		Header:     h,
		Body:       []byte(p.body),
		Source:     SourceNetwork,
	}, nil
}

type fakeClient struct {
	id  string
	url string

	mu      sync.Mutex
	msgs    []OutboundMessage
	focused int
}

func (c *fakeClient) ID() string  { return c.id }
func (c *fakeClient) URL() string { return c.url }

func (c *fakeClient) Focus(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused++
	return nil
}

func (c *fakeClient) PostMessage(_ context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeClient) messages(typ string) []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OutboundMessage
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeClients struct {
	mu      sync.Mutex
	list    []*fakeClient
	claimed []string
	opened  []string
	onClaim func(version string)
}

func (f *fakeClients) add(id, url string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{id: id, url: url}
	f.list = append(f.list, c)
	return c
}

func (f *fakeClients) MatchAll(context.Context) ([]Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Client, len(f.list))
	for i, c := range f.list {
		out[i] = c
	}
	return out, nil
}

func (f *fakeClients) Claim(ctx context.Context, version string) error {
	f.mu.Lock()
	f.claimed = append(f.claimed, version)
	list := append([]*fakeClient(nil), f.list...)
	onClaim := f.onClaim
	f.mu.Unlock()
	if onClaim != nil {
		onClaim(version)
	}
	for _, c := range list {
		_ = c.PostMessage(ctx, OutboundMessage{Type: OutControllerChange, Version: version})
	}
	return nil
}

func (f *fakeClients) OpenWindow(_ context.Context, url string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return &fakeClient{id: "opened", url: url}, nil
}

// testClock is a settable clock for replay scheduling.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	cfg     Config
	net     *fakeNetwork
	clients *fakeClients
	storage CacheStorage
	clock   *testClock
	reg     *Registration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		cfg:     testConfig(t),
		net:     newFakeNetwork(),
		clients: &fakeClients{},
		storage: NewMemoryStorage(),
		clock:   newTestClock(),
	}
	env.reg = NewRegistration("https://site.test/", env.clients, nil)
	return env
}

func (e *testEnv) newWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, Deps{
		Storage: e.storage,
		Network: e.net,
		Clients: e.clients,
		Now:     e.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(w.Wait)
	return w
}

// activate installs and activates cfg through the registration.
func (e *testEnv) activate(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w := e.newWorker(t, cfg)
	require.NoError(t, e.reg.Update(context.Background(), w))
	require.Same(t, w, e.reg.Active())
	return w
}

func mustRequest(t *testing.T, method, rawURL string) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL)
	require.NoError(t, err)
	return req
}

func navigation(t *testing.T, path string) *Request {
	t.Helper()
	req := mustRequest(t, http.MethodGet, "https://site.test"+path)
	req.Mode = ModeNavigate
	req.Destination = DestDocument
	return req
}

func bucketKeys(t *testing.T, st CacheStorage, name string) []string {
	t.Helper()
	b, err := st.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	return keys
}
