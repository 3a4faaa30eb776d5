package offline0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Network performs requests on behalf of the worker. Transport failures are
// returned as errors wrapping ErrNetwork; any HTTP status is a response.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// httpNetwork sends requests for the public origin to the upstream origin
// server. Requests for any other origin are sent as-is.
type httpNetwork struct {
	client   *http.Client
	public   *url.URL
	upstream *url.URL
	timeout  time.Duration
}

// NewHTTPNetwork returns a Network that rewrites publicOrigin URLs onto
// upstreamOrigin and bounds every request by timeout.
func NewHTTPNetwork(publicOrigin, upstreamOrigin string, timeout time.Duration) (Network, error) {
	pub, err := url.Parse(publicOrigin)
	if err != nil {
		return nil, fmt.Errorf("public origin: %w", err)
	}
	up, err := url.Parse(upstreamOrigin)
	if err != nil {
		return nil, fmt.Errorf("upstream origin: %w", err)
	}
	return &httpNetwork{
		client: &http.Client{
			// Redirects are returned to the page, as a browser fetch with
			// redirect: "manual" would see them.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		public:   pub,
		upstream: up,
		timeout:  timeout,
	}, nil
}

func (n *httpNetwork) target(u *url.URL) string {
	if !sameOrigin(u, n.public) {
		return u.String()
	}
	return strings.TrimRight(n.upstream.String(), "/") + u.RequestURI()
}

func (n *httpNetwork) Fetch(ctx context.Context, r *Request) (*Response, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, n.target(r.URL), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, r.Method, r.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, r.URL.Redacted(), err)
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     h,
		Body:       b,
		Source:     SourceNetwork,
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
