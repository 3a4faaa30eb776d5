package offline0

import (
	"bytes"
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RequestMode mirrors the fetch request mode a browser attaches to a request.
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// Destinations the fetch policies care about.
const (
	DestDocument = "document"
	DestImage    = "image"
)

type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Mode        RequestMode
	Destination string
}

// NewRequest builds a request for an absolute URL with an empty header.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, &url.Error{Op: "parse", URL: rawURL, Err: errRelativeURL}
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Mode:   ModeCORS,
	}, nil
}

// Key is the request identity used as the bucket key: method and URL without
// its fragment.
func (r *Request) Key() string {
	return requestKey(r.Method, r.URL)
}

func requestKey(method string, u *url.URL) string {
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return strings.ToUpper(method) + " " + cp.String()
}

func (r *Request) IsNavigation() bool { return r.Mode == ModeNavigate }

func (r *Request) Clone() *Request {
	cp := *r
	u := *r.URL
	cp.URL = &u
	cp.Header = cloneHeader(r.Header)
	cp.Body = bytes.Clone(r.Body)
	return &cp
}

func (r *Request) stored() StoredRequest {
	return StoredRequest{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: cloneHeader(r.Header),
		Body:   bytes.Clone(r.Body),
	}
}

// Source tells where a response came from. It is surfaced to browsers in the
// X-Offline0 header.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourceSynthesized Source = "synthesized"
	SourceQueued      Source = "queued"
	SourceBypass      Source = "bypass"
)

type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Source     Source
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Clone returns an independent copy; a response that is both stored and
// returned must never share its header map or body.
func (r *Response) Clone() *Response {
	cp := *r
	cp.Header = cloneHeader(r.Header)
	cp.Body = bytes.Clone(r.Body)
	return &cp
}

func textResponse(status int, contentType, body string, src Source) *Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     h,
		Body:       []byte(body),
		Source:     src,
	}
}

type StoredRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (s StoredRequest) request() (*Request, error) {
	req, err := NewRequest(s.Method, s.URL)
	if err != nil {
		return nil, err
	}
	req.Header = cloneHeader(s.Header)
	req.Body = bytes.Clone(s.Body)
	return req, nil
}

// ReplayState is the bookkeeping kept next to a queued write.
type ReplayState struct {
	ID            string
	Tag           string
	EnqueuedAt    int64 // unix nanoseconds
	Attempts      int
	NextAttemptAt int64 // unix nanoseconds, zero means due now
	LastError     string

	// Dead entries exhausted their attempts. They stay in the queue but are
	// no longer replayed automatically.
	Dead bool
}

type Entry struct {
	Request StoredRequest

	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	StoredAt   int64 // unix seconds
	Hash32     uint32

	// Replay is set only for entries in queue buckets.
	Replay *ReplayState
}

func newEntry(req *Request, resp *Response, now time.Time) Entry {
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return Entry{
		Request:    req.stored(),
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     h,
		Body:       bytes.Clone(resp.Body),
		StoredAt:   now.Unix(),
		Hash32:     crc32.ChecksumIEEE(resp.Body),
	}
}

func (e Entry) response(src Source) *Response {
	return &Response{
		Status:     e.Status,
		StatusText: e.StatusText,
		Header:     cloneHeader(e.Header),
		Body:       bytes.Clone(e.Body),
		Source:     src,
	}
}

func (e Entry) clone() Entry {
	cp := e
	cp.Request.Header = cloneHeader(e.Request.Header)
	cp.Request.Body = bytes.Clone(e.Request.Body)
	cp.Header = cloneHeader(e.Header)
	cp.Body = bytes.Clone(e.Body)
	if e.Replay != nil {
		st := *e.Replay
		cp.Replay = &st
	}
	return cp
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
