package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"offline0/internal/metrics"
)

// HeaderSource names the response header telling pages where a response came
// from.
const HeaderSource = "X-Offline0"

const maxRequestBody = 10 << 20

// Service is the HTTP edge: it turns browser requests into worker fetches,
// serves the control endpoints and runs the periodic loops.
type Service struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	storage CacheStorage
	network Network
	now     func() time.Time

	hub   *Hub
	reg   *Registration
	stats *statsCollector

	online    atomic.Bool
	startOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewService wires a Service from cfg. Nil fields of deps are filled with the
// defaults cfg describes. deps.Clients is ignored; pages connect through the
// service's own hub.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Logger == nil {
		deps.Logger = NewLogger(cfg.Logging, os.Stderr)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Network == nil {
		n, err := NewHTTPNetwork(cfg.Server.PublicOrigin, cfg.Server.Origin, cfg.Network.timeoutDur)
		if err != nil {
			return nil, err
		}
		deps.Network = n
	}
	if deps.Storage == nil {
		st, err := OpenStorage(cfg.Storage)
		if err != nil {
			return nil, err
		}
		deps.Storage = st
	}

	s := &Service{
		cfg:     cfg,
		log:     deps.Logger,
		metrics: deps.Metrics,
		storage: deps.Storage,
		network: deps.Network,
		now:     deps.Now,
		hub:     NewHub(deps.Logger, deps.Metrics),
		stopCh:  make(chan struct{}),
	}
	s.reg = NewRegistration(cfg.Server.PublicOrigin+"/", s.hub, deps.Logger)
	s.hub.SetDispatch(s.reg.Dispatch)
	s.online.Store(true)
	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}
	return s, nil
}

func (s *Service) Registration() *Registration { return s.reg }
func (s *Service) Hub() *Hub                   { return s.hub }
func (s *Service) Storage() CacheStorage       { return s.storage }

// Start installs and activates the configured version and starts the
// background loops. An install error is returned, but the loops still run and
// the edge passes requests through until a later install succeeds.
func (s *Service) Start(ctx context.Context) error {
	err := s.Install(ctx)
	s.startOnce.Do(s.startLoops)
	return err
}

// Install creates a worker for the configured version and runs it through
// the registration's update flow.
func (s *Service) Install(ctx context.Context) error {
	w, err := NewWorker(s.cfg, Deps{
		Storage: s.storage,
		Network: s.network,
		Clients: s.hub,
		Metrics: s.metrics,
		Logger:  s.log,
		Now:     s.now,
	})
	if err != nil {
		return err
	}
	return s.reg.Update(ctx, w)
}

func (s *Service) startLoops() {
	if d := s.cfg.Connectivity.checkEveryDur; d > 0 {
		s.loop(d, s.checkConnectivity)
	}
	if d := s.cfg.Content.updateEveryDur; d > 0 {
		s.loop(d, s.updateContent)
	}
	if d := s.cfg.Logging.logStatsEveryDur; d > 0 {
		s.loop(d, s.logStats)
	}
}

func (s *Service) loop(every time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				fn(ctx)
				cancel()
			}
		}
	}()
}

// Close stops the loops, disconnects pages, waits for worker background work
// and closes storage.
func (s *Service) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	s.hub.Close()
	s.reg.Close()
	return s.storage.Close()
}

// checkConnectivity probes the origin. While it is reachable the replay
// queues are drained of due entries; a missing worker is installed again.
func (s *Service) checkConnectivity(ctx context.Context) {
	online := s.probe(ctx)
	was := s.online.Swap(online)
	s.metrics.SetOriginUp(online)
	if !online {
		if was {
			s.log.Warn("origin unreachable")
		}
		return
	}
	if !was {
		s.log.Info("origin reachable again")
	}
	if s.reg.Active() == nil && s.reg.Installing() == nil {
		if err := s.Install(ctx); err != nil {
			s.log.Warn("install retry failed", KeyError, err)
			return
		}
	}
	s.replayAll(ctx)
}

func (s *Service) probe(ctx context.Context) bool {
	req, err := NewRequest(http.MethodGet, s.cfg.Server.PublicOrigin+s.cfg.Connectivity.ProbePath)
	if err != nil {
		return false
	}
	_, err = s.network.Fetch(ctx, req)
	return err == nil
}

func (s *Service) replayAll(ctx context.Context) {
	w := s.reg.Active()
	if w == nil {
		return
	}
	for _, q := range s.cfg.Queues {
		if _, err := w.Sync(ctx, q.Tag); err != nil {
			s.log.Warn("replay failed", KeyTag, q.Tag, KeyError, err)
		}
	}
}

func (s *Service) updateContent(ctx context.Context) {
	w := s.reg.Active()
	if w == nil || !s.online.Load() {
		return
	}
	if _, err := w.Sync(ctx, TagContentUpdate); err != nil {
		s.log.Warn("content update failed", KeyError, err)
	}
}

func (s *Service) logStats(ctx context.Context) {
	ss := s.stats.Snapshot()
	args := []any{
		"responses", ss.TotalResponses,
		"resp_min", formatBytes(ss.MinRespBytes),
		"resp_avg", formatBytes(ss.AvgRespBytes),
		"resp_max", formatBytes(ss.MaxRespBytes),
	}
	for _, src := range []Source{SourceNetwork, SourceCache, SourceOffline, SourceSynthesized, SourceQueued, SourceBypass} {
		args = append(args, string(src), ss.BySource[src])
	}
	if names, err := s.storage.Keys(ctx); err == nil {
		args = append(args, "buckets", len(names))
	}
	if ds, ok := s.storage.(*diskStorage); ok {
		disk, ram := ds.TotalSize()
		args = append(args, "disk", formatBytes(uint64(disk)), "ram", formatBytes(uint64(ram)))
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", formatBytes(rss))
	}
	s.log.Info("stats", args...)
}

// Handler returns the edge's HTTP handler.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route(s.cfg.Server.ControlPrefix, func(r chi.Router) {
		r.Get("/ws", s.hub.ServeHTTP)
		r.Get("/status", s.handleStatus)
		r.Post("/message", s.handleMessage)
		r.Post("/sync/{tag}", s.handleSync)
		r.Post("/push", s.handlePush)
		r.Get("/queue/{tag}", s.handleQueueList)
		r.Post("/queue/{tag}", s.handleEnqueue)
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.HandleFunc("/*", s.handleFetch)
	return r
}

func (s *Service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			KeyStatus, ww.Status(),
			KeySource, ww.Header().Get(HeaderSource),
			KeyDuration, time.Since(start).Milliseconds(),
		)
	})
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := s.buildRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp *Response
	if wk := s.reg.Active(); wk != nil {
		resp, err = wk.Fetch(r.Context(), req)
	} else {
		resp, err = s.network.Fetch(r.Context(), req)
		if err == nil {
			resp.Source = SourceBypass
		}
	}
	if err != nil {
		s.log.Debug("fetch failed", KeyURL, req.URL.String(), KeyError, err)
		setSourceHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.stats.Observe(resp.Source, len(resp.Body))
	writeResponse(w, resp)
}

// buildRequest converts an incoming request into a worker request on the
// public origin. Browsers send Sec-Fetch-Mode and Sec-Fetch-Dest; without
// them the mode and destination are inferred from Accept.
func (s *Service) buildRequest(r *http.Request) (*Request, error) {
	req, err := NewRequest(r.Method, s.cfg.Server.PublicOrigin+r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRequestBody))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		req.Body = b
	}

	accept := strings.ToLower(r.Header.Get("Accept"))
	switch mode := RequestMode(r.Header.Get("Sec-Fetch-Mode")); mode {
	case ModeNavigate, ModeSameOrigin, ModeNoCORS, ModeCORS:
		req.Mode = mode
	default:
		if r.Method == http.MethodGet && strings.Contains(accept, "text/html") {
			req.Mode = ModeNavigate
		}
	}
	req.Destination = r.Header.Get("Sec-Fetch-Dest")
	if req.Destination == "" || req.Destination == "empty" {
		switch {
		case req.Mode == ModeNavigate:
			req.Destination = DestDocument
		case strings.HasPrefix(accept, "image/"):
			req.Destination = DestImage
		default:
			req.Destination = ""
		}
	}
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, HeaderSource) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), string(resp.Source))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setSourceHeaders(h http.Header, src string) {
	if src != "" {
		h.Set(HeaderSource, src)
	}
	// Custom headers are unreadable from page scripts in a CORS context
	// unless exposed.
	ensureExposedHeader(h, HeaderSource)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps worker errors onto control endpoint status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownSyncTag), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadGateway
	}
}

// QueueStatus counts the entries of one replay queue.
type QueueStatus struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

type Status struct {
	Version   string                 `json:"version,omitempty"`
	State     string                 `json:"state"`
	CacheName string                 `json:"cacheName,omitempty"`
	Waiting   string                 `json:"waiting,omitempty"`
	Online    bool                   `json:"online"`
	Clients   int                    `json:"clients"`
	Buckets   []string               `json:"buckets"`
	Queues    map[string]QueueStatus `json:"queues"`
}

// Status reports the registration, storage and queue state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{
		State:   "none",
		Online:  s.online.Load(),
		Clients: s.hub.Len(),
		Queues:  map[string]QueueStatus{},
	}
	if w := s.reg.Active(); w != nil {
		st.Version = w.Version()
		st.State = w.State().String()
		st.CacheName = w.CacheName()
	}
	if w := s.reg.Waiting(); w != nil {
		st.Waiting = w.Version()
	}
	names, err := s.storage.Keys(ctx)
	if err != nil {
		return st, err
	}
	st.Buckets = names
	for _, q := range s.cfg.Queues {
		ents, err := ListQueue(ctx, s.storage, q.Bucket)
		if err != nil {
			return st, err
		}
		var qs QueueStatus
		for _, e := range ents {
			if e.Replay != nil && e.Replay.Dead {
				qs.Dead++
			} else {
				qs.Pending++
			}
		}
		st.Queues[q.Tag] = qs
	}
	return st, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := DecodeMessage(body, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	clientID := r.Header.Get("X-Offline0-Client")
	if err := s.reg.Dispatch(r.Context(), clientID, msg); err != nil {
		if errors.Is(err, ErrNotActive) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.log.Warn("message failed", KeyClientID, clientID, KeyMessage, msg.Type(), KeyError, err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) activeWorker(w http.ResponseWriter) (*Worker, bool) {
	wk := s.reg.Active()
	if wk == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNotActive)
		return nil, false
	}
	return wk, true
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.activeWorker(w)
	if !ok {
		return
	}
	res, err := wk.Sync(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.activeWorker(w)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := wk.Push(r.Context(), body)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if n == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Service) handleQueueList(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.activeWorker(w)
	if !ok {
		return
	}
	ents, err := wk.QueueEntries(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	type item struct {
		ID       string `json:"id"`
		Method   string `json:"method"`
		URL      string `json:"url"`
		Attempts int    `json:"attempts"`
		Dead     bool   `json:"dead"`
		Error    string `json:"error,omitempty"`
	}
	out := make([]item, 0, len(ents))
	for _, e := range ents {
		it := item{Method: e.Request.Method, URL: e.Request.URL}
		if e.Replay != nil {
			it.ID = e.Replay.ID
			it.Attempts = e.Replay.Attempts
			it.Dead = e.Replay.Dead
			it.Error = e.Replay.LastError
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEnqueue stores a write for later replay. The target path comes from
// the url query parameter and the method from method (default POST); the
// request body and Content-Type are kept as sent.
func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.activeWorker(w)
	if !ok {
		return
	}
	target := r.URL.Query().Get("url")
	if !strings.HasPrefix(target, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("url must be an absolute path"))
		return
	}
	method := strings.ToUpper(r.URL.Query().Get("method"))
	if method == "" {
		method = http.MethodPost
	}
	if method == http.MethodGet || method == http.MethodHead {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s cannot be queued", method))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := NewRequest(method, s.cfg.Server.PublicOrigin+target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	req.Body = body

	id, err := wk.Enqueue(r.Context(), chi.URLParam(r, "tag"), req)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
}
