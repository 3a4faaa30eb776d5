package offline0

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"offline0/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// DispatchFunc receives every decoded message a page sends, except
// CLIENT_URL which the hub applies itself.
type DispatchFunc func(ctx context.Context, clientID string, msg Message) error

// Hub tracks pages connected over WebSocket and implements Clients for them.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*wsClient
	seq      uint64
	dispatch DispatchFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = discardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:      log,
		metrics:  m,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Pages connect from the public origin, which the edge serves
			// itself; the port may differ behind a proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*wsClient),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetDispatch installs the handler for inbound page messages.
func (h *Hub) SetDispatch(fn DispatchFunc) {
	h.mu.Lock()
	h.dispatch = fn
	h.mu.Unlock()
}

type wsClient struct {
	id   string
	seq  uint64
	conn *websocket.Conn

	mu         sync.Mutex // guards url and controller
	url        string
	controller string

	writeMu sync.Mutex
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *wsClient) setURL(u string) {
	c.mu.Lock()
	c.url = u
	c.mu.Unlock()
}

// Controller is the worker version currently controlling the page.
func (c *wsClient) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *wsClient) Focus(ctx context.Context) error {
	return c.PostMessage(ctx, OutboundMessage{Type: OutFocus, URL: c.URL()})
}

func (c *wsClient) PostMessage(ctx context.Context, msg OutboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// ServeHTTP upgrades the request and registers the page. The page URL is
// taken from the url query parameter and may be updated later with a
// CLIENT_URL message.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", KeyError, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.seq++
	c := &wsClient{
		id:   uuid.NewString(),
		seq:  h.seq,
		conn: conn,
		url:  r.URL.Query().Get("url"),
	}
	h.conns[c.id] = c
	n := len(h.conns)
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.SetClients(n)
	h.log.Debug("client connected", KeyClientID, c.id, KeyURL, c.URL())

	go h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer h.wg.Done()
	defer h.remove(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", KeyClientID, c.id, KeyError, err)
			}
			return
		}
		h.handle(c, data)
	}
}

func (h *Hub) handle(c *wsClient, data []byte) {
	msg, err := DecodeMessage(data, h.validate)
	if err != nil {
		h.log.Debug("message rejected", KeyClientID, c.id, KeyError, err)
		return
	}
	if m, ok := msg.(ClientURLMessage); ok {
		c.setURL(m.URL)
		return
	}

	h.mu.RLock()
	fn := h.dispatch
	h.mu.RUnlock()
	if fn == nil {
		return
	}
	if err := fn(h.ctx, c.id, msg); err != nil {
		h.log.Warn("message failed", KeyClientID, c.id, KeyMessage, msg.Type(), KeyError, err)
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	_ = c.conn.Close()
	h.metrics.SetClients(n)
	h.log.Debug("client disconnected", KeyClientID, c.id)
}

func (h *Hub) snapshot() []*wsClient {
	h.mu.RLock()
	out := make([]*wsClient, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len is the number of connected pages.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// MatchAll returns connected pages in connection order.
func (h *Hub) MatchAll(context.Context) ([]Client, error) {
	cs := h.snapshot()
	out := make([]Client, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out, nil
}

// Claim makes version the controller of every connected page and tells each
// page with a CONTROLLER_CHANGE message. Pages that cannot be reached are
// dropped and do not fail the claim.
func (h *Hub) Claim(ctx context.Context, version string) error {
	for _, c := range h.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		c.controller = version
		c.mu.Unlock()
		if err := c.PostMessage(ctx, OutboundMessage{Type: OutControllerChange, Version: version}); err != nil {
			h.log.Warn("claim not delivered", KeyClientID, c.id, KeyError, err)
			_ = c.conn.Close()
		}
	}
	return nil
}

// OpenWindow asks the most recently connected page to open url. The page
// that received the request is returned.
func (h *Hub) OpenWindow(ctx context.Context, url string) (Client, error) {
	cs := h.snapshot()
	for i := len(cs) - 1; i >= 0; i-- {
		c := cs[i]
		err := c.PostMessage(ctx, OutboundMessage{Type: OutOpenWindow, URL: url})
		if err == nil {
			return c, nil
		}
		h.log.Debug("open window not delivered", KeyClientID, c.id, KeyError, err)
	}
	return nil, ErrNoClient
}

// Close disconnects every page and waits for their read loops to end.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()
	for _, c := range h.snapshot() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
	h.wg.Wait()
}
