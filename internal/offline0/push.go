package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Notification actions.
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// PushPayload is the JSON body of a push message. Every field is optional.
type PushPayload struct {
	Title string    `json:"title" validate:"max=200"`
	Body  string    `json:"body" validate:"max=2000"`
	Icon  string    `json:"icon" validate:"omitempty,startswith=/|url"`
	Data  *PushData `json:"data"`
}

type PushData struct {
	URL string `json:"url" validate:"omitempty,startswith=/|url"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is what a page is asked to display for a push message.
type Notification struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Data               PushData             `json:"data"`
	Actions            []NotificationAction `json:"actions"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	Timestamp          int64                `json:"timestamp"`
}

// notificationLog remembers the most recent notifications so clicks can be
// resolved. The oldest entry is dropped once max is reached.
type notificationLog struct {
	mu    sync.Mutex
	max   int
	byID  map[string]Notification
	order []string
}

func newNotificationLog(max int) *notificationLog {
	if max <= 0 {
		max = 64
	}
	return &notificationLog{max: max, byID: make(map[string]Notification, max)}
}

func (l *notificationLog) add(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[n.ID]; !ok {
		l.order = append(l.order, n.ID)
	}
	l.byID[n.ID] = n
	for len(l.order) > l.max {
		delete(l.byID, l.order[0])
		l.order = l.order[1:]
	}
}

// take removes and returns the notification with id.
func (l *notificationLog) take(id string) (Notification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.byID[id]
	if !ok {
		return Notification{}, false
	}
	delete(l.byID, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return n, true
}

func (l *notificationLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// Push handles one push message. An empty, malformed or invalid payload shows
// nothing and returns a nil notification without error.
func (w *Worker) Push(ctx context.Context, data []byte) (*Notification, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		w.metrics.Push("empty")
		return nil, nil
	}
	var p PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		w.log.Debug("push ignored", KeyError, err)
		w.metrics.Push("malformed")
		return nil, nil
	}
	if err := w.validate.Struct(p); err != nil {
		w.log.Debug("push ignored", KeyError, err)
		w.metrics.Push("invalid")
		return nil, nil
	}

	n := w.renderNotification(p)
	w.notes.add(n)
	w.metrics.Push("shown")
	w.log.Info("notification shown", KeyNotifyID, n.ID, KeyURL, n.Data.URL)

	msg := OutboundMessage{Type: OutNotification, Notification: &n}
	if err := postAll(ctx, w.clients, msg); err != nil {
		w.log.Debug("notification not delivered to every client", KeyNotifyID, n.ID, KeyError, err)
	}
	return &n, nil
}

func (w *Worker) renderNotification(p PushPayload) Notification {
	pc := w.cfg.Push
	n := Notification{
		ID:    uuid.NewString(),
		Title: p.Title,
		Body:  p.Body,
		Icon:  pc.Icon,
		Badge: pc.Badge,
		Actions: []NotificationAction{
			{Action: ActionView, Title: "View", Icon: pc.ViewIcon},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
		Vibrate:   append([]int(nil), pc.Vibrate...),
		Timestamp: w.now().UnixMilli(),
	}
	if n.Title == "" {
		n.Title = pc.DefaultTitle
	}
	if n.Body == "" {
		n.Body = pc.DefaultBody
	}
	if p.Icon != "" {
		n.Icon = p.Icon
	}
	if p.Data != nil {
		n.Data = *p.Data
	}
	if pc.RequireInteraction != nil {
		n.RequireInteraction = *pc.RequireInteraction
	}
	return n
}

// NotificationClick closes the notification and, for the view action, focuses
// a client already showing its URL or opens a new window there.
func (w *Worker) NotificationClick(ctx context.Context, id, action string) error {
	n, ok := w.notes.take(id)
	if !ok {
		return fmt.Errorf("notification %q: %w", id, ErrNotFound)
	}
	if err := postAll(ctx, w.clients, OutboundMessage{Type: OutNotificationClose, ID: id}); err != nil {
		w.log.Debug("notification close not delivered", KeyNotifyID, id, KeyError, err)
	}
	w.log.Info("notification clicked", KeyNotifyID, id, "action", action)
	if action != ActionView {
		return nil
	}

	target := n.Data.URL
	if target == "" {
		target = "/"
	}
	u, err := w.resolve(target)
	if err != nil {
		return fmt.Errorf("notification %q url: %w", id, err)
	}
	want := u.String()

	all, err := w.clients.MatchAll(ctx)
	if err != nil {
		return err
	}
	for _, c := range all {
		cu, err := w.resolve(c.URL())
		if err != nil || cu.String() != want {
			continue
		}
		return c.Focus(ctx)
	}
	_, err = w.clients.OpenWindow(ctx, want)
	return err
}
