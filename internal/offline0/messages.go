package offline0

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Inbound message types sent by pages.
const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgCacheURLs         = "CACHE_URLS"
	MsgSync              = "SYNC"
	MsgClientURL         = "CLIENT_URL"
	MsgNotificationClick = "NOTIFICATION_CLICK"
)

// Message is one decoded page → worker message.
type Message interface {
	Type() string
}

type SkipWaitingMessage struct{}

type CacheURLsMessage struct {
	URLs []string `json:"urls" validate:"required,min=1,max=100,dive,required"`
}

type SyncMessage struct {
	Tag string `json:"tag" validate:"required"`
}

type ClientURLMessage struct {
	URL string `json:"url" validate:"required"`
}

type NotificationClickMessage struct {
	ID     string `json:"id" validate:"required"`
	Action string `json:"action"`
}

func (SkipWaitingMessage) Type() string       { return MsgSkipWaiting }
func (CacheURLsMessage) Type() string         { return MsgCacheURLs }
func (SyncMessage) Type() string              { return MsgSync }
func (ClientURLMessage) Type() string         { return MsgClientURL }
func (NotificationClickMessage) Type() string { return MsgNotificationClick }

// DecodeMessage parses and validates a JSON message. Unknown types return
// ErrUnknownMessage; malformed or incomplete ones return ErrInvalidMessage.
func DecodeMessage(data []byte, v *validator.Validate) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg Message
	switch env.Type {
	case MsgSkipWaiting:
		return SkipWaitingMessage{}, nil
	case MsgCacheURLs:
		var m CacheURLsMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case MsgSync:
		var m SyncMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case MsgClientURL:
		var m ClientURLMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case MsgNotificationClick:
		var m NotificationClickMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return msg, nil
}

// Dispatch applies a decoded message. SKIP_WAITING acts on the registration;
// every other message is handled by the active worker. CLIENT_URL is
// transport state and is ignored here.
func (r *Registration) Dispatch(ctx context.Context, clientID string, msg Message) error {
	if _, ok := msg.(SkipWaitingMessage); ok {
		r.log.Info("skip waiting requested", KeyClientID, clientID)
		return r.SkipWaiting(ctx)
	}
	w := r.Active()
	if w == nil {
		return ErrNotActive
	}
	return w.HandleMessage(ctx, msg)
}

// HandleMessage applies msg to this worker.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case SkipWaitingMessage:
		w.SkipWaiting()
		if w.reg != nil {
			return w.reg.SkipWaiting(ctx)
		}
		return nil
	case CacheURLsMessage:
		return w.CacheURLs(ctx, m.URLs)
	case SyncMessage:
		_, err := w.Sync(ctx, m.Tag)
		return err
	case NotificationClickMessage:
		return w.NotificationClick(ctx, m.ID, m.Action)
	case ClientURLMessage:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// CacheURLs adds same-origin URLs to the current bucket. Either every URL is
// fetched with a 2xx status and stored, or nothing is.
func (w *Worker) CacheURLs(ctx context.Context, refs []string) error {
	reqs := make([]*Request, 0, len(refs))
	for _, ref := range refs {
		req, err := w.getRequest(ref)
		if err != nil {
			return fmt.Errorf("%w: url %q: %v", ErrInvalidMessage, ref, err)
		}
		if !sameOrigin(req.URL, w.origin) {
			return fmt.Errorf("%w: url %q is cross-origin", ErrInvalidMessage, ref)
		}
		reqs = append(reqs, req)
	}
	if err := w.cache.addAll(ctx, reqs, w.fetchAll); err != nil {
		w.log.Warn("cache urls failed", KeyCount, len(reqs), KeyError, err)
		return err
	}
	w.log.Info("cached urls", KeyBucket, w.CacheName(), KeyCount, len(reqs))
	return nil
}
