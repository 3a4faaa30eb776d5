package offline0

import "context"

// Outbound message types posted from the worker to pages.
const (
	OutControllerChange  = "CONTROLLER_CHANGE"
	OutNotification      = "NOTIFICATION"
	OutNotificationClose = "NOTIFICATION_CLOSE"
	OutFocus             = "FOCUS"
	OutOpenWindow        = "OPEN_WINDOW"
	OutReplayDeadLetter  = "REPLAY_DEAD_LETTER"
)

// OutboundMessage is the envelope for every worker → page message.
type OutboundMessage struct {
	Type         string        `json:"type"`
	Version      string        `json:"version,omitempty"`
	URL          string        `json:"url,omitempty"`
	Tag          string        `json:"tag,omitempty"`
	ID           string        `json:"id,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Error        string        `json:"error,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Client is one page controlled (or controllable) by the worker.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg OutboundMessage) error
}

// Clients is the set of pages under the registration's scope.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	// Claim makes version the controller of every current client.
	Claim(ctx context.Context, version string) error
	OpenWindow(ctx context.Context, url string) (Client, error)
}

type noClients struct{}

func (noClients) MatchAll(context.Context) ([]Client, error) { return nil, nil }
func (noClients) Claim(context.Context, string) error        { return nil }
func (noClients) OpenWindow(context.Context, string) (Client, error) {
	return nil, ErrNoClient
}

// postAll delivers msg to every client, returning the first error.
func postAll(ctx context.Context, cs Clients, msg OutboundMessage) error {
	all, err := cs.MatchAll(ctx)
	if err != nil {
		return err
	}
	var first error
	for _, c := range all {
		if err := c.PostMessage(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
