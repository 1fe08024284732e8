package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Subscription types and transports used by the engine.
const (
	TypeStreamOnline   = "stream.online"
	TransportWebsocket = "websocket"
	StatusEnabled      = "enabled"
)

// maxPages bounds ListSubscriptions against a server that never stops paging.
const maxPages = 100

type Condition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type Transport struct {
	Method         string `json:"method"`
	SessionID      string `json:"session_id,omitempty"`
	ConnectedAt    string `json:"connected_at,omitempty"`
	DisconnectedAt string `json:"disconnected_at,omitempty"`
}

// Subscription is a remote EventSub registration. The engine never treats a
// copy as authoritative: it is a snapshot from the last list or create call.
type Subscription struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Condition Condition `json:"condition"`
	Transport Transport `json:"transport"`
	CreatedAt time.Time `json:"created_at"`
	Cost      int       `json:"cost"`
}

// BroadcasterID is shorthand for the condition's broadcaster.
func (s Subscription) BroadcasterID() string { return s.Condition.BroadcasterUserID }

// BoundTo reports whether s is a websocket subscription bound to sessionID.
func (s Subscription) BoundTo(sessionID string) bool {
	return sessionID != "" && s.Transport.Method == TransportWebsocket && s.Transport.SessionID == sessionID
}

// Disconnected reports whether s is a websocket subscription that no longer
// delivers events (its session has gone away).
func (s Subscription) Disconnected() bool {
	return s.Transport.Method == TransportWebsocket && s.Status != StatusEnabled
}

func (s Subscription) valid() bool {
	return s.ID != "" && s.Type != ""
}

type subscriptionPage struct {
	Data       []Subscription `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// ListSubscriptions returns every EventSub subscription owned by the client.
// Failures are logged and yield whatever was collected so far (possibly
// nothing); callers must cope with partial information.
func (c *Client) ListSubscriptions(ctx context.Context) []Subscription {
	var out []Subscription
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body subscriptionPage
		if err := c.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil, &body); err != nil {
			logHelixFailure("list subscriptions", err)
			return out
		}
		for _, s := range body.Data {
			if !s.valid() {
				slog.Warn("dropping malformed subscription", slog.String("component", "twitchapi"), slog.String("id", s.ID))
				continue
			}
			out = append(out, s)
		}
		cursor = body.Pagination.Cursor
		if cursor == "" {
			return out
		}
	}
	slog.Warn("subscription list truncated", slog.String("component", "twitchapi"), slog.Int("pages", maxPages))
	return out
}

type createRequest struct {
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Condition Condition `json:"condition"`
	Transport Transport `json:"transport"`
}

// CreateSubscription registers a stream.online subscription for broadcasterID
// bound to the websocket session. A 409 is reported as ErrConflict, distinct
// from other failures.
func (c *Client) CreateSubscription(ctx context.Context, broadcasterID, sessionID string) (*Subscription, error) {
	if broadcasterID == "" || sessionID == "" {
		return nil, fmt.Errorf("create subscription: broadcaster id and session id are required")
	}
	req := createRequest{
		Type:      TypeStreamOnline,
		Version:   "1",
		Condition: Condition{BroadcasterUserID: broadcasterID},
		Transport: Transport{Method: TransportWebsocket, SessionID: sessionID},
	}
	var body subscriptionPage
	if err := c.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req, &body); err != nil {
		if !errors.Is(err, ErrConflict) {
			logHelixFailure("create subscription", err)
		}
		return nil, err
	}
	for _, s := range body.Data {
		if s.valid() {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("create subscription: response carried no subscription")
}

// DeleteSubscription removes a subscription. It is best-effort: failures are
// logged and returned, never retried.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("delete subscription: id empty")
	}
	if err := c.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil); err != nil {
		logHelixFailure("delete subscription", err, slog.String("id", id))
		return err
	}
	return nil
}

func logHelixFailure(op string, err error, attrs ...any) {
	args := append([]any{slog.String("component", "twitchapi"), slog.Any("err", err)}, attrs...)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		args = append(args, slog.Int("status", apiErr.StatusCode), slog.String("body", apiErr.Body))
	}
	slog.Warn("helix "+op+" failed", args...)
}
