package eventsub

import (
	"encoding/json"
	"time"
)

// Message types carried in metadata.message_type.
const (
	msgWelcome      = "session_welcome"
	msgKeepalive    = "session_keepalive"
	msgNotification = "notification"
	msgReconnect    = "session_reconnect"
	msgRevocation   = "revocation"
)

type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		MessageTimestamp string `json:"message_timestamp"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string  `json:"id"`
		Status                  string  `json:"status"`
		KeepaliveTimeoutSeconds *int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            *string `json:"reconnect_url"`
	} `json:"session"`
}

type subscriptionRef struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type notificationPayload struct {
	Subscription subscriptionRef `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// OnlineEvent is a decoded stream.online notification.
type OnlineEvent struct {
	SubscriptionID   string    `json:"-"`
	BroadcasterID    string    `json:"broadcaster_user_id"`
	BroadcasterLogin string    `json:"broadcaster_user_login"`
	BroadcasterName  string    `json:"broadcaster_user_name"`
	StartedAt        time.Time `json:"started_at"`
}

// seenIDs remembers recent message ids so redelivered frames are dropped.
type seenIDs struct {
	ring [64]string
	next int
	set  map[string]struct{}
}

// add records id and reports whether it was new.
func (s *seenIDs) add(id string) bool {
	if id == "" {
		return true
	}
	if s.set == nil {
		s.set = make(map[string]struct{}, len(s.ring))
	}
	if _, dup := s.set[id]; dup {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.set, old)
	}
	s.ring[s.next] = id
	s.set[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}
