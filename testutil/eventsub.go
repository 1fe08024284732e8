package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventSubServer is a scripted EventSub websocket endpoint. Every accepted
// connection is delivered on Conns; tests drive it frame by frame.
type EventSubServer struct {
	*httptest.Server
	Conns chan *EventSubConn

	upgrader websocket.Upgrader
}

// NewEventSubServer starts the server and closes it when t finishes.
func NewEventSubServer(t *testing.T) *EventSubServer {
	t.Helper()
	s := &EventSubServer{Conns: make(chan *EventSubConn, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// WSURL is the ws:// address for the session dialer.
func (s *EventSubServer) WSURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

// Next waits for the next client connection.
func (s *EventSubServer) Next(t *testing.T, timeout time.Duration) *EventSubConn {
	t.Helper()
	select {
	case c := <-s.Conns:
		return c
	case <-time.After(timeout):
		t.Fatalf("no eventsub connection within %v", timeout)
		return nil
	}
}

func (s *EventSubServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &EventSubConn{ws: ws, Path: r.URL.RequestURI(), done: make(chan struct{})}
	s.Conns <- c
	go c.drain()
}

// EventSubConn is the server side of one client connection.
type EventSubConn struct {
	Path string

	ws   *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func (c *EventSubConn) drain() {
	defer c.once.Do(func() { close(c.done) })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Done is closed once the connection has gone away (either side).
func (c *EventSubConn) Done() <-chan struct{} { return c.done }

// Send writes v as one JSON text frame.
func (c *EventSubConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// SendRaw writes b verbatim as a text frame.
func (c *EventSubConn) SendRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close drops the connection without a close handshake.
func (c *EventSubConn) Close() {
	_ = c.ws.Close()
}

func metadata(messageType, subscriptionType string) map[string]string {
	m := map[string]string{
		"message_id":        uuid.NewString(),
		"message_type":      messageType,
		"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if subscriptionType != "" {
		m["subscription_type"] = subscriptionType
		m["subscription_version"] = "1"
	}
	return m
}

func (c *EventSubConn) sessionFrame(messageType, sessionID, status string, keepalive int, reconnectURL string) error {
	session := map[string]any{
		"id":                        sessionID,
		"status":                    status,
		"connected_at":              time.Now().UTC().Format(time.RFC3339Nano),
		"keepalive_timeout_seconds": nil,
		"reconnect_url":             nil,
	}
	if keepalive > 0 {
		session["keepalive_timeout_seconds"] = keepalive
	}
	if reconnectURL != "" {
		session["reconnect_url"] = reconnectURL
	}
	return c.Send(map[string]any{
		"metadata": metadata(messageType, ""),
		"payload":  map[string]any{"session": session},
	})
}

// Welcome sends session_welcome.
func (c *EventSubConn) Welcome(sessionID string, keepaliveSeconds int) error {
	return c.sessionFrame("session_welcome", sessionID, "connected", keepaliveSeconds, "")
}

// Reconnect sends session_reconnect pointing the client at url.
func (c *EventSubConn) Reconnect(sessionID, url string) error {
	return c.sessionFrame("session_reconnect", sessionID, "reconnecting", 0, url)
}

// Keepalive sends session_keepalive.
func (c *EventSubConn) Keepalive() error {
	return c.Send(map[string]any{"metadata": metadata("session_keepalive", ""), "payload": map[string]any{}})
}

// StreamOnline sends a stream.online notification.
func (c *EventSubConn) StreamOnline(subID, broadcasterID, login, name string) error {
	return c.Send(map[string]any{
		"metadata": metadata("notification", "stream.online"),
		"payload": map[string]any{
			"subscription": map[string]any{
				"id":        subID,
				"type":      "stream.online",
				"version":   "1",
				"status":    "enabled",
				"condition": map[string]string{"broadcaster_user_id": broadcasterID},
			},
			"event": map[string]any{
				"id":                     uuid.NewString(),
				"broadcaster_user_id":    broadcasterID,
				"broadcaster_user_login": login,
				"broadcaster_user_name":  name,
				"type":                   "live",
				"started_at":             time.Now().UTC().Format(time.RFC3339),
			},
		},
	})
}

// Revocation sends a revocation for subID.
func (c *EventSubConn) Revocation(subID, broadcasterID, status string) error {
	return c.Send(map[string]any{
		"metadata": metadata("revocation", "stream.online"),
		"payload": map[string]any{
			"subscription": map[string]any{
				"id":        subID,
				"type":      "stream.online",
				"version":   "1",
				"status":    status,
				"condition": map[string]string{"broadcaster_user_id": broadcasterID},
			},
		},
	})
}
