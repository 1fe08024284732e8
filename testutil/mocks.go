// Package testutil holds test doubles for the Twitch Helix, identity and
// EventSub endpoints plus Postgres/Redis test setup helpers.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"
)

// MockSub is a subscription held by MockTwitchServer.
type MockSub struct {
	ID            string
	Type          string
	Status        string
	BroadcasterID string
	SessionID     string
}

// MockTwitchServer is an in-memory Helix + identity server. Handlers entries
// override the built-in behavior for a path.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu      sync.Mutex
	users   map[string]string
	subs    []MockSub
	nextID  int
	created []string
	deleted []string
	tokens  []url.Values

	// AcceptToken, when set, is the only bearer token Helix accepts.
	AcceptToken string
	// CreateStatus forces the status of subscription creates (e.g. 409, 500).
	CreateStatus int
	// ListStatus forces the status of subscription lists.
	ListStatus int
	// DeleteStatus forces the status of subscription deletes.
	DeleteStatus int
	// PageSize splits list responses into cursor pages when > 0.
	PageSize int

	// Token endpoint response.
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	TokenStatus  int
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers:     make(map[string]http.HandlerFunc),
		users:        make(map[string]string),
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL for twitchapi.Client.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// AuthURL is the identity root for twitchapi.OAuthConfig.
func (m *MockTwitchServer) AuthURL() string { return m.URL + "/oauth2" }

// AddUser registers a login -> id mapping for /helix/users.
func (m *MockTwitchServer) AddUser(login, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[login] = id
}

// AddSubscription seeds a remote subscription and returns its id.
func (m *MockTwitchServer) AddSubscription(s MockSub) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		m.nextID++
		s.ID = "sub-seed-" + strconv.Itoa(m.nextID)
	}
	if s.Type == "" {
		s.Type = "stream.online"
	}
	if s.Status == "" {
		s.Status = "enabled"
	}
	m.subs = append(m.subs, s)
	return s.ID
}

// DisconnectSession marks every subscription bound to sessionID as disconnected.
func (m *MockTwitchServer) DisconnectSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.subs {
		if m.subs[i].SessionID == sessionID {
			m.subs[i].Status = "websocket_disconnected"
		}
	}
}

// Subscriptions returns a copy of the remote registry.
func (m *MockTwitchServer) Subscriptions() []MockSub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockSub(nil), m.subs...)
}

// Created returns the broadcaster ids of successful creates, in order.
func (m *MockTwitchServer) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Deleted returns the subscription ids deleted, in order.
func (m *MockTwitchServer) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// TokenRequests returns the form bodies posted to the token endpoint.
func (m *MockTwitchServer) TokenRequests() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.tokens...)
}

func (m *MockTwitchServer) serve(w http.ResponseWriter, r *http.Request) {
	if h, ok := m.Handlers[r.URL.Path]; ok {
		h(w, r)
		return
	}
	switch r.URL.Path {
	case "/oauth2/token":
		m.serveToken(w, r)
		return
	case "/helix/users", "/helix/eventsub/subscriptions":
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if r.Header.Get("Client-Id") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "missing Client-Id"})
		return
	}
	m.mu.Lock()
	accept := m.AcceptToken
	m.mu.Unlock()
	if accept != "" && r.Header.Get("Authorization") != "Bearer "+accept {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid oauth token"})
		return
	}

	if r.URL.Path == "/helix/users" {
		m.serveUsers(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		m.serveList(w, r)
	case http.MethodPost:
		m.serveCreate(w, r)
	case http.MethodDelete:
		m.serveDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *MockTwitchServer) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.tokens = append(m.tokens, r.PostForm)
	status, at, rt, exp := m.TokenStatus, m.AccessToken, m.RefreshToken, m.ExpiresIn
	m.mu.Unlock()
	if status != 0 && status != http.StatusOK {
		writeJSON(w, status, map[string]any{"status": status, "message": "Invalid refresh token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  at,
		"refresh_token": rt,
		"expires_in":    exp,
		"token_type":    "bearer",
		"scope":         []string{},
	})
}

func (m *MockTwitchServer) serveUsers(w http.ResponseWriter, r *http.Request) {
	login := r.URL.Query().Get("login")
	m.mu.Lock()
	id, ok := m.users[login]
	m.mu.Unlock()
	data := []map[string]string{}
	if ok {
		data = append(data, map[string]string{"id": id, "login": login, "display_name": login})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) serveList(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListStatus != 0 {
		writeJSON(w, m.ListStatus, map[string]string{"message": "list failed"})
		return
	}
	start := 0
	if after := r.URL.Query().Get("after"); after != "" {
		start, _ = strconv.Atoi(after)
	}
	end := len(m.subs)
	if m.PageSize > 0 && start+m.PageSize < end {
		end = start + m.PageSize
	}
	if start > end {
		start = end
	}
	data := make([]map[string]any, 0, end-start)
	for _, s := range m.subs[start:end] {
		data = append(data, subJSON(s))
	}
	pagination := map[string]string{}
	if end < len(m.subs) {
		pagination["cursor"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "total": len(m.subs), "pagination": pagination})
}

func (m *MockTwitchServer) serveCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type      string `json:"type"`
		Version   string `json:"version"`
		Condition struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		} `json:"condition"`
		Transport struct {
			Method    string `json:"method"`
			SessionID string `json:"session_id"`
		} `json:"transport"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" || req.Transport.Method != "websocket" || req.Transport.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateStatus != 0 {
		writeJSON(w, m.CreateStatus, map[string]string{"message": "forced failure"})
		return
	}
	for _, s := range m.subs {
		if s.Type == req.Type && s.BroadcasterID == req.Condition.BroadcasterUserID && s.SessionID == req.Transport.SessionID {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "subscription already exists"})
			return
		}
	}
	m.nextID++
	s := MockSub{
		ID:            fmt.Sprintf("sub-%d", m.nextID),
		Type:          req.Type,
		Status:        "enabled",
		BroadcasterID: req.Condition.BroadcasterUserID,
		SessionID:     req.Transport.SessionID,
	}
	m.subs = append(m.subs, s)
	m.created = append(m.created, s.BroadcasterID)
	writeJSON(w, http.StatusAccepted, map[string]any{"data": []map[string]any{subJSON(s)}, "total": len(m.subs)})
}

func (m *MockTwitchServer) serveDelete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteStatus != 0 {
		writeJSON(w, m.DeleteStatus, map[string]string{"message": "forced failure"})
		return
	}
	for i, s := range m.subs {
		if s.ID == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			m.deleted = append(m.deleted, id)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "subscription not found"})
}

func subJSON(s MockSub) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"status":     s.Status,
		"type":       s.Type,
		"version":    "1",
		"condition":  map[string]string{"broadcaster_user_id": s.BroadcasterID},
		"transport":  map[string]string{"method": "websocket", "session_id": s.SessionID},
		"created_at": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		"cost":       0,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
