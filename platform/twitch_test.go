package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/config"
	"github.com/onnwee/stream-alerts/oauth"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/testutil"
)

type fixture struct {
	twitch *Twitch
	helix  *testutil.MockTwitchServer
	ws     *testutil.EventSubServer
	store  *store.File
}

func newFixture(t *testing.T, seed map[string]any) *fixture {
	t.Helper()
	helix := testutil.NewMockTwitchServer(t)
	helix.AddUser("streamerx", "123")
	helix.AddUser("other", "456")
	ws := testutil.NewEventSubServer(t)

	st, err := store.NewFile(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatal(err)
	}
	if seed != nil {
		if err := store.SaveJSON(context.Background(), st, TwitchStateKey, seed); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &config.Config{
		TwitchClientID:     "cid",
		TwitchClientSecret: "secret",
		TwitchRedirectURI:  "http://localhost:3000/twitch",
		TwitchCallbackPath: "/twitch",
		TwitchEventSubURL:  ws.WSURL(),
		TwitchHelixURL:     helix.HelixURL(),
		TwitchAuthURL:      helix.AuthURL(),
		TokenRenewMargin:   time.Minute,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         50 * time.Millisecond,
	}
	tw, err := NewTwitch(TwitchOptions{Config: cfg, Store: st})
	if err != nil {
		t.Fatalf("NewTwitch() error = %v", err)
	}
	t.Cleanup(func() { _ = tw.Close() })
	return &fixture{twitch: tw, helix: helix, ws: ws, store: st}
}

func (f *fixture) init(t *testing.T) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- f.twitch.Init(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Init did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) persisted(t *testing.T) alerts.State {
	t.Helper()
	raw, err := store.Get(context.Background(), f.store, TwitchStateKey)
	if err != nil {
		t.Fatal(err)
	}
	st, err := alerts.DecodeState(raw, nil)
	if err != nil {
		t.Fatalf("DecodeState() error = %v (%s)", err, raw)
	}
	return st
}

func TestTwitchRestartSkipsHandshake(t *testing.T) {
	f := newFixture(t, map[string]any{
		"accessToken":  "at",
		"refreshToken": "rt",
		"expiry":       time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"guildSubscriptionIndex": map[string]any{
			"G1": []map[string]string{{"id": "sub-old", "broadcasterId": "123", "streamer": "streamerx"}},
		},
	})
	errc := f.init(t)

	if !f.twitch.IsSubscribed("streamerx", "G1") {
		// Restore happens before the session dial; give Init a moment.
		waitFor(t, "restored index", func() bool { return f.twitch.IsSubscribed("streamerx", "G1") })
	}
	conn := f.ws.Next(t, 3*time.Second)
	if err := conn.Welcome("session-1", 10); err != nil {
		t.Fatal(err)
	}
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if reqs := f.helix.TokenRequests(); len(reqs) != 0 {
		t.Errorf("token requests = %v, want none for a valid restored credential", reqs)
	}
	if err := f.twitch.Ready(); err != nil {
		t.Errorf("Ready() = %v", err)
	}

	waitFor(t, "resync create", func() bool { return slices.Contains(f.helix.Created(), "123") })

	if err := conn.StreamOnline("sub-1", "123", "streamerx", "StreamerX"); err != nil {
		t.Fatal(err)
	}
	select {
	case name := <-f.twitch.Online():
		if name != "streamerx" {
			t.Errorf("online name = %q, want the subscribed spelling", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no online event")
	}

	if got := f.twitch.AddAlert(context.Background(), "other", "G2"); got != alerts.Added {
		t.Fatalf("AddAlert() = %v", got)
	}
	st := f.persisted(t)
	if len(st.GuildSubscriptionIndex["G2"]) != 1 || st.AccessToken != "at" {
		t.Errorf("persisted state = %+v", st)
	}
	if names := f.twitch.Subscriptions(); len(names) != 2 {
		t.Errorf("Subscriptions() = %v", names)
	}

	_ = f.twitch.Close()
	if _, open := <-f.twitch.Online(); open {
		t.Error("Online() not closed after Close")
	}
}

func TestTwitchHandshakeOnEmptyState(t *testing.T) {
	f := newFixture(t, nil)
	errc := f.init(t)

	var authURL string
	waitFor(t, "authorization URL", func() bool {
		var ok bool
		authURL, ok = f.twitch.oauth.AuthorizationURL()
		return ok
	})
	if err := f.twitch.Ready(); err == nil {
		t.Error("Ready() = nil while waiting for authorization")
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	state := u.Query().Get("state")

	mux := http.NewServeMux()
	f.twitch.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/twitch?code=abc&state=wrong")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("mismatched state status = %d, want 401", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/twitch?code=abc&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", resp.StatusCode)
	}

	conn := f.ws.Next(t, 3*time.Second)
	_ = conn.Welcome("session-1", 10)
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if st := f.persisted(t); st.AccessToken != "access-1" || st.RefreshToken != "refresh-1" || st.Expiry == nil {
		t.Errorf("persisted credential = %+v", st)
	}
}

func TestTwitchInitRejectsSealedStateWithoutKey(t *testing.T) {
	f := newFixture(t, map[string]any{"accessToken": "x", "encryptionVersion": 1})
	err := f.twitch.Init(context.Background())
	if err == nil {
		t.Fatal("Init() error = nil")
	}
}

func TestNewTwitchRequiresSecrets(t *testing.T) {
	_, err := NewTwitch(TwitchOptions{Config: &config.Config{TwitchClientID: "cid"}})
	if !errors.Is(err, oauth.ErrNotConfigured) {
		t.Errorf("NewTwitch() error = %v, want ErrNotConfigured", err)
	}
}

func TestTwitchFormatURL(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.twitch.FormatURL("streamerX"); got != "https://twitch.tv/streamerX" {
		t.Errorf("FormatURL() = %q", got)
	}
	if f.twitch.Name() != "Twitch" {
		t.Errorf("Name() = %q", f.twitch.Name())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("twitch"); ok {
		t.Fatal("empty registry returned a platform")
	}
	f := newFixture(t, nil)
	r.Add(f.twitch)
	for _, name := range []string{"twitch", "Twitch", " TWITCH "} {
		if p, ok := r.Get(name); !ok || p != Platform(f.twitch) {
			t.Errorf("Get(%q) = %v, %v", name, p, ok)
		}
	}
	if names := r.Names(); len(names) != 1 || names[0] != "Twitch" {
		t.Errorf("Names() = %v", names)
	}
}

func TestStateBlobShape(t *testing.T) {
	f := newFixture(t, nil)
	f.twitch.persist()
	raw, err := store.Get(context.Background(), f.store, TwitchStateKey)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["guildSubscriptionIndex"]; !ok {
		t.Errorf("blob = %s", raw)
	}
}
