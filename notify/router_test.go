package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/onnwee/stream-alerts/platform"
	"github.com/onnwee/stream-alerts/store"
)

type delivery struct{ channel, msg string }

type recordingSender struct {
	mu   sync.Mutex
	sent []delivery
	fail map[string]bool
}

func (s *recordingSender) Send(_ context.Context, channel, msg string) error {
	if s.fail[channel] {
		return errors.New("missing permissions")
	}
	s.mu.Lock()
	s.sent = append(s.sent, delivery{channel, msg})
	s.mu.Unlock()
	return nil
}

// subscribedPlatform answers IsSubscribed from a fixed guild set.
type subscribedPlatform struct {
	platform.Platform
	guilds map[string]bool
}

func (p subscribedPlatform) Name() string                  { return "Twitch" }
func (p subscribedPlatform) FormatURL(s string) string     { return "https://twitch.tv/" + s }
func (p subscribedPlatform) IsSubscribed(_, g string) bool { return p.guilds[g] }

func newRouter(t *testing.T) (*Router, store.Store) {
	t.Helper()
	st, err := store.NewFile(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatal(err)
	}
	return New(st), st
}

func TestNotifyFansOutToSubscribedGuilds(t *testing.T) {
	r, _ := newRouter(t)
	sender := &recordingSender{fail: map[string]bool{"c-bad": true}}
	r.SetSender(sender)
	ctx := context.Background()
	for guild, channel := range map[string]string{"G1": "c1", "G2": "c2", "G3": "c3", "G4": "c-bad"} {
		if err := r.Join(ctx, guild, channel); err != nil {
			t.Fatal(err)
		}
	}

	p := subscribedPlatform{guilds: map[string]bool{"G1": true, "G3": true, "G4": true}}
	r.Notify(ctx, p, "streamerX")

	sort.Slice(sender.sent, func(i, j int) bool { return sender.sent[i].channel < sender.sent[j].channel })
	want := []delivery{
		{"c1", "streamerX is streaming live on Twitch at https://twitch.tv/streamerX"},
		{"c3", "streamerX is streaming live on Twitch at https://twitch.tv/streamerX"},
	}
	if len(sender.sent) != len(want) {
		t.Fatalf("sent = %+v, want %+v", sender.sent, want)
	}
	for i := range want {
		if sender.sent[i] != want[i] {
			t.Errorf("sent[%d] = %+v, want %+v", i, sender.sent[i], want[i])
		}
	}
}

func TestNotifyWithoutSender(t *testing.T) {
	r, _ := newRouter(t)
	_ = r.Join(context.Background(), "G1", "c1")
	// Must not panic.
	r.Notify(context.Background(), subscribedPlatform{guilds: map[string]bool{"G1": true}}, "x")
}

func TestJoinPersistsAndRestores(t *testing.T) {
	r, st := newRouter(t)
	ctx := context.Background()
	if err := r.Join(ctx, "G1", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Join(ctx, "G1", "c2"); err != nil {
		t.Fatal(err)
	}

	again := New(st)
	if err := again.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if c, ok := again.Channel("G1"); !ok || c != "c2" {
		t.Errorf("Channel(G1) = %q, %v, want c2", c, ok)
	}
	if _, ok := again.Channel("G2"); ok {
		t.Error("Channel(G2) found")
	}
}

func TestRestoreEmptyAndCorrupt(t *testing.T) {
	r, st := newRouter(t)
	ctx := context.Background()
	if err := r.Restore(ctx); err != nil {
		t.Errorf("Restore() on empty store = %v", err)
	}
	if err := st.Save(ctx, StateKey, []byte(`{"guildChannels":"nope"}`)); err != nil {
		t.Fatal(err)
	}
	if err := r.Restore(ctx); err == nil {
		t.Error("Restore() accepted a corrupt blob")
	}
}
