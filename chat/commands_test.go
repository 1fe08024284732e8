package chat

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/notify"
	"github.com/onnwee/stream-alerts/platform"
	"github.com/onnwee/stream-alerts/store"
)

// memPlatform keeps alerts in memory.
type memPlatform struct {
	name    string
	subs    map[string]map[string]bool // guild -> streamer
	addRes  alerts.Result
	failDel bool
	// gate, when set, holds AddAlert until closed.
	gate    chan struct{}
}

func newMem(name string) *memPlatform {
	return &memPlatform{name: name, subs: make(map[string]map[string]bool), addRes: alerts.Added}
}

func (p *memPlatform) Name() string                      { return p.name }
func (p *memPlatform) FormatURL(s string) string         { return "https://example.test/" + s }
func (p *memPlatform) RegisterRoutes(*http.ServeMux)     {}
func (p *memPlatform) Init(context.Context) error        { return nil }
func (p *memPlatform) Online() <-chan string             { return nil }
func (p *memPlatform) Ready() error                      { return nil }
func (p *memPlatform) Close() error                      { return nil }
func (p *memPlatform) IsSubscribed(s, guild string) bool { return p.subs[guild][strings.ToLower(s)] }

func (p *memPlatform) AddAlert(_ context.Context, s, guild string) alerts.Result {
	if p.gate != nil {
		<-p.gate
	}
	if p.IsSubscribed(s, guild) {
		return alerts.Exists
	}
	if p.addRes == alerts.Added {
		if p.subs[guild] == nil {
			p.subs[guild] = make(map[string]bool)
		}
		p.subs[guild][strings.ToLower(s)] = true
	}
	return p.addRes
}

func (p *memPlatform) RemoveAlert(_ context.Context, s, guild string) bool {
	if p.failDel {
		return false
	}
	delete(p.subs[guild], strings.ToLower(s))
	return true
}

func (p *memPlatform) Subscriptions() []string {
	var out []string
	for _, m := range p.subs {
		for s := range m {
			out = append(out, s)
		}
	}
	return out
}

func newCommands(t *testing.T, ps ...platform.Platform) (*Commands, *notify.Router) {
	t.Helper()
	st, err := store.NewFile(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatal(err)
	}
	reg := platform.NewRegistry()
	for _, p := range ps {
		reg.Add(p)
	}
	router := notify.New(st)
	c := NewCommands(reg, router, "/join")
	c.SetReady()
	return c, router
}

const hint = "\n\n**You have not specified what channel i should send alerts in, use the _/join_ command to select one**"

func TestNotReady(t *testing.T) {
	c := NewCommands(platform.NewRegistry(), nil, "/join")
	for _, name := range []string{CmdAlert, CmdRemove, CmdDebug, CmdJoin} {
		if got := c.Handle(context.Background(), Request{Name: name}); got != NotReadyReply {
			t.Errorf("Handle(%s) = %q, want not-ready reply", name, got)
		}
	}
}

func TestAlertReplies(t *testing.T) {
	tw := newMem("Twitch")
	c, router := newCommands(t, tw)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   Request
		setup func()
		want  string
	}{
		{
			name: "missing streamer",
			req:  Request{Guild: "G1", Name: CmdAlert, Platform: "Twitch"},
			want: "platform or streamer is missing",
		},
		{
			name: "added without channel",
			req:  Request{Guild: "G1", Name: CmdAlert, Platform: "Twitch", Streamer: "streamerX"},
			want: "Added alerts for streamerX on Twitch" + hint,
		},
		{
			name:  "exists with channel",
			req:   Request{Guild: "G1", Name: CmdAlert, Platform: "Twitch", Streamer: "streamerX"},
			setup: func() { _ = router.Join(ctx, "G1", "c1") },
			want:  "Alerts for streamerX on Twitch already exists",
		},
		{
			name:  "failed",
			req:   Request{Guild: "G1", Name: CmdAlert, Platform: "twitch", Streamer: "other"},
			setup: func() { tw.addRes = alerts.Failed },
			want:  "Failed to add alerts for other on twitch",
		},
		{
			name: "unknown platform",
			req:  Request{Guild: "G1", Name: CmdAlert, Platform: "Kick", Streamer: "x"},
			want: "Failed to add alerts for x on Kick",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			if got := c.Handle(ctx, tt.req); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoveReplies(t *testing.T) {
	tw, yt := newMem("Twitch"), newMem("Other")
	c, _ := newCommands(t, tw, yt)
	ctx := context.Background()
	tw.AddAlert(ctx, "streamerx", "G1")
	yt.AddAlert(ctx, "streamerx", "G1")

	if got := c.Handle(ctx, Request{Guild: "G1", Name: CmdRemove, Platform: "Twitch", Streamer: "streamerx"}); got != "streamerx has been removed from Twitch" {
		t.Errorf("remove reply = %q", got)
	}
	if tw.IsSubscribed("streamerx", "G1") {
		t.Error("twitch alert not removed")
	}

	yt.failDel = true
	if got := c.Handle(ctx, Request{Guild: "G1", Name: CmdRemove, Platform: "all", Streamer: "streamerx"}); got != "Failed to remove alerts for streamerx on Other" {
		t.Errorf("remove all reply = %q", got)
	}
	yt.failDel = false
	if got := c.Handle(ctx, Request{Guild: "G1", Name: CmdRemove, Platform: "ALL", Streamer: "streamerx"}); got != "streamerx has been removed from Other" {
		t.Errorf("remove all reply = %q", got)
	}
	if got := c.Handle(ctx, Request{Guild: "G1", Name: CmdRemove, Platform: "Kick", Streamer: "x"}); got != "Failed to remove alerts for x on Kick" {
		t.Errorf("unknown platform reply = %q", got)
	}
}

func TestRemoveWithoutAlert(t *testing.T) {
	tw, yt := newMem("Twitch"), newMem("Other")
	c, _ := newCommands(t, tw, yt)
	ctx := context.Background()
	tw.AddAlert(ctx, "streamerx", "G1")

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "other guild",
			req:  Request{Guild: "G2", Name: CmdRemove, Platform: "Twitch", Streamer: "streamerx"},
			want: "There are no alerts for streamerx on Twitch",
		},
		{
			name: "all platforms",
			req:  Request{Guild: "G2", Name: CmdRemove, Platform: "all", Streamer: "nobody"},
			want: "There are no alerts for nobody on Other, Twitch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Handle(ctx, tt.req); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
		})
	}
	if !tw.IsSubscribed("streamerx", "G1") {
		t.Error("G1 lost its alert")
	}
}

func TestDebugAndJoin(t *testing.T) {
	tw := newMem("Twitch")
	c, router := newCommands(t, tw)
	ctx := context.Background()

	if got := c.Handle(ctx, Request{Name: CmdDebug}); got != "There are no alerts currently" {
		t.Errorf("empty debug = %q", got)
	}
	tw.AddAlert(ctx, "streamerx", "G1")
	if got := c.Handle(ctx, Request{Name: CmdDebug}); got != "The following users are in the following platform alerts:\nTwitch: streamerx" {
		t.Errorf("debug = %q", got)
	}

	if got := c.Handle(ctx, Request{Guild: "G1", Name: CmdJoin}); got != "The channel does not exist" {
		t.Errorf("join without channel = %q", got)
	}
	if got := c.Handle(ctx, Request{Guild: "G1", Name: CmdJoin, ChannelID: "c9", ChannelName: "alerts"}); got != "Alerts will now be sent in the alerts channel" {
		t.Errorf("join = %q", got)
	}
	if ch, ok := router.Channel("G1"); !ok || ch != "c9" {
		t.Errorf("router channel = %q, %v", ch, ok)
	}
}
