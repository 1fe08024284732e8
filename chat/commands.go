package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/notify"
	"github.com/onnwee/stream-alerts/platform"
)

// Command names.
const (
	CmdAlert  = "alert"
	CmdRemove = "remove"
	CmdDebug  = "debug"
	CmdJoin   = "join"
)

// RemoveAll as the platform of a remove request applies it to every platform.
const RemoveAll = "all"

// NotReadyReply answers every command until commands are published.
const NotReadyReply = "The bot is still setting things up, try again later"

// Request is one parsed chat command.
type Request struct {
	Guild       string
	Name        string
	Platform    string
	Streamer    string
	ChannelID   string
	ChannelName string
	User        string
}

// Commands turns chat intents into platform calls and reply text. It is
// shared by every chat front end.
type Commands struct {
	platforms *platform.Registry
	router    *notify.Router
	// joinHint names the join command in the "no channel" hint.
	joinHint string
	ready    atomic.Bool
}

func NewCommands(platforms *platform.Registry, router *notify.Router, joinHint string) *Commands {
	return &Commands{platforms: platforms, router: router, joinHint: joinHint}
}

// SetReady starts serving commands.
func (c *Commands) SetReady() { c.ready.Store(true) }

func (c *Commands) Ready() bool { return c.ready.Load() }

// Handle runs req and returns the reply.
func (c *Commands) Handle(ctx context.Context, req Request) string {
	if !c.Ready() {
		return NotReadyReply
	}
	slog.Info("chat command", slog.String("component", "chat"), slog.String("command", req.Name),
		slog.String("guild", req.Guild), slog.String("user", req.User))
	switch req.Name {
	case CmdAlert:
		return c.alert(ctx, req)
	case CmdRemove:
		return c.remove(ctx, req)
	case CmdDebug:
		return c.debug()
	case CmdJoin:
		return c.join(ctx, req)
	}
	return fmt.Sprintf("Unknown command %q", req.Name)
}

func (c *Commands) alert(ctx context.Context, req Request) string {
	if req.Platform == "" || req.Streamer == "" {
		return "platform or streamer is missing"
	}
	result := alerts.Failed
	p, ok := c.platforms.Get(req.Platform)
	if ok {
		result = p.AddAlert(ctx, req.Streamer, req.Guild)
	}
	var content string
	switch result {
	case alerts.Added:
		content = fmt.Sprintf("Added alerts for %s on %s", req.Streamer, req.Platform)
	case alerts.Exists:
		content = fmt.Sprintf("Alerts for %s on %s already exists", req.Streamer, req.Platform)
	default:
		content = fmt.Sprintf("Failed to add alerts for %s on %s", req.Streamer, req.Platform)
	}
	if _, joined := c.router.Channel(req.Guild); !joined {
		content += fmt.Sprintf("\n\n**You have not specified what channel i should send alerts in, use the _%s_ command to select one**", c.joinHint)
	}
	return content
}

func (c *Commands) remove(ctx context.Context, req Request) string {
	if req.Platform == "" || req.Streamer == "" {
		return "platform or streamer is missing"
	}
	var targets []platform.Platform
	if strings.EqualFold(req.Platform, RemoveAll) {
		targets = c.platforms.All()
	} else if p, ok := c.platforms.Get(req.Platform); ok {
		targets = []platform.Platform{p}
	}
	if len(targets) == 0 {
		return fmt.Sprintf("Failed to remove alerts for %s on %s", req.Streamer, req.Platform)
	}

	var removed, failed, absent []string
	for _, p := range targets {
		switch {
		case !p.IsSubscribed(req.Streamer, req.Guild):
			absent = append(absent, p.Name())
		case p.RemoveAlert(ctx, req.Streamer, req.Guild):
			removed = append(removed, p.Name())
		default:
			failed = append(failed, p.Name())
		}
	}
	switch {
	case len(failed) > 0:
		return fmt.Sprintf("Failed to remove alerts for %s on %s", req.Streamer, strings.Join(failed, ", "))
	case len(removed) == 0:
		return fmt.Sprintf("There are no alerts for %s on %s", req.Streamer, strings.Join(absent, ", "))
	}
	return fmt.Sprintf("%s has been removed from %s", req.Streamer, strings.Join(removed, ", "))
}

func (c *Commands) debug() string {
	var lines []string
	for _, p := range c.platforms.All() {
		if names := p.Subscriptions(); len(names) > 0 {
			lines = append(lines, fmt.Sprintf("%s: %s", p.Name(), strings.Join(names, ", ")))
		}
	}
	if len(lines) == 0 {
		return "There are no alerts currently"
	}
	return "The following users are in the following platform alerts:\n" + strings.Join(lines, "\n")
}

func (c *Commands) join(ctx context.Context, req Request) string {
	if req.ChannelID == "" {
		return "The channel does not exist"
	}
	if err := c.router.Join(ctx, req.Guild, req.ChannelID); err != nil {
		slog.Error("persist channel binding failed", slog.String("component", "chat"), slog.Any("err", err))
		return "Failed to save the alert channel, try again later"
	}
	name := req.ChannelName
	if name == "" {
		name = req.ChannelID
	}
	return fmt.Sprintf("Alerts will now be sent in the %s channel", name)
}
