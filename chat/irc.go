package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// maxIRCMessage is Twitch's per-message limit.
const maxIRCMessage = 500

// IRC serves the commands in Twitch chat. Each joined channel is a tenant.
type IRC struct {
	client   *twitch.Client
	channels []string
	prefix   string
	commands *Commands

	// inflight tracks command handlers; Run waits for them before returning.
	inflight sync.WaitGroup
}

// NewIRC creates a client for username that joins channels. Commands start
// with prefix (e.g. "!").
func NewIRC(username, oauthToken string, channels []string, prefix string, commands *Commands) *IRC {
	if !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	normalized := make([]string, 0, len(channels))
	for _, c := range channels {
		if c = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "#")); c != "" {
			normalized = append(normalized, c)
		}
	}
	i := &IRC{
		client:   twitch.NewClient(username, oauthToken),
		channels: normalized,
		prefix:   prefix,
		commands: commands,
	}
	i.client.OnPrivateMessage(i.onMessage)
	i.client.OnConnect(func() {
		slog.Info("irc connected", slog.String("component", "chat"), slog.Any("channels", i.channels))
	})
	i.client.Join(i.channels...)
	return i
}

// Run connects and blocks until ctx is done or the connection fails.
func (i *IRC) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = i.client.Disconnect() })
	defer stop()
	defer i.inflight.Wait()
	err := i.client.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Send implements notify.Sender; channelID is the IRC channel name.
func (i *IRC) Send(_ context.Context, channelID, message string) error {
	i.client.Say(channelID, flatten(message))
	return nil
}

// PublishCommands starts answering commands.
func (i *IRC) PublishCommands(_ context.Context, platforms []string) error {
	i.commands.SetReady()
	slog.Info("irc commands enabled", slog.String("component", "chat"), slog.Any("platforms", platforms))
	return nil
}

func (i *IRC) onMessage(m twitch.PrivateMessage) {
	req, ok := i.parse(m)
	if !ok {
		return
	}
	// The client delivers messages and PINGs on one goroutine; a command
	// waiting on Helix must not hold it.
	i.inflight.Add(1)
	go func() {
		defer i.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		i.client.Reply(m.Channel, m.ID, flatten(i.commands.Handle(ctx, req)))
	}()
}

// parse turns a chat line into a request. Only the broadcaster and
// moderators may issue commands.
func (i *IRC) parse(m twitch.PrivateMessage) (Request, bool) {
	text := strings.TrimSpace(m.Message)
	if i.prefix == "" || !strings.HasPrefix(text, i.prefix) {
		return Request{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, i.prefix))
	if len(fields) == 0 {
		return Request{}, false
	}
	name := strings.ToLower(fields[0])
	switch name {
	case CmdAlert, CmdRemove, CmdDebug, CmdJoin:
	default:
		return Request{}, false
	}
	if m.User.Badges["broadcaster"] == 0 && m.User.Badges["moderator"] == 0 {
		return Request{}, false
	}

	req := Request{Guild: m.Channel, Name: name, User: m.User.Name}
	args := fields[1:]
	switch name {
	case CmdAlert, CmdRemove:
		if len(args) > 0 {
			req.Platform = args[0]
		}
		if len(args) > 1 {
			req.Streamer = strings.TrimPrefix(args[1], "@")
		}
	case CmdJoin:
		req.ChannelID = m.Channel
		req.ChannelName = "#" + m.Channel
	}
	return req, true
}

// flatten makes reply text fit one IRC line.
func flatten(s string) string {
	s = strings.NewReplacer("**", "", "\n\n", " ", "\n", " | ").Replace(s)
	if len(s) > maxIRCMessage {
		s = s[:maxIRCMessage-3]
		for len(s) > 0 {
			r, size := utf8.DecodeLastRuneInString(s)
			if r != utf8.RuneError || size != 1 {
				break
			}
			s = s[:len(s)-1]
		}
		s += "..."
	}
	return s
}
