package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord serves the commands as guild slash commands and posts announcements.
type Discord struct {
	session  *discordgo.Session
	appID    string
	commands *Commands

	mu        sync.Mutex
	platforms []string
	published bool
}

// NewDiscord prepares a bot session; Open connects it.
func NewDiscord(token, appID string, commands *Commands) (*Discord, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	d := &Discord{session: s, appID: appID, commands: commands}
	s.AddHandler(d.onInteraction)
	s.AddHandler(d.onGuildCreate)
	return d, nil
}

func (d *Discord) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "chat"), slog.String("chat", "discord"))
}

func (d *Discord) Open() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	d.log().Info("discord connected")
	return nil
}

func (d *Discord) Close() error { return d.session.Close() }

// Send implements notify.Sender.
func (d *Discord) Send(ctx context.Context, channelID, message string) error {
	_, err := d.session.ChannelMessageSend(channelID, message, discordgo.WithContext(ctx))
	return err
}

// PublishCommands registers the slash commands in every guild the bot is in
// and starts answering them.
func (d *Discord) PublishCommands(ctx context.Context, platforms []string) error {
	d.mu.Lock()
	d.platforms = append([]string(nil), platforms...)
	d.published = true
	d.mu.Unlock()

	var firstErr error
	for _, g := range d.session.State.Guilds {
		if err := d.register(ctx, g.ID); err != nil {
			d.log().Error("register slash commands failed", slog.String("guild", g.ID), slog.Any("err", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	d.commands.SetReady()
	return firstErr
}

func (d *Discord) register(ctx context.Context, guildID string) error {
	d.mu.Lock()
	defs := commandDefinitions(d.platforms)
	d.mu.Unlock()
	_, err := d.session.ApplicationCommandBulkOverwrite(d.appID, guildID, defs, discordgo.WithContext(ctx))
	if err == nil {
		d.log().Info("slash commands registered", slog.String("guild", guildID), slog.Int("count", len(defs)))
	}
	return err
}

func (d *Discord) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	d.log().Info("joined guild", slog.String("guild", g.ID), slog.String("name", g.Name))
	d.mu.Lock()
	published := d.published
	d.mu.Unlock()
	if !published {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.register(ctx, g.ID); err != nil {
		d.log().Error("register slash commands failed", slog.String("guild", g.ID), slog.Any("err", err))
	}
}

func (d *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	req := requestFromInteraction(i.Interaction)
	if req.ChannelID != "" {
		if ch, err := s.State.Channel(req.ChannelID); err == nil {
			req.ChannelName = ch.Name
		}
	}

	if !d.commands.Ready() {
		d.respond(s, i.Interaction, NotReadyReply)
		return
	}

	// Adds and removes call the platform; defer so the token stays valid.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		d.log().Warn("defer interaction failed", slog.Any("err", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	reply := d.commands.Handle(ctx, req)
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		d.log().Warn("edit interaction response failed", slog.Any("err", err))
	}
}

func (d *Discord) respond(s *discordgo.Session, i *discordgo.Interaction, content string) {
	err := s.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content, Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		d.log().Warn("interaction response failed", slog.Any("err", err))
	}
}

func requestFromInteraction(i *discordgo.Interaction) Request {
	data := i.ApplicationCommandData()
	req := Request{Guild: i.GuildID, Name: data.Name}
	if i.Member != nil && i.Member.User != nil {
		req.User = i.Member.User.Username
	} else if i.User != nil {
		req.User = i.User.Username
	}
	for _, opt := range data.Options {
		v, _ := opt.Value.(string)
		switch opt.Name {
		case "platform":
			req.Platform = v
		case "streamer":
			req.Streamer = v
		case "channel":
			req.ChannelID = v
		}
	}
	return req
}

// commandDefinitions builds the slash commands offering platforms as choices.
func commandDefinitions(platforms []string) []*discordgo.ApplicationCommand {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(platforms)+1)
	for _, p := range platforms {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: p, Value: p})
	}
	removeChoices := append(append([]*discordgo.ApplicationCommandOptionChoice(nil), choices...),
		&discordgo.ApplicationCommandOptionChoice{Name: RemoveAll, Value: RemoveAll})

	streamer := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "streamer",
		Description: "the streamer that you want to add alerts for",
		Required:    true,
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        CmdAlert,
			Description: "Adds an alert for a streamer on a platform",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "platform", Description: "The streaming platform", Required: true, Choices: choices},
				streamer,
			},
		},
		{
			Name:        CmdRemove,
			Description: "Removes an alert for a streamer",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "platform", Description: "The streaming platform", Required: true, Choices: removeChoices},
				streamer,
			},
		},
		{
			Name:        CmdDebug,
			Description: "Sends debug information to the sender",
		},
		{
			Name:        CmdJoin,
			Description: "Joins a text channel to send alerts in",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "The text channel",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
	}
}
