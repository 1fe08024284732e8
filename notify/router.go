// Package notify fans a "streamer went live" event out to the alert channel
// of every guild subscribed to that streamer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-alerts/platform"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
)

// StateKey is the router's key in the state store.
const StateKey = "router"

// Sender posts a message to a chat channel.
type Sender interface {
	Send(ctx context.Context, channelID, message string) error
}

type state struct {
	GuildChannels map[string]string `json:"guildChannels"`
}

// Router owns the guild → alert channel bindings.
type Router struct {
	store store.Store

	mu       sync.RWMutex
	sender   Sender
	channels map[string]string
}

func New(st store.Store) *Router {
	return &Router{store: st, channels: make(map[string]string)}
}

func (r *Router) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "notify"))
}

// SetSender installs the chat transport used for announcements.
func (r *Router) SetSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

// Restore loads the persisted channel bindings.
func (r *Router) Restore(ctx context.Context) error {
	raw, err := store.Get(ctx, r.store, StateKey)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode router state: %w", err)
	}
	r.mu.Lock()
	for g, c := range st.GuildChannels {
		r.channels[g] = c
	}
	r.mu.Unlock()
	return nil
}

// Join binds guild's alerts to channelID and persists the binding.
func (r *Router) Join(ctx context.Context, guild, channelID string) error {
	r.mu.Lock()
	r.channels[guild] = channelID
	st := state{GuildChannels: make(map[string]string, len(r.channels))}
	for g, c := range r.channels {
		st.GuildChannels[g] = c
	}
	r.mu.Unlock()
	return store.SaveJSON(ctx, r.store, StateKey, st)
}

// Channel returns the alert channel joined in guild.
func (r *Router) Channel(guild string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[guild]
	return c, ok
}

// Message is the announcement text for streamer on p.
func Message(p platform.Platform, streamer string) string {
	return fmt.Sprintf("%s is streaming live on %s at %s", streamer, p.Name(), p.FormatURL(streamer))
}

// Notify announces streamer in every joined guild subscribed to it on p.
func (r *Router) Notify(ctx context.Context, p platform.Platform, streamer string) {
	lg := r.log().With(slog.String("platform", p.Name()), slog.String("streamer", streamer), slog.String("delivery_id", uuid.NewString()))

	r.mu.RLock()
	sender := r.sender
	guilds := make([]string, 0, len(r.channels))
	for g := range r.channels {
		guilds = append(guilds, g)
	}
	channels := make(map[string]string, len(r.channels))
	for g, c := range r.channels {
		channels[g] = c
	}
	r.mu.RUnlock()
	sort.Strings(guilds)

	if sender == nil {
		lg.Warn("no chat sender attached, dropping notification")
		telemetry.RecordNotification(p.Name(), "dropped")
		return
	}

	msg := Message(p, streamer)
	var g errgroup.Group
	g.SetLimit(4)
	for _, guild := range guilds {
		if !p.IsSubscribed(streamer, guild) {
			continue
		}
		channel := channels[guild]
		g.Go(func() error {
			if err := sender.Send(ctx, channel, msg); err != nil {
				lg.Warn("notification failed", slog.String("guild", guild), slog.String("channel", channel), slog.Any("err", err))
				telemetry.RecordNotification(p.Name(), "failed")
				return nil
			}
			telemetry.RecordNotification(p.Name(), "sent")
			return nil
		})
	}
	_ = g.Wait()
	lg.Info("notification fanned out")
}
