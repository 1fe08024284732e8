// Package alerts keeps the per-guild bookkeeping of which streamers each
// guild is alerted for, and reconciles it against the remote subscription
// registry.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-alerts/telemetry"
	"github.com/onnwee/stream-alerts/twitchapi"
)

// Result of an add-alert request.
type Result int

const (
	Added Result = iota
	Exists
	Failed
)

func (r Result) String() string {
	switch r {
	case Added:
		return "added"
	case Exists:
		return "exists"
	default:
		return "failed"
	}
}

// Registry is the remote subscription API the reconciler drives.
type Registry interface {
	LookupUser(ctx context.Context, login string) (*twitchapi.User, error)
	ListSubscriptions(ctx context.Context) []twitchapi.Subscription
	CreateSubscription(ctx context.Context, broadcasterID, sessionID string) (*twitchapi.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// SessionWaiter yields the live session id, blocking until there is one.
type SessionWaiter interface {
	WaitWelcome(ctx context.Context) (string, error)
}

type Options struct {
	Platform string
	Registry Registry
	Session  SessionWaiter
	// OnChange is called after every index mutation, outside the lock.
	OnChange func()

	// Resync retries broadcasters whose subscription could not be recreated.
	// Defaults: 5s initial, 2m max, 5 attempts.
	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryAttempts int
}

// errSessionReplaced stops resync retries once a newer session owns them.
var errSessionReplaced = errors.New("session replaced")

// Reconciler maps (guild, streamer) pairs onto remote subscription ids.
type Reconciler struct {
	platform string
	reg      Registry
	session  SessionWaiter
	onChange func()
	names    *Identities

	retryInitial  time.Duration
	retryMax      time.Duration
	retryAttempts int

	// ops serializes add/remove/resync so check-then-create is atomic.
	ops sync.Mutex

	mu    sync.Mutex
	index Index
}

func New(opts Options) *Reconciler {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 5 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2 * time.Minute
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	return &Reconciler{
		platform:      opts.Platform,
		reg:           opts.Registry,
		session:       opts.Session,
		onChange:      opts.OnChange,
		names:         NewIdentities(),
		index:         make(Index),
		retryInitial:  opts.RetryInitial,
		retryMax:      opts.RetryMax,
		retryAttempts: opts.RetryAttempts,
	}
}

func (r *Reconciler) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "alerts"), slog.String("platform", r.platform))
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// AddAlert subscribes guild to streamer.
func (r *Reconciler) AddAlert(ctx context.Context, streamer, guild string) (res Result) {
	ctx, span := telemetry.StartSpan(ctx, "alerts.add",
		attribute.String("platform", r.platform), attribute.String("guild", guild), attribute.String("streamer", streamer))
	defer func() {
		telemetry.RecordAlertAdd(r.platform, res.String())
		span.SetAttributes(attribute.String("result", res.String()))
		telemetry.EndSpan(span, nil)
	}()
	lg := r.log().With(slog.String("guild", guild), slog.String("streamer", streamer))

	if r.IsSubscribed(streamer, guild) {
		return Exists
	}
	user, err := r.reg.LookupUser(ctx, streamer)
	if err != nil {
		lg.Warn("resolve streamer failed", slog.Any("err", err))
		return Failed
	}
	sessionID, err := r.session.WaitWelcome(ctx)
	if err != nil {
		lg.Warn("no live session", slog.Any("err", err))
		return Failed
	}

	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	_, owned := r.index.FindBroadcaster(guild, user.ID)
	r.mu.Unlock()
	if owned {
		return Exists
	}

	id, err := r.subscriptionFor(ctx, user.ID, sessionID)
	if err != nil {
		lg.Warn("create subscription failed", slog.Any("err", err))
		return Failed
	}

	r.mu.Lock()
	// Siblings still pointing at a dead id share the live one from now on.
	r.index.Rebind(user.ID, id)
	r.index.Add(guild, Entry{SubscriptionID: id, BroadcasterID: user.ID, Streamer: streamer})
	r.mu.Unlock()
	r.names.Set(user.ID, streamer)
	r.changed()
	lg.Info("alert added", slog.String("subscription_id", id), slog.String("broadcaster_id", user.ID))
	return Added
}

// subscriptionFor returns a stream.online subscription for broadcasterID bound
// to sessionID, reusing one that already exists (another guild's, or one the
// remote reports as a conflict).
func (r *Reconciler) subscriptionFor(ctx context.Context, broadcasterID, sessionID string) (string, error) {
	if id, ok := r.live(ctx, broadcasterID, sessionID); ok {
		return id, nil
	}
	return r.create(ctx, broadcasterID, sessionID)
}

// create makes a new subscription; a conflict attaches to the subscription
// the remote already holds.
func (r *Reconciler) create(ctx context.Context, broadcasterID, sessionID string) (string, error) {
	sub, err := r.reg.CreateSubscription(ctx, broadcasterID, sessionID)
	if err == nil {
		return sub.ID, nil
	}
	if errors.Is(err, twitchapi.ErrConflict) {
		if id, ok := r.live(ctx, broadcasterID, sessionID); ok {
			return id, nil
		}
	}
	return "", err
}

func (r *Reconciler) live(ctx context.Context, broadcasterID, sessionID string) (string, bool) {
	for _, s := range r.reg.ListSubscriptions(ctx) {
		if s.Type == twitchapi.TypeStreamOnline && s.BroadcasterID() == broadcasterID && s.BoundTo(sessionID) && !s.Disconnected() {
			return s.ID, true
		}
	}
	return "", false
}

// RemoveAlert unsubscribes guild from streamer. It reports false when the
// guild does not own an alert for streamer or the remote delete failed. The
// remote subscription is deleted only when no other guild follows the
// broadcaster.
func (r *Reconciler) RemoveAlert(ctx context.Context, streamer, guild string) (ok bool) {
	ctx, span := telemetry.StartSpan(ctx, "alerts.remove",
		attribute.String("platform", r.platform), attribute.String("guild", guild), attribute.String("streamer", streamer))
	defer func() {
		result := "removed"
		if !ok {
			result = "failed"
		}
		telemetry.RecordAlertRemove(r.platform, result)
		telemetry.EndSpan(span, nil)
	}()
	lg := r.log().With(slog.String("guild", guild), slog.String("streamer", streamer))

	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	entry, found := r.index.Find(guild, streamer)
	r.mu.Unlock()
	if !found {
		lg.Info("refusing removal: guild has no alert for streamer")
		return false
	}

	r.mu.Lock()
	shared := len(r.index.Guilds(entry.BroadcasterID)) > 1
	r.mu.Unlock()
	if !shared && entry.SubscriptionID != "" {
		if err := r.reg.DeleteSubscription(ctx, entry.SubscriptionID); err != nil && !errors.Is(err, twitchapi.ErrNotFound) {
			lg.Warn("delete subscription failed", slog.String("subscription_id", entry.SubscriptionID), slog.Any("err", err))
			return false
		}
	}

	r.mu.Lock()
	r.index.Remove(guild, entry.BroadcasterID)
	r.mu.Unlock()
	r.changed()
	lg.Info("alert removed", slog.String("subscription_id", entry.SubscriptionID), slog.Bool("shared", shared))
	return true
}

// IsSubscribed is a local membership test; it never touches the network.
func (r *Reconciler) IsSubscribed(streamer, guild string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index.Find(guild, streamer)
	return ok
}

// ListSubscribedNames returns the names of every subscribed streamer, sorted.
// Ids without a cached name are dropped.
func (r *Reconciler) ListSubscribedNames() []string {
	r.mu.Lock()
	entries := r.index.Broadcasters()
	r.mu.Unlock()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if n, ok := r.names.Name(e.BroadcasterID); ok {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	return names
}

// SubscriptionIDs returns the remote ids registered for guild.
func (r *Reconciler) SubscriptionIDs(guild string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.SubscriptionIDs(guild)
}

// Name translates a broadcaster id to the name guilds subscribed with.
func (r *Reconciler) Name(broadcasterID string) (string, bool) {
	return r.names.Name(broadcasterID)
}

// Revoked drops a remote subscription the platform revoked from every guild.
func (r *Reconciler) Revoked(subscriptionID string) {
	r.mu.Lock()
	n := r.index.DropSubscription(subscriptionID)
	r.mu.Unlock()
	if n > 0 {
		r.log().Warn("revoked subscription dropped", slog.String("subscription_id", subscriptionID), slog.Int("guilds", n))
		r.changed()
	}
}

// Resync repairs the index against the registry for a freshly welcomed
// session: it deletes disconnected websocket subscriptions, rebinds entries
// to live subscriptions of the same broadcaster, and creates one subscription
// per broadcaster that has none. Failed creates are retried with backoff
// while sessionID is still the live session.
func (r *Reconciler) Resync(ctx context.Context, sessionID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "alerts.resync",
		attribute.String("platform", r.platform), attribute.String("session_id", sessionID))
	defer func() { telemetry.EndSpan(span, err) }()
	lg := r.log().With(slog.String("session_id", sessionID))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	b.MaxInterval = r.retryMax
	b.RandomizationFactor = 0.2
	b.Multiplier = 2

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			current, err := r.session.WaitWelcome(ctx)
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			if current != sessionID {
				return struct{}{}, backoff.Permanent(errSessionReplaced)
			}
		}
		failed, err := r.resyncOnce(ctx, sessionID, lg)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if failed > 0 {
			return struct{}{}, fmt.Errorf("%d broadcasters without a subscription", failed)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.retryAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			lg.Warn("resync incomplete, retrying", slog.Any("err", err), slog.Duration("in", d))
		}),
	)
	if errors.Is(err, errSessionReplaced) {
		lg.Info("resync abandoned for a newer session")
		return nil
	}
	return err
}

// resyncOnce runs one repair pass and reports how many broadcasters are left
// without a subscription.
func (r *Reconciler) resyncOnce(ctx context.Context, sessionID string, lg *slog.Logger) (int, error) {
	r.ops.Lock()
	defer r.ops.Unlock()

	live := make(map[string]string)
	deleted := 0
	for _, s := range r.reg.ListSubscriptions(ctx) {
		switch {
		case s.Disconnected():
			if r.reg.DeleteSubscription(ctx, s.ID) == nil {
				deleted++
			}
		case s.Type == twitchapi.TypeStreamOnline && s.BoundTo(sessionID):
			live[s.BroadcasterID()] = s.ID
		}
	}
	telemetry.RecordOrphansDeleted(r.platform, deleted)

	r.mu.Lock()
	wanted := r.index.Broadcasters()
	r.mu.Unlock()

	rebound, created, failed := 0, 0, 0
	for _, e := range wanted {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		r.names.Set(e.BroadcasterID, e.Streamer)
		id, ok := live[e.BroadcasterID]
		if !ok {
			var err error
			if id, err = r.create(ctx, e.BroadcasterID, sessionID); err != nil {
				lg.Warn("recreate subscription failed", slog.String("broadcaster_id", e.BroadcasterID), slog.Any("err", err))
				failed++
				continue
			}
			created++
		}
		r.mu.Lock()
		rebound += r.index.Rebind(e.BroadcasterID, id)
		r.mu.Unlock()
	}
	if rebound > 0 {
		r.changed()
	}
	lg.Info("subscriptions resynced",
		slog.Int("broadcasters", len(wanted)), slog.Int("created", created), slog.Int("rebound", rebound),
		slog.Int("failed", failed), slog.Int("disconnected_deleted", deleted))
	return failed, nil
}

// Index returns a copy of the guild index.
func (r *Reconciler) Index() Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.clone()
}

// SetIndex replaces the guild index and warms the identity cache from it.
func (r *Reconciler) SetIndex(x Index) {
	if x == nil {
		x = make(Index)
	}
	x = x.clone()
	for _, entries := range x {
		for _, e := range entries {
			r.names.Set(e.BroadcasterID, e.Streamer)
		}
	}
	r.mu.Lock()
	r.index = x
	r.mu.Unlock()
}
