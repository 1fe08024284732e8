package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/config"
	"github.com/onnwee/stream-alerts/crypto"
	"github.com/onnwee/stream-alerts/eventsub"
	"github.com/onnwee/stream-alerts/oauth"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
	"github.com/onnwee/stream-alerts/twitchapi"
)

// TwitchStateKey is the key of the Twitch blob in the state store.
const TwitchStateKey = "twitch"

type TwitchOptions struct {
	Config *config.Config
	Store  store.Store
	// Sealer encrypts persisted tokens; nil stores them in plaintext.
	Sealer crypto.Sealer
	// Clock drives token renewal.
	Clock      clockwork.Clock
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Twitch wires the OAuth manager, Helix client, EventSub session and alert
// reconciler into one platform.
type Twitch struct {
	cfg     *config.Config
	store   store.Store
	sealer  crypto.Sealer
	oauth   *oauth.Manager
	helix   *twitchapi.Client
	session *eventsub.Session
	alerts  *alerts.Reconciler
	online  chan string

	persistMu sync.Mutex

	mu          sync.Mutex
	cancel      context.CancelFunc
	sessionDone chan struct{}
	sessionErr  error
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewTwitch builds the platform. It fails with oauth.ErrNotConfigured when
// the client id or secret is missing.
func NewTwitch(opts TwitchOptions) (*Twitch, error) {
	cfg := opts.Config
	if err := cfg.ValidateTwitch(); err != nil {
		return nil, fmt.Errorf("%w: %v", oauth.ErrNotConfigured, err)
	}
	t := &Twitch{
		cfg:         cfg,
		store:       opts.Store,
		sealer:      opts.Sealer,
		online:      make(chan string, 64),
		sessionDone: make(chan struct{}),
	}

	mgr, err := oauth.New(oauth.Options{
		Platform:    TwitchStateKey,
		Config:      twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchAuthURL, cfg.TwitchScopes),
		Clock:       opts.Clock,
		RenewMargin: cfg.TokenRenewMargin,
		HTTPClient:  opts.HTTPClient,
		OnChange:    func(oauth.Credential) { t.persist() },
	})
	if err != nil {
		return nil, err
	}
	t.oauth = mgr

	t.helix = twitchapi.NewClient(cfg.TwitchClientID, cfg.TwitchHelixURL, mgr, cfg.HelixRequestsPerS)
	if opts.HTTPClient != nil {
		t.helix.HTTPClient = opts.HTTPClient
	}
	t.session = eventsub.New(eventsub.Options{
		Platform:       TwitchStateKey,
		URL:            cfg.TwitchEventSubURL,
		Registry:       t.helix,
		Handler:        sessionHandler{t},
		Dialer:         opts.Dialer,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		MaxReconnects:  cfg.MaxReconnects,
	})
	t.alerts = alerts.New(alerts.Options{
		Platform:     TwitchStateKey,
		Registry:     t.helix,
		Session:      t.session,
		OnChange:     t.persist,
		RetryInitial: cfg.BackoffInitial,
		RetryMax:     cfg.BackoffMax,
	})
	return t, nil
}

func (t *Twitch) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "platform"), slog.String("platform", TwitchStateKey))
}

func (t *Twitch) Name() string { return "Twitch" }

func (t *Twitch) FormatURL(streamer string) string { return "https://twitch.tv/" + streamer }

func (t *Twitch) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(t.cfg.TwitchCallbackPath, t.oauth)
}

func (t *Twitch) Online() <-chan string { return t.online }

// Init implements Platform. It returns once the first session welcome
// arrives; the session and the re-authorization watcher keep running until
// ctx is done or Close is called.
func (t *Twitch) Init(ctx context.Context) error {
	raw, err := store.Get(ctx, t.store, TwitchStateKey)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	cred, err := t.alerts.Restore(raw, t.sealer)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	t.oauth.Restore(cred)

	if err := t.oauth.EnsureValid(ctx); err != nil {
		if !errors.Is(err, oauth.ErrNotAuthenticated) {
			return err
		}
		t.log().Warn("no usable credential, waiting for authorization", slog.Any("err", err))
		if _, err := t.oauth.RunHandshake(ctx); err != nil {
			return fmt.Errorf("authorization: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(2)
	go t.runSession(runCtx)
	go t.watchAuthorization(runCtx)

	welcomeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-t.sessionDone:
			stop()
		case <-welcomeCtx.Done():
		}
	}()
	if _, err := t.session.WaitWelcome(welcomeCtx); err != nil {
		if serr := t.runErr(); serr != nil {
			return serr
		}
		return err
	}
	return nil
}

func (t *Twitch) runSession(ctx context.Context) {
	defer t.wg.Done()
	err := t.session.Run(ctx)
	if err != nil && ctx.Err() == nil {
		t.log().Error("event session stopped", slog.Any("err", err))
	}
	t.mu.Lock()
	t.sessionErr = err
	t.mu.Unlock()
	close(t.sessionDone)
}

func (t *Twitch) runErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionErr
}

// watchAuthorization re-runs the handshake whenever the credential is lost.
func (t *Twitch) watchAuthorization(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.oauth.NeedsHandshake():
			t.log().Warn("credential lost, authorization required again")
			if _, err := t.oauth.RunHandshake(ctx); err != nil {
				return
			}
		}
	}
}

func (t *Twitch) persist() {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()
	raw, err := t.alerts.Snapshot(t.oauth.Credential(), t.sealer)
	if err != nil {
		t.log().Error("snapshot state failed", slog.Any("err", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.Save(ctx, TwitchStateKey, raw); err != nil {
		t.log().Error("persist state failed", slog.Any("err", err))
	}
}

func (t *Twitch) AddAlert(ctx context.Context, streamer, guild string) alerts.Result {
	return t.alerts.AddAlert(ctx, streamer, guild)
}

func (t *Twitch) RemoveAlert(ctx context.Context, streamer, guild string) bool {
	return t.alerts.RemoveAlert(ctx, streamer, guild)
}

func (t *Twitch) IsSubscribed(streamer, guild string) bool {
	return t.alerts.IsSubscribed(streamer, guild)
}

func (t *Twitch) Subscriptions() []string { return t.alerts.ListSubscribedNames() }

// Ready implements Platform.
func (t *Twitch) Ready() error {
	if err := t.runErr(); err != nil {
		return fmt.Errorf("event session stopped: %w", err)
	}
	if !t.oauth.Authenticated() {
		if _, waiting := t.oauth.AuthorizationURL(); waiting {
			return errors.New("waiting for authorization")
		}
		return errors.New("not authenticated")
	}
	if t.session.SessionID() == "" {
		return fmt.Errorf("event session %s", t.session.State())
	}
	return nil
}

// Close stops background work and closes Online.
func (t *Twitch) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.wg.Wait()
		t.oauth.Stop()
		close(t.online)
	})
	return nil
}

// sessionHandler adapts session events onto the platform.
type sessionHandler struct{ t *Twitch }

func (h sessionHandler) SessionWelcomed(ctx context.Context, sessionID string) {
	if err := h.t.alerts.Resync(ctx, sessionID); err != nil && ctx.Err() == nil {
		h.t.log().Warn("resync failed", slog.Any("err", err))
	}
}

func (h sessionHandler) StreamOnline(ev eventsub.OnlineEvent) {
	name, ok := h.t.alerts.Name(ev.BroadcasterID)
	if !ok {
		name = ev.BroadcasterName
	}
	if name == "" {
		name = ev.BroadcasterLogin
	}
	select {
	case h.t.online <- name:
	default:
		telemetry.RecordNotification(TwitchStateKey, "dropped")
		h.t.log().Warn("online relay full, dropping event", slog.String("streamer", name))
	}
}

func (h sessionHandler) Revoked(subscriptionID, status string) {
	h.t.alerts.Revoked(subscriptionID)
}
