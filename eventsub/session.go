// Package eventsub maintains the EventSub websocket session for one platform
// integration: it connects, classifies inbound frames, detects loss, deletes
// the subscriptions orphaned by a dead session, and reconnects with backoff.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-alerts/telemetry"
	"github.com/onnwee/stream-alerts/twitchapi"
)

// ErrReconnectLimit is returned by Run after MaxReconnects consecutive failed dials.
var ErrReconnectLimit = errors.New("eventsub: reconnect limit reached")

// State of the session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Welcomed
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Welcomed:
		return "welcomed"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Registry is the part of the Helix client the session needs for orphan cleanup.
type Registry interface {
	ListSubscriptions(ctx context.Context) []twitchapi.Subscription
	DeleteSubscription(ctx context.Context, id string) error
}

// Handler receives session events. Calls are made from the session goroutine
// except SessionWelcomed, which runs on its own goroutine so it may call Helix.
type Handler interface {
	// SessionWelcomed follows every welcome of a new session (not a
	// session_reconnect handover, whose subscriptions carry over).
	SessionWelcomed(ctx context.Context, sessionID string)
	StreamOnline(ev OnlineEvent)
	Revoked(subscriptionID, status string)
}

type Options struct {
	Platform string
	URL      string
	Registry Registry
	Handler  Handler
	Clock    clockwork.Clock
	Dialer   *websocket.Dialer

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxReconnects bounds consecutive failed dials; 0 means unlimited.
	MaxReconnects int
	// KeepaliveGrace is added to the server's keepalive timeout before the
	// connection is declared lost.
	KeepaliveGrace time.Duration
	// WelcomeTimeout bounds the wait for session_welcome on a new connection.
	WelcomeTimeout time.Duration
}

type Session struct {
	opts Options

	mu        sync.Mutex
	state     State
	sessionID string
	welcomed  chan struct{}

	// handlers tracks SessionWelcomed calls; Run waits for them.
	handlers sync.WaitGroup

	seen seenIDs
}

// New returns a disconnected session. Run starts it.
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 2 * time.Minute
	}
	if opts.KeepaliveGrace <= 0 {
		opts.KeepaliveGrace = 5 * time.Second
	}
	if opts.WelcomeTimeout <= 0 {
		opts.WelcomeTimeout = 30 * time.Second
	}
	return &Session{opts: opts, welcomed: make(chan struct{})}
}

func (s *Session) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "eventsub"), slog.String("platform", s.opts.Platform))
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the live session id, or "" when not welcomed.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// WaitWelcome blocks until the session is welcomed and returns its id.
func (s *Session) WaitWelcome(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		id, ch := s.sessionID, s.welcomed
		s.mu.Unlock()
		if id != "" {
			return id, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	telemetry.SetSessionState(s.opts.Platform, int(st))
}

func (s *Session) welcome(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.state = Welcomed
	select {
	case <-s.welcomed:
	default:
		close(s.welcomed)
	}
	s.mu.Unlock()
	telemetry.SetSessionState(s.opts.Platform, int(Welcomed))
}

// lose clears the session and returns the id that died.
func (s *Session) lose() string {
	s.mu.Lock()
	dead := s.sessionID
	s.sessionID = ""
	s.state = Disconnected
	select {
	case <-s.welcomed:
		s.welcomed = make(chan struct{})
	default:
	}
	s.mu.Unlock()
	telemetry.SetSessionState(s.opts.Platform, int(Disconnected))
	return dead
}

// Run connects and keeps the session alive until ctx is done. It returns
// ctx.Err() on shutdown or ErrReconnectLimit when the dial ceiling is hit,
// after every SessionWelcomed call it started has returned.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.handlers.Wait()
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.RandomizationFactor = 0.2
	b.Multiplier = 2

	failures := 0
	for {
		s.setState(Connecting)
		conn, err := s.dial(ctx, s.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(Disconnected)
				return ctx.Err()
			}
			failures++
			s.log().Warn("eventsub dial failed", slog.Any("err", err), slog.Int("consecutive_failures", failures))
			if s.opts.MaxReconnects > 0 && failures >= s.opts.MaxReconnects {
				s.setState(Disconnected)
				return ErrReconnectLimit
			}
			if err := s.sleep(ctx, b.NextBackOff()); err != nil {
				s.setState(Disconnected)
				return err
			}
			continue
		}

		err = s.serve(ctx, conn, func() {
			failures = 0
			b.Reset()
		})
		dead := s.lose()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log().Warn("eventsub connection lost", slog.Any("err", err), slog.String("session_id", dead))
		if dead != "" {
			s.cleanup(ctx, dead)
		}
		telemetry.RecordReconnect(s.opts.Platform)
		if err := s.sleep(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
}

func (s *Session) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := s.opts.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-s.opts.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve reads frames until the connection (and any session_reconnect
// successor) fails. onWelcome runs after every welcome.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn, onWelcome func()) error {
	handover := false
	for conn != nil {
		next, err := s.read(ctx, conn, handover, onWelcome)
		_ = conn.Close()
		if next == nil {
			return err
		}
		conn, handover = next, true
	}
	return nil
}

// read runs one connection. It returns a successor connection when the server
// asked for a reconnect and the new URL was dialed successfully.
func (s *Session) read(ctx context.Context, conn *websocket.Conn, handover bool, onWelcome func()) (*websocket.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	timeout := s.opts.WelcomeTimeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log().Warn("dropping malformed frame", slog.Any("err", err))
			continue
		}
		if !s.seen.add(env.Metadata.MessageID) {
			s.log().Debug("dropping redelivered frame", slog.String("message_id", env.Metadata.MessageID))
			continue
		}

		switch env.Metadata.MessageType {
		case msgWelcome:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ID == "" {
				s.log().Warn("dropping malformed welcome", slog.Any("err", err))
				continue
			}
			if p.Session.KeepaliveTimeoutSeconds != nil && *p.Session.KeepaliveTimeoutSeconds > 0 {
				timeout = time.Duration(*p.Session.KeepaliveTimeoutSeconds)*time.Second + s.opts.KeepaliveGrace
			}
			s.welcome(p.Session.ID)
			onWelcome()
			s.log().Info("eventsub session welcomed", slog.String("session_id", p.Session.ID), slog.Bool("handover", handover))
			if !handover && s.opts.Handler != nil {
				s.handlers.Add(1)
				go func(id string) {
					defer s.handlers.Done()
					s.opts.Handler.SessionWelcomed(ctx, id)
				}(p.Session.ID)
			}
			handover = false

		case msgKeepalive:
			s.markActive()

		case msgNotification:
			s.markActive()
			s.notification(env)

		case msgReconnect:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == nil || *p.Session.ReconnectURL == "" {
				s.log().Warn("dropping malformed session_reconnect", slog.Any("err", err))
				continue
			}
			s.log().Info("eventsub reconnect requested", slog.String("url", *p.Session.ReconnectURL))
			next, err := s.dial(ctx, *p.Session.ReconnectURL)
			if err != nil {
				return nil, fmt.Errorf("dial reconnect url: %w", err)
			}
			return next, nil

		case msgRevocation:
			var p notificationPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Subscription.ID == "" {
				s.log().Warn("dropping malformed revocation", slog.Any("err", err))
				continue
			}
			s.log().Warn("subscription revoked", slog.String("subscription_id", p.Subscription.ID), slog.String("status", p.Subscription.Status))
			if s.opts.Handler != nil {
				s.opts.Handler.Revoked(p.Subscription.ID, p.Subscription.Status)
			}

		default:
			s.log().Debug("ignoring frame", slog.String("message_type", env.Metadata.MessageType))
		}
	}
}

func (s *Session) markActive() {
	s.mu.Lock()
	promote := s.state == Welcomed
	if promote {
		s.state = Active
	}
	s.mu.Unlock()
	if promote {
		telemetry.SetSessionState(s.opts.Platform, int(Active))
	}
}

func (s *Session) notification(env envelope) {
	if env.Metadata.SubscriptionType != twitchapi.TypeStreamOnline {
		s.log().Debug("ignoring notification", slog.String("subscription_type", env.Metadata.SubscriptionType))
		return
	}
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log().Warn("dropping malformed notification", slog.Any("err", err))
		return
	}
	var ev OnlineEvent
	if err := json.Unmarshal(p.Event, &ev); err != nil || (ev.BroadcasterID == "" && ev.BroadcasterName == "") {
		s.log().Warn("dropping malformed stream.online event", slog.Any("err", err))
		return
	}
	ev.SubscriptionID = p.Subscription.ID
	if s.opts.Handler != nil {
		s.opts.Handler.StreamOnline(ev)
	}
}

// cleanup deletes every remote subscription bound to the dead session. Those
// would otherwise sit disconnected while still counting against the quota.
func (s *Session) cleanup(ctx context.Context, deadSessionID string) {
	if s.opts.Registry == nil {
		return
	}
	deleted := 0
	for _, sub := range s.opts.Registry.ListSubscriptions(ctx) {
		if !sub.BoundTo(deadSessionID) {
			continue
		}
		if err := s.opts.Registry.DeleteSubscription(ctx, sub.ID); err == nil {
			deleted++
		}
	}
	telemetry.RecordOrphansDeleted(s.opts.Platform, deleted)
	s.log().Info("orphaned subscriptions deleted", slog.String("session_id", deadSessionID), slog.Int("count", deleted))
}
