// Package oauth owns a platform's user OAuth credential: it restores the
// persisted access/refresh pair, renews it ahead of expiry on a single timer,
// and runs the authorization-code handshake when no usable credential exists.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

var (
	// ErrNotConfigured means the client id or secret is missing.
	ErrNotConfigured = errors.New("oauth: client id/secret not configured")
	// ErrNotAuthenticated means there is no usable credential; a handshake is required.
	ErrNotAuthenticated = errors.New("oauth: not authenticated")
	// ErrStateMismatch is returned for a callback whose state is not the outstanding one.
	ErrStateMismatch = errors.New("oauth: state mismatch")
	// ErrMissingCode is returned for a callback without an authorization code.
	ErrMissingCode = errors.New("oauth: missing code")
)

// Credential is the user token pair. A zero ExpiresAt counts as expired.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether c must be refreshed before use at now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt)
}

type Options struct {
	// Platform labels logs and metrics.
	Platform string
	Config   *oauth2.Config
	Clock    clockwork.Clock
	// RenewMargin is how long before expiry the renewal timer fires.
	RenewMargin time.Duration
	// HTTPClient is used for token grants; nil means http.DefaultClient.
	HTTPClient *http.Client
	// OnChange is called (outside any lock) after every credential replacement.
	OnChange func(Credential)
}

type Manager struct {
	platform   string
	cfg        *oauth2.Config
	clock      clockwork.Clock
	margin     time.Duration
	httpClient *http.Client
	onChange   func(Credential)

	// refreshMu keeps at most one refresh grant in flight.
	refreshMu sync.Mutex

	mu            sync.Mutex
	cred          Credential
	authenticated bool
	timer         clockwork.Timer
	retry         *backoff.ExponentialBackOff
	state         string
	callbacks     chan string
	reauth        chan struct{}
}

// New validates the client configuration and returns an idle Manager.
func New(opts Options) (*Manager, error) {
	if opts.Config == nil || opts.Config.ClientID == "" || opts.Config.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		platform:   opts.Platform,
		cfg:        opts.Config,
		clock:      clock,
		margin:     opts.RenewMargin,
		httpClient: opts.HTTPClient,
		onChange:   opts.OnChange,
		reauth:     make(chan struct{}, 1),
		retry:      newRetryBackOff(),
	}, nil
}

func (m *Manager) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "oauth"), slog.String("platform", m.platform))
}

// Restore installs a persisted credential without persisting it again.
// EnsureValid decides whether it is usable.
func (m *Manager) Restore(c Credential) {
	m.mu.Lock()
	m.cred = c
	m.authenticated = false
	m.mu.Unlock()
}

// Credential returns a copy of the current credential, stale or not.
func (m *Manager) Credential() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// Authenticated reports whether the current credential is believed usable.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// NeedsHandshake fires whenever the manager loses its credential after
// having held one (the token endpoint rejected the refresh token).
func (m *Manager) NeedsHandshake() <-chan struct{} { return m.reauth }

// EnsureValid makes the restored credential usable: an unset or past expiry
// triggers a refresh, otherwise renewal is scheduled. ErrNotAuthenticated
// means the caller must run the handshake.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return ErrNotAuthenticated
	}
	if cred.Expired(m.clock.Now()) {
		_, err := m.refreshIf(ctx, always)
		return err
	}

	m.mu.Lock()
	m.authenticated = true
	m.scheduleLocked(cred.ExpiresAt)
	m.mu.Unlock()
	m.log().Info("restored credential", slog.Time("expires_at", cred.ExpiresAt))
	return nil
}

// AccessToken returns the current access token, refreshing synchronously when
// it has expired. A refresh in flight does not block callers while the
// previous token is still within its lifetime.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	cred, ok := m.cred, m.authenticated
	m.mu.Unlock()
	if !ok {
		return "", ErrNotAuthenticated
	}
	if !cred.Expired(m.clock.Now()) {
		return cred.AccessToken, nil
	}
	fresh, err := m.refreshIf(ctx, func(c Credential) bool { return c.Expired(m.clock.Now()) })
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// Invalidate marks the access token as expired so the next AccessToken call
// refreshes it. Helix calls this on a 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cred.ExpiresAt = time.Time{}
	m.mu.Unlock()
}

// Refresh exchanges the refresh token for a new credential.
func (m *Manager) Refresh(ctx context.Context) (Credential, error) {
	return m.refreshIf(ctx, always)
}

// Stop cancels the renewal timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

// replace installs a new credential, marks it usable, reschedules renewal and
// signals persistence.
func (m *Manager) replace(c Credential) {
	m.mu.Lock()
	m.cred = c
	m.authenticated = true
	m.scheduleLocked(c.ExpiresAt)
	onChange := m.onChange
	m.mu.Unlock()
	if onChange != nil {
		onChange(c)
	}
}

// markUnauthenticated keeps the stale credential but refuses to hand it out.
func (m *Manager) markUnauthenticated() {
	m.mu.Lock()
	wasAuthenticated := m.authenticated
	m.authenticated = false
	m.stopTimerLocked()
	m.mu.Unlock()
	if wasAuthenticated {
		select {
		case m.reauth <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	return ctx
}

// credentialFrom converts a token grant response, keeping the previous refresh
// token when the response omits one.
func (m *Manager) credentialFrom(tok *oauth2.Token, prevRefresh string) Credential {
	c := Credential{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if c.RefreshToken == "" {
		c.RefreshToken = prevRefresh
	}
	switch {
	case tok.ExpiresIn > 0:
		c.ExpiresAt = m.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	case !tok.Expiry.IsZero():
		c.ExpiresAt = tok.Expiry
	default:
		c.ExpiresAt = m.clock.Now().Add(60 * time.Minute)
	}
	return c
}
