package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/onnwee/stream-alerts/telemetry"
)

// refreshTimeout bounds a timer-driven refresh grant.
const refreshTimeout = 30 * time.Second

const (
	retryInitial = 5 * time.Second
	retryMax     = 2 * time.Minute
)

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.MaxInterval = retryMax
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	return b
}

// scheduleLocked replaces any pending renewal timer with one that fires
// margin before expiresAt. Callers hold m.mu.
func (m *Manager) scheduleLocked(expiresAt time.Time) {
	if expiresAt.IsZero() {
		m.stopTimerLocked()
		return
	}
	d := expiresAt.Add(-m.margin).Sub(m.clock.Now())
	m.armLocked(d, expiresAt)
	m.log().Debug("renewal scheduled", slog.Duration("in", d))
}

// scheduleRetryLocked arms the next attempt after a transient refresh
// failure, never later than expiresAt.
func (m *Manager) scheduleRetryLocked(expiresAt time.Time) {
	d := m.retry.NextBackOff()
	if left := expiresAt.Sub(m.clock.Now()); !expiresAt.IsZero() && left > 0 && left < d {
		d = left
	}
	m.armLocked(d, expiresAt)
	m.log().Info("refresh retry scheduled", slog.Duration("in", d))
}

func (m *Manager) armLocked(d time.Duration, expiresAt time.Time) {
	m.stopTimerLocked()
	if d < 0 {
		d = 0
	}
	m.timer = m.clock.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		// Skip when the credential was replaced after this timer fired.
		_, _ = m.refreshIf(ctx, func(c Credential) bool { return c.ExpiresAt.Equal(expiresAt) })
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func always(Credential) bool { return true }

// rejected reports whether the token endpoint refused the refresh token
// itself, as opposed to failing to answer.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

// refreshIf runs the refresh grant when due reports true for the current
// credential; otherwise the credential (renewed meanwhile by another caller)
// is returned as is.
//
// A rejected refresh token drops authentication. Any other failure keeps the
// current credential usable until it expires and retries with backoff.
func (m *Manager) refreshIf(ctx context.Context, due func(Credential) bool) (Credential, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()
	if !due(cred) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		m.log().Warn("no refresh token; authorization required")
		m.markUnauthenticated()
		return cred, ErrNotAuthenticated
	}

	ctx, span := telemetry.StartSpan(ctx, "oauth.refresh")
	ts := m.cfg.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := ts.Token()
	telemetry.EndSpan(span, err)
	if err != nil {
		telemetry.RecordTokenRefresh(m.platform, "error")
		if rejected(err) {
			m.log().Warn("refresh token rejected", slog.Any("err", err))
			m.markUnauthenticated()
			return cred, fmt.Errorf("%w: refresh: %v", ErrNotAuthenticated, err)
		}
		m.log().Warn("token refresh failed, will retry", slog.Any("err", err))
		m.mu.Lock()
		if m.authenticated {
			m.scheduleRetryLocked(cred.ExpiresAt)
		}
		m.mu.Unlock()
		return cred, fmt.Errorf("oauth: refresh: %w", err)
	}

	fresh := m.credentialFrom(tok, cred.RefreshToken)
	m.mu.Lock()
	m.retry.Reset()
	m.mu.Unlock()
	m.replace(fresh)
	telemetry.RecordTokenRefresh(m.platform, "success")
	m.log().Info("token refreshed", slog.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}
