package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/stream-alerts/telemetry"
)

func newState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RunHandshake performs the authorization-code flow. It logs the
// authorization URL for the operator and blocks until a callback with the
// matching state arrives and its code is exchanged. There is no timeout;
// only ctx cancellation (process shutdown) aborts the wait. A failed exchange
// issues a fresh state and keeps waiting.
func (m *Manager) RunHandshake(ctx context.Context) (Credential, error) {
	for {
		state, err := newState()
		if err != nil {
			return Credential{}, err
		}
		codes := make(chan string, 1)
		m.mu.Lock()
		m.state = state
		m.callbacks = codes
		m.mu.Unlock()

		m.log().Warn("authorization required: open this URL in a browser to authorize the bot",
			slog.String("url", m.cfg.AuthCodeURL(state)))

		var code string
		select {
		case code = <-codes:
		case <-ctx.Done():
			m.clearState(state)
			return Credential{}, ctx.Err()
		}

		cred, err := m.exchange(ctx, code)
		if err != nil {
			if ctx.Err() != nil {
				return Credential{}, ctx.Err()
			}
			m.log().Error("authorization code exchange failed", slog.Any("err", err))
			continue
		}
		return cred, nil
	}
}

func (m *Manager) exchange(ctx context.Context, code string) (cred Credential, err error) {
	ctx, span := telemetry.StartSpan(ctx, "oauth.exchange")
	defer func() { telemetry.EndSpan(span, err) }()

	tok, err := m.cfg.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		return Credential{}, err
	}
	cred = m.credentialFrom(tok, "")
	m.replace(cred)
	m.log().Info("authorization complete", slog.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// AuthorizationURL returns the URL of the handshake currently waiting for a
// callback, if any.
func (m *Manager) AuthorizationURL() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == "" {
		return "", false
	}
	return m.cfg.AuthCodeURL(m.state), true
}

func (m *Manager) clearState(state string) {
	m.mu.Lock()
	if m.state == state {
		m.state = ""
		m.callbacks = nil
	}
	m.mu.Unlock()
}

// HandleCallback delivers an authorization callback to the waiting handshake.
// The outstanding state is consumed on success, so a replay is rejected.
func (m *Manager) HandleCallback(code, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(m.state)) != 1 {
		return ErrStateMismatch
	}
	if code == "" {
		return ErrMissingCode
	}
	codes := m.callbacks
	m.state = ""
	m.callbacks = nil
	codes <- code
	return nil
}

// ServeHTTP is the OAuth redirect endpoint: GET ?code&state.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lg := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth"), slog.String("platform", m.platform))
	q := r.URL.Query()
	err := m.HandleCallback(q.Get("code"), q.Get("state"))
	switch {
	case errors.Is(err, ErrStateMismatch):
		lg.Warn("rejected callback with unknown state")
		http.Error(w, "Invalid state", http.StatusUnauthorized)
	case errors.Is(err, ErrMissingCode):
		lg.Warn("callback without code", slog.String("error", q.Get("error")), slog.String("error_description", q.Get("error_description")))
		http.Error(w, "Missing code", http.StatusBadRequest)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("You have been authorized, you can close this tab"))
	}
}
