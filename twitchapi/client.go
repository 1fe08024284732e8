// Package twitchapi is a thin typed client over the Twitch Helix endpoints the
// alert engine needs: user lookup and EventSub subscription management. Every
// call carries the Client-Id header and a user bearer token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/onnwee/stream-alerts/telemetry"
)

// DefaultBaseURL is the production Helix root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

const maxBodyBytes = 1 << 20

// TokenProvider supplies the current user access token.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	// Invalidate is called when Helix answers 401 for the token last returned.
	Invalidate()
}

// Client is safe for concurrent use. It holds no cached subscription state.
type Client struct {
	ClientID   string
	BaseURL    string
	Tokens     TokenProvider
	HTTPClient *http.Client
	Limiter    *rate.Limiter

	lookups singleflight.Group
}

// NewClient returns a Client limited to rps requests per second (0 disables the limit).
func NewClient(clientID, baseURL string, tokens TokenProvider, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		ClientID: clientID,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Tokens:   tokens,
	}
	if rps > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return c
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// do performs one Helix request and decodes a 2xx body into out (if non-nil).
// Non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "helix."+strings.ToLower(method),
		attribute.String("http.method", method), attribute.String("helix.path", path))
	defer func() { telemetry.EndSpan(span, err) }()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	tok, err := c.Tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.Tokens.Invalidate()
		}
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
