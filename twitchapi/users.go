package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// User is the subset of a Helix user the engine reads.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// LookupUser returns the Helix user for login. Concurrent lookups of the
// same login share one request. Returns ErrNotFound when nobody matches.
func (c *Client) LookupUser(ctx context.Context, login string) (*User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	v, err, _ := c.lookups.Do(login, func() (any, error) {
		var body struct {
			Data []User `json:"data"`
		}
		if err := c.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
			return nil, err
		}
		for _, u := range body.Data {
			if u.ID != "" {
				return &u, nil
			}
		}
		return nil, fmt.Errorf("user %q: %w", login, ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}
