package twitchapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a user lookup matches nobody.
	ErrNotFound = errors.New("twitch: not found")
	// ErrConflict is returned when Helix reports the subscription already exists.
	ErrConflict = errors.New("twitch: subscription already exists")
	// ErrUnauthorized is returned when Helix rejects the access token.
	ErrUnauthorized = errors.New("twitch: unauthorized")
)

// APIError is a non-2xx Helix response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is lets callers match an APIError against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}
