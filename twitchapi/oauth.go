package twitchapi

import (
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// DefaultAuthURL is the Twitch identity root that serves /authorize and /token.
const DefaultAuthURL = "https://id.twitch.tv/oauth2"

// OAuthConfig returns the authorization-code config for a Twitch user token.
// authBaseURL overrides the identity root (tests point it at a local server).
func OAuthConfig(clientID, clientSecret, redirectURI, authBaseURL string, scopes []string) *oauth2.Config {
	ep := twitch.Endpoint
	if base := strings.TrimRight(authBaseURL, "/"); base != "" && base != DefaultAuthURL {
		ep = oauth2.Endpoint{
			AuthURL:   base + "/authorize",
			TokenURL:  base + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint:     ep,
	}
}
