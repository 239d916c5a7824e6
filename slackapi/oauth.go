package slackapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
	"golang.org/x/oauth2"
)

// DefaultScopes are the bot scopes requested during install.
const DefaultScopes = "channels:history,chat:write,files:read,groups:history,im:history,mpim:read,reactions:write,users.profile:read,reactions:read,channels:read,groups:read"

var slackOAuthEndpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

// BuildAuthorizeURL returns the OAuth v2 authorize URL for the install flow.
// scopes is the comma-separated list Slack expects in a single scope param.
func BuildAuthorizeURL(clientID, redirectURI, scopes, state string) string {
	cfg := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      []string{scopes},
		Endpoint:    slackOAuthEndpoint,
	}
	return cfg.AuthCodeURL(state)
}

// ExchangeCode redeems an OAuth callback code for the workspace's bot token
// and identity.
func ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*slack.OAuthV2Response, error) {
	resp, err := slack.GetOAuthV2ResponseContext(ctx, http.DefaultClient, clientID, clientSecret, code, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	return resp, nil
}
