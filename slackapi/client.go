// Package slackapi wraps the Slack Web API client behind the narrow outbound
// surface the core consumes: posting messages, managing reaction markers,
// reading reaction tallies, and resolving identities. One Client is built per
// workspace from its stored installation token.
package slackapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"

	"github.com/kelpworks/spotbot/spot"
)

// Client implements spot.Messenger over the Slack Web API.
type Client struct {
	api *slack.Client

	mu      sync.Mutex
	botUser string
}

// New builds a client for one workspace token. Extra options (custom API URL,
// HTTP client) pass straight through to the underlying SDK, which is how
// tests point the client at a mock server.
func New(token string, opts ...slack.Option) *Client {
	return &Client{api: slack.New(token, opts...)}
}

// WithBotUser pre-seeds the bot's own user id (known from the installation
// record) so BotUserID needs no auth.test round trip.
func (c *Client) WithBotUser(id string) *Client {
	c.mu.Lock()
	c.botUser = id
	c.mu.Unlock()
	return c
}

// Say posts a plain channel message and returns its timestamp.
func (c *Client) Say(ctx context.Context, channel, text string) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// SayThread posts a thread reply, optionally broadcast to the channel.
func (c *Client) SayThread(ctx context.Context, channel, threadTS, text string, broadcast bool) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false), slack.MsgOptionTS(threadTS)}
	if broadcast {
		opts = append(opts, slack.MsgOptionBroadcast())
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("post thread reply: %w", err)
	}
	return ts, nil
}

// AddReaction puts an emoji marker on a message.
func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	return c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
}

// RemoveReaction withdraws an emoji marker from a message.
func (c *Client) RemoveReaction(ctx context.Context, channel, ts, name string) error {
	return c.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
}

// Reactions returns the current reaction tally on a message.
func (c *Client) Reactions(ctx context.Context, channel, ts string) ([]spot.Reaction, error) {
	items, err := c.api.GetReactionsContext(ctx, slack.NewRefToMessage(channel, ts), slack.NewGetReactionsParameters())
	if err != nil {
		return nil, fmt.Errorf("get reactions: %w", err)
	}
	out := make([]spot.Reaction, 0, len(items))
	for _, it := range items {
		out = append(out, spot.Reaction{Name: it.Name, Users: it.Users})
	}
	return out, nil
}

// DisplayName resolves a user's profile display name, falling back to their
// real name when the display name is unset.
func (c *Client) DisplayName(ctx context.Context, user string) (string, error) {
	profile, err := c.api.GetUserProfileContext(ctx, &slack.GetUserProfileParameters{UserID: user})
	if err != nil {
		return "", fmt.Errorf("get profile for %s: %w", user, err)
	}
	if profile.DisplayName != "" {
		return profile.DisplayName, nil
	}
	return profile.RealName, nil
}

// BotUserID returns the bot's own user id, resolving and caching it via
// auth.test when the installation record didn't carry it.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.botUser != "" {
		return c.botUser, nil
	}
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth test: %w", err)
	}
	c.botUser = resp.UserID
	return c.botUser, nil
}
