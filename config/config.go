// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required Slack credentials, use ValidateSlackReady.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelpworks/spotbot/slackapi"
)

type Config struct {
	// Slack app credentials
	SlackClientID      string
	SlackClientSecret  string
	SlackSigningSecret string
	SlackScopes        string
	SlackRedirectURI   string

	// HTTP
	BasePath string
	HTTPAddr string

	// Database
	MongoURI string

	// Windows. EditGracePeriod bounds how long after posting an edit still
	// replaces a counted spot. ReferendumWindow bounds how long after a spot
	// a vote may be opened; ReferendumExpiry is the voting window length;
	// ReferendumCheckInterval is the sweep cadence.
	EditGracePeriod         time.Duration
	ReferendumWindow        time.Duration
	ReferendumExpiry        time.Duration
	ReferendumCheckInterval time.Duration
	OAuthStateTTL           time.Duration
}

// Load reads environment variables and applies defaults. It doesn't fail if
// Slack creds are missing; use ValidateSlackReady() before serving events.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.SlackClientID = os.Getenv("SPOTBOT_CLIENT_ID")
	cfg.SlackClientSecret = os.Getenv("SPOTBOT_CLIENT_SECRET")
	cfg.SlackSigningSecret = os.Getenv("SPOTBOT_SIGNING_SECRET")
	cfg.SlackRedirectURI = os.Getenv("SPOTBOT_REDIRECT_URI")
	cfg.SlackScopes = os.Getenv("SPOTBOT_SCOPES")
	if cfg.SlackScopes == "" {
		cfg.SlackScopes = slackapi.DefaultScopes
	}

	cfg.BasePath = os.Getenv("SPOTBOT_BASE_PATH")
	if cfg.BasePath == "" {
		cfg.BasePath = "/spotbot"
	}
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.MongoURI = os.Getenv("SPOTBOT_MONGO_URI")
	if cfg.MongoURI == "" {
		cfg.MongoURI = "mongodb://localhost:27017"
	}

	var err error
	if cfg.EditGracePeriod, err = durationEnv("SPOTBOT_EDIT_GRACE_PERIOD", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReferendumWindow, err = durationEnv("SPOTBOT_REFERENDUM_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReferendumExpiry, err = durationEnv("SPOTBOT_REFERENDUM_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReferendumCheckInterval, err = durationEnv("SPOTBOT_REFERENDUM_CHECK_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.OAuthStateTTL, err = durationEnv("SPOTBOT_OAUTH_STATE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateSlackReady checks required fields for serving Slack traffic.
func (c *Config) ValidateSlackReady() error {
	if c.SlackClientID == "" || c.SlackClientSecret == "" || c.SlackSigningSecret == "" {
		return fmt.Errorf("missing slack env: require SPOTBOT_CLIENT_ID, SPOTBOT_CLIENT_SECRET, SPOTBOT_SIGNING_SECRET")
	}
	return nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (duration): %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
