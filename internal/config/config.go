// Package config loads service configuration from environment variables.
//
// All three binaries (server, publish, setup) share a single Config so the
// same .env file can drive a whole deployment. Secrets (verify token, app
// secret, destination access token) are never logged.
package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay.
type Config struct {
	// Port is the webhook gateway listen port.
	Port int `envconfig:"PORT" default:"8080"`

	// Endpoint is the path the source platform delivers webhook events to.
	Endpoint string `envconfig:"ENDPOINT" default:"/dotmoe"`

	// VerifyToken is the operator-chosen token the source platform echoes
	// back during the GET subscription handshake.
	VerifyToken string `envconfig:"AUTH_TOKEN" required:"true"`

	// AppSecret signs webhook deliveries (X-Hub-Signature-256).
	AppSecret string `envconfig:"APP_TOKEN" required:"true"`

	// DatabasePath is the SQLite database file holding the delayed-post
	// queue and page tokens.
	DatabasePath string `envconfig:"DATABASE_PATH" default:"database.db"`

	// GraphURL is the source platform's Graph API base URL.
	GraphURL string `envconfig:"GRAPH_URL" default:"https://graph.facebook.com/v18.0"`

	// MastodonURL is the destination instance base URL.
	MastodonURL string `envconfig:"INSTANCE_URL" default:"https://sakurajima.moe"`

	// MastodonToken is the destination account access token. Required by
	// the publish worker only, so it is not marked required here.
	MastodonToken string `envconfig:"TOKEN"`

	// Visibility is the destination post visibility: public, unlisted,
	// private, or direct.
	Visibility string `envconfig:"VISIBILITY" default:"public"`

	// AccountURL is where the GET endpoint redirects parameterless visits.
	AccountURL string `envconfig:"ACCOUNT_URL" default:"https://sakurajima.moe/@dotmoe"`

	// EventCooldown throttles webhook event processing: after one event is
	// processed, the next waits this long. A blunt guard against the source
	// platform's duplicate/flood redeliveries, deliberately global rather
	// than per-client. Zero disables the throttle.
	EventCooldown time.Duration `envconfig:"EVENT_COOLDOWN" default:"15m"`

	// PublishAttempts is the per-run publish failure budget. When a post
	// fails, the worker moves on to the next queued post until the budget
	// runs out.
	PublishAttempts int `envconfig:"PUBLISH_ATTEMPTS" default:"3"`

	// Provider tags every post the gateway enqueues.
	Provider string `envconfig:"PROVIDER" default:"dotmoe"`

	// QueueField is the destination profile metadata field the worker
	// patches with the current queue depth. Empty disables the report.
	QueueField string `envconfig:"QUEUE_FIELD" default:"Delayed Posts"`

	// EnhanceProviders lists provider tags whose images go through the
	// Real-CUGAN upscale step before transcoding, comma separated.
	EnhanceProviders string `envconfig:"ENHANCE_PROVIDERS" default:"dotmoe"`

	// HTTPTimeout bounds outbound HTTP calls (Graph, Mastodon, media
	// fetches, codec download).
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	// ConvertTimeout bounds a single external binary invocation (cwebp or
	// the enhancement executable).
	ConvertTimeout time.Duration `envconfig:"CONVERT_TIMEOUT" default:"2m"`

	// LogLevel controls zerolog verbosity: debug, info, warn, error.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnhanceProviderList returns the parsed enhancement allow-list.
func (c *Config) EnhanceProviderList() []string {
	var providers []string
	for _, p := range strings.Split(c.EnhanceProviders, ",") {
		if p = strings.TrimSpace(p); p != "" {
			providers = append(providers, p)
		}
	}
	return providers
}
