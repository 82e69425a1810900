// Package connectors assembles the app catalog: every integration the
// execution core can dispatch to, registered under its app id.
package connectors

import (
	"log/slog"

	"github.com/hookline/hookline/internal/connectors/discord"
	"github.com/hookline/hookline/internal/connectors/gmail"
	"github.com/hookline/hookline/internal/connectors/slack"
	"github.com/hookline/hookline/internal/connectors/system"
	"github.com/hookline/hookline/pkg/connector"
)

// OAuthCredentials is one provider's OAuth client configuration. An app with
// an empty ClientID is left out of the registry.
type OAuthCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Configured reports whether credentials were provided.
func (c OAuthCredentials) Configured() bool {
	return c.ClientID != ""
}

// Config carries per-provider credentials for the registry build.
type Config struct {
	Gmail   OAuthCredentials
	Slack   OAuthCredentials
	Discord OAuthCredentials
}

// BuildRegistry registers the system app plus every configured integration.
func BuildRegistry(cfg Config, logger *slog.Logger) (*connector.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := connector.NewRegistry()

	apps := []*connector.App{system.App()}
	if cfg.Gmail.Configured() {
		apps = append(apps, gmail.New(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.RedirectURL))
	}
	if cfg.Slack.Configured() {
		apps = append(apps, slack.New(cfg.Slack.ClientID, cfg.Slack.ClientSecret, cfg.Slack.RedirectURL))
	}
	if cfg.Discord.Configured() {
		apps = append(apps, discord.New(cfg.Discord.ClientID, cfg.Discord.ClientSecret, cfg.Discord.RedirectURL))
	}

	for _, app := range apps {
		if err := registry.Register(app); err != nil {
			return nil, err
		}
		logger.Debug("registered app",
			slog.String("app", app.ID),
			slog.Int("triggers", len(app.Triggers)),
			slog.Int("actions", len(app.Actions)),
		)
	}
	return registry, nil
}
