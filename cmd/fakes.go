package cmd

import (
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/internal/platform/push"
	"github.com/tinywideclouds/go-presence-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
	"github.com/tinywideclouds/go-presence-relay/relayservice/config"
)

// NewFakeDependencies creates in-memory collaborators for local development.
// Seed users from the config are loaded into the fake directory.
func NewFakeDependencies(cfg *config.AppConfig, logger zerolog.Logger) relay.Dependencies {
	users := make([]relay.User, 0, len(cfg.SeedUsers))
	for _, u := range cfg.SeedUsers {
		users = append(users, relay.User{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role})
	}

	var notifier relay.OfflineNotifier
	if cfg.Notifier.Type != "none" {
		notifier = push.NewLogNotifier(logger)
	}

	return relay.Dependencies{
		Users:    fakes.NewUserDirectory(users...),
		Messages: fakes.NewMessageStore(logger),
		Presence: fakes.NewPresenceCache(),
		Notifier: notifier,
	}
}
