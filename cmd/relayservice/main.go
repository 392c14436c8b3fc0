/*
File: cmd/relayservice/main.go
Description: Main entrypoint for the presence relay. Handles config
loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-presence-relay/cmd"
	"github.com/tinywideclouds/go-presence-relay/internal/app"
	"github.com/tinywideclouds/go-presence-relay/internal/platform/persistence"
	"github.com/tinywideclouds/go-presence-relay/internal/platform/presence"
	"github.com/tinywideclouds/go-presence-relay/internal/platform/push"
	"github.com/tinywideclouds/go-presence-relay/internal/realtime"
	"github.com/tinywideclouds/go-presence-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
	"github.com/tinywideclouds/go-presence-relay/relayservice"
	"github.com/tinywideclouds/go-presence-relay/relayservice/config"
)

const redisPingAttempts = 5

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_FORMAT") == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := log.With().Str("service", "go-presence-relay").Logger()

	// 2. Load config.yaml, then apply env overrides
	baseCfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	// 3. Create dependencies
	ctx := context.Background()
	deps, cleanup, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer cleanup()

	// 4. Create the two main services
	relaySvc, err := realtime.NewRelay(
		realtime.Config{
			ListenAddr:      ":" + cfg.WebSocketPort,
			Path:            cfg.Realtime.Path,
			SweepInterval:   time.Duration(cfg.Realtime.SweepIntervalSeconds) * time.Second,
			WriteTimeout:    time.Duration(cfg.Realtime.WriteTimeoutSeconds) * time.Second,
			ReadLimit:       cfg.Realtime.ReadLimitBytes,
			CloseSuperseded: cfg.Realtime.CloseSuperseded,
			AllowedOrigins:  cfg.CorsConfig.AllowedOrigins,
		},
		deps,
		logger.With().Str("component", "Relay").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create realtime relay")
	}

	apiService, err := relayservice.New(cfg, deps, relaySvc, logger.With().Str("component", "ApiService").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API service")
	}

	// 5. Run the application
	app.Run(ctx, logger, apiService, relaySvc)
}

// newDependencies builds the collaborator set. The returned cleanup closes
// whatever connections were opened.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (relay.Dependencies, func(), error) {
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Running in 'local' mode. Storage and Redis are faked.")
		return cmd.NewFakeDependencies(cfg, logger), func() {}, nil
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates the SQLite store and the Redis-backed collaborators.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (relay.Dependencies, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("Error closing dependency")
			}
		}
	}
	fail := func(err error) (relay.Dependencies, func(), error) {
		cleanup()
		return relay.Dependencies{}, func() {}, err
	}

	store, err := persistence.Open(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to open sqlite store: %w", err))
	}
	closers = append(closers, store.Close)

	for _, u := range cfg.SeedUsers {
		if err := store.SaveUser(ctx, relay.User{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}); err != nil {
			return fail(fmt.Errorf("failed to seed user %s: %w", u.ID, err))
		}
	}
	if len(cfg.SeedUsers) > 0 {
		logger.Info().Int("count", len(cfg.SeedUsers)).Msg("Seed users loaded")
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = connectRedis(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rdb.Close)
	}

	presenceCache, err := newPresenceCache(cfg, rdb, logger)
	if err != nil {
		return fail(err)
	}
	notifier, err := newNotifier(cfg, rdb, logger)
	if err != nil {
		return fail(err)
	}

	return relay.Dependencies{
		Users:    store,
		Messages: store,
		Presence: presenceCache,
		Notifier: notifier,
	}, cleanup, nil
}

// connectRedis dials Redis and retries the first ping with exponential
// backoff, so the relay can start alongside its Redis container.
func connectRedis(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ping := func() error { return rdb.Ping(ctx).Err() }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), redisPingAttempts), ctx)
	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Str("addr", cfg.Redis.Addr).Msg("Redis not reachable yet")
	}
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	return rdb, nil
}

func newPresenceCache(cfg *config.AppConfig, rdb *redis.Client, logger zerolog.Logger) (relay.PresenceCache, error) {
	logger.Info().Str("type", cfg.PresenceCache.Type).Msg("Initializing presence cache...")
	switch cfg.PresenceCache.Type {
	case "redis":
		ttl := time.Duration(cfg.PresenceCache.TTLSeconds) * time.Second
		return presence.NewRedisPresenceCache(rdb, ttl, logger)
	case "memory":
		return fakes.NewPresenceCache(), nil
	default:
		return nil, fmt.Errorf("invalid presence_cache type: %s", cfg.PresenceCache.Type)
	}
}

func newNotifier(cfg *config.AppConfig, rdb *redis.Client, logger zerolog.Logger) (relay.OfflineNotifier, error) {
	logger.Info().Str("type", cfg.Notifier.Type).Msg("Initializing offline notifier...")
	switch cfg.Notifier.Type {
	case "redis":
		return push.NewRedisNotifier(rdb, cfg.Notifier.Channel, logger)
	case "log":
		return push.NewLogNotifier(logger), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid notifier type: %s", cfg.Notifier.Type)
	}
}

