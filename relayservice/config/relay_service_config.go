// --- File: relayservice/config/relay_service_config.go ---
package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

const (
	RunModeLocal = "local"
	RunModeProd  = "prod"
)

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode       string
	APIPort       string
	WebSocketPort string
	LogLevel      string
	SQLitePath    string
	Redis         YamlRedisConfig
	PresenceCache YamlPresenceCacheConfig
	Notifier      YamlNotifierConfig
	Realtime      YamlRealtimeConfig
	CorsConfig    YamlCorsConfig
	SeedUsers     []YamlUser
}

// envOverrides lists every variable Stage 2 honours. Unset variables leave
// the YAML value in place.
type envOverrides struct {
	RunMode              string   `env:"RUN_MODE"`
	APIPort              string   `env:"API_PORT"`
	WebSocketPort        string   `env:"WEBSOCKET_PORT"`
	LogLevel             string   `env:"LOG_LEVEL"`
	SQLitePath           string   `env:"SQLITE_PATH"`
	RedisAddr            string   `env:"REDIS_ADDR"`
	RedisPassword        string   `env:"REDIS_PASSWORD"`
	SweepIntervalSeconds int      `env:"SWEEP_INTERVAL_SECONDS"`
	CloseSuperseded      *bool    `env:"CLOSE_SUPERSEDED"`
	CorsAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	override := func(key string, dst *string, val string) {
		if val != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
			*dst = val
		}
	}
	override("RUN_MODE", &cfg.RunMode, o.RunMode)
	override("API_PORT", &cfg.APIPort, o.APIPort)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort, o.WebSocketPort)
	override("LOG_LEVEL", &cfg.LogLevel, o.LogLevel)
	override("SQLITE_PATH", &cfg.SQLitePath, o.SQLitePath)
	override("REDIS_ADDR", &cfg.Redis.Addr, o.RedisAddr)
	override("REDIS_PASSWORD", &cfg.Redis.Password, o.RedisPassword)

	if o.SweepIntervalSeconds != 0 {
		logger.Debug().Str("key", "SWEEP_INTERVAL_SECONDS").Str("source", "env").Msg("Overriding config value")
		cfg.Realtime.SweepIntervalSeconds = o.SweepIntervalSeconds
	}
	if o.CloseSuperseded != nil {
		logger.Debug().Str("key", "CLOSE_SUPERSEDED").Str("source", "env").Msg("Overriding config value")
		cfg.Realtime.CloseSuperseded = *o.CloseSuperseded
	}
	if len(o.CorsAllowedOrigins) > 0 {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Str("source", "env").Msg("Overriding config value")
		var cleanOrigins []string
		for _, origin := range o.CorsAllowedOrigins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.RunMode == "" {
		cfg.RunMode = RunModeLocal
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = zerolog.InfoLevel.String()
	}
	if cfg.PresenceCache.Type == "" {
		cfg.PresenceCache.Type = "memory"
	}
	if cfg.Notifier.Type == "" {
		cfg.Notifier.Type = "none"
	}
	if cfg.Realtime.SweepIntervalSeconds == 0 {
		cfg.Realtime.SweepIntervalSeconds = 30
	}

	// 3. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *AppConfig) error {
	if cfg.APIPort == "" {
		return fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		return fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if !slices.Contains([]string{RunModeLocal, RunModeProd}, cfg.RunMode) {
		return fmt.Errorf("unknown run_mode %q", cfg.RunMode)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if !slices.Contains([]string{"redis", "memory"}, cfg.PresenceCache.Type) {
		return fmt.Errorf("unknown presence_cache type %q", cfg.PresenceCache.Type)
	}
	if !slices.Contains([]string{"redis", "log", "none"}, cfg.Notifier.Type) {
		return fmt.Errorf("unknown notifier type %q", cfg.Notifier.Type)
	}
	if cfg.Realtime.SweepIntervalSeconds < 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive")
	}
	if cfg.RunMode == RunModeProd {
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is not set in config or env var")
		}
		if cfg.UsesRedis() && cfg.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is not set in config or env var")
		}
	}
	if cfg.Notifier.Type == "redis" && cfg.Notifier.Channel == "" {
		return fmt.Errorf("notifier channel is required for the redis notifier")
	}
	return nil
}

// UsesRedis reports whether any component is configured to talk to Redis.
func (c *AppConfig) UsesRedis() bool {
	return c.PresenceCache.Type == "redis" || c.Notifier.Type == "redis"
}
