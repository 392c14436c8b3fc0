package config

import "fmt"

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlStorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type YamlPresenceCacheConfig struct {
	Type       string `yaml:"type"` // "redis" or "memory"
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type YamlNotifierConfig struct {
	Type    string `yaml:"type"` // "redis", "log" or "none"
	Channel string `yaml:"channel"`
}

type YamlRealtimeConfig struct {
	Path                 string `yaml:"path"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	WriteTimeoutSeconds  int    `yaml:"write_timeout_seconds"`
	ReadLimitBytes       int64  `yaml:"read_limit_bytes"`
	CloseSuperseded      bool   `yaml:"close_superseded"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type YamlUser struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode       string                  `yaml:"run_mode"`
	APIPort       string                  `yaml:"api_port"`
	WebSocketPort string                  `yaml:"websocket_port"`
	LogLevel      string                  `yaml:"log_level"`
	Storage       YamlStorageConfig       `yaml:"storage"`
	Redis         YamlRedisConfig         `yaml:"redis"`
	PresenceCache YamlPresenceCacheConfig `yaml:"presence_cache"`
	Notifier      YamlNotifierConfig      `yaml:"notifier"`
	Realtime      YamlRealtimeConfig      `yaml:"realtime"`
	Cors          YamlCorsConfig          `yaml:"cors"`
	SeedUsers     []YamlUser              `yaml:"seed_users"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Stage 1 complete: The AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	if yamlCfg == nil {
		return nil, fmt.Errorf("yaml config cannot be nil")
	}
	seed := make([]YamlUser, len(yamlCfg.SeedUsers))
	copy(seed, yamlCfg.SeedUsers)

	appCfg := &AppConfig{
		RunMode:       yamlCfg.RunMode,
		APIPort:       yamlCfg.APIPort,
		WebSocketPort: yamlCfg.WebSocketPort,
		LogLevel:      yamlCfg.LogLevel,
		SQLitePath:    yamlCfg.Storage.SQLitePath,
		Redis:         yamlCfg.Redis,
		PresenceCache: yamlCfg.PresenceCache,
		Notifier:      yamlCfg.Notifier,
		Realtime:      yamlCfg.Realtime,
		CorsConfig:    yamlCfg.Cors,
		SeedUsers:     seed,
	}
	return appCfg, nil
}
