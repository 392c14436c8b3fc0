package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"

	"github.com/tinywideclouds/go-presence-relay/relayservice/config"
	"gopkg.in/yaml.v3"
)

//go:embed relayservice/config.yaml
var configFile []byte

// Load parses the embedded configuration file for the service (Stage 1).
func Load() (*config.AppConfig, error) {
	return LoadFrom(configFile)
}

// LoadFrom parses a YAML document into the base configuration.
func LoadFrom(data []byte) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	return config.NewConfigFromYaml(&yamlCfg)
}
