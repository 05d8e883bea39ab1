// Package config loads Bay's configuration from a YAML file with
// environment-variable overrides, following the teacher's Load/
// applyEnvOverrides split (internal/config in sandkasten).
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/baysandbox/bay/internal/profile"
)

// DriverConfig configures the container-engine Driver (spec.md section 4.1.1).
type DriverConfig struct {
	// NetworkMode selects endpoint resolution strategy: container_network,
	// host_port, or auto.
	NetworkMode string `yaml:"network_mode"`
	// NetworkName is the docker network the runtime container is attached to
	// when NetworkMode is container_network or auto.
	NetworkName string `yaml:"network_name"`
	// HostAddress is substituted for 0.0.0.0/:: host bindings in host_port mode.
	HostAddress string `yaml:"host_address"`
	// PublishPorts controls whether runtime_port is published to the host.
	PublishPorts bool `yaml:"publish_ports"`
	// HostPort pins the published host port; 0 means engine-assigned.
	HostPort int `yaml:"host_port"`
}

// IdempotencyConfig configures the IdempotencyService (spec.md section 4.6).
type IdempotencyConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

// ReaperConfig configures the background TTL sweep (SPEC_FULL.md section 5).
type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Config is Bay's top-level configuration.
type Config struct {
	Listen         string            `yaml:"listen"`
	DBPath         string            `yaml:"db_path"`
	DBMaxOpenConns int               `yaml:"db_max_open_conns"`
	Driver         DriverConfig      `yaml:"driver"`
	Idempotency    IdempotencyConfig `yaml:"idempotency"`
	Reaper         ReaperConfig      `yaml:"reaper"`
	Profiles       []profile.Profile `yaml:"profiles"`
}

// Load reads configuration from yamlPath (if it exists) over a set of
// defaults, then applies BAY_* environment overrides.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:         "127.0.0.1:8080",
		DBPath:         "./bay.db",
		DBMaxOpenConns: 4,
		Driver: DriverConfig{
			NetworkMode:  "auto",
			NetworkName:  "bay",
			HostAddress:  "127.0.0.1",
			PublishPorts: true,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			TTLSeconds: 3600,
		},
		Reaper: ReaperConfig{
			IntervalSeconds: 30,
		},
		Profiles: profile.Defaults(),
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BAY_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBMaxOpenConns = n
		}
	}
	if v := os.Getenv("BAY_DRIVER_NETWORK_MODE"); v != "" {
		cfg.Driver.NetworkMode = v
	}
	if v := os.Getenv("BAY_DRIVER_NETWORK_NAME"); v != "" {
		cfg.Driver.NetworkName = v
	}
	if v := os.Getenv("BAY_DRIVER_HOST_ADDRESS"); v != "" {
		cfg.Driver.HostAddress = v
	}
	if v := os.Getenv("BAY_DRIVER_PUBLISH_PORTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Driver.PublishPorts = b
		}
	}
	if v := os.Getenv("BAY_DRIVER_HOST_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Driver.HostPort = n
		}
	}
	if v := os.Getenv("BAY_IDEMPOTENCY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Idempotency.Enabled = b
		}
	}
	if v := os.Getenv("BAY_IDEMPOTENCY_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Idempotency.TTLSeconds = n
		}
	}
	if v := os.Getenv("BAY_REAPER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reaper.IntervalSeconds = n
		}
	}
}

// GetProfile returns the profile by ID.
func (c *Config) GetProfile(id string) (profile.Profile, bool) {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return profile.Profile{}, false
}

// AllowedNetworkModes are the three valid values for Driver.NetworkMode.
var AllowedNetworkModes = map[string]bool{
	"container_network": true,
	"host_port":          true,
	"auto":               true,
}

// Validate checks structural invariants in the loaded configuration.
func (c *Config) Validate() error {
	if !AllowedNetworkModes[c.Driver.NetworkMode] {
		return &ValidationError{Field: "driver.network_mode", Value: c.Driver.NetworkMode}
	}
	return nil
}

// ValidationError reports a bad configuration value.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return "invalid config value for " + e.Field + ": " + e.Value
}
