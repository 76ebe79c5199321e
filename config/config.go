// Package config centralises runtime configuration for the streamcore service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantpulse/streamcore/internal/broadcast"
	"github.com/quantpulse/streamcore/internal/feed"
	"github.com/quantpulse/streamcore/internal/fetch"
	"github.com/quantpulse/streamcore/internal/supervisor"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	envConfigPath  = "STREAMCORE_CONFIG"
	envEnvironment = "STREAMCORE_ENV"
	defaultPath    = "config/streamcore.yaml"
)

// CurrentEnvironment resolves the environment from STREAMCORE_ENV, defaulting to prod.
func CurrentEnvironment() Environment {
	switch Environment(strings.ToLower(strings.TrimSpace(os.Getenv(envEnvironment)))) {
	case EnvDev:
		return EnvDev
	case EnvStaging:
		return EnvStaging
	default:
		return EnvProd
	}
}

// TelemetryConfig controls the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Config is the full streamcore configuration tree.
type Config struct {
	Environment Environment       `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Fetch       fetch.Config      `yaml:"fetch"`
	Supervisor  supervisor.Config `yaml:"supervisor"`
	Broadcast   broadcast.Config  `yaml:"broadcast"`
	Feed        feed.Config       `yaml:"feed"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the built-in configuration, suitable for local runs with no file.
func Default() Config {
	return Config{
		Environment: CurrentEnvironment(),
		Server: ServerConfig{
			Addr:            ":8443",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "localhost:4318",
			Interval: 15 * time.Second,
		},
	}
}

// Load reads the YAML configuration at path, falling back to the
// STREAMCORE_CONFIG environment variable and then the default location.
// A missing file at the default location yields the built-in defaults.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
		explicit = path != ""
	}
	if path == "" {
		path = defaultPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd, "":
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Fetch.MaxConcurrent < 0 {
		return fmt.Errorf("fetch maxConcurrent must be >=0")
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("fetch retries must be >=0")
	}
	if c.Broadcast.QueueSize < 0 {
		return fmt.Errorf("broadcast queueSize must be >=0")
	}
	if c.Broadcast.PingTimeout > 0 && c.Broadcast.HeartbeatInterval > c.Broadcast.PingTimeout {
		return fmt.Errorf("broadcast heartbeatInterval must not exceed pingTimeout")
	}
	for i, source := range c.Feed.Sources {
		if strings.TrimSpace(source.Symbol) == "" {
			return fmt.Errorf("feed source[%d]: symbol required", i)
		}
		if !strings.HasPrefix(source.URL, "http://") && !strings.HasPrefix(source.URL, "https://") {
			return fmt.Errorf("feed source[%d]: url must be http(s)", i)
		}
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry endpoint required when enabled")
	}
	return nil
}
