package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transports accepted by ServerConfig.Transport.
const (
	TransportStdIO = "stdio"
	TransportSSE   = "sse"
)

// Config represents the fairytale server configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Projects ProjectsConfig `yaml:"projects"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the protocol endpoint.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Instructions    string        `yaml:"instructions"`
	Transport       string        `yaml:"transport"`
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProjectsConfig describes where the fairytale projects live and how they are listed.
type ProjectsConfig struct {
	// Root overrides the platform projects directory when set.
	Root              string   `yaml:"root"`
	Ignore            []string `yaml:"ignore"`
	StrictDescriptors bool     `yaml:"strict_descriptors"`
}

// MetricsConfig configures the Prometheus endpoint. With the sse transport, metrics are
// served next to the event stream; with stdio, only when Listen is set.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from the supplied path or returns defaults, then applies the
// FAIRYTALE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnv()

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:            "fairytale-server",
			Version:         "0.1.0",
			Transport:       TransportStdIO,
			Listen:          "127.0.0.1:8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) applyEnv() {
	c.Projects.Root = getenv("FAIRYTALE_PROJECTS_ROOT", c.Projects.Root)
	c.Server.Transport = getenv("FAIRYTALE_TRANSPORT", c.Server.Transport)
	c.Server.Listen = getenv("FAIRYTALE_LISTEN", c.Server.Listen)
	c.Log.Level = getenv("FAIRYTALE_LOG_LEVEL", c.Log.Level)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Server.Transport {
	case TransportStdIO:
	case TransportSSE:
		if c.Server.Listen == "" {
			errs = append(errs, errors.New("server.listen is required for the sse transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q, want %s or %s",
			c.Server.Transport, TransportStdIO, TransportSSE))
	}

	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
