package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENROLLMENT_"

// FileName is the config file looked up in a data directory.
const FileName = "enrollment.yml"

// Config models enrollment.yml. Environment variables override file values.
type Config struct {
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Authority AuthorityConfig `yaml:"authority" envPrefix:"AUTHORITY_"`
	Publish   PublishConfig   `yaml:"publish" envPrefix:"PUBLISH_"`
	Feed      FeedConfig      `yaml:"feed" envPrefix:"FEED_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type StoreConfig struct {
	Path              string `yaml:"path" env:"PATH"`
	BusyTimeoutMillis int    `yaml:"busy_timeout_ms" env:"BUSY_TIMEOUT_MS"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	BasePath  string `yaml:"base_path" env:"BASE_PATH"`
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// ServiceSubjects are token subjects that may read any participant.
	ServiceSubjects []string `yaml:"service_subjects" env:"SERVICE_SUBJECTS" envSeparator:","`
}

type AuthorityConfig struct {
	BaseURL        string `yaml:"base_url" env:"BASE_URL"`
	Audience       string `yaml:"audience" env:"AUDIENCE"`
	Secret         string `yaml:"secret" env:"SECRET"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

type PublishConfig struct {
	Encoding        string       `yaml:"encoding" env:"ENCODING"`
	Compression     string       `yaml:"compression" env:"COMPRESSION"`
	IntervalSeconds int          `yaml:"interval_seconds" env:"INTERVAL_SECONDS"`
	Batch           int          `yaml:"batch" env:"BATCH"`
	Sinks           []SinkConfig `yaml:"sinks"`
}

// SinkConfig is an HTTP endpoint that receives outbox records.
type SinkConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Versions       []string `yaml:"versions"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type FeedConfig struct {
	Workers int `yaml:"workers" env:"WORKERS"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
}

// Default returns a configuration that runs locally without a config file.
func Default() *Config {
	return &Config{
		Store:     StoreConfig{BusyTimeoutMillis: 5000},
		Server:    ServerConfig{Addr: "127.0.0.1:8080", BasePath: "/v1"},
		Authority: AuthorityConfig{TimeoutSeconds: 10},
		Publish:   PublishConfig{Encoding: "json", Compression: "zstd", IntervalSeconds: 2, Batch: 100},
		Feed:      FeedConfig{Workers: 4},
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{ServiceName: "enrollment"},
	}
}

// Path returns the config file path for a data directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// FromYAML parses YAML over the defaults, applies the environment and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional reads dir/enrollment.yml when present and falls back to the
// defaults plus environment otherwise.
func LoadOptional(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg := Default()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return FromYAML(data)
}

// ApplyEnv overlays ENROLLMENT_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Publish.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("config.publish.encoding must be json or cbor, got %q", c.Publish.Encoding)
	}
	switch c.Publish.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("config.publish.compression must be none, zstd or lz4, got %q", c.Publish.Compression)
	}
	if c.Publish.Batch <= 0 {
		return fmt.Errorf("config.publish.batch must be positive")
	}
	if c.Publish.IntervalSeconds <= 0 {
		return fmt.Errorf("config.publish.interval_seconds must be positive")
	}
	seen := map[string]bool{}
	for i, sink := range c.Publish.Sinks {
		if strings.TrimSpace(sink.Name) == "" {
			return fmt.Errorf("config.publish.sinks[%d].name is required", i)
		}
		if seen[sink.Name] {
			return fmt.Errorf("config.publish.sinks has duplicate name %s", sink.Name)
		}
		seen[sink.Name] = true
		if _, err := url.ParseRequestURI(sink.URL); err != nil {
			return fmt.Errorf("sink %s has invalid url: %w", sink.Name, err)
		}
		for _, v := range sink.Versions {
			if v != "v1" && v != "v2" {
				return fmt.Errorf("sink %s has unknown version %s", sink.Name, v)
			}
		}
	}
	if c.Feed.Workers <= 0 {
		return fmt.Errorf("config.feed.workers must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Authority.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Authority.BaseURL); err != nil {
			return fmt.Errorf("config.authority.base_url: %w", err)
		}
	}
	return nil
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, fmt.Errorf("config.log.level: %w", err)
	}
	return lvl, nil
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	data, err := yaml.Marshal(Default())
	if err != nil {
		panic("config: marshal defaults: " + err.Error())
	}
	return string(data)
}
