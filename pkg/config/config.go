// Package config loads bridge settings from defaults, an optional YAML file,
// an optional .env file and DALBRIDGE_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/stream"
)

const EnvPrefix = "DALBRIDGE"

type Config struct {
	// StoreURL selects the backend by scheme: mem://, ws(s)://, redis(s)://.
	StoreURL  string `yaml:"store_url" envconfig:"STORE_URL"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`

	ResponseTimeout time.Duration `yaml:"response_timeout" envconfig:"RESPONSE_TIMEOUT"`
	StreamMode      string        `yaml:"stream_mode" envconfig:"STREAM_MODE"`
	TelemetryQueue  int           `yaml:"telemetry_queue" envconfig:"TELEMETRY_QUEUE"`

	RetentionTTL      time.Duration `yaml:"retention_ttl" envconfig:"RETENTION_TTL"`
	RetentionInterval time.Duration `yaml:"retention_interval" envconfig:"RETENTION_INTERVAL"`

	SearchIndex string `yaml:"search_index" envconfig:"SEARCH_INDEX"`
	LegacySeed  bool   `yaml:"legacy_seed" envconfig:"LEGACY_SEED"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogPath   string `yaml:"log_path" envconfig:"LOG_PATH"`
	LogPretty bool   `yaml:"log_pretty" envconfig:"LOG_PRETTY"`

	// ListenAddr is where `dalbridge serve` exposes the tree store.
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
}

func Default() *Config {
	return &Config{
		StoreURL:          constants.MemoryScheme + "://",
		Namespace:         "dalbridge",
		StreamMode:        stream.EveryUpdate.String(),
		TelemetryQueue:    256,
		RetentionInterval: time.Minute,
		SearchIndex:       "firebase",
		LogLevel:          "info",
		ListenAddr:        "127.0.0.1:8000",
	}
}

// Load reads the configuration. file and envFile may be empty; when given
// they must exist.
func Load(file, envFile string) (*Config, error) {
	c := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", file, err)
		}
	}
	if envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error loading env file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var (
	ErrNoStore       = errors.New("store url is required")
	ErrUnknownScheme = errors.New("unsupported store url scheme")
)

func (c *Config) Validate() error {
	if c.StoreURL == "" {
		return ErrNoStore
	}
	u, err := url.Parse(c.StoreURL)
	if err != nil {
		return fmt.Errorf("store url: %w", err)
	}
	switch u.Scheme {
	case constants.MemoryScheme, constants.WebsocketScheme, constants.WebsocketSecureScheme,
		constants.RedisScheme, constants.RedisSecureScheme:
	default:
		return fmt.Errorf("%w %q", ErrUnknownScheme, u.Scheme)
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("response timeout must not be negative")
	}
	if c.RetentionTTL < 0 {
		return fmt.Errorf("retention ttl must not be negative")
	}
	if c.TelemetryQueue <= 0 {
		return fmt.Errorf("telemetry queue size must be positive")
	}
	return nil
}

func (c *Config) Mode() (stream.Mode, error) {
	return stream.ParseMode(c.StreamMode)
}
