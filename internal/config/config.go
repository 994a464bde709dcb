// Package config handles loading and validating gateway configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "DIFYRELAY_"

// Config is the top-level configuration for the difyrelay gateway.
type Config struct {
	Server   ServerConfig         `koanf:"server"`
	Upstream UpstreamConfig       `koanf:"upstream"`
	Relay    RelayConfig          `koanf:"relay"`
	Logging  LoggingConfig        `koanf:"logging"`
	Metrics  MetricsConfig        `koanf:"metrics"`
	Apps     map[string]AppConfig `koanf:"apps"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// UpstreamConfig describes the Dify API the relay forwards to.
type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`

	// BlockingTimeout bounds a whole blocking round trip. Streaming
	// sessions have no relay-imposed timeout.
	BlockingTimeout time.Duration `koanf:"blocking_timeout"`

	// ConnectTimeout bounds dialing and the TLS handshake for both modes.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// RelayConfig holds streaming session limits.
type RelayConfig struct {
	// MaxSessions caps concurrent streaming sessions. 0 means unlimited.
	MaxSessions int `koanf:"max_sessions"`

	// IdleTimeout aborts a streaming session that has delivered nothing
	// for this long. 0 disables it, which suits long workflow nodes.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// LoggingConfig controls the logrus output.
type LoggingConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// AppConfig is one Dify application the gateway can front.
type AppConfig struct {
	Name               string `koanf:"name"`
	APIKey             string `koanf:"api_key"`
	Domain             string `koanf:"domain"`
	SuggestAfterAnswer bool   `koanf:"suggest_after_answer"`
}

// Defaults applied when a value is absent from every source.
const (
	defaultPort            = 8080
	defaultShutdownTimeout = 15 * time.Second
	defaultBlockingTimeout = 120 * time.Second
	defaultConnectTimeout  = 10 * time.Second
	defaultMaxSessions     = 256
	defaultMetricsPath     = "/metrics"
	defaultLogLevel        = "info"
)

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Only the first underscore after the prefix separates the section
	// from the key, so multi-word keys survive:
	//   DIFYRELAY_SERVER_READ_TIMEOUT -> server.read_timeout
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if !k.Exists("metrics.enabled") {
		cfg.Metrics.Enabled = true
	}
	if !k.Exists("relay.max_sessions") {
		cfg.Relay.MaxSessions = defaultMaxSessions
	}
	cfg.applyDefaults()

	// Expand ${VAR_NAME} placeholders in app API keys.
	for id, app := range cfg.Apps {
		app.APIKey = expandEnv(app.APIKey)
		cfg.Apps[id] = app
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Upstream.BlockingTimeout == 0 {
		c.Upstream.BlockingTimeout = defaultBlockingTimeout
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = defaultConnectTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
}

// Validate reports configuration that would make the gateway unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.BlockingTimeout < 0 {
		errs = append(errs, errors.New("upstream.blocking_timeout must not be negative"))
	}
	if c.Relay.MaxSessions < 0 {
		errs = append(errs, errors.New("relay.max_sessions must not be negative"))
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, errors.New("relay.idle_timeout must not be negative"))
	}
	for id, app := range c.Apps {
		if app.APIKey == "" {
			errs = append(errs, fmt.Errorf("apps.%s.api_key is empty", id))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Watch reloads the config file whenever it changes on disk and hands the
// fresh Config to onChange. Reloads that fail to parse or validate are
// logged and skipped, so the last good config stays in effect. Watch
// blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	f := file.Provider(path)
	err := f.Watch(func(_ interface{}, err error) {
		if err != nil {
			log.WithError(err).Warn("config watch error")
			return
		}
		cfg, err := Load(path)
		if err != nil {
			log.WithError(err).Warn("config reload rejected")
			return
		}
		log.Infof("config reloaded from %s", path)
		onChange(cfg)
	})
	if err != nil {
		return fmt.Errorf("watching config file: %w", err)
	}

	<-ctx.Done()
	return f.Unwatch()
}
