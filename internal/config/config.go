// Package config loads engine configuration from defaults, an optional YAML
// file and CONNSYNC_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates application configuration values.
type Config struct {
	User    UserConfig    `yaml:"user"`
	DataDir string        `yaml:"data_dir"`
	Remote  RemoteConfig  `yaml:"remote"`
	Queue   QueueConfig   `yaml:"queue"`
	Sync    SyncConfig    `yaml:"sync"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// UserConfig identifies the local user this device acts for.
type UserConfig struct {
	ID          string `yaml:"id"`
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name"`
}

// RemoteConfig selects and configures the authoritative remote store.
type RemoteConfig struct {
	Backend  string        `yaml:"backend"` // memory|mongo|neo4j
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// QueueConfig governs retry scheduling of pending operations.
type QueueConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// SyncConfig governs background reconciliation.
type SyncConfig struct {
	Interval        time.Duration `yaml:"interval"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	RejectTTL       time.Duration `yaml:"reject_ttl"`
}

// HTTPConfig governs the local API server.
type HTTPConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOriginsCSV string        `yaml:"allowed_origins"`
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|text
}

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendNeo4j  = "neo4j"
)

// Default returns the configuration used when nothing else is supplied.
func Default() Config {
	return Config{
		DataDir: "./data",
		Remote: RemoteConfig{
			Backend:  BackendMemory,
			Database: "connsync",
			Timeout:  15 * time.Second,
		},
		Queue: QueueConfig{
			MaxAttempts:  5,
			BackoffBase:  time.Second,
			BackoffCap:   30 * time.Second,
			TickInterval: time.Second,
		},
		Sync: SyncConfig{
			Interval:        15 * time.Minute,
			FreshnessWindow: 30 * time.Minute,
			RejectTTL:       10 * time.Minute,
		},
		HTTP: HTTPConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.User.ID) == "" {
		return fmt.Errorf("user.id is required")
	}
	switch c.Remote.Backend {
	case BackendMemory:
	case BackendMongo, BackendNeo4j:
		if c.Remote.URI == "" {
			return fmt.Errorf("remote.uri is required for backend %q", c.Remote.Backend)
		}
	default:
		return fmt.Errorf("unknown remote backend %q", c.Remote.Backend)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffCap < c.Queue.BackoffBase {
		return fmt.Errorf("queue backoff must satisfy 0 < base <= cap")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.HTTP.Port)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// AllowedOrigins splits the CSV origin list.
func (h HTTPConfig) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(h.AllowedOriginsCSV, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func applyEnv(cfg *Config) error {
	setString(&cfg.User.ID, "CONNSYNC_USER_ID")
	setString(&cfg.User.Username, "CONNSYNC_USERNAME")
	setString(&cfg.User.DisplayName, "CONNSYNC_DISPLAY_NAME")
	setString(&cfg.DataDir, "CONNSYNC_DATA_DIR")
	setString(&cfg.Remote.Backend, "CONNSYNC_REMOTE_BACKEND")
	setString(&cfg.Remote.URI, "CONNSYNC_REMOTE_URI")
	setString(&cfg.Remote.Database, "CONNSYNC_REMOTE_DATABASE")
	setString(&cfg.Remote.Username, "CONNSYNC_REMOTE_USERNAME")
	setString(&cfg.Remote.Password, "CONNSYNC_REMOTE_PASSWORD")
	setString(&cfg.HTTP.Host, "CONNSYNC_HTTP_HOST")
	setString(&cfg.HTTP.AllowedOriginsCSV, "CONNSYNC_HTTP_ALLOWED_ORIGINS")
	setString(&cfg.Logging.Level, "CONNSYNC_LOG_LEVEL")
	setString(&cfg.Logging.Format, "CONNSYNC_LOG_FORMAT")

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.Remote.Timeout, "CONNSYNC_REMOTE_TIMEOUT"},
		{&cfg.Queue.BackoffBase, "CONNSYNC_QUEUE_BACKOFF_BASE"},
		{&cfg.Queue.BackoffCap, "CONNSYNC_QUEUE_BACKOFF_CAP"},
		{&cfg.Queue.TickInterval, "CONNSYNC_QUEUE_TICK_INTERVAL"},
		{&cfg.Sync.Interval, "CONNSYNC_SYNC_INTERVAL"},
		{&cfg.Sync.FreshnessWindow, "CONNSYNC_SYNC_FRESHNESS_WINDOW"},
		{&cfg.Sync.RejectTTL, "CONNSYNC_SYNC_REJECT_TTL"},
		{&cfg.HTTP.ReadTimeout, "CONNSYNC_HTTP_READ_TIMEOUT"},
		{&cfg.HTTP.WriteTimeout, "CONNSYNC_HTTP_WRITE_TIMEOUT"},
		{&cfg.HTTP.ShutdownTimeout, "CONNSYNC_HTTP_SHUTDOWN_TIMEOUT"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}

	if err := setInt(&cfg.Queue.MaxAttempts, "CONNSYNC_QUEUE_MAX_ATTEMPTS"); err != nil {
		return err
	}
	return setInt(&cfg.HTTP.Port, "CONNSYNC_HTTP_PORT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	*dst = n
	return nil
}
