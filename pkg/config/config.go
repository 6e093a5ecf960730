// Package config loads relay configuration from a YAML file with
// environment-variable overrides. Environment variables always win over
// file values, and every field has a usable default so the server starts
// with no configuration at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so both YAML values and environment
// overrides accept Go duration strings like "3m" or "24h". yaml.v3 cannot
// decode those into a bare time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full relay server configuration.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Auth     AuthConfig   `yaml:"auth"`
	Store    StoreConfig  `yaml:"store"`
	Relay    RelayConfig  `yaml:"relay"`
	LogLevel string       `yaml:"log_level" env:"AGENTRELAY_LOG_LEVEL"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"AGENTRELAY_HOST"`
	Port int    `yaml:"port" env:"AGENTRELAY_PORT"`
}

// AuthConfig configures socket authentication.
type AuthConfig struct {
	// ContainerToken is the shared secret containers present when dialing
	// their ingest socket. Empty disables the check (dev mode).
	ContainerToken string `yaml:"container_token" env:"AGENTRELAY_CONTAINER_TOKEN"`
	// JWTSecret signs and verifies browser bearer tokens. Empty disables
	// browser auth and the ownership check (dev mode).
	JWTSecret string `yaml:"jwt_secret" env:"AGENTRELAY_JWT_SECRET"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	Backend     string `yaml:"backend" env:"AGENTRELAY_STORE_BACKEND"`
	DataDir     string `yaml:"data_dir" env:"AGENTRELAY_DATA_DIR"`
	SQLitePath  string `yaml:"sqlite_path" env:"AGENTRELAY_SQLITE_PATH"`
	PostgresURL string `yaml:"postgres_url" env:"AGENTRELAY_POSTGRES_URL"`
}

// RelayConfig tunes per-session relay behavior.
type RelayConfig struct {
	// BufferSize caps the per-session replay buffer.
	BufferSize int `yaml:"buffer_size" env:"AGENTRELAY_BUFFER_SIZE"`
	// WriteQueueSize caps each socket's outbound queue.
	WriteQueueSize int `yaml:"write_queue_size" env:"AGENTRELAY_WRITE_QUEUE_SIZE"`
	// StartupDeadline bounds how long a session may sit in the
	// initializing phase before the watchdog marks it errored.
	StartupDeadline Duration `yaml:"startup_deadline" env:"AGENTRELAY_STARTUP_DEADLINE"`
	// IdleTTL removes stopped relays with no activity for this long.
	// Zero disables idle reaping.
	IdleTTL Duration `yaml:"idle_ttl" env:"AGENTRELAY_IDLE_TTL"`
	// BrowserRateLimit is requests per second allowed per browser socket.
	BrowserRateLimit float64 `yaml:"browser_rate_limit" env:"AGENTRELAY_BROWSER_RATE_LIMIT"`
	// BrowserRateBurst is the per-socket rate limiter burst.
	BrowserRateBurst int `yaml:"browser_rate_burst" env:"AGENTRELAY_BROWSER_RATE_BURST"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Backend: "memory",
			DataDir: defaultDataDir(),
		},
		Relay: RelayConfig{
			BufferSize:       500,
			WriteQueueSize:   64,
			StartupDeadline:  Duration(3 * time.Minute),
			IdleTTL:          Duration(24 * time.Hour),
			BrowserRateLimit: 50,
			BrowserRateBurst: 100,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads configuration from path (optional), then applies
// environment overrides. A missing file is not an error; a malformed one is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Relay.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.Relay.BufferSize)
	}
	if c.Relay.WriteQueueSize < 1 {
		return fmt.Errorf("write_queue_size must be positive, got %d", c.Relay.WriteQueueSize)
	}
	switch c.Store.Backend {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentrelay"
	}
	return filepath.Join(home, ".agentrelay")
}
