// Package config loads process configuration. Sources are applied in order:
// defaults, a .env file, RELAY_* environment variables, then the YAML file
// named by RELAY_CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"edurelay/internal/mongostore"
	dbconfig "edurelay/pkg/database"
)

const (
	EnvPrefix   = "RELAY_"
	FileEnvName = "RELAY_CONFIG_FILE"

	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
	DriverNATS   = "nats"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `yaml:"websocket" envPrefix:"WS_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DB_"`
	Broker    BrokerConfig    `yaml:"broker" envPrefix:"BROKER_"`
	RPC       RPCConfig       `yaml:"rpc" envPrefix:"RPC_"`
	SMTP      SMTPConfig      `yaml:"smtp" envPrefix:"SMTP_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Chat      ChatConfig      `yaml:"chat" envPrefix:"CHAT_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PongWait       time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	SendBuffer     int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type DatabaseConfig struct {
	Driver string            `yaml:"driver" env:"DRIVER"`
	SQLite dbconfig.Config   `yaml:"sqlite" envPrefix:"SQLITE_"`
	Mongo  mongostore.Config `yaml:"mongo" envPrefix:"MONGO_"`
}

type BrokerConfig struct {
	Driver         string        `yaml:"driver" env:"DRIVER"`
	URL            string        `yaml:"url" env:"URL"`
	Name           string        `yaml:"name" env:"NAME"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

type RPCConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	InboxPrefix   string        `yaml:"inbox_prefix" env:"INBOX_PREFIX"`
	AudienceTopic string        `yaml:"audience_topic" env:"AUDIENCE_TOPIC"`
}

// SMTPConfig is disabled while Host is empty; mail is then only logged.
type SMTPConfig struct {
	Host        string        `yaml:"host" env:"HOST"`
	Port        int           `yaml:"port" env:"PORT"`
	User        string        `yaml:"user" env:"USER"`
	Pass        string        `yaml:"pass" env:"PASS"`
	From        string        `yaml:"from" env:"FROM"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Backoff     time.Duration `yaml:"backoff" env:"BACKOFF"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

func (s SMTPConfig) Enabled() bool { return s.Host != "" }

type AuthConfig struct {
	Secret       string `yaml:"secret" env:"SECRET"`
	Issuer       string `yaml:"issuer" env:"ISSUER"`
	TrustedQuery bool   `yaml:"trusted_query" env:"TRUSTED_QUERY"`
}

type ChatConfig struct {
	RateLimit     int           `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateWindow    time.Duration `yaml:"rate_window" env:"RATE_WINDOW"`
	HistoryLimit  int           `yaml:"history_limit" env:"HISTORY_LIMIT"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	File  string `yaml:"file" env:"FILE"`
}

// DefaultConfig returns a single-node setup: SQLite, in-process broker,
// log-only mail.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			PongWait:       60 * time.Second,
			WriteTimeout:   5 * time.Second,
			SendBuffer:     100,
			MaxMessageSize: 64 * 1024,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			SQLite: *dbconfig.DefaultConfig(),
			Mongo: mongostore.Config{
				URI:            "mongodb://localhost:27017",
				Database:       "edurelay",
				ConnectTimeout: 10 * time.Second,
			},
		},
		Broker: BrokerConfig{
			Driver:         DriverMemory,
			URL:            "nats://127.0.0.1:4222",
			Name:           "edurelay",
			ConnectTimeout: 5 * time.Second,
		},
		RPC: RPCConfig{
			Timeout:       10 * time.Second,
			InboxPrefix:   "rpc.inbox.",
			AudienceTopic: "resolve-audience",
		},
		SMTP: SMTPConfig{
			Port:        587,
			MaxAttempts: 3,
			Backoff:     time.Second,
			Timeout:     30 * time.Second,
		},
		Chat: ChatConfig{
			RateLimit:     100,
			RateWindow:    time.Minute,
			HistoryLimit:  50,
			SweepInterval: time.Minute,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info"},
	}
}

// Load builds the configuration from every source. dotenvFiles defaults to
// ".env"; missing files are skipped.
func Load(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if path := os.Getenv(FileEnvName); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile applies a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// mergeFile overlays the keys present in a YAML file.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("WebSocket ping interval must be shorter than pong wait")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if err := c.Database.SQLite.Validate(); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	case DriverMongo:
		if c.Database.Mongo.URI == "" || c.Database.Mongo.Database == "" {
			return fmt.Errorf("mongo URI and database are required")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Broker.Driver {
	case DriverMemory:
	case DriverNATS:
		if c.Broker.URL == "" {
			return fmt.Errorf("NATS broker URL is required")
		}
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}

	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.RPC.AudienceTopic == "" {
		return fmt.Errorf("RPC audience topic cannot be empty")
	}

	if c.SMTP.Enabled() {
		if c.SMTP.From == "" {
			return fmt.Errorf("SMTP sender address is required when SMTP is enabled")
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
	}

	if c.Auth.Secret == "" && !c.Auth.TrustedQuery {
		return fmt.Errorf("auth secret is required unless trusted query mode is enabled")
	}

	if c.Chat.RateLimit > 0 && c.Chat.RateWindow <= 0 {
		return fmt.Errorf("chat rate window must be positive when rate limiting is on")
	}
	if c.Chat.HistoryLimit <= 0 || c.Chat.HistoryLimit > 500 {
		return fmt.Errorf("chat history limit must be between 1 and 500")
	}
	return nil
}
