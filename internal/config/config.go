package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

// Config holds application configuration
type Config struct {
	// サーバー設定
	ServerPort      string        `envconfig:"SERVER_PORT" default:"8080"`
	Env             string        `envconfig:"ENV" default:"development"`
	StaticDir       string        `envconfig:"STATIC_DIR"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// CORS設定
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000,http://127.0.0.1:3000"`

	// ストア設定
	StoreDriver string `envconfig:"STORE_DRIVER" default:"mysql"`
	DBHost      string `envconfig:"DB_HOST" default:"localhost"`
	DBPort      string `envconfig:"DB_PORT"`
	DBUser      string `envconfig:"DB_USER"`
	DBPassword  string `envconfig:"DB_PASSWORD"`
	DBName      string `envconfig:"DB_NAME"`
	DBSSLMode   string `envconfig:"DB_SSLMODE" default:"disable"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/messages.db"`
	BadgerPath  string `envconfig:"BADGER_PATH" default:"data/badger"`

	// リレー設定
	HistoryLimit int `envconfig:"HISTORY_LIMIT" default:"50"`
	IngestQueue  int `envconfig:"INGEST_QUEUE" default:"256"`

	// WebSocket設定
	SendBuffer    int           `envconfig:"SEND_BUFFER" default:"256"`
	WriteWait     time.Duration `envconfig:"WRITE_WAIT" default:"10s"`
	PongWait      time.Duration `envconfig:"PONG_WAIT" default:"60s"`
	PingInterval  time.Duration `envconfig:"PING_INTERVAL" default:"54s"`
	MaxFrameBytes int64         `envconfig:"MAX_FRAME_BYTES" default:"16384"`

	// ログ設定
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	origins := cfg.AllowedOrigins[:0]
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.AllowedOrigins = origins

	if cfg.DBPort == "" {
		cfg.DBPort = defaultPort(cfg.StoreDriver)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMySQL, DriverPostgres:
		if c.DBName == "" {
			return fmt.Errorf("DB_NAME is required for store driver %q", c.StoreDriver)
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for store driver %q", c.StoreDriver)
		}
	case DriverBadger:
		if strings.TrimSpace(c.BadgerPath) == "" {
			return fmt.Errorf("BADGER_PATH is required for store driver %q", c.StoreDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.IngestQueue <= 0 {
		return fmt.Errorf("INGEST_QUEUE must be positive, got %d", c.IngestQueue)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		return fmt.Errorf("PING_INTERVAL must be positive and shorter than PONG_WAIT")
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("WRITE_WAIT must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be positive")
	}
	return nil
}

// AllowsAnyOrigin reports whether ALLOWED_ORIGINS contains the "*" wildcard.
func (c Config) AllowsAnyOrigin() bool {
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func defaultPort(driver string) string {
	switch driver {
	case DriverPostgres:
		return "5432"
	default:
		return "3306"
	}
}
