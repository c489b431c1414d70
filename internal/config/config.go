package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the application's configuration values.
// Tags like `envconfig:"HTTP_SERVER_PORT"` name the environment variable and
// `default:""` provides the value used when it is not set.
type Config struct {
	AppEnv     string `envconfig:"APP_ENV" default:"development"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"text"` // text or json
	DataDir    string `envconfig:"DATA_DIR"`                  // empty: platform default
	HttpServer ServerConfig
	GrpcServer GrpcServerConfig
	Printer    PrinterConfig
	Admin      AdminConfig
	Session    SessionConfig
	Catalog    CatalogConfig
	EventLog   EventLogConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server-specific configurations.
type ServerConfig struct {
	Port           string        `envconfig:"HTTP_SERVER_PORT" default:"8000"`
	TimeoutRead    time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_READ" default:"15s"`
	TimeoutWrite   time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_WRITE" default:"15s"`
	TimeoutIdle    time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_IDLE" default:"60s"`
	RequestTimeout time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"30s"`
	TrustProxy     bool          `envconfig:"HTTP_TRUST_PROXY_HEADERS" default:"false"`
}

// GrpcServerConfig holds the health endpoint settings.
type GrpcServerConfig struct {
	Enabled bool   `envconfig:"GRPC_SERVER_ENABLED" default:"true"`
	Port    string `envconfig:"GRPC_SERVER_PORT" default:"9090"`
}

// PrinterConfig controls the raw socket transport.
type PrinterConfig struct {
	Port    int           `envconfig:"PRINTER_PORT" default:"9100"`
	Timeout time.Duration `envconfig:"PRINTER_TIMEOUT" default:"1s"`
	DryRun  bool          `envconfig:"PRINTER_DRY_RUN" default:"false"`
}

// AdminConfig holds the admin credentials. Password may be a bcrypt hash or plain
// text; plain values are hashed at startup.
type AdminConfig struct {
	Username         string        `envconfig:"ADMIN_USERNAME" default:"admin"`
	Password         string        `envconfig:"ADMIN_PASSWORD" default:"1234"`
	ShutdownPassword string        `envconfig:"SHUTDOWN_PASSWORD" default:"admin"`
	LoginTTL         time.Duration `envconfig:"ADMIN_LOGIN_TTL" default:"5m"`
}

// SessionConfig configures cookie sessions and CSRF tokens.
type SessionConfig struct {
	CookieName string        `envconfig:"SESSION_COOKIE_NAME" default:"label_session"`
	TTL        time.Duration `envconfig:"SESSION_TTL" default:"12h"`
	Secure     bool          `envconfig:"SESSION_COOKIE_SECURE" default:"false"`
	CSRFSecret string        `envconfig:"CSRF_SECRET" default:"change-me"`
	RedisAddr  string        `envconfig:"REDIS_ADDR"` // empty: in-memory sessions
	RedisDB    int           `envconfig:"REDIS_DB" default:"0"`
}

// CatalogConfig controls the periodic catalog reload.
type CatalogConfig struct {
	ReloadInterval time.Duration `envconfig:"CATALOG_RELOAD_INTERVAL" default:"5m"`
}

// EventLogConfig selects the event log backend. An empty DSN keeps logs.csv.
type EventLogConfig struct {
	DSN string `envconfig:"EVENT_LOG_DSN"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	PrintPerMinute int `envconfig:"RATE_LIMIT_PRINT_PER_MINUTE" default:"60"`
	LoginPerMinute int `envconfig:"RATE_LIMIT_LOGIN_PER_MINUTE" default:"10"`
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process configuration: %w", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: must be text or json", cfg.LogFormat)
	}
	if cfg.Catalog.ReloadInterval < 0 {
		return nil, fmt.Errorf("invalid CATALOG_RELOAD_INTERVAL %s", cfg.Catalog.ReloadInterval)
	}
	return &cfg, nil
}
