package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. TICKERPULSE_DATABASE_DRIVER.
const EnvPrefix = "TICKERPULSE"

// DefaultConfigPath is read when TICKERPULSE_CONFIG is unset. A missing file is not an error.
const DefaultConfigPath = "config/config.yaml"

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	MarketHours MarketHoursConfig `mapstructure:"market_hours"`
	Comments    CommentsConfig    `mapstructure:"comments"`
	Cycle       CycleConfig       `mapstructure:"cycle"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
	Trading     TradingConfig     `mapstructure:"trading"`
	// TradingSource selects where per-cycle trading thresholds come from: "db" or "file".
	TradingSource string `mapstructure:"trading_source"`
	TradingFile   string `mapstructure:"trading_file"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// RateLimit caps mutating requests per client within RateLimitWindow. Zero disables it.
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type DatabaseConfig struct {
	Driver           string `mapstructure:"driver"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	DatabaseURL      string `mapstructure:"url"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	DBName           string `mapstructure:"dbname"`
	SSLMode          string `mapstructure:"sslmode"`
	ApplicationName  string `mapstructure:"application_name"`
	ConnectTimeout   int    `mapstructure:"connect_timeout"`
	StatementTimeout int    `mapstructure:"statement_timeout"`
	MaxOpenConns     int    `mapstructure:"max_open_conns"`
	MaxIdleConns     int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime  string `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type MarketDataConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	QuoteCacheTTL     time.Duration `mapstructure:"quote_cache_ttl"`
	ChainCacheTTL     time.Duration `mapstructure:"chain_cache_ttl"`
}

type MarketHoursConfig struct {
	Timezone string   `mapstructure:"timezone"`
	Open     string   `mapstructure:"open"`
	Close    string   `mapstructure:"close"`
	Holidays []string `mapstructure:"holidays"`
}

type CommentsConfig struct {
	// Source is "inbox" (comments posted to the API) or "http" (pulled from an annotator).
	Source    string        `mapstructure:"source"`
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BatchSize int           `mapstructure:"batch_size"`
}

type CycleConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type ScheduleConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	FullCycle string `mapstructure:"full_cycle"`
	Monitor   string `mapstructure:"monitor"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type SentryConfig struct {
	DSN              string  `mapstructure:"dsn"`
	Environment      string  `mapstructure:"environment"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

// Load reads process configuration from the optional YAML file and TICKERPULSE_* environment.
func Load() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG"))
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite":
		if strings.TrimSpace(c.Database.SQLitePath) == "" {
			return fmt.Errorf("database.sqlite_path is required when database.driver is sqlite")
		}
	case "postgres", "postgresql":
	default:
		return fmt.Errorf("database.driver must be one of sqlite, postgres; got %q", c.Database.Driver)
	}
	switch c.Comments.Source {
	case "inbox":
	case "http":
		if strings.TrimSpace(c.Comments.URL) == "" {
			return fmt.Errorf("comments.url is required when comments.source is http")
		}
	default:
		return fmt.Errorf("comments.source must be one of inbox, http; got %q", c.Comments.Source)
	}
	switch c.TradingSource {
	case "db":
	case "file":
		if strings.TrimSpace(c.TradingFile) == "" {
			return fmt.Errorf("trading_file is required when trading_source is file")
		}
	default:
		return fmt.Errorf("trading_source must be one of db, file; got %q", c.TradingSource)
	}
	if c.Cycle.Timeout <= 0 {
		return fmt.Errorf("cycle.timeout must be positive")
	}
	if _, err := time.LoadLocation(c.MarketHours.Timezone); err != nil {
		return fmt.Errorf("market_hours.timezone: %w", err)
	}
	if err := c.Trading.Validate(); err != nil {
		return fmt.Errorf("trading: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tickerpulse")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "dev")
	v.SetDefault("log.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit", 60)
	v.SetDefault("server.rate_limit_window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "tickerpulse.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "tickerpulse")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.application_name", "tickerpulse")
	v.SetDefault("database.connect_timeout", 10)
	v.SetDefault("database.statement_timeout", 30000)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "300s")
	v.SetDefault("database.conn_max_idle_time", "60s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("market_data.base_url", "http://localhost:8090")
	v.SetDefault("market_data.api_key", "")
	v.SetDefault("market_data.timeout", "10s")
	v.SetDefault("market_data.requests_per_second", 5.0)
	v.SetDefault("market_data.burst", 5)
	v.SetDefault("market_data.max_attempts", 3)
	v.SetDefault("market_data.retry_base_delay", "250ms")
	v.SetDefault("market_data.breaker_failures", 5)
	v.SetDefault("market_data.breaker_timeout", "30s")
	v.SetDefault("market_data.quote_cache_ttl", "15s")
	v.SetDefault("market_data.chain_cache_ttl", "60s")

	v.SetDefault("market_hours.timezone", "America/New_York")
	v.SetDefault("market_hours.open", "09:30")
	v.SetDefault("market_hours.close", "16:00")
	v.SetDefault("market_hours.holidays", []string{})

	v.SetDefault("comments.source", "inbox")
	v.SetDefault("comments.url", "")
	v.SetDefault("comments.timeout", "15s")
	v.SetDefault("comments.batch_size", 500)

	v.SetDefault("cycle.timeout", "10m")
	v.SetDefault("cycle.workers", 8)
	v.SetDefault("cycle.queue_size", 64)
	v.SetDefault("cycle.lock_ttl", "15m")

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.full_cycle", "0 */30 * * * *")
	v.SetDefault("schedule.monitor", "0 */10 * * * *")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.traces_sample_rate", 0.1)

	v.SetDefault("trading_source", "db")
	v.SetDefault("trading_file", "config/trading.yaml")
	setTradingDefaults(v, "trading.", DefaultTradingConfig())
}
