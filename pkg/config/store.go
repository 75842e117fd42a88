package config

import (
	"fmt"
	"time"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	BasicAuth   BasicAuthConfig `yaml:"basic_auth,omitempty" mapstructure:"basic_auth"`
}

// RateLimitConfig configures per-IP rate limiting of scrape requests.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// BasicAuthConfig protects the scrape endpoints with username/password.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user. PasswordHash is a bcrypt hash.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// Validate checks the server configuration.
func (s *ServerConfig) Validate() error {
	if s.RateLimit.Enabled && s.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	if s.BasicAuth.Enabled {
		if len(s.BasicAuth.Users) == 0 {
			return fmt.Errorf("server.basic_auth requires at least one user")
		}

		for i, u := range s.BasicAuth.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("server.basic_auth.users[%d]: username and password_hash are required", i)
			}
		}
	}

	return nil
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Driver        string               `yaml:"driver" mapstructure:"driver"`
	Retention     string               `yaml:"retention" mapstructure:"retention"`
	PurgeInterval string               `yaml:"purge_interval,omitempty" mapstructure:"purge_interval"`
	Redis         RedisConfig          `yaml:"redis,omitempty" mapstructure:"redis"`
	SQLite        SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres      PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Pebble        PebbleConfig         `yaml:"pebble,omitempty" mapstructure:"pebble"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// PebbleConfig contains settings for the embedded pebble backend.
type PebbleConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

func (s *StoreConfig) applyDefaults() {
	if s.Driver == "" {
		s.Driver = DefaultStoreDriver
	}

	if s.Retention == "" {
		s.Retention = DefaultRetention
	}

	if s.PurgeInterval == "" {
		s.PurgeInterval = DefaultPurgeInterval
	}

	if s.Driver == "redis" && s.Redis.Addr == "" {
		s.Redis.Addr = DefaultRedisAddr
	}

	if s.Driver == "postgres" {
		if s.Postgres.Port == 0 {
			s.Postgres.Port = 5432
		}

		if s.Postgres.SSLMode == "" {
			s.Postgres.SSLMode = "disable"
		}
	}
}

// Validate checks the store configuration.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case "postgres":
		if s.Postgres.Host == "" || s.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.host and store.postgres.database are required")
		}
	case "pebble":
		if s.Pebble.Path == "" {
			return fmt.Errorf("store.pebble.path is required")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", s.Driver)
	}

	switch s.Retention {
	case RetentionLatest, RetentionHistory:
	default:
		return fmt.Errorf("store.retention must be %q or %q, got %q",
			RetentionLatest, RetentionHistory, s.Retention)
	}

	return validateDuration("store.purge_interval", s.PurgeInterval)
}

// PurgeIntervalDuration returns the parsed purge interval.
func (s *StoreConfig) PurgeIntervalDuration() time.Duration {
	return mustDuration(s.PurgeInterval, DefaultPurgeInterval)
}
