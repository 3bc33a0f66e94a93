package sqlsession

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvConfig is the process-level configuration read from SQLSESSION_*
// environment variables.
type EnvConfig struct {
	Driver          string        `env:"SQLSESSION_DRIVER" envDefault:"sqlite"`
	DSN             string        `env:"SQLSESSION_DSN" envDefault:"sessions.db"`
	Table           string        `env:"SQLSESSION_TABLE" envDefault:"sessions"`
	MaxPayloadBytes int           `env:"SQLSESSION_MAX_PAYLOAD_BYTES"`
	CookieName      string        `env:"SQLSESSION_NAME" envDefault:"session"`
	Lifetime        string        `env:"SQLSESSION_LIFETIME"`
	AutoRefresh     bool          `env:"SQLSESSION_AUTO_REFRESH"`
	GCProbability   string        `env:"SQLSESSION_GC_PROBABILITY"`
	GCDivisor       string        `env:"SQLSESSION_GC_DIVISOR"`
	GCMaxLifetime   string        `env:"SQLSESSION_GC_MAXLIFETIME"`
	CleanupInterval time.Duration `env:"SQLSESSION_CLEANUP_INTERVAL"`
	StoreTimeout    time.Duration `env:"SQLSESSION_STORE_TIMEOUT"`
	Memcached       []string      `env:"SQLSESSION_MEMCACHED" envSeparator:","`
	LogLevel        string        `env:"SQLSESSION_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"SQLSESSION_LOG_FORMAT" envDefault:"text"`
}

// LoadEnvConfig reads EnvConfig from the environment.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}
	return cfg, nil
}

// Settings returns the backend settings map for Config.Settings. Unset
// variables are left out so the defaults apply.
func (c *EnvConfig) Settings() map[string]string {
	settings := make(map[string]string)
	if c.GCProbability != "" {
		settings[SettingGCProbability] = c.GCProbability
	}
	if c.GCDivisor != "" {
		settings[SettingGCDivisor] = c.GCDivisor
	}
	if c.GCMaxLifetime != "" {
		settings[SettingGCMaxLifetime] = c.GCMaxLifetime
	}
	return settings
}

// OpenStore opens the store named by Driver. The returned store owns its
// connection pool.
func (c *EnvConfig) OpenStore() (*SQLStore, error) {
	switch strings.ToLower(c.Driver) {
	case "postgres", "postgresql", "pgsql":
		return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
			DSN:             c.DSN,
			Table:           c.Table,
			MaxPayloadBytes: c.MaxPayloadBytes,
		})
	case "mysql", "mariadb":
		return NewMySQLStoreWithConfig(MySQLConfig{
			DSN:             c.DSN,
			Table:           c.Table,
			MaxPayloadBytes: c.MaxPayloadBytes,
		})
	case "sqlite", "sqlite3":
		return NewSQLiteStoreWithConfig(SQLiteConfig{
			DSN:             c.DSN,
			Table:           c.Table,
			MaxPayloadBytes: c.MaxPayloadBytes,
		})
	default:
		return nil, fmt.Errorf("sqlsession: unsupported driver %q", c.Driver)
	}
}

// Locker returns a MemcachedLocker when Memcached servers are configured and
// an in-process MutexLocker otherwise.
func (c *EnvConfig) Locker(logger *slog.Logger) Locker {
	if len(c.Memcached) == 0 {
		return NewMutexLocker()
	}
	return NewMemcachedLockerWithConfig(MemcachedConfig{
		Servers: c.Memcached,
		Timeout: time.Second,
		Logger:  logger,
	})
}

// NewLogger builds the slog logger described by LogLevel and LogFormat.
func (c *EnvConfig) NewLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.LogFormat)
	}
}
