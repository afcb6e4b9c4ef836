package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigFile   = "ETL_CONFIG_FILE"
	EnvHostIDFile   = "ETL_HOST_ID_FILE"
	envDBPrefix     = "ETL_DATABASE_"
	envDBURLSuffix  = "_URL"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	defaultPoolOpen = 25
)

// Config is the engine configuration.
type Config struct {
	// Environments maps a database environment name to its connection settings.
	Environments map[string]Database `yaml:"environments"`
	// HostIDFile overrides the location of the host identity file.
	HostIDFile string       `yaml:"host_id_file"`
	Worker     WorkerConfig `yaml:"worker"`
}

// Database describes one database environment.
type Database struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	// PoolPreset selects a named pool profile; explicit settings below win.
	PoolPreset      string        `yaml:"pool_preset"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// WorkerConfig holds queue worker settings.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	LockPollInterval  time.Duration `yaml:"lock_poll_interval"`
	StaleLockInterval time.Duration `yaml:"stale_lock_interval"`
	StaleLockAge      time.Duration `yaml:"stale_lock_age"`
}

// Load reads the YAML file named by ETL_CONFIG_FILE (if set) and then applies
// ETL_DATABASE_<ENV>_URL overrides, which may also define new environments.
func Load() (*Config, error) {
	cfg := &Config{Environments: map[string]Database{}}

	if path := os.Getenv(EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if cfg.Environments == nil {
			cfg.Environments = map[string]Database{}
		}
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, envDBPrefix) || !strings.HasSuffix(key, envDBURLSuffix) {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, envDBPrefix), envDBURLSuffix))
		if name == "" {
			continue
		}
		db := cfg.Environments[name]
		db.URL = value
		db.Driver = ""
		cfg.Environments[name] = db
	}

	if v := os.Getenv(EnvHostIDFile); v != "" {
		cfg.HostIDFile = v
	}
	cfg.Worker.Concurrency = GetEnvInt("ETL_WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.PollInterval = GetEnvDuration("ETL_WORKER_POLL_INTERVAL", cfg.Worker.PollInterval)

	for name, db := range cfg.Environments {
		if db.Driver == "" {
			db.Driver = InferDriver(db.URL)
		}
		if db.MaxOpenConns == 0 {
			db.MaxOpenConns = defaultPoolOpen
		}
		cfg.Environments[name] = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every environment has a usable URL and driver.
func (c *Config) Validate() error {
	var errs []error
	for _, name := range c.EnvironmentNames() {
		db := c.Environments[name]
		if db.URL == "" {
			errs = append(errs, fmt.Errorf("environment %q: url cannot be empty", name))
		}
		switch db.Driver {
		case DriverPostgres, DriverSQLite:
		default:
			errs = append(errs, fmt.Errorf("environment %q: unsupported driver %q", name, db.Driver))
		}
	}
	return errors.Join(errs...)
}

// EnvironmentNames returns the configured environment names, sorted.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InferDriver picks a driver from a connection URL.
func InferDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// MaskDatabaseURL hides the password in a database URL so it is safe to log.
func MaskDatabaseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); !has {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
