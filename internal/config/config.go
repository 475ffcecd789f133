// Package config loads flytie settings from defaults, an optional YAML file,
// FLYTIE_* environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"flytie/internal/enrich"
	"flytie/internal/opensky"
	"flytie/internal/storage"
)

const EnvPrefix = "FLYTIE"

// Config is the complete flytie configuration.
type Config struct {
	OpenSky    OpenSkyConfig    `mapstructure:"opensky"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Store      StoreConfig      `mapstructure:"store"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
}

type OpenSkyConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BoundingBox  string        `mapstructure:"bbox"` // "lamin,lomin,lamax,lomax"; empty for the whole world.
}

type EnrichConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Window        time.Duration `mapstructure:"window"`
	MaxIterations int           `mapstructure:"max_iterations"`
	Pacer         string        `mapstructure:"pacer"` // fixed or token
	Delay         time.Duration `mapstructure:"delay"`
	Burst         int           `mapstructure:"burst"`
}

type SnapshotConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	GuardPromotion bool          `mapstructure:"guard_promotion"`
	Interval       time.Duration `mapstructure:"interval"` // Refresh loop period.
}

type StoreConfig struct {
	Driver     string         `mapstructure:"driver"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
	SQLitePath string         `mapstructure:"sqlite_path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"` // Empty disables promotion events.
	Subject string `mapstructure:"subject"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"` // Empty disables the run lock.
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockKey  string        `mapstructure:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type APIConfig struct {
	Addr     string        `mapstructure:"addr"`
	Auth     bool          `mapstructure:"auth"`
	APIKeys  []string      `mapstructure:"api_keys"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	store := storage.DefaultConfig()

	v.SetDefault("opensky.base_url", opensky.DefaultBaseURL)
	v.SetDefault("opensky.token_url", opensky.DefaultTokenURL)
	v.SetDefault("opensky.client_id", "")
	v.SetDefault("opensky.client_secret", "")
	v.SetDefault("opensky.timeout", opensky.DefaultTimeout)
	v.SetDefault("opensky.bbox", "")

	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.window", enrich.DefaultWindow)
	v.SetDefault("enrich.max_iterations", enrich.DefaultMaxIterations)
	v.SetDefault("enrich.pacer", "fixed")
	v.SetDefault("enrich.delay", time.Second)
	v.SetDefault("enrich.burst", 1)

	v.SetDefault("snapshot.batch_size", 1000)
	v.SetDefault("snapshot.concurrency", 4)
	v.SetDefault("snapshot.guard_promotion", true)
	v.SetDefault("snapshot.interval", 5*time.Minute)

	v.SetDefault("store.driver", store.Driver)
	v.SetDefault("store.postgres.host", store.Postgres.Host)
	v.SetDefault("store.postgres.port", store.Postgres.Port)
	v.SetDefault("store.postgres.database", store.Postgres.Database)
	v.SetDefault("store.postgres.user", store.Postgres.User)
	v.SetDefault("store.postgres.password", store.Postgres.Password)
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.sqlite_path", store.SQLitePath)

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "flytie")
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.password", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "flytie.snapshot.promoted")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_key", "flytie:refresh:lock")
	v.SetDefault("redis.lock_ttl", 30*time.Minute)

	v.SetDefault("api.addr", ":8081")
	v.SetDefault("api.auth", false)
	v.SetDefault("api.api_keys", []string{})
	v.SetDefault("api.cache_ttl", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. path names a config file; when empty, flytie.yaml is
// looked up in the working directory and ~/.config/flytie and may be absent. flags maps
// config keys (e.g. "store.driver") to command line flags that override them.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("flytie")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/flytie")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Snapshot.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.batch_size must be positive, got %d", c.Snapshot.BatchSize))
	}
	if c.Snapshot.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.concurrency must be positive, got %d", c.Snapshot.Concurrency))
	}
	if c.Snapshot.Interval <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.interval must be positive, got %s", c.Snapshot.Interval))
	}
	switch c.Store.Driver {
	case storage.DriverPostgres, storage.DriverSQLite, storage.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}
	if c.Enrich.Window <= 0 || c.Enrich.Window > opensky.MaxFlightsInterval {
		errs = append(errs, fmt.Errorf("enrich.window must be in (0, %s], got %s", opensky.MaxFlightsInterval, c.Enrich.Window))
	}
	if c.Enrich.MaxIterations <= 0 || c.Enrich.MaxIterations > enrich.DefaultMaxIterations {
		errs = append(errs, fmt.Errorf("enrich.max_iterations must be in [1, %d], got %d", enrich.DefaultMaxIterations, c.Enrich.MaxIterations))
	}
	switch c.Enrich.Pacer {
	case "fixed", "token":
	default:
		errs = append(errs, fmt.Errorf("enrich.pacer %q is not one of fixed, token", c.Enrich.Pacer))
	}
	if (c.OpenSky.ClientID == "") != (c.OpenSky.ClientSecret == "") {
		errs = append(errs, errors.New("opensky.client_id and opensky.client_secret must be set together"))
	}
	if _, err := ParseBoundingBox(c.OpenSky.BoundingBox); err != nil {
		errs = append(errs, err)
	}
	if c.API.Auth && len(c.API.APIKeys) == 0 {
		errs = append(errs, errors.New("api.auth requires at least one api.api_keys entry"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseBoundingBox parses "lamin,lomin,lamax,lomax". An empty string yields nil.
func ParseBoundingBox(s string) (*opensky.BoundingBox, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bounding box %q: want lamin,lomin,lamax,lomax", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bounding box %q: %w", s, err)
		}
		v[i] = f
	}

	box := &opensky.BoundingBox{LatMin: v[0], LonMin: v[1], LatMax: v[2], LonMax: v[3]}
	if box.LatMin > box.LatMax || box.LonMin > box.LonMax {
		return nil, fmt.Errorf("bounding box %q: minimum exceeds maximum", s)
	}
	if box.LatMin < -90 || box.LatMax > 90 || box.LonMin < -180 || box.LonMax > 180 {
		return nil, fmt.Errorf("bounding box %q: out of range", s)
	}
	return box, nil
}

// OpenSkyClient returns the upstream client settings.
func (c *Config) OpenSkyClient() opensky.Config {
	box, _ := ParseBoundingBox(c.OpenSky.BoundingBox) // Checked by Validate.
	return opensky.Config{
		BaseURL:      c.OpenSky.BaseURL,
		TokenURL:     c.OpenSky.TokenURL,
		ClientID:     c.OpenSky.ClientID,
		ClientSecret: c.OpenSky.ClientSecret,
		Timeout:      c.OpenSky.Timeout,
		BoundingBox:  box,
	}
}

// Storage returns the repository settings.
func (c *Config) Storage() storage.Config {
	return storage.Config{
		Driver: c.Store.Driver,
		Postgres: storage.PostgresConfig{
			Host:     c.Store.Postgres.Host,
			Port:     c.Store.Postgres.Port,
			Database: c.Store.Postgres.Database,
			User:     c.Store.Postgres.User,
			Password: c.Store.Postgres.Password,
			MaxConns: c.Store.Postgres.MaxConns,
		},
		SQLitePath: c.Store.SQLitePath,
	}
}

// RunLog returns the ClickHouse run log settings.
func (c *Config) RunLog() storage.ClickHouseConfig {
	return storage.ClickHouseConfig{
		Host:     c.ClickHouse.Host,
		Port:     c.ClickHouse.Port,
		Database: c.ClickHouse.Database,
		User:     c.ClickHouse.User,
		Password: c.ClickHouse.Password,
	}
}

// Pacer builds the historical query pacer.
func (c *Config) Pacer() enrich.Pacer {
	if c.Enrich.Pacer == "token" {
		return enrich.NewTokenBucket(c.Enrich.Delay, c.Enrich.Burst)
	}
	return enrich.NewFixedDelay(c.Enrich.Delay)
}
