package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/objectwire/objectwire/internal/database"
)

// Config represents the runtime configuration for a resource server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Store      StoreConfig      `mapstructure:"store"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	LoginPath    string `mapstructure:"login_path"`
	SearchPrefix string `mapstructure:"search_prefix"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// StoreConfig locates the object store's durable state.
type StoreConfig struct {
	// LastIDsPath is the file the resource ID allocator persists to.
	LastIDsPath string `mapstructure:"last_ids_path"`
}

// AuthConfig captures session settings.
type AuthConfig struct {
	TokenLength int           `mapstructure:"token_length"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`

	SessionCleanupSchedule string `mapstructure:"session_cleanup_schedule"`
	OrphanCleanupSchedule  string `mapstructure:"orphan_cleanup_schedule"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("OBJECTWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// DatabaseOptions converts the config section into connection options.
func (c *Config) DatabaseOptions() database.Config {
	opts := database.Config{
		Driver: c.Database.Driver,
		Path:   c.Database.Path,
		DSN:    c.Database.DSN,
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "postgresql":
		opts.Host = c.Database.Postgres.Host
		opts.Port = c.Database.Postgres.Port
		opts.Name = c.Database.Postgres.Database
		opts.User = c.Database.Postgres.Username
		opts.Password = c.Database.Postgres.Password
	case "mysql", "mariadb":
		opts.Host = c.Database.MySQL.Host
		opts.Port = c.Database.MySQL.Port
		opts.Name = c.Database.MySQL.Database
		opts.User = c.Database.MySQL.Username
		opts.Password = c.Database.MySQL.Password
	}

	return opts
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.login_path", "/login")
	v.SetDefault("server.search_prefix", "/search")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/objectwire.sqlite")

	v.SetDefault("store.last_ids_path", "./data/lastids.json")

	v.SetDefault("auth.token_length", 32)
	v.SetDefault("auth.session_ttl", "24h")
	v.SetDefault("auth.session_cleanup_schedule", "@hourly")
	v.SetDefault("auth.orphan_cleanup_schedule", "@daily")

	v.SetDefault("monitoring.prometheus.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
