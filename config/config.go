package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var configFile string

// Config holds all application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Storage     StorageConfig    `mapstructure:"storage"`
	DB          DatabaseConfig   `mapstructure:"database"`
	EventStore  EventStoreConfig `mapstructure:"eventstore"`
	Projections ProjectionConfig `mapstructure:"projections"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Elastic     ElasticConfig    `mapstructure:"elastic"`
	Azure       AzureConfig      `mapstructure:"azure"`
	Tracing     TracingConfig    `mapstructure:"tracing"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CorsEnabled    bool          `mapstructure:"cors_enabled"`
	CorsOrigins    []string      `mapstructure:"cors_origins"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
}

// StorageConfig selects the backing store: "postgres" or "memory"
type StorageConfig struct {
	Driver            string `mapstructure:"driver"`
	CompressSnapshots bool   `mapstructure:"compress_snapshots"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Debug           bool          `mapstructure:"debug"`
}

// DSN returns the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// EventStoreConfig holds read limits and cache lifetimes
type EventStoreConfig struct {
	DefaultMaxCount    int           `mapstructure:"default_max_count"`
	MaxCountLimit      int           `mapstructure:"max_count_limit"`
	SnapshotCacheTTL   time.Duration `mapstructure:"snapshot_cache_ttl"`
	StatisticsCacheTTL time.Duration `mapstructure:"statistics_cache_ttl"`
}

// ProjectionConfig holds projection engine defaults
type ProjectionConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	SearchIndex       bool          `mapstructure:"search_index"`
	Publisher         bool          `mapstructure:"publisher"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// ElasticConfig holds Elasticsearch configuration
type ElasticConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// AzureConfig holds Azure Service Bus configuration
type AzureConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	QueueConnStr string `mapstructure:"queue_conn_str"`
	TopicName    string `mapstructure:"topic_name"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	LicenseKey     string `mapstructure:"license_key"`
	AppName        string `mapstructure:"app_name"`
	LogEnabled     bool   `mapstructure:"log_enabled"`
	DistribTracing bool   `mapstructure:"distributed_tracing_enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetConfigFile overrides the config file lookup
func SetConfigFile(file string) {
	configFile = file
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig() (Config, error) {
	v := viper.New()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Environment variables override config, e.g. EVENTSTORE_DATABASE_HOST
	v.SetEnvPrefix("EVENTSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		// Try app.env, then fall back to defaults and environment only
		v.SetConfigName("app")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return config, nil
}

// FormatIndex formats an Elasticsearch index name with the configured prefix
func FormatIndex(cfg ElasticConfig, index string) string {
	if cfg.Prefix == "" {
		return index
	}
	return cfg.Prefix + "-" + index
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server
	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("server.cors_enabled", true)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.metrics_enabled", true)

	// Storage
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.compress_snapshots", false)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "eventstore")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.debug", false)

	// Event store
	v.SetDefault("eventstore.default_max_count", 100)
	v.SetDefault("eventstore.max_count_limit", 1000)
	v.SetDefault("eventstore.snapshot_cache_ttl", "5m")
	v.SetDefault("eventstore.statistics_cache_ttl", "30s")

	// Projections
	v.SetDefault("projections.tick_interval", "100ms")
	v.SetDefault("projections.batch_size", 100)
	v.SetDefault("projections.max_retries", 3)
	v.SetDefault("projections.initial_delay", "100ms")
	v.SetDefault("projections.backoff_multiplier", 2.0)
	v.SetDefault("projections.max_delay", "5s")
	v.SetDefault("projections.search_index", true)
	v.SetDefault("projections.publisher", false)

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	// Elasticsearch
	v.SetDefault("elastic.url", "http://localhost:9200")
	v.SetDefault("elastic.prefix", "eventstore")

	// Azure Service Bus
	v.SetDefault("azure.enabled", false)
	v.SetDefault("azure.topic_name", "eventstore-events")

	// Tracing
	v.SetDefault("tracing.app_name", "Event Store")
	v.SetDefault("tracing.log_enabled", true)
	v.SetDefault("tracing.distributed_tracing_enabled", true)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
