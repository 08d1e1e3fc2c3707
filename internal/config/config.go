package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SENSORHUB_DATABASE_DSN
const EnvPrefix = "SENSORHUB"

// Config holds runtime configuration for the service.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
	// Upper bound on a single ingestion call, including all store round trips
	IngestTimeout time.Duration `mapstructure:"ingest_timeout"`
}

// DatabaseConfig selects and tunes the relational store
type DatabaseConfig struct {
	// sqlite or postgres
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnectRetry time.Duration `mapstructure:"connect_retry"`
	// Queries slower than this are logged as warnings
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// NotifierConfig tunes live fan-out
type NotifierConfig struct {
	// Per-subscriber buffered events before drops
	Buffer int `mapstructure:"buffer"`
	// none, postgres or redis
	Relay   string `mapstructure:"relay"`
	Channel string `mapstructure:"channel"`
}

// RedisConfig is used by the redis relay
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig configures the outbound event sink. The sink is disabled when
// no brokers are configured.
type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	Topic    string         `mapstructure:"topic"`
	Producer ProducerConfig `mapstructure:"producer"`
}

// Enabled reports whether events should be forwarded to Kafka
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// ProducerConfig tunes the pooled Kafka producer and its worker pool
type ProducerConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// Events buffered between the notifier and the workers
	QueueSize int `mapstructure:"queue_size"`
}

// Relay names
const (
	RelayNone     = "none"
	RelayPostgres = "postgres"
	RelayRedis    = "redis"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   60 * time.Second,
			MaxBodySize:   1 << 20,
			IngestTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        DriverSQLite,
			DSN:           "sensorhub.db",
			MaxOpenConns:  10,
			MaxIdleConns:  5,
			ConnectRetry:  30 * time.Second,
			SlowThreshold: 200 * time.Millisecond,
		},
		Notifier: NotifierConfig{
			Buffer:  64,
			Relay:   RelayNone,
			Channel: "sensorhub_events",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Kafka: KafkaConfig{
			Topic: "sensorhub.events",
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				QueueSize:    1000,
			},
		},
	}
}

// Load reads configuration from an optional YAML file and SENSORHUB_*
// environment variables on top of Default(). An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is required")
	}
	switch c.Notifier.Relay {
	case RelayNone, RelayRedis:
	case RelayPostgres:
		if c.Database.Driver != DriverPostgres {
			return errors.New("config: postgres relay requires the postgres database driver")
		}
	default:
		return fmt.Errorf("config: unsupported notifier relay %q", c.Notifier.Relay)
	}
	if c.Notifier.Buffer <= 0 {
		return errors.New("config: notifier buffer must be positive")
	}
	return nil
}

// setDefaults registers every key so environment overrides work for nested
// values.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.ingest_timeout", d.Server.IngestTimeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.connect_retry", d.Database.ConnectRetry)
	v.SetDefault("database.slow_threshold", d.Database.SlowThreshold)

	v.SetDefault("notifier.buffer", d.Notifier.Buffer)
	v.SetDefault("notifier.relay", d.Notifier.Relay)
	v.SetDefault("notifier.channel", d.Notifier.Channel)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)
	v.SetDefault("kafka.producer.queue_size", d.Kafka.Producer.QueueSize)
}
