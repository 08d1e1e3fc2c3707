package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, d.Database.Driver, cfg.Database.Driver)
	assert.Equal(t, d.Notifier.Buffer, cfg.Notifier.Buffer)
	assert.Equal(t, d.Kafka.Producer.BatchTimeout, cfg.Kafka.Producer.BatchTimeout)
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorhub.yaml")
	yaml := `
server:
  addr: ":9090"
  ingest_timeout: 2s
database:
  driver: postgres
  dsn: "host=db user=sensorhub dbname=sensorhub sslmode=disable"
notifier:
  relay: postgres
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("SENSORHUB_NOTIFIER_BUFFER", "8")
	t.Setenv("SENSORHUB_KAFKA_PRODUCER_BATCH_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Server.IngestTimeout)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, RelayPostgres, cfg.Notifier.Relay)
	assert.Equal(t, 8, cfg.Notifier.Buffer)
	assert.Equal(t, 250*time.Millisecond, cfg.Kafka.Producer.BatchTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, false},
		{"postgres relay on sqlite", func(c *Config) { c.Notifier.Relay = RelayPostgres }, false},
		{"redis relay", func(c *Config) { c.Notifier.Relay = RelayRedis }, true},
		{"unknown relay", func(c *Config) { c.Notifier.Relay = "nats" }, false},
		{"zero buffer", func(c *Config) { c.Notifier.Buffer = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
