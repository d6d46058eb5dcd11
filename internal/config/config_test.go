package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetenv removes key for the duration of the test.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	for _, key := range []string{"CONFIG_FILE", "DATABASE_URL", "PG_DSN", "AUTH_JWT_SECRET", "JWT_SECRET", "MQTT_BROKER", "MQTT_QOS", "REDIS_ADDR", "RULE_CACHE_TTL", "KAFKA_BROKERS"} {
		unsetenv(t, key)
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/sensorguard")
	t.Setenv("AUTH_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, time.Minute, cfg.Redis.RuleCacheTTL)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.SendTimeout)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.PermissionTimeout)
	assert.Equal(t, "sensorguard", cfg.MQTT.AEID)
	assert.Equal(t, "sensorguard.alarms", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("DATABASE_URL=postgres://db/env\nAUTH_JWT_SECRET=from-file\nKAFKA_BROKERS=k1:9092, k2:9092\n"), 0o600))
	t.Setenv("ENV_FILE", envFile)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/env", cfg.DatabaseURL)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_YAMLOverridesEnvironment(t *testing.T) {
	dir := isolate(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/sensorguard")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("RULE_CACHE_TTL", "5m")

	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
http_addr: ":9090"
redis:
  addr: "redis:6379"
  rule_cache_ttl: 30s
mqtt:
  broker: "tcp://mqtt:1883"
  qos: 2
webhook:
  url: "https://hooks.example.com/alarm"
  cooldown: 1m
`), 0o600))
	t.Setenv("CONFIG_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Redis.RuleCacheTTL)
	assert.Equal(t, "tcp://mqtt:1883", cfg.MQTT.Broker)
	assert.Equal(t, 2, cfg.MQTT.QoS)
	assert.Equal(t, "sensorguard", cfg.MQTT.AEID)
	assert.Equal(t, time.Minute, cfg.Webhook.Cooldown)
	assert.Equal(t, "postgres://localhost/sensorguard", cfg.DatabaseURL)
}

func TestLoad_MissingRequired(t *testing.T) {
	isolate(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET")
}

func TestLoad_BadConfigFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/sensorguard")
	t.Setenv("AUTH_JWT_SECRET", "secret")

	file := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(file, []byte("redis: [unterminated"), 0o600))
	t.Setenv("CONFIG_FILE", file)

	_, err := Load()
	require.Error(t, err)

	t.Setenv("CONFIG_FILE", filepath.Join(dir, "absent.yaml"))
	_, err = Load()
	require.Error(t, err)
}
