package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DatabaseURL     string        `yaml:"database_url"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	Auth     AuthConfig     `yaml:"auth"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// AuthConfig covers JWT and ingest signatures.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	IngestSecret  string        `yaml:"ingest_secret"`
	IngestMaxSkew time.Duration `yaml:"ingest_max_skew"`
	IngestMaxBody int64         `yaml:"ingest_max_body"`
}

// MQTTConfig enables the oneM2M MQTT binding when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	AEID     string `yaml:"ae_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
}

// RedisConfig enables the rule cache when Addr is set.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	RuleCacheTTL time.Duration `yaml:"rule_cache_ttl"`
}

// KafkaConfig enables the alarm sink when Brokers is set.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// WebhookConfig enables the webhook notifier when URL is set.
type WebhookConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Template        string        `yaml:"template"`
	EscalationAfter time.Duration `yaml:"escalation_after"`
	Cooldown        time.Duration `yaml:"cooldown"`
	DedupeWindow    time.Duration `yaml:"dedupe_window"`
	Timeout         time.Duration `yaml:"timeout"`
	ReportBaseURL   string        `yaml:"report_base_url"`
}

// DispatchConfig bounds live delivery.
type DispatchConfig struct {
	SendTimeout       time.Duration `yaml:"send_timeout"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	QueueSize         int           `yaml:"queue_size"`
	ProcessedLimit    int           `yaml:"processed_limit"`
}

// Load reads .env (when present), the environment, then the YAML file named
// by CONFIG_FILE, which overrides environment values.
func Load() (Config, error) {
	if err := godotenv.Load(getenvDefault("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}

	cfg := Config{
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		DatabaseURL:     getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
		LogFormat:       getenvDefault("LOG_FORMAT", "json"),
		CORSOrigins:     splitCSV(getenvDefault("CORS_ALLOWED_ORIGINS", "")),
		Auth: AuthConfig{
			JWTSecret:     getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
			IngestSecret:  getenvDefault("INGEST_HMAC_SECRET", ""),
			IngestMaxSkew: getenvDuration("INGEST_MAX_SKEW", 5*time.Minute),
			IngestMaxBody: int64(getenvIntDefault("INGEST_MAX_BODY", 1<<20)),
		},
		MQTT: MQTTConfig{
			Broker:   getenvDefault("MQTT_BROKER", ""),
			ClientID: getenvDefault("MQTT_CLIENT_ID", "sensorguard-cloud"),
			Username: getenvDefault("MQTT_USERNAME", ""),
			Password: getenvDefault("MQTT_PASSWORD", ""),
			AEID:     getenvDefault("ONEM2M_AE_ID", "sensorguard"),
			Topic:    getenvDefault("MQTT_TOPIC", ""),
			QoS:      getenvIntDefault("MQTT_QOS", 1),
		},
		Redis: RedisConfig{
			Addr:         getenvDefault("REDIS_ADDR", ""),
			Password:     getenvDefault("REDIS_PASSWORD", ""),
			DB:           getenvIntDefault("REDIS_DB", 0),
			RuleCacheTTL: getenvDuration("RULE_CACHE_TTL", time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:  splitCSV(getenvDefault("KAFKA_BROKERS", "")),
			Topic:    getenvDefault("KAFKA_ALARM_TOPIC", "sensorguard.alarms"),
			ClientID: getenvDefault("KAFKA_CLIENT_ID", "sensorguard-cloud"),
		},
		Webhook: WebhookConfig{
			URL:             getenvDefault("ALARM_WEBHOOK_URL", ""),
			Token:           getenvDefault("ALARM_WEBHOOK_TOKEN", ""),
			Template:        getenvDefault("ALARM_NOTIFY_TEMPLATE", ""),
			EscalationAfter: getenvDuration("ALARM_ESCALATION_AFTER", 0),
			Cooldown:        getenvDuration("ALARM_NOTIFY_COOLDOWN", 0),
			DedupeWindow:    getenvDuration("ALARM_NOTIFY_DEDUP_WINDOW", 0),
			Timeout:         getenvDuration("ALARM_NOTIFY_TIMEOUT", 5*time.Second),
			ReportBaseURL:   getenvDefault("ALARM_REPORT_BASE_URL", ""),
		},
		Dispatch: DispatchConfig{
			SendTimeout:       getenvDuration("DISPATCH_SEND_TIMEOUT", 3*time.Second),
			PermissionTimeout: getenvDuration("DISPATCH_PERMISSION_TIMEOUT", 2*time.Second),
			Heartbeat:         getenvDuration("SESSION_HEARTBEAT", 30*time.Second),
			QueueSize:         getenvIntDefault("SESSION_QUEUE_SIZE", 64),
			ProcessedLimit:    getenvIntDefault("PROCESSED_MEMORY_LIMIT", 10000),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL or PG_DSN is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.MQTT.Broker != "" && c.MQTT.AEID == "" {
		errs = append(errs, errors.New("ONEM2M_AE_ID is required with MQTT_BROKER"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("MQTT_QOS must be 0, 1 or 2"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
