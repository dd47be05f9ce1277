package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBConfig struct {
		DBHost     string `env:"CHAINORDERS_DB_HOST"`
		DBPort     string `env:"CHAINORDERS_DB_PORT"`
		DBUser     string `env:"CHAINORDERS_DB_USER"`
		DBPassword string `env:"CHAINORDERS_DB_PASSWORD"`
		DBName     string `env:"CHAINORDERS_DB_NAME"`
		DBSSLMode  string `env:"CHAINORDERS_DB_SSLMODE"`
	}

	KafkaURL            string `env:"KAFKA_BROKER_URL"`
	KafkaLifecycleTopic string `env:"KAFKA_LIFECYCLE_TOPIC"`

	LedgerGatewayURL  string        `env:"LEDGER_GATEWAY_URL"`
	LedgerNetwork     string        `env:"LEDGER_NETWORK"`
	LedgerCallTimeout time.Duration `env:"LEDGER_CALL_TIMEOUT"`

	WebhookPollInterval time.Duration `env:"WEBHOOK_POLL_INTERVAL"`
	WebhookBaseDelay    time.Duration `env:"WEBHOOK_BASE_DELAY"`
	WebhookSendTimeout  time.Duration `env:"WEBHOOK_SEND_TIMEOUT"`
	WebhookMaxAttempts  int           `env:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookBatchSize    int           `env:"WEBHOOK_BATCH_SIZE"`
	WebhookConcurrency  int           `env:"WEBHOOK_CONCURRENCY"`

	OrderTTL      time.Duration `env:"ORDER_TTL"`
	AdminAPIToken string        `env:"ADMIN_API_TOKEN"`
	HTTPPort      int           `env:"HTTP_PORT"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DBConfig.DBHost = getEnvOrDefault("CHAINORDERS_DB_HOST", "localhost")
	cfg.DBConfig.DBPort = getEnvOrDefault("CHAINORDERS_DB_PORT", "5432")
	cfg.DBConfig.DBUser = getEnvOrDefault("CHAINORDERS_DB_USER", "postgres")
	cfg.DBConfig.DBPassword = getEnvOrDefault("CHAINORDERS_DB_PASSWORD", "postgres")
	cfg.DBConfig.DBName = getEnvOrDefault("CHAINORDERS_DB_NAME", "chainorders_db")
	cfg.DBConfig.DBSSLMode = getEnvOrDefault("CHAINORDERS_DB_SSLMODE", "disable")

	cfg.KafkaURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaLifecycleTopic = getEnvOrDefault("KAFKA_LIFECYCLE_TOPIC", "order_lifecycle_events")

	cfg.LedgerGatewayURL = getEnvOrDefault("LEDGER_GATEWAY_URL", "http://localhost:8545")
	cfg.LedgerNetwork = getEnvOrDefault("LEDGER_NETWORK", "polygon")

	var err error
	if cfg.LedgerCallTimeout, err = getEnvDuration("LEDGER_CALL_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.WebhookPollInterval, err = getEnvDuration("WEBHOOK_POLL_INTERVAL", "60s"); err != nil {
		return nil, err
	}
	if cfg.WebhookBaseDelay, err = getEnvDuration("WEBHOOK_BASE_DELAY", "60s"); err != nil {
		return nil, err
	}
	if cfg.WebhookSendTimeout, err = getEnvDuration("WEBHOOK_SEND_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if cfg.OrderTTL, err = getEnvDuration("ORDER_TTL", "1h"); err != nil {
		return nil, err
	}
	if cfg.WebhookMaxAttempts, err = getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.WebhookBatchSize, err = getEnvInt("WEBHOOK_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.WebhookConcurrency, err = getEnvInt("WEBHOOK_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.HTTPPort, err = getEnvInt("HTTP_PORT", 8080); err != nil {
		return nil, err
	}

	cfg.AdminAPIToken = os.Getenv("ADMIN_API_TOKEN")
	if cfg.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvDuration(key, defaultValue string) (time.Duration, error) {
	raw := getEnvOrDefault(key, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.DBHost, c.DBConfig.DBPort, c.DBConfig.DBUser, c.DBConfig.DBPassword, c.DBConfig.DBName, c.DBConfig.DBSSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("%s:%s@%s:%s/%s?sslmode=%s",
		c.DBConfig.DBUser, c.DBConfig.DBPassword, c.DBConfig.DBHost, c.DBConfig.DBPort, c.DBConfig.DBName, c.DBConfig.DBSSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return []string{c.KafkaURL}
}
