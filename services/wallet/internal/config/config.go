package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	base "github.com/AfshinJalili/custody/libs/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type ExchangeConfig struct {
	BaseURL          string
	BalancesPath     string
	BalancesJSONPath string
	RequestTimeout   time.Duration
	APIKeyHeader     string
	APIKey           string
}

type ReconciliationConfig struct {
	Interval  time.Duration
	Tolerance decimal.Decimal
}

type SnapshotConfig struct {
	Interval time.Duration
}

type SchedulerConfig struct {
	RedisURL     string
	KeyPrefix    string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int
}

type KafkaTopics struct {
	Adjustments     string
	BalanceAdjusted string
	Discrepancies   string
	DLQ             string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
	MaxAttempts   int
	RetryBackoff  time.Duration
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type Config struct {
	App            base.AppConfig
	Store          string
	DB             DBConfig
	Exchange       ExchangeConfig
	Reconciliation ReconciliationConfig
	Snapshot       SnapshotConfig
	Scheduler      SchedulerConfig
	Kafka          KafkaConfig
	OTLPEndpoint   string
}

func Load() (*Config, error) {
	if err := base.LoadDotEnv(); err != nil {
		return nil, err
	}
	path := os.Getenv(base.ConfigPathEnv)
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	var envErrs []error
	envInt := func(key string, def int) int {
		n, err := base.EnvInt(key, def)
		if err != nil {
			envErrs = append(envErrs, err)
		}
		return n
	}
	envDuration := func(key string, def time.Duration) time.Duration {
		d, err := base.EnvDuration(key, def)
		if err != nil {
			envErrs = append(envErrs, err)
		}
		return d
	}

	tolerance, err := decimal.NewFromString(base.EnvString("RECONCILIATION_TOLERANCE", v.GetString("reconciliation.tolerance")))
	if err != nil {
		return nil, fmt.Errorf("reconciliation tolerance must be decimal: %w", err)
	}

	cfg := &Config{
		App:   *appCfg,
		Store: strings.ToLower(base.EnvString("LEDGER_STORE", v.GetString("ledger.store"))),
		DB: DBConfig{
			Host:     base.EnvString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     base.EnvString("POSTGRES_DB", "custody_wallet"),
			User:     base.EnvString("POSTGRES_USER", "custody"),
			Password: base.EnvString("POSTGRES_PASSWORD", "custody"),
			SSLMode:  base.EnvString("POSTGRES_SSLMODE", "disable"),
		},
		Exchange: ExchangeConfig{
			BaseURL:          base.EnvString("EXCHANGE_BASE_URL", v.GetString("exchange.base_url")),
			BalancesPath:     base.EnvString("EXCHANGE_BALANCES_PATH", v.GetString("exchange.balances_path")),
			BalancesJSONPath: base.EnvString("EXCHANGE_BALANCES_JSON_PATH", v.GetString("exchange.balances_json_path")),
			RequestTimeout:   envDuration("EXCHANGE_REQUEST_TIMEOUT", v.GetDuration("exchange.request_timeout")),
			APIKeyHeader:     base.EnvString("EXCHANGE_API_KEY_HEADER", v.GetString("exchange.api_key_header")),
			APIKey:           base.EnvString("EXCHANGE_API_KEY", v.GetString("exchange.api_key")),
		},
		Reconciliation: ReconciliationConfig{
			Interval:  envDuration("RECONCILIATION_INTERVAL_SECONDS", v.GetDuration("reconciliation.interval")),
			Tolerance: tolerance,
		},
		Snapshot: SnapshotConfig{
			Interval: envDuration("SNAPSHOT_INTERVAL_SECONDS", v.GetDuration("snapshot.interval")),
		},
		Scheduler: SchedulerConfig{
			RedisURL:     base.EnvString("REDIS_URL", v.GetString("scheduler.redis_url")),
			KeyPrefix:    v.GetString("scheduler.key_prefix"),
			PollInterval: v.GetDuration("scheduler.poll_interval"),
			LeaseTTL:     v.GetDuration("scheduler.lease_ttl"),
			RetryBackoff: v.GetDuration("scheduler.retry_backoff"),
			MaxAttempts:  v.GetInt("scheduler.max_attempts"),
		},
		Kafka: KafkaConfig{
			Brokers:       base.EnvCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: base.EnvString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Adjustments:     v.GetString("kafka.topics.adjustments"),
				BalanceAdjusted: v.GetString("kafka.topics.balance_adjusted"),
				Discrepancies:   v.GetString("kafka.topics.discrepancies"),
				DLQ:             v.GetString("kafka.topics.dlq"),
			},
			MaxAttempts:  envInt("KAFKA_MAX_ATTEMPTS", v.GetInt("kafka.max_attempts")),
			RetryBackoff: envDuration("KAFKA_RETRY_BACKOFF", v.GetDuration("kafka.retry_backoff")),
		},
		OTLPEndpoint: base.EnvString("OTEL_EXPORTER_OTLP_ENDPOINT", v.GetString("otel.endpoint")),
	}

	if err := errors.Join(envErrs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("LEDGER_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if strings.TrimSpace(c.Exchange.BaseURL) == "" {
		return fmt.Errorf("exchange base url required")
	}
	if c.Exchange.RequestTimeout <= 0 {
		return fmt.Errorf("exchange request timeout must be positive")
	}
	if c.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation interval must be positive")
	}
	if !c.Reconciliation.Tolerance.IsPositive() {
		return fmt.Errorf("reconciliation tolerance must be positive")
	}
	if c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive")
	}
	if c.Kafka.Enabled() && c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	if c.Kafka.MaxAttempts <= 0 {
		return fmt.Errorf("kafka max attempts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.store", StorePostgres)
	v.SetDefault("exchange.base_url", "http://localhost:8081")
	v.SetDefault("exchange.balances_path", "/api/v1/balances")
	v.SetDefault("exchange.balances_json_path", "")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.api_key_header", "X-API-Key")
	v.SetDefault("reconciliation.interval", "300s")
	v.SetDefault("reconciliation.tolerance", "0.0001")
	v.SetDefault("snapshot.interval", "60s")
	v.SetDefault("scheduler.redis_url", "")
	v.SetDefault("scheduler.key_prefix", "custody:scheduler")
	v.SetDefault("scheduler.poll_interval", "1s")
	v.SetDefault("scheduler.lease_ttl", "5m")
	v.SetDefault("scheduler.retry_backoff", "5s")
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "wallet-service")
	v.SetDefault("kafka.topics.adjustments", "wallet.adjustments")
	v.SetDefault("kafka.topics.balance_adjusted", "wallet.balance.adjusted")
	v.SetDefault("kafka.topics.discrepancies", "wallet.reconciliation.discrepancies")
	v.SetDefault("kafka.topics.dlq", "wallet.adjustments.dlq")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.retry_backoff", "500ms")
}
