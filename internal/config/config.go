package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/itsknk/referral-system-assesment/internal/fees"
	base "github.com/itsknk/referral-system-assesment/libs/config"
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
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	TradeFees string
	Accruals  string
	Payouts   string
	DLQ       string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type ClaimConfig struct {
	LockTimeout time.Duration
}

type Config struct {
	App   base.AppConfig
	DB    DBConfig
	Kafka KafkaConfig
	Claim ClaimConfig
	Rates fees.RateTable
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("REF_CONFIG"))
	if err != nil {
		return nil, err
	}

	rates, err := loadRates()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "referral_core"),
			User:     envString("POSTGRES_USER", "referral"),
			Password: envString("POSTGRES_PASSWORD", "referral"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", "referral-service"),
			Topics: KafkaTopics{
				TradeFees: envString("KAFKA_TRADE_FEES_TOPIC", "trades.fees"),
				Accruals:  envString("KAFKA_ACCRUALS_TOPIC", "referral.accruals"),
				Payouts:   envString("KAFKA_PAYOUTS_TOPIC", "referral.payouts"),
				DLQ:       envString("KAFKA_DLQ_TOPIC", "referral.dlq"),
			},
		},
		Claim: ClaimConfig{
			LockTimeout: envDuration("CLAIM_LOCK_TIMEOUT", 5*time.Second),
		},
		Rates: rates,
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.TradeFees == "" {
		return nil, fmt.Errorf("kafka trade fees topic required")
	}
	if cfg.Claim.LockTimeout <= 0 {
		return nil, fmt.Errorf("claim lock timeout must be positive")
	}

	return cfg, nil
}

// loadRates builds the commission rate table from the environment, falling
// back to the production defaults. Validation rejects tables that allocate
// more than the whole fee.
func loadRates() (fees.RateTable, error) {
	table := fees.DefaultRateTable()

	var err error
	if table.Cashback, err = envRate("RATE_CASHBACK", table.Cashback); err != nil {
		return fees.RateTable{}, err
	}
	levelKeys := [fees.MaxCommissionLevels]string{"RATE_LEVEL1", "RATE_LEVEL2", "RATE_LEVEL3"}
	for i, key := range levelKeys {
		if table.Levels[i], err = envRate(key, table.Levels[i]); err != nil {
			return fees.RateTable{}, err
		}
	}

	if err := table.Validate(); err != nil {
		return fees.RateTable{}, fmt.Errorf("rate table: %w", err)
	}
	return table, nil
}

func envRate(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be decimal: %w", key, err)
	}
	return rate, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
