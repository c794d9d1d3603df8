package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KafkaConfig gathers broker and topic settings. An empty broker list
// disables messaging entirely: no producer, no consumer, log-only sink.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	ChainEvents   string
	LedgerEntries string
	DeadLetter    string
}

// RiskConfig parameterizes the default withdrawal policy. The cap is a
// fixed per-deployment constant in minimal asset units; zero disables it.
type RiskConfig struct {
	DailyCap int64
	Window   time.Duration
}

// Config captures application runtime configuration. Values come from
// environment variables prefixed CUSTODIA, optionally layered over a YAML
// file named by CUSTODIA_CONFIG.
type Config struct {
	ServiceName string
	Env         string
	LogLevel    string
	Port        string

	DatabaseURL string
	DBMaxConns  int32
	RedisURL    string

	Kafka KafkaConfig
	Risk  RiskConfig

	LockTimeout     time.Duration
	BalanceCacheTTL time.Duration
	IdempotencyTTL  time.Duration
	ReservePerMin   int
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment and the optional config
// file, applies defaults, and validates the result.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CUSTODIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path := os.Getenv("CUSTODIA_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		ServiceName: v.GetString("service_name"),
		Env:         v.GetString("env"),
		LogLevel:    strings.ToLower(v.GetString("log_level")),
		Port:        v.GetString("port"),
		DatabaseURL: v.GetString("database.url"),
		DBMaxConns:  v.GetInt32("database.max_conns"),
		RedisURL:    v.GetString("redis.url"),
		Kafka: KafkaConfig{
			Brokers:       splitCSV(v.GetString("kafka.brokers")),
			ConsumerGroup: v.GetString("kafka.consumer_group"),
			ChainEvents:   v.GetString("kafka.topics.chain_events"),
			LedgerEntries: v.GetString("kafka.topics.ledger_entries"),
			DeadLetter:    v.GetString("kafka.topics.dead_letter"),
		},
		Risk: RiskConfig{
			DailyCap: v.GetInt64("risk.daily_cap"),
			Window:   v.GetDuration("risk.window"),
		},
		LockTimeout:     v.GetDuration("lock_timeout"),
		BalanceCacheTTL: v.GetDuration("balance_cache_ttl"),
		IdempotencyTTL:  v.GetDuration("idempotency_ttl"),
		ReservePerMin:   v.GetInt("reserve_rate_limit"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("CUSTODIA_DATABASE_URL must be set")
	}
	if cfg.Risk.DailyCap < 0 {
		return Config{}, fmt.Errorf("CUSTODIA_RISK_DAILY_CAP must not be negative")
	}
	if cfg.MessagingEnabled() && cfg.Kafka.ConsumerGroup == "" {
		return Config{}, fmt.Errorf("CUSTODIA_KAFKA_CONSUMER_GROUP must be set when brokers are configured")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "custodia")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", "8080")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("redis.url", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.consumer_group", "custodia-ledger")
	v.SetDefault("kafka.topics.chain_events", "chain.deposit.events")
	v.SetDefault("kafka.topics.ledger_entries", "ledger.entries")
	v.SetDefault("kafka.topics.dead_letter", "chain.deposit.events.dlq")
	v.SetDefault("risk.daily_cap", int64(1_000_000_000))
	v.SetDefault("risk.window", "24h")
	v.SetDefault("lock_timeout", "3s")
	v.SetDefault("balance_cache_ttl", "5s")
	v.SetDefault("idempotency_ttl", "24h")
	v.SetDefault("reserve_rate_limit", 30)
	v.SetDefault("shutdown_timeout", "10s")
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// MessagingEnabled reports whether Kafka brokers are configured.
func (c Config) MessagingEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
