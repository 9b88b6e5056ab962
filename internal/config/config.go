// Package config loads process configuration via viper with environment
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig configures the order store connection.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres or sqlite
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// LedgerConfig configures the on-chain venue contract client.
type LedgerConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	VenueContract  string        `mapstructure:"venue_contract"`
	PrivateKey     string        `mapstructure:"private_key"` // hex, no 0x prefix
	ChainID        int64         `mapstructure:"chain_id"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
}

// WorkerConfig configures the periodic background worker and the settlement
// pipeline.
type WorkerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	SettlementBatchSize int           `mapstructure:"settlement_batch_size"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	StalledAfter        time.Duration `mapstructure:"stalled_after"`
	MatchQueryLimit     int           `mapstructure:"match_query_limit"`
}

// KafkaConfig configures the trade event feed.
type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	TradeTopic string   `mapstructure:"trade_topic"`
}

// RedisConfig configures the optional reference price cache.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

// AdminConfig configures the operational HTTP surface.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Database DatabaseConfig `mapstructure:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("ledger.call_timeout", 10*time.Second)
	v.SetDefault("ledger.confirm_timeout", 2*time.Minute)
	v.SetDefault("ledger.gas_limit", uint64(1_500_000))
	v.SetDefault("worker.interval", 15*time.Second)
	v.SetDefault("worker.settlement_batch_size", 10)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_backoff", 30*time.Second)
	v.SetDefault("worker.stalled_after", 5*time.Minute)
	v.SetDefault("worker.match_query_limit", 500)
	v.SetDefault("kafka.trade_topic", "chainvenue.trades")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("admin.listen_addr", ":8181")
}

// Load reads configuration from path (optional) and CHAINVENUE_* environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAINVENUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
