// Package config loads escrowd configuration from YAML with ESCROW_ environment
// overrides. Nested keys map to env names by upper-casing and replacing dots with
// underscores: storage.postgres_dsn becomes ESCROW_STORAGE_POSTGRES_DSN.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"trade-escrow/internal/domain"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "ESCROW"

type ServiceConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig configures HS256 bearer tokens. The token subject is the caller address.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type EngineConfig struct {
	// Custodian is the account holding escrowed assets.
	Custodian string `mapstructure:"custodian"`
}

type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver           string `mapstructure:"driver"`
	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`
	// ClickhouseDSN enables the analytics event log when set.
	ClickhouseDSN string `mapstructure:"clickhouse_dsn"`
	Migrate       bool   `mapstructure:"migrate"`
}

type CustodyConfig struct {
	// Driver is "memory" or "rpc".
	Driver      string        `mapstructure:"driver"`
	RPCEndpoint string        `mapstructure:"rpc_endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	MaxAttempts int      `mapstructure:"max_attempts"`
}

type EventsConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
	FeedBuffer     int           `mapstructure:"feed_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// BootstrapConfig initializes an uninitialized ledger at startup.
type BootstrapConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	ThresholdAmount string   `mapstructure:"threshold_amount"`
	Treasury        string   `mapstructure:"treasury"`
	Name            string   `mapstructure:"name"`
	Symbol          string   `mapstructure:"symbol"`
	Admin           string   `mapstructure:"admin"`
	Owner           string   `mapstructure:"owner"`
	Signers         []string `mapstructure:"signers"`
}

type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Custody   CustodyConfig   `mapstructure:"custody"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Events    EventsConfig    `mapstructure:"events"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// Load reads path (optional) over defaults, applies env overrides and validates.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "escrowd")
	v.SetDefault("service.env", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("engine.custodian", "")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.postgres_max_conns", 10)
	v.SetDefault("storage.clickhouse_dsn", "")
	v.SetDefault("storage.migrate", true)

	v.SetDefault("custody.driver", "memory")
	v.SetDefault("custody.rpc_endpoint", "")
	v.SetDefault("custody.timeout", "30s")
	v.SetDefault("custody.max_retries", 3)
	v.SetDefault("custody.retry_delay", "500ms")
	v.SetDefault("custody.max_delay", "10s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "escrow.events")
	v.SetDefault("kafka.max_attempts", 10)

	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.deliver_timeout", "10s")
	v.SetDefault("events.feed_buffer", 256)
	v.SetDefault("events.ping_interval", "30s")

	v.SetDefault("bootstrap.enabled", false)
	v.SetDefault("bootstrap.threshold_amount", "0")
	v.SetDefault("bootstrap.treasury", "")
	v.SetDefault("bootstrap.name", "")
	v.SetDefault("bootstrap.symbol", "")
	v.SetDefault("bootstrap.admin", "")
	v.SetDefault("bootstrap.owner", "")
	v.SetDefault("bootstrap.signers", []string{})
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if !isAddress(c.Engine.Custodian) {
		return fmt.Errorf("engine.custodian must be a non-zero hex address, got %q", c.Engine.Custodian)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver)
	}

	switch c.Custody.Driver {
	case "memory":
	case "rpc":
		if c.Custody.RPCEndpoint == "" {
			return fmt.Errorf("custody.rpc_endpoint is required for the rpc driver")
		}
	default:
		return fmt.Errorf("custody.driver must be memory or rpc, got %q", c.Custody.Driver)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic required")
		}
	}

	if c.Bootstrap.Enabled {
		if err := c.Bootstrap.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BootstrapConfig) validate() error {
	if _, err := domain.ParseAmount(b.ThresholdAmount); err != nil {
		return fmt.Errorf("bootstrap.threshold_amount: %w", err)
	}
	for _, f := range []struct{ key, addr string }{
		{"bootstrap.treasury", b.Treasury},
		{"bootstrap.admin", b.Admin},
		{"bootstrap.owner", b.Owner},
	} {
		if !isAddress(f.addr) {
			return fmt.Errorf("%s must be a non-zero hex address, got %q", f.key, f.addr)
		}
	}
	if b.Name == "" || b.Symbol == "" {
		return fmt.Errorf("bootstrap.name and bootstrap.symbol are required")
	}
	for _, s := range b.Signers {
		if !isAddress(s) {
			return fmt.Errorf("bootstrap.signers: invalid address %q", s)
		}
	}
	return nil
}

// CustodianAddress returns the parsed engine.custodian.
func (c *Config) CustodianAddress() common.Address {
	return common.HexToAddress(c.Engine.Custodian)
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
