package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Lines      []LineConfig     `mapstructure:"lines"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	CallBridge CallBridgeConfig `mapstructure:"call_bridge"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	DialTopic         string        `mapstructure:"dial_topic"`
	SignalTopic       string        `mapstructure:"signal_topic"`
	StatusTopic       string        `mapstructure:"status_topic"`
	ConsumerGroupID   string        `mapstructure:"consumer_group_id"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatcherConfig tunes the scheduling loop.
type DispatcherConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	DialRate          float64       `mapstructure:"dial_rate"`
	DialBurst         int           `mapstructure:"dial_burst"`
	DefaultRegion     string        `mapstructure:"default_region"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	GlobalConcurrency int           `mapstructure:"global_concurrency"`
	GuardTTL          time.Duration `mapstructure:"guard_ttl"`
	GuardKeyPrefix    string        `mapstructure:"guard_key_prefix"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
}

// DefaultsConfig fills campaign settings a submission leaves unset.
type DefaultsConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
}

// LineConfig declares one outbound line.
type LineConfig struct {
	ID                 string `mapstructure:"id"`
	Extension          string `mapstructure:"extension"`
	MaxConcurrentCalls int    `mapstructure:"max_concurrent_calls"`
	Status             string `mapstructure:"status"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

type CallBridgeConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SuccessRate    float64       `mapstructure:"success_rate"`
	BusyRate       float64       `mapstructure:"busy_rate"`
	NoAnswerRate   float64       `mapstructure:"no_answer_rate"`
	RingDelay      time.Duration `mapstructure:"ring_delay"`
	TalkTime       time.Duration `mapstructure:"talk_time"`
}

// Load reads configuration from an optional file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROADCAST")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "broadcast-dispatch")
	v.SetDefault("app.env", "dev")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.consistency", "quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("kafka.client_id", "broadcast-dispatch")
	v.SetDefault("kafka.dial_topic", "broadcast.dial")
	v.SetDefault("kafka.signal_topic", "broadcast.signal")
	v.SetDefault("kafka.status_topic", "broadcast.status")
	v.SetDefault("kafka.consumer_group_id", "broadcast-dispatch")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.write_timeout", 5*time.Second)
	v.SetDefault("kafka.partitions", 6)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", time.Second)
	v.SetDefault("redis.write_timeout", time.Second)
	v.SetDefault("telemetry.service_name", "broadcast-dispatch")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)
	v.SetDefault("dispatcher.tick_interval", time.Second)
	v.SetDefault("dispatcher.dial_rate", 20.0)
	v.SetDefault("dispatcher.dial_burst", 20)
	v.SetDefault("dispatcher.default_region", "UZ")
	v.SetDefault("dispatcher.shutdown_timeout", 15*time.Second)
	v.SetDefault("dispatcher.guard_ttl", 2*time.Minute)
	v.SetDefault("dispatcher.guard_key_prefix", "broadcast:slots")
	v.SetDefault("dispatcher.persist_timeout", 3*time.Second)
	v.SetDefault("defaults.max_retries", 1)
	v.SetDefault("defaults.retry_delay", time.Minute)
	v.SetDefault("defaults.call_timeout", 30*time.Second)
	v.SetDefault("defaults.max_concurrent_calls", 5)
	v.SetDefault("breaker.consecutive_failures", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("call_bridge.provider_name", "mock")
	v.SetDefault("call_bridge.request_timeout", 5*time.Second)
	v.SetDefault("call_bridge.success_rate", 0.7)
	v.SetDefault("call_bridge.busy_rate", 0.1)
	v.SetDefault("call_bridge.no_answer_rate", 0.1)
	v.SetDefault("call_bridge.ring_delay", 2*time.Second)
	v.SetDefault("call_bridge.talk_time", 10*time.Second)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatcher.TickInterval <= 0 {
		errs = append(errs, errors.New("dispatcher.tick_interval must be positive"))
	}
	if c.Defaults.MaxRetries < 0 {
		errs = append(errs, errors.New("defaults.max_retries must not be negative"))
	}
	if c.Defaults.CallTimeout <= 0 {
		errs = append(errs, errors.New("defaults.call_timeout must be positive"))
	}
	if c.Defaults.MaxConcurrentCalls < 1 {
		errs = append(errs, errors.New("defaults.max_concurrent_calls must be at least 1"))
	}
	seen := make(map[string]bool, len(c.Lines))
	for i, l := range c.Lines {
		if l.ID == "" {
			errs = append(errs, fmt.Errorf("lines[%d].id is required", i))
			continue
		}
		if seen[l.ID] {
			errs = append(errs, fmt.Errorf("lines[%d].id %q is duplicated", i, l.ID))
		}
		seen[l.ID] = true
	}
	switch c.CallBridge.ProviderName {
	case "mock", "kafka":
	default:
		errs = append(errs, fmt.Errorf("call_bridge.provider_name %q is not supported", c.CallBridge.ProviderName))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
