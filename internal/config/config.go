package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Host      HostConfig      `mapstructure:"host"`
	CSMS      CSMSConfig      `mapstructure:"csms"`
	Balanz    BalanzConfig    `mapstructure:"balanz"`
	Model     ModelConfig     `mapstructure:"model"`
	History   HistoryConfig   `mapstructure:"history"`
	API       APIConfig       `mapstructure:"api"`
	ExtServer ExtServerConfig `mapstructure:"ext_server"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// HostConfig configures the WebSocket listener chargers connect to.
type HostConfig struct {
	Addr                string        `mapstructure:"addr" validate:"required"`
	Port                int           `mapstructure:"port" validate:"min=1,max=65535"`
	TLSCert             string        `mapstructure:"tls_cert"`
	TLSKey              string        `mapstructure:"tls_key"`
	HTTPAuth            bool          `mapstructure:"http_auth"`
	HTTPAuthDelay       time.Duration `mapstructure:"http_auth_delay"`
	HTTPAuthViaProtocol bool          `mapstructure:"http_auth_via_protocol"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	WatchdogInterval    time.Duration `mapstructure:"watchdog_interval"`
	WatchdogStale       time.Duration `mapstructure:"watchdog_stale"`
	ReadBufferSize      int           `mapstructure:"read_buffer_size"`
	WriteBufferSize     int           `mapstructure:"write_buffer_size"`
	MaxMessageSize      int64         `mapstructure:"max_message_size"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
}

// CSMSConfig configures OCPP central-system behaviour.
type CSMSConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	TransactionInterval time.Duration `mapstructure:"transaction_interval"`
	TransactionTimeout  time.Duration `mapstructure:"transaction_timeout"`
	AllowConcurrentTag  bool          `mapstructure:"allow_concurrent_tag"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
}

// BalanzConfig holds the allocation-engine knobs. All knobs are read on
// every engine pass, so API-driven updates take effect immediately.
type BalanzConfig struct {
	RunInterval                  time.Duration `mapstructure:"run_interval"`
	IntervalsFull                int           `mapstructure:"intervals_full" validate:"min=1"`
	FirstWait                    time.Duration `mapstructure:"first_wait"`
	MinAllocation                float64       `mapstructure:"min_allocation" validate:"min=0"`
	MaxOfferIncrease             float64       `mapstructure:"max_offer_increase" validate:"min=1"`
	MinOfferIncreaseInterval     time.Duration `mapstructure:"min_offer_increase_interval"`
	UsageMonitoringInterval      time.Duration `mapstructure:"usage_monitoring_interval"`
	MarginLower                  float64       `mapstructure:"margin_lower"`
	MarginIncrease               float64       `mapstructure:"margin_increase"`
	UsageThreshold               float64       `mapstructure:"usage_threshold"`
	SuspendedAllocationTimeout   time.Duration `mapstructure:"suspended_allocation_timeout"`
	SuspendedDelayedTime         time.Duration `mapstructure:"suspended_delayed_time"`
	SuspendedDelayedTimeNotFirst time.Duration `mapstructure:"suspended_delayed_time_not_first"`
	SuspendTopOfHour             bool          `mapstructure:"suspend_top_of_hour"`
	EnergyThreshold              int64         `mapstructure:"energy_threshold"`
	WaitAfterReduce              time.Duration `mapstructure:"wait_after_reduce"`
	DefaultMaxAllocation         float64       `mapstructure:"default_max_allocation" validate:"min=0"`
}

// ModelConfig locates the entity CSV files and controls auto-registration.
type ModelConfig struct {
	GroupsCSV                string `mapstructure:"groups_csv"`
	ChargersCSV              string `mapstructure:"chargers_csv"`
	TagsCSV                  string `mapstructure:"tags_csv"`
	FirmwareCSV              string `mapstructure:"firmware_csv"`
	ChargerAutoRegister      bool   `mapstructure:"charger_autoregister"`
	ChargerAutoRegisterGroup string `mapstructure:"charger_autoregister_group"`
}

// HistoryConfig locates the append-only session CSV and the audit file.
type HistoryConfig struct {
	SessionCSV string `mapstructure:"session_csv"`
	AuditFile  string `mapstructure:"audit_file"`
}

// APIConfig configures the admin API.
type APIConfig struct {
	UsersCSV string `mapstructure:"users_csv"`
}

// ExtServerConfig enables local-controller mode: when Server is set,
// charger sessions are proxied to the named upstream CSMS.
type ExtServerConfig struct {
	Server             string `mapstructure:"server"`
	ServerChargingCall string `mapstructure:"server_charging_call" validate:"oneof=Forward Accepted Rejected NotSupported"`
	UserAgent          string `mapstructure:"user_agent"`
}

// LogConfig configures log output.
type LogConfig struct {
	Level         string            `mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format        string            `mapstructure:"format" validate:"oneof=console json"`
	Output        string            `mapstructure:"output"`
	Async         bool              `mapstructure:"async"`
	MemoryEntries int               `mapstructure:"memory_entries" validate:"min=0"`
	Components    map[string]string `mapstructure:"components"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RedisConfig configures the optional connection-presence registry.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig configures the optional integration-event producer.
type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	RetryMax       int           `mapstructure:"retry_max"`
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
}

// Load reads the config file at path (optional), applies BALANZ_*
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("BALANZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints beyond what parsing enforces.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Host.TLSCert == "") != (c.Host.TLSKey == "") {
		return fmt.Errorf("invalid config: tls_cert and tls_key must be set together")
	}
	if c.Model.ChargerAutoRegister && c.Model.ChargerAutoRegisterGroup == "" {
		return fmt.Errorf("invalid config: charger_autoregister requires charger_autoregister_group")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("invalid config: kafka enabled without brokers")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("invalid config: redis enabled without addr")
	}
	return nil
}

// ListenAddr returns the host:port the WebSocket server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host.Addr, c.Host.Port)
}

// TLSEnabled reports whether the listener should serve wss.
func (c *Config) TLSEnabled() bool {
	return c.Host.TLSCert != "" && c.Host.TLSKey != ""
}

// LocalControllerMode reports whether charger sessions proxy to an
// upstream CSMS instead of terminating locally.
func (c *Config) LocalControllerMode() bool {
	return c.ExtServer.Server != ""
}

func setDefaults() {
	viper.SetDefault("host.addr", "0.0.0.0")
	viper.SetDefault("host.port", 9999)
	viper.SetDefault("host.tls_cert", "")
	viper.SetDefault("host.tls_key", "")
	viper.SetDefault("host.http_auth", false)
	viper.SetDefault("host.http_auth_delay", "30s")
	viper.SetDefault("host.http_auth_via_protocol", false)
	viper.SetDefault("host.ping_interval", "30s")
	viper.SetDefault("host.watchdog_interval", "60s")
	viper.SetDefault("host.watchdog_stale", "300s")
	viper.SetDefault("host.read_buffer_size", 4096)
	viper.SetDefault("host.write_buffer_size", 4096)
	viper.SetDefault("host.max_message_size", 1048576)
	viper.SetDefault("host.write_timeout", "10s")

	viper.SetDefault("csms.heartbeat_interval", "300s")
	viper.SetDefault("csms.transaction_interval", "60s")
	viper.SetDefault("csms.transaction_timeout", "300s")
	viper.SetDefault("csms.allow_concurrent_tag", false)
	viper.SetDefault("csms.call_timeout", "30s")

	viper.SetDefault("balanz.run_interval", "60s")
	viper.SetDefault("balanz.intervals_full", 5)
	viper.SetDefault("balanz.first_wait", "30s")
	viper.SetDefault("balanz.min_allocation", 6)
	viper.SetDefault("balanz.max_offer_increase", 6)
	viper.SetDefault("balanz.min_offer_increase_interval", "180s")
	viper.SetDefault("balanz.usage_monitoring_interval", "300s")
	viper.SetDefault("balanz.margin_lower", 0.6)
	viper.SetDefault("balanz.margin_increase", 0.6)
	viper.SetDefault("balanz.usage_threshold", 2.0)
	viper.SetDefault("balanz.suspended_allocation_timeout", "300s")
	viper.SetDefault("balanz.suspended_delayed_time", "3600s")
	viper.SetDefault("balanz.suspended_delayed_time_not_first", "3600s")
	viper.SetDefault("balanz.suspend_top_of_hour", true)
	viper.SetDefault("balanz.energy_threshold", 500)
	viper.SetDefault("balanz.wait_after_reduce", "5s")
	viper.SetDefault("balanz.default_max_allocation", 32.0)

	viper.SetDefault("model.groups_csv", "")
	viper.SetDefault("model.chargers_csv", "")
	viper.SetDefault("model.tags_csv", "")
	viper.SetDefault("model.firmware_csv", "")
	viper.SetDefault("model.charger_autoregister", false)
	viper.SetDefault("model.charger_autoregister_group", "")

	viper.SetDefault("history.session_csv", "")
	viper.SetDefault("history.audit_file", "")

	viper.SetDefault("api.users_csv", "")

	viper.SetDefault("ext_server.server", "")
	viper.SetDefault("ext_server.server_charging_call", "Accepted")
	viper.SetDefault("ext_server.user_agent", "balanz")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.async", false)
	viper.SetDefault("log.memory_entries", 200)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", "balanz:conn:")
	viper.SetDefault("redis.ttl", "120s")
	viper.SetDefault("redis.pool_size", 20)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{})
	viper.SetDefault("kafka.topic", "balanz-events")
	viper.SetDefault("kafka.retry_max", 3)
	viper.SetDefault("kafka.flush_frequency", "500ms")
}
