// Package config handles configuration loading and validation for the
// Stratum proxy.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the proxy.
type Config struct {
	PoolA      PoolConfig       `mapstructure:"pool_a"`
	PoolB      PoolConfig       `mapstructure:"pool_b"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Stratum    StratumConfig    `mapstructure:"stratum"`
	Redis      RedisConfig      `mapstructure:"redis"`
	API        APIConfig        `mapstructure:"api"`
	Security   SecurityConfig   `mapstructure:"security"`
	Log        LogConfig        `mapstructure:"log"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Telemetry  NewRelicConfig   `mapstructure:"telemetry"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// PoolConfig describes one upstream pool connection (spec §3, §4.2).
type PoolConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	TLS                 bool   `mapstructure:"tls"`
	Username            string `mapstructure:"username"`
	Password            string `mapstructure:"password"`
	Flavour             string `mapstructure:"flavour"`
	ExtranonceSubscribe bool   `mapstructure:"extranonce_subscribe"`
	// ChainRPCURL is the backing chain node's RPC endpoint, queried for
	// network difficulty/block reward by autobalance mode's sampling loop
	// (spec §4.4). Only required when scheduler.mode is "autobalance".
	ChainRPCURL string `mapstructure:"chain_rpc_url"`
}

// SchedulerConfig controls how miners are split between PoolA and PoolB
// (spec §4.4).
type SchedulerConfig struct {
	Mode              string            `mapstructure:"mode"` // fixed | autobalance | single
	WeightA           int               `mapstructure:"weight_a"`
	WeightB           int               `mapstructure:"weight_b"`
	SinglePoolID      string            `mapstructure:"single_pool_id"`
	SlotSeconds       int               `mapstructure:"slot_seconds"`
	DwellFloorSeconds int               `mapstructure:"dwell_floor_seconds"`
	AutoBalance       AutoBalanceConfig `mapstructure:"auto_balance"`
}

// AutoBalanceConfig tunes the profitability EMA blend (spec §9 resolved
// open question).
type AutoBalanceConfig struct {
	ShortHalflifeSeconds int     `mapstructure:"short_halflife_seconds"`
	LongHalflifeSeconds  int     `mapstructure:"long_halflife_seconds"`
	BlendShort           float64 `mapstructure:"blend_short"`
	// PeriodSeconds is how often weights are re-derived from measured
	// network hashrate (spec §4.4: "every autobalance_period, default
	// 300s").
	PeriodSeconds int `mapstructure:"period_seconds"`
	// RPCTimeoutSeconds bounds each chain-node get_info call the sampling
	// loop makes per pool.
	RPCTimeoutSeconds int `mapstructure:"rpc_timeout_seconds"`
}

// StratumConfig configures the miner-facing listener.
type StratumConfig struct {
	Bind              string `mapstructure:"bind"`
	TLSBind           string `mapstructure:"tls_bind"`
	TLSCert           string `mapstructure:"tls_cert"`
	TLSKey            string `mapstructure:"tls_key"`
	StaleGraceSeconds int    `mapstructure:"stale_grace_seconds"`
}

// RedisConfig defines Redis connection settings, used for best-effort
// status-snapshot persistence and the policy ban/allow lists.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig defines the read-only status API server (spec §6).
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	AdminSecret string        `mapstructure:"admin_secret"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// SecurityConfig defines downstream connection/abuse policy.
type SecurityConfig struct {
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip"`
	MaxWorkersPerIP     int           `mapstructure:"max_workers_per_ip"`
	BanThreshold        int           `mapstructure:"ban_threshold"`
	BanDuration         time.Duration `mapstructure:"ban_duration"`
	RateLimitShares     int           `mapstructure:"rate_limit_shares"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// NotifyConfig configures outbound event notifications (pool switches,
// disconnects, crashes).
type NotifyConfig struct {
	DiscordWebhook  string `mapstructure:"discord_webhook"`
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  string `mapstructure:"telegram_chat_id"`
}

// NewRelicConfig configures the optional New Relic APM integration.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig configures the optional pprof server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// SupervisorConfig tunes periodic housekeeping (spec §4.6).
type SupervisorConfig struct {
	PrunePeriodSeconds int `mapstructure:"prune_period_seconds"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stratum-splitter")
	}

	v.SetEnvPrefix("STRATUM_SPLITTER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool_a.flavour", "generic")
	v.SetDefault("pool_b.flavour", "generic")

	v.SetDefault("scheduler.mode", "fixed")
	v.SetDefault("scheduler.weight_a", 50)
	v.SetDefault("scheduler.weight_b", 50)
	v.SetDefault("scheduler.slot_seconds", 60)
	v.SetDefault("scheduler.dwell_floor_seconds", 30)
	v.SetDefault("scheduler.auto_balance.short_halflife_seconds", 1800)
	v.SetDefault("scheduler.auto_balance.long_halflife_seconds", 86400)
	v.SetDefault("scheduler.auto_balance.blend_short", 0.6)
	v.SetDefault("scheduler.auto_balance.period_seconds", 300)
	v.SetDefault("scheduler.auto_balance.rpc_timeout_seconds", 5)

	v.SetDefault("stratum.bind", "0.0.0.0:3351")
	v.SetDefault("stratum.stale_grace_seconds", 20)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8855")
	v.SetDefault("api.stats_cache", "5s")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("security.max_connections_per_ip", 100)
	v.SetDefault("security.max_workers_per_ip", 256)
	v.SetDefault("security.ban_threshold", 30)
	v.SetDefault("security.ban_duration", "1h")
	v.SetDefault("security.rate_limit_shares", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.app_name", "stratum-splitter")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("supervisor.prune_period_seconds", 60)
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.PoolA.Host == "" || c.PoolB.Host == "" {
		return fmt.Errorf("pool_a.host and pool_b.host are both required")
	}
	if c.PoolA.Port == 0 || c.PoolB.Port == 0 {
		return fmt.Errorf("pool_a.port and pool_b.port are both required")
	}

	switch c.Scheduler.Mode {
	case "fixed", "autobalance", "single":
	default:
		return fmt.Errorf("scheduler.mode must be one of fixed, autobalance, single")
	}

	if c.Scheduler.Mode == "fixed" && c.Scheduler.WeightA+c.Scheduler.WeightB != 100 {
		return fmt.Errorf("scheduler.weight_a + scheduler.weight_b must equal 100 in fixed mode")
	}
	if c.Scheduler.Mode == "single" && c.Scheduler.SinglePoolID != "A" && c.Scheduler.SinglePoolID != "B" {
		return fmt.Errorf("scheduler.single_pool_id must be \"A\" or \"B\" in single mode")
	}
	if c.Scheduler.DwellFloorSeconds < 0 {
		return fmt.Errorf("scheduler.dwell_floor_seconds must be >= 0")
	}
	if c.Scheduler.Mode == "autobalance" && (c.PoolA.ChainRPCURL == "" || c.PoolB.ChainRPCURL == "") {
		return fmt.Errorf("pool_a.chain_rpc_url and pool_b.chain_rpc_url are both required in autobalance mode")
	}

	if c.Stratum.Bind == "" {
		return fmt.Errorf("stratum.bind is required")
	}

	return nil
}

// SlotDuration returns the scheduler's slot length as a duration.
func (c *Config) SlotDuration() time.Duration {
	if c.Scheduler.SlotSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Scheduler.SlotSeconds) * time.Second
}

// DwellFloor returns the configured dwell floor as a duration.
func (c *Config) DwellFloor() time.Duration {
	return time.Duration(c.Scheduler.DwellFloorSeconds) * time.Second
}

// StaleGrace returns the configured stale-share grace window.
func (c *Config) StaleGrace() time.Duration {
	return time.Duration(c.Stratum.StaleGraceSeconds) * time.Second
}

// PrunePeriod returns the supervisor's housekeeping interval.
func (c *Config) PrunePeriod() time.Duration {
	if c.Supervisor.PrunePeriodSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Supervisor.PrunePeriodSeconds) * time.Second
}

// AutoBalancePeriod returns how often autobalance mode resamples network
// hashrate.
func (c *Config) AutoBalancePeriod() time.Duration {
	if c.Scheduler.AutoBalance.PeriodSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Scheduler.AutoBalance.PeriodSeconds) * time.Second
}

// AutoBalanceRPCTimeout returns the per-call timeout for the autobalance
// sampling loop's chain-node queries.
func (c *Config) AutoBalanceRPCTimeout() time.Duration {
	if c.Scheduler.AutoBalance.RPCTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Scheduler.AutoBalance.RPCTimeoutSeconds) * time.Second
}
