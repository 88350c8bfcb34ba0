// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names. FromEnv reads these directly; YAML files may
// reference them with ${VAR} placeholders.
const (
	EnvTradingMode         = "TRADING_MODE"
	EnvExecutionEnabled    = "EXECUTION_ENABLED"
	EnvExecutionHalted     = "EXECUTION_HALTED"
	EnvGuardUnlock         = "EXEC_GUARD_UNLOCK"
	EnvConfirmToken        = "EXECUTION_CONFIRM_TOKEN"
	EnvBrokerBaseURL       = "BROKER_BASE_URL"
	EnvBrokerAPIKey        = "BROKER_API_KEY"
	EnvBrokerAPISecret     = "BROKER_API_SECRET"
	EnvBrokerAdapter       = "BROKER_ADAPTER"
	EnvSmartRouting        = "EXEC_SMART_ROUTING_ENABLED"
	EnvMaxSpreadPct        = "EXEC_MAX_SPREAD_PCT"
	EnvOrderStaleS         = "EXEC_ORDER_STALE_S"
	EnvTimeoutOptionsMkt   = "EXEC_ORDER_TIMEOUT_S_OPTIONS_MARKET"
	EnvTimeoutOptionsLimit = "EXEC_ORDER_TIMEOUT_S_OPTIONS_LIMIT"
	EnvTimeoutDefaultMkt   = "EXEC_ORDER_TIMEOUT_S_DEFAULT_MARKET"
	EnvTimeoutDefaultLimit = "EXEC_ORDER_TIMEOUT_S_DEFAULT_LIMIT"
	EnvRecoverIntervalS    = "EXEC_RECOVER_INTERVAL_S"
	EnvRecoverShardCount   = "EXEC_RECOVER_SHARD_COUNT"
	EnvRecoverShardIndex   = "EXEC_RECOVER_SHARD_INDEX"
	EnvAdminKey            = "EXEC_AGENT_ADMIN_KEY"
	EnvAdminPort           = "EXEC_ADMIN_PORT"
	EnvDatabasePath        = "EXEC_DB_PATH"
	EnvLogLevel            = "EXEC_LOG_LEVEL"
	EnvMetricsPort         = "EXEC_METRICS_PORT"
	EnvDisabledUsers       = "EXEC_DISABLED_USERS"
	EnvSlackWebhookURL     = "SLACK_WEBHOOK_URL"
	EnvTelegramToken       = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID      = "TELEGRAM_CHAT_ID"
)

// Config represents the complete configuration structure
type Config struct {
	Gate      GateConfig      `yaml:"gate"`
	Broker    BrokerConfig    `yaml:"broker"`
	Routing   RoutingConfig   `yaml:"routing"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Users     UsersConfig     `yaml:"users"`
	Alerts    AlertConfig     `yaml:"alerts"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// GateConfig contains the safety gate switches. Every default is the closed
// position: a zero-value gate never reaches a broker.
type GateConfig struct {
	Mode             string `yaml:"trading_mode"`
	ExecutionEnabled bool   `yaml:"execution_enabled"`
	ExecutionHalted  bool   `yaml:"execution_halted"`
	GuardUnlock      bool   `yaml:"guard_unlock"`
	ConfirmToken     Secret `yaml:"confirm_token"`
}

// BrokerConfig contains brokerage connection settings. Adapter selects the
// paper simulator or the REST client; RateLimit/RateBurst bound outbound
// request rate and BreakerDelayS is the circuit breaker half-open delay.
type BrokerConfig struct {
	Adapter       string `yaml:"adapter"`
	BaseURL       string `yaml:"base_url"`
	APIKey        Secret `yaml:"api_key"`
	APISecret     Secret `yaml:"api_secret"`
	RateLimit     int    `yaml:"rate_limit"`
	RateBurst     int    `yaml:"rate_burst"`
	MaxRetries    int    `yaml:"max_retries"`
	BreakerDelayS int    `yaml:"breaker_delay_s"`
}

// RoutingConfig contains smart routing (cost gate) settings
type RoutingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MaxSpreadPct float64 `yaml:"max_spread_pct"` // 0 means per-asset-class defaults
}

// RecoveryConfig contains order tracker poll/timeout/reconcile settings
type RecoveryConfig struct {
	StaleAfterS           int `yaml:"stale_after_s"`
	TimeoutOptionsMarketS int `yaml:"timeout_options_market_s"`
	TimeoutOptionsLimitS  int `yaml:"timeout_options_limit_s"`
	TimeoutDefaultMarketS int `yaml:"timeout_default_market_s"`
	TimeoutDefaultLimitS  int `yaml:"timeout_default_limit_s"`
	IntervalS             int `yaml:"interval_s"` // 0 disables the periodic loop
	PassTimeoutS          int `yaml:"pass_timeout_s"`
	ShardCount            int `yaml:"shard_count"`
	ShardIndex            int `yaml:"shard_index"`
	PoolSize              int `yaml:"pool_size"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ServerConfig contains admin HTTP server settings
type ServerConfig struct {
	Port             int      `yaml:"port"`
	AdminKey         Secret   `yaml:"admin_key"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	MaxWSConnections int      `yaml:"max_ws_connections"`
}

// UsersConfig contains per-user trading enablement
type UsersConfig struct {
	DefaultEnabled bool     `yaml:"default_enabled"`
	Disabled       []string `yaml:"disabled"`
}

// AlertConfig contains operator alerting settings
type AlertConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SlackWebhookURL Secret `yaml:"slack_webhook_url"`
	TelegramToken   Secret `yaml:"telegram_token"`
	TelegramChatID  string `yaml:"telegram_chat_id"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// Duration accessors. Config keeps integers so YAML and env agree on units.

func (r RecoveryConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterS) * time.Second
}

func (r RecoveryConfig) Interval() time.Duration {
	return time.Duration(r.IntervalS) * time.Second
}

func (r RecoveryConfig) PassTimeout() time.Duration {
	return time.Duration(r.PassTimeoutS) * time.Second
}

func (r RecoveryConfig) TimeoutFor(isOption, isMarket bool) time.Duration {
	switch {
	case isOption && isMarket:
		return time.Duration(r.TimeoutOptionsMarketS) * time.Second
	case isOption:
		return time.Duration(r.TimeoutOptionsLimitS) * time.Second
	case isMarket:
		return time.Duration(r.TimeoutDefaultMarketS) * time.Second
	default:
		return time.Duration(r.TimeoutDefaultLimitS) * time.Second
	}
}

func (b BrokerConfig) BreakerDelay() time.Duration {
	return time.Duration(b.BreakerDelayS) * time.Second
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Unset fields take the same defaults as FromEnv.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// FromEnv builds the configuration from environment variables alone. Every
// switch defaults to its fail-closed position; malformed values are errors,
// never coerced.
func FromEnv() (*Config, error) {
	config := DefaultConfig()
	var err error

	if v := os.Getenv(EnvTradingMode); v != "" {
		config.Gate.Mode = strings.ToUpper(v)
	}
	if config.Gate.ExecutionEnabled, err = envBool(EnvExecutionEnabled, config.Gate.ExecutionEnabled); err != nil {
		return nil, err
	}
	if config.Gate.ExecutionHalted, err = envBool(EnvExecutionHalted, config.Gate.ExecutionHalted); err != nil {
		return nil, err
	}
	if config.Gate.GuardUnlock, err = envBool(EnvGuardUnlock, config.Gate.GuardUnlock); err != nil {
		return nil, err
	}
	if v := os.Getenv(EnvConfirmToken); v != "" {
		config.Gate.ConfirmToken = Secret(v)
	}

	if v := os.Getenv(EnvBrokerAdapter); v != "" {
		config.Broker.Adapter = strings.ToLower(v)
	}
	if v := os.Getenv(EnvBrokerBaseURL); v != "" {
		config.Broker.BaseURL = v
	}
	if v := os.Getenv(EnvBrokerAPIKey); v != "" {
		config.Broker.APIKey = Secret(v)
	}
	if v := os.Getenv(EnvBrokerAPISecret); v != "" {
		config.Broker.APISecret = Secret(v)
	}

	if config.Routing.Enabled, err = envBool(EnvSmartRouting, config.Routing.Enabled); err != nil {
		return nil, err
	}
	if config.Routing.MaxSpreadPct, err = envFloat(EnvMaxSpreadPct, config.Routing.MaxSpreadPct); err != nil {
		return nil, err
	}

	if config.Recovery.StaleAfterS, err = envInt(EnvOrderStaleS, config.Recovery.StaleAfterS); err != nil {
		return nil, err
	}
	if config.Recovery.TimeoutOptionsMarketS, err = envInt(EnvTimeoutOptionsMkt, config.Recovery.TimeoutOptionsMarketS); err != nil {
		return nil, err
	}
	if config.Recovery.TimeoutOptionsLimitS, err = envInt(EnvTimeoutOptionsLimit, config.Recovery.TimeoutOptionsLimitS); err != nil {
		return nil, err
	}
	if config.Recovery.TimeoutDefaultMarketS, err = envInt(EnvTimeoutDefaultMkt, config.Recovery.TimeoutDefaultMarketS); err != nil {
		return nil, err
	}
	if config.Recovery.TimeoutDefaultLimitS, err = envInt(EnvTimeoutDefaultLimit, config.Recovery.TimeoutDefaultLimitS); err != nil {
		return nil, err
	}
	if config.Recovery.IntervalS, err = envInt(EnvRecoverIntervalS, config.Recovery.IntervalS); err != nil {
		return nil, err
	}
	if config.Recovery.ShardCount, err = envInt(EnvRecoverShardCount, config.Recovery.ShardCount); err != nil {
		return nil, err
	}
	if config.Recovery.ShardIndex, err = envInt(EnvRecoverShardIndex, config.Recovery.ShardIndex); err != nil {
		return nil, err
	}

	if v := os.Getenv(EnvDatabasePath); v != "" {
		config.Storage.DatabasePath = v
	}

	if v := os.Getenv(EnvAdminKey); v != "" {
		config.Server.AdminKey = Secret(v)
	}
	if config.Server.Port, err = envInt(EnvAdminPort, config.Server.Port); err != nil {
		return nil, err
	}

	if v := os.Getenv(EnvDisabledUsers); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				config.Users.Disabled = append(config.Users.Disabled, u)
			}
		}
	}

	if v := os.Getenv(EnvSlackWebhookURL); v != "" {
		config.Alerts.SlackWebhookURL = Secret(v)
		config.Alerts.Enabled = true
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		config.Alerts.TelegramToken = Secret(v)
		config.Alerts.Enabled = true
	}
	if v := os.Getenv(EnvTelegramChatID); v != "" {
		config.Alerts.TelegramChatID = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		config.System.LogLevel = strings.ToUpper(v)
	}
	if config.Telemetry.MetricsPort, err = envInt(EnvMetricsPort, config.Telemetry.MetricsPort); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateGateConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBrokerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRoutingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRecoveryConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateGateConfig() error {
	validModes := []string{"SHADOW", "PAPER", "LIVE"}
	if !contains(validModes, c.Gate.Mode) {
		return ValidationError{
			Field:   "gate.trading_mode",
			Value:   c.Gate.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	return nil
}

func (c *Config) validateBrokerConfig() error {
	validAdapters := []string{"paper", "rest"}
	if !contains(validAdapters, c.Broker.Adapter) {
		return ValidationError{
			Field:   "broker.adapter",
			Value:   c.Broker.Adapter,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validAdapters, ", ")),
		}
	}

	if c.Broker.Adapter == "rest" {
		if c.Broker.BaseURL == "" {
			return ValidationError{
				Field:   "broker.base_url",
				Message: "base URL is required for the rest adapter",
			}
		}
		if c.Broker.APIKey == "" {
			return ValidationError{
				Field:   "broker.api_key",
				Message: "API key is required for the rest adapter",
			}
		}
		if c.Broker.APISecret == "" {
			return ValidationError{
				Field:   "broker.api_secret",
				Message: "API secret is required for the rest adapter",
			}
		}
	}

	if c.Broker.RateLimit <= 0 {
		return ValidationError{
			Field:   "broker.rate_limit",
			Value:   c.Broker.RateLimit,
			Message: "rate limit must be positive",
		}
	}
	if c.Broker.RateBurst <= 0 {
		return ValidationError{
			Field:   "broker.rate_burst",
			Value:   c.Broker.RateBurst,
			Message: "rate burst must be positive",
		}
	}

	return nil
}

func (c *Config) validateRoutingConfig() error {
	if c.Routing.MaxSpreadPct < 0 {
		return ValidationError{
			Field:   "routing.max_spread_pct",
			Value:   c.Routing.MaxSpreadPct,
			Message: "spread threshold must not be negative",
		}
	}
	return nil
}

func (c *Config) validateRecoveryConfig() error {
	positive := map[string]int{
		"recovery.stale_after_s":            c.Recovery.StaleAfterS,
		"recovery.timeout_options_market_s": c.Recovery.TimeoutOptionsMarketS,
		"recovery.timeout_options_limit_s":  c.Recovery.TimeoutOptionsLimitS,
		"recovery.timeout_default_market_s": c.Recovery.TimeoutDefaultMarketS,
		"recovery.timeout_default_limit_s":  c.Recovery.TimeoutDefaultLimitS,
		"recovery.pass_timeout_s":           c.Recovery.PassTimeoutS,
		"recovery.pool_size":                c.Recovery.PoolSize,
	}
	for field, value := range positive {
		if value <= 0 {
			return ValidationError{
				Field:   field,
				Value:   value,
				Message: "must be positive",
			}
		}
	}

	if c.Recovery.IntervalS < 0 {
		return ValidationError{
			Field:   "recovery.interval_s",
			Value:   c.Recovery.IntervalS,
			Message: "interval must not be negative (0 disables the loop)",
		}
	}
	if c.Recovery.ShardCount < 1 {
		return ValidationError{
			Field:   "recovery.shard_count",
			Value:   c.Recovery.ShardCount,
			Message: "shard count must be at least 1",
		}
	}
	if c.Recovery.ShardIndex < 0 || c.Recovery.ShardIndex >= c.Recovery.ShardCount {
		return ValidationError{
			Field:   "recovery.shard_index",
			Value:   c.Recovery.ShardIndex,
			Message: fmt.Sprintf("shard index must be in [0, %d)", c.Recovery.ShardCount),
		}
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "port must be in [1, 65535]",
		}
	}
	if c.Server.MaxWSConnections < 1 {
		return ValidationError{
			Field:   "server.max_ws_connections",
			Value:   c.Server.MaxWSConnections,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	// Secret fields redact themselves during marshaling
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		EnvBrokerAPIKey, EnvBrokerAPISecret,
		EnvConfirmToken, EnvAdminKey,
		EnvSlackWebhookURL, EnvTelegramToken,
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, ValidationError{Field: key, Value: v, Message: "must be a boolean (1/0/true/false/yes/no/on/off)"}
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, ValidationError{Field: key, Value: v, Message: "must be an integer"}
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, ValidationError{Field: key, Value: v, Message: "must be a number"}
	}
	return f, nil
}

// DefaultConfig returns the fail-closed baseline configuration. The gate is
// halted, the paper adapter is selected, and recovery runs manually only.
func DefaultConfig() *Config {
	return &Config{
		Gate: GateConfig{
			Mode:             "SHADOW",
			ExecutionEnabled: false,
			ExecutionHalted:  true,
			GuardUnlock:      false,
		},
		Broker: BrokerConfig{
			Adapter:       "paper",
			RateLimit:     25,
			RateBurst:     30,
			MaxRetries:    3,
			BreakerDelayS: 10,
		},
		Routing: RoutingConfig{
			Enabled:      true,
			MaxSpreadPct: 0,
		},
		Recovery: RecoveryConfig{
			StaleAfterS:           60,
			TimeoutOptionsMarketS: 20,
			TimeoutOptionsLimitS:  120,
			TimeoutDefaultMarketS: 15,
			TimeoutDefaultLimitS:  90,
			IntervalS:             0,
			PassTimeoutS:          30,
			ShardCount:            1,
			ShardIndex:            0,
			PoolSize:              4,
		},
		Storage: StorageConfig{
			DatabasePath: "exec_agent.db",
		},
		Server: ServerConfig{
			Port:             8089,
			MaxWSConnections: 256,
		},
		Users: UsersConfig{
			DefaultEnabled: true,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
