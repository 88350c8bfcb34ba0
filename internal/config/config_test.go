package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDefaultConfigIsFailClosed(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "SHADOW", cfg.Gate.Mode)
	assert.False(t, cfg.Gate.ExecutionEnabled)
	assert.True(t, cfg.Gate.ExecutionHalted)
	assert.False(t, cfg.Gate.GuardUnlock)
	assert.Empty(t, string(cfg.Gate.ConfirmToken))

	assert.Equal(t, "paper", cfg.Broker.Adapter)
	assert.True(t, cfg.Routing.Enabled)
	assert.Zero(t, cfg.Routing.MaxSpreadPct)

	assert.Equal(t, 60, cfg.Recovery.StaleAfterS)
	assert.Equal(t, 20, cfg.Recovery.TimeoutOptionsMarketS)
	assert.Equal(t, 120, cfg.Recovery.TimeoutOptionsLimitS)
	assert.Equal(t, 15, cfg.Recovery.TimeoutDefaultMarketS)
	assert.Equal(t, 90, cfg.Recovery.TimeoutDefaultLimitS)
	assert.Zero(t, cfg.Recovery.IntervalS)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvTradingMode, "paper")
	t.Setenv(EnvExecutionEnabled, "1")
	t.Setenv(EnvExecutionHalted, "0")
	t.Setenv(EnvGuardUnlock, "true")
	t.Setenv(EnvConfirmToken, "tok-123")
	t.Setenv(EnvBrokerBaseURL, "https://paper-api.broker.test")
	t.Setenv(EnvSmartRouting, "0")
	t.Setenv(EnvMaxSpreadPct, "0.0042")
	t.Setenv(EnvOrderStaleS, "45")
	t.Setenv(EnvTimeoutOptionsLimit, "300")
	t.Setenv(EnvRecoverIntervalS, "15")
	t.Setenv(EnvRecoverShardCount, "4")
	t.Setenv(EnvRecoverShardIndex, "2")
	t.Setenv(EnvDisabledUsers, "user-7, user-8")
	t.Setenv(EnvAdminKey, "admin-secret")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "PAPER", cfg.Gate.Mode)
	assert.True(t, cfg.Gate.ExecutionEnabled)
	assert.False(t, cfg.Gate.ExecutionHalted)
	assert.True(t, cfg.Gate.GuardUnlock)
	assert.Equal(t, Secret("tok-123"), cfg.Gate.ConfirmToken)
	assert.Equal(t, "https://paper-api.broker.test", cfg.Broker.BaseURL)
	assert.False(t, cfg.Routing.Enabled)
	assert.InDelta(t, 0.0042, cfg.Routing.MaxSpreadPct, 1e-12)
	assert.Equal(t, 45, cfg.Recovery.StaleAfterS)
	assert.Equal(t, 300, cfg.Recovery.TimeoutOptionsLimitS)
	assert.Equal(t, 15, cfg.Recovery.IntervalS)
	assert.Equal(t, 4, cfg.Recovery.ShardCount)
	assert.Equal(t, 2, cfg.Recovery.ShardIndex)
	assert.Equal(t, []string{"user-7", "user-8"}, cfg.Users.Disabled)
	assert.Equal(t, Secret("admin-secret"), cfg.Server.AdminKey)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"malformed boolean", EnvExecutionHalted, "maybe"},
		{"malformed integer", EnvOrderStaleS, "soon"},
		{"malformed float", EnvMaxSpreadPct, "wide"},
		{"invalid mode", EnvTradingMode, "YOLO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `gate:
  trading_mode: "PAPER"
  execution_enabled: true
  execution_halted: false
  guard_unlock: true
  confirm_token: "${TEST_CONFIRM_TOKEN}"

broker:
  adapter: "rest"
  base_url: "https://paper-api.broker.test"
  api_key: "${TEST_BROKER_API_KEY}"
  api_secret: "${TEST_BROKER_API_SECRET}"
  rate_limit: 25
  rate_burst: 30
  max_retries: 3
  breaker_delay_s: 10

routing:
  enabled: true
  max_spread_pct: 0.002

recovery:
  stale_after_s: 30
  interval_s: 10

storage:
  database_path: "test.db"

server:
  port: 18089
  admin_key: "${TEST_ADMIN_KEY}"

system:
  log_level: "DEBUG"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	t.Setenv("TEST_CONFIRM_TOKEN", "confirm_from_env")
	t.Setenv("TEST_BROKER_API_KEY", "key_from_env")
	t.Setenv("TEST_BROKER_API_SECRET", "secret_from_env")
	t.Setenv("TEST_ADMIN_KEY", "admin_from_env")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("confirm_from_env"), config.Gate.ConfirmToken)
	assert.Equal(t, Secret("key_from_env"), config.Broker.APIKey)
	assert.Equal(t, Secret("secret_from_env"), config.Broker.APISecret)
	assert.Equal(t, Secret("admin_from_env"), config.Server.AdminKey)
	assert.Equal(t, "PAPER", config.Gate.Mode)
	assert.Equal(t, 30, config.Recovery.StaleAfterS)
	// Unset fields keep their defaults.
	assert.Equal(t, 20, config.Recovery.TimeoutOptionsMarketS)
	assert.Equal(t, 18089, config.Server.Port)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"invalid mode", func(c *Config) { c.Gate.Mode = "DRY_RUN" }},
		{"invalid adapter", func(c *Config) { c.Broker.Adapter = "fix" }},
		{"rest adapter without base url", func(c *Config) {
			c.Broker.Adapter = "rest"
			c.Broker.APIKey = "k"
			c.Broker.APISecret = "s"
		}},
		{"rest adapter without credentials", func(c *Config) {
			c.Broker.Adapter = "rest"
			c.Broker.BaseURL = "https://api.broker.test"
		}},
		{"negative spread threshold", func(c *Config) { c.Routing.MaxSpreadPct = -0.1 }},
		{"zero stale window", func(c *Config) { c.Recovery.StaleAfterS = 0 }},
		{"negative interval", func(c *Config) { c.Recovery.IntervalS = -5 }},
		{"shard index out of range", func(c *Config) {
			c.Recovery.ShardCount = 2
			c.Recovery.ShardIndex = 2
		}},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"invalid log level", func(c *Config) { c.System.LogLevel = "VERBOSE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"broker api key is critical", EnvBrokerAPIKey, true},
		{"broker api secret is critical", EnvBrokerAPISecret, true},
		{"confirm token is critical", EnvConfirmToken, true},
		{"admin key is critical", EnvAdminKey, true},
		{"slack webhook is critical", EnvSlackWebhookURL, true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.APIKey = Secret("my_super_secret_api_key")
	cfg.Broker.APISecret = Secret("my_super_secret_secret_key")
	cfg.Gate.ConfirmToken = Secret("my_super_secret_token")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "output should contain redaction marker")
	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain full API key")
	assert.NotContains(t, output, "my_super_secret_secret_key", "output should NOT contain full secret")
	assert.NotContains(t, output, "my_super_secret_token", "output should NOT contain confirm token")
	assert.NotContains(t, output, "my_s", "output should NOT contain partial secret parts")
}
