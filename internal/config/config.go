// Package config loads the relayd YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the relayd configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Cache       CacheConfig       `yaml:"cache"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Provider    ProviderConfig    `yaml:"provider"`
	Relay       RelayConfig       `yaml:"relay"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig maps API keys to account IDs. Empty map disables auth.
type AuthConfig struct {
	APIKeys map[string]string `yaml:"api_keys"` // key -> account id
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// CacheConfig holds Redis settings for reservations and balance caching.
type CacheConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// EntitlementConfig holds the Postgres entitlement store settings.
type EntitlementConfig struct {
	DSN                     string `yaml:"dsn"`
	DefaultMonthlyAllowance int64  `yaml:"default_monthly_allowance"`
}

// ProviderConfig holds completion provider settings.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// RelayConfig holds relay and ledger timing settings.
type RelayConfig struct {
	KeepAliveSec         int `yaml:"keepalive_sec"`
	ReservationTTLSec    int `yaml:"reservation_ttl_sec"`
	BalanceCacheTTLSec   int `yaml:"balance_cache_ttl_sec"`
	CommitRetryDelaySec  int `yaml:"commit_retry_delay_sec"`
	CommitRetryQueueSize int `yaml:"commit_retry_queue_size"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
// A local .env file (if present) is loaded first so ${VAR} expansion sees it.
func Load(env string) (Config, error) {
	_ = godotenv.Load()

	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// Long-lived SSE responses; the write timeout bounds a whole stream.
		c.HTTP.WriteTimeoutSec = 3600
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Cache.ReadinessTimeout <= 0 {
		c.Cache.ReadinessTimeout = 10
	}
	if c.Entitlement.DefaultMonthlyAllowance <= 0 {
		c.Entitlement.DefaultMonthlyAllowance = 50000
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-4o-mini"
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = 2048
	}
	if c.Relay.KeepAliveSec <= 0 {
		c.Relay.KeepAliveSec = 30
	}
	if c.Relay.ReservationTTLSec <= 0 {
		c.Relay.ReservationTTLSec = 300
	}
	if c.Relay.BalanceCacheTTLSec <= 0 {
		c.Relay.BalanceCacheTTLSec = 30
	}
	if c.Relay.CommitRetryDelaySec <= 0 {
		c.Relay.CommitRetryDelaySec = 5
	}
	if c.Relay.CommitRetryQueueSize <= 0 {
		c.Relay.CommitRetryQueueSize = 256
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Cache.Addrs) == 0 {
		return fmt.Errorf("cache.addrs is required")
	}
	if c.Entitlement.DSN == "" {
		return fmt.Errorf("entitlement.dsn is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
