// Package config provides configuration management for the gominer CPU miner.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/internal/stratum"
)

// TLS modes for POOL_TLS
const (
	TLSAuto = "auto"
	TLSOn   = "on"
	TLSOff  = "off"
)

// Config holds the global configuration for the miner
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Pool connection
	PoolURLs          []string
	PoolUser          string
	PoolPass          string
	UserAgent         string
	PoolTLS           string
	TLSFingerprint    string
	PoolKeepalive     bool
	PoolNicehash      bool
	Retries           int
	RetryPause        time.Duration
	ResponseTimeout   time.Duration
	KeepaliveInterval time.Duration
	MaxMessageSize    int

	// Mining
	Algo        string
	AES         string
	Threads     int
	HashFactor  int
	MaxCPUUsage int
	PrintTime   time.Duration
	DonateLevel int
	DonateURL   string

	// Kafka configuration
	KafkaBrokers     []string
	KafkaTopicPrefix string

	// Database connections
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	version := getEnv("VERSION", "dev")

	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "gominer"),
		Version:     version,
		Environment: getEnv("ENVIRONMENT", "development"),

		// Pool defaults
		PoolURLs:          getEnvSlice("POOL_URLS", []string{"stratum+tcp://localhost:3333"}),
		PoolUser:          getEnv("POOL_USER", ""),
		PoolPass:          getEnv("POOL_PASS", "x"),
		UserAgent:         getEnv("USER_AGENT", "gominer/"+version),
		PoolTLS:           strings.ToLower(getEnv("POOL_TLS", TLSAuto)),
		TLSFingerprint:    getEnv("POOL_TLS_FINGERPRINT", ""),
		PoolKeepalive:     getEnvBool("POOL_KEEPALIVE", false),
		PoolNicehash:      getEnvBool("POOL_NICEHASH", false),
		Retries:           getEnvInt("RETRIES", 5),
		RetryPause:        getEnvDuration("RETRY_PAUSE", stratum.DefaultRetryPause),
		ResponseTimeout:   getEnvDuration("RESPONSE_TIMEOUT", stratum.DefaultResponseTimeout),
		KeepaliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", stratum.DefaultKeepaliveInterval),
		MaxMessageSize:    getEnvInt("MAX_MESSAGE_SIZE", stratum.DefaultMaxMessageSize),

		// Mining defaults
		Algo:        strings.ToLower(getEnv("ALGO", pow.AlgoKeccak)),
		AES:         getEnv("AES", "auto"),
		Threads:     getEnvInt("THREADS", 0),
		HashFactor:  getEnvInt("HASH_FACTOR", 0),
		MaxCPUUsage: getEnvInt("MAX_CPU_USAGE", 75),
		PrintTime:   getEnvDuration("PRINT_TIME", 60*time.Second),
		DonateLevel: getEnvInt("DONATE_LEVEL", 0),
		DonateURL:   getEnv("DONATE_URL", ""),

		// Kafka defaults (disabled unless brokers are set)
		KafkaBrokers:     getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", "gominer"),

		// Database defaults (each sink is disabled unless its URL is set)
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "gominer"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if len(c.PoolURLs) == 0 {
		return fmt.Errorf("POOL_URLS cannot be empty")
	}

	if _, err := c.Pools(); err != nil {
		return err
	}

	switch c.PoolTLS {
	case TLSAuto, TLSOn, TLSOff:
	default:
		return fmt.Errorf("POOL_TLS must be one of auto, on, off")
	}

	if c.Retries < 1 {
		return fmt.Errorf("RETRIES must be positive")
	}

	if c.RetryPause <= 0 || c.ResponseTimeout <= 0 || c.KeepaliveInterval <= 0 {
		return fmt.Errorf("RETRY_PAUSE, RESPONSE_TIMEOUT and KEEPALIVE_INTERVAL must be positive")
	}

	if c.MaxMessageSize < 256 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be at least 256")
	}

	if pow.FootprintKB(c.Algo) == 0 {
		return fmt.Errorf("ALGO must be one of %s", strings.Join(pow.Algorithms(), ", "))
	}

	if _, err := pow.ParseAESMode(c.AES); err != nil {
		return fmt.Errorf("AES must be one of auto, on, off")
	}

	if c.Threads < 0 {
		return fmt.Errorf("THREADS cannot be negative")
	}

	if c.HashFactor < 0 || c.HashFactor > pow.MaxHashFactor {
		return fmt.Errorf("HASH_FACTOR must be between 0 and %d", pow.MaxHashFactor)
	}

	if c.MaxCPUUsage < 1 || c.MaxCPUUsage > 100 {
		return fmt.Errorf("MAX_CPU_USAGE must be between 1 and 100")
	}

	if c.PrintTime <= 0 {
		return fmt.Errorf("PRINT_TIME must be positive")
	}

	if c.DonateLevel < 0 || c.DonateLevel > 99 {
		return fmt.Errorf("DONATE_LEVEL must be between 0 and 99")
	}

	if c.DonateLevel > 0 {
		if c.DonateURL == "" {
			return fmt.Errorf("DONATE_URL is required when DONATE_LEVEL is set")
		}
		if _, err := c.DonatePool(); err != nil {
			return err
		}
	}

	return nil
}

// Pools parses POOL_URLS in failover order, applying the global TLS,
// keepalive and nicehash settings on top of each URL's own flags
func (c *Config) Pools() ([]*stratum.URL, error) {
	pools := make([]*stratum.URL, 0, len(c.PoolURLs))
	for _, raw := range c.PoolURLs {
		u, err := c.parsePool(raw)
		if err != nil {
			return nil, fmt.Errorf("POOL_URLS: %w", err)
		}
		pools = append(pools, u)
	}
	return pools, nil
}

// DonatePool parses DONATE_URL. It returns nil when donation is disabled.
func (c *Config) DonatePool() (*stratum.URL, error) {
	if c.DonateLevel == 0 || c.DonateURL == "" {
		return nil, nil
	}
	u, err := stratum.ParseURL(c.DonateURL)
	if err != nil {
		return nil, fmt.Errorf("DONATE_URL: %w", err)
	}
	return u, nil
}

func (c *Config) parsePool(raw string) (*stratum.URL, error) {
	u, err := stratum.ParseURL(raw)
	if err != nil {
		return nil, err
	}

	switch c.PoolTLS {
	case TLSOn:
		u.TLS = true
	case TLSOff:
		u.TLS = false
	}
	if c.TLSFingerprint != "" && u.Fingerprint == "" {
		u.Fingerprint = strings.ToLower(strings.ReplaceAll(c.TLSFingerprint, ":", ""))
	}
	u.Keepalive = u.Keepalive || c.PoolKeepalive
	u.Nicehash = u.Nicehash || c.PoolNicehash
	return u, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
