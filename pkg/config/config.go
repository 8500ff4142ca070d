// Package config provides environment-based configuration for the build master and slaves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// History backend names accepted in HISTORY_BACKEND.
const (
	HistoryBackendMemory   = "memory"
	HistoryBackendPostgres = "postgres"
)

// Config holds all configuration for the build master.
type Config struct {
	// Logging
	LogLevel string
	LogJSON  bool

	// MasterFile is the YAML file describing sources, slaves and projects.
	MasterFile string

	// History storage
	HistoryBackend string
	DatabaseDSN    string
	LogDir         string

	// Slave authentication
	SlaveTokenSecret string
	SlaveTokenExpiry time.Duration

	// SecretsKey is the age identity that opens sealed step secrets.
	SecretsKey string

	// Server configuration
	HTTPHost string
	HTTPPort int
	GRPCPort int

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Source polling configuration
	Source SourceConfig

	// Slave health configuration
	Slave SlaveConfig

	// History retention configuration
	Retention RetentionConfig
}

// SourceConfig holds source manager defaults.
type SourceConfig struct {
	PollInterval   time.Duration
	CommandTimeout time.Duration
}

// SlaveConfig holds slave registry configuration.
type SlaveConfig struct {
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	DegradedThreshold   time.Duration
	DownThreshold       time.Duration
	AcquireTimeout      time.Duration
}

// RetentionConfig holds history pruning configuration. A zero BuildRetention
// disables age based pruning and a zero LogQuotaMB disables the quota.
type RetentionConfig struct {
	BuildRetention time.Duration
	MinBuildsKept  int
	PruneInterval  time.Duration
	LogQuotaMB     int
	CheckInterval  time.Duration
}

// WorkerConfig holds configuration for the buildslave process.
type WorkerConfig struct {
	Name       string
	MasterAddr string
	Token      string
	WorkDir    string
	// ReconnectBackoff is the first delay before reattaching after the
	// connection to the master is lost.
	ReconnectBackoff time.Duration
}

// Load reads master configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	cfg.SlaveTokenSecret = getEnv("SLAVE_TOKEN_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.SlaveTokenSecret == "" {
		return fmt.Errorf("SLAVE_TOKEN_SECRET is required")
	}
	if len(c.SlaveTokenSecret) < 32 {
		return fmt.Errorf("SLAVE_TOKEN_SECRET must be at least 32 characters")
	}
	switch c.HistoryBackend {
	case HistoryBackendMemory:
	case HistoryBackendPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres history backend")
		}
	default:
		return fmt.Errorf("unknown HISTORY_BACKEND %q", c.HistoryBackend)
	}
	if c.Retention.MinBuildsKept < 0 {
		return fmt.Errorf("MIN_BUILDS_KEPT must not be negative")
	}
	if c.Slave.DownThreshold <= c.Slave.DegradedThreshold {
		return fmt.Errorf("SLAVE_DOWN_THRESHOLD must exceed SLAVE_DEGRADED_THRESHOLD")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogJSON:          getBoolEnv("LOG_JSON", true),
		MasterFile:       getEnv("MASTER_FILE", "master.yaml"),
		HistoryBackend:   getEnv("HISTORY_BACKEND", HistoryBackendMemory),
		DatabaseDSN:      getEnv("DATABASE_URL", "postgres://localhost:5432/buildmaster?sslmode=disable"),
		LogDir:           getEnv("LOG_DIR", "/var/lib/buildmaster/logs"),
		SlaveTokenSecret: getEnv("SLAVE_TOKEN_SECRET", "development-secret-key-min-32-chars"),
		SlaveTokenExpiry: getDurationEnv("SLAVE_TOKEN_EXPIRY", 24*365*time.Hour),
		SecretsKey:       getEnv("SECRETS_AGE_KEY", ""),
		HTTPHost:         getEnv("HTTP_HOST", "0.0.0.0"),
		HTTPPort:         getIntEnv("HTTP_PORT", 8010),
		GRPCPort:         getIntEnv("GRPC_PORT", 9989),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Source: SourceConfig{
			PollInterval:   getDurationEnv("SOURCE_POLL_INTERVAL", time.Minute),
			CommandTimeout: getDurationEnv("SOURCE_COMMAND_TIMEOUT", 30*time.Second),
		},
		Slave: SlaveConfig{
			HeartbeatInterval:   getDurationEnv("SLAVE_HEARTBEAT_INTERVAL", 10*time.Second),
			HealthCheckInterval: getDurationEnv("SLAVE_HEALTH_CHECK_INTERVAL", 10*time.Second),
			DegradedThreshold:   getDurationEnv("SLAVE_DEGRADED_THRESHOLD", 30*time.Second),
			DownThreshold:       getDurationEnv("SLAVE_DOWN_THRESHOLD", 60*time.Second),
			AcquireTimeout:      getDurationEnv("SLAVE_ACQUIRE_TIMEOUT", 10*time.Minute),
		},
		Retention: RetentionConfig{
			BuildRetention: getDurationEnv("BUILD_RETENTION", 0),
			MinBuildsKept:  getIntEnv("MIN_BUILDS_KEPT", 5),
			PruneInterval:  getDurationEnv("PRUNE_INTERVAL", time.Hour),
			LogQuotaMB:     getIntEnv("LOG_QUOTA_MB", 0),
			CheckInterval:  getDurationEnv("LOG_QUOTA_CHECK_INTERVAL", 5*time.Minute),
		},
	}
}

// LoadWorker reads buildslave configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	hostname, _ := os.Hostname()
	cfg := &WorkerConfig{
		Name:             getEnv("SLAVE_NAME", hostname),
		MasterAddr:       getEnv("MASTER_ADDR", "localhost:9989"),
		Token:            getEnv("SLAVE_TOKEN", ""),
		WorkDir:          getEnv("SLAVE_WORKDIR", "/tmp/buildslave"),
		ReconnectBackoff: getDurationEnv("SLAVE_RECONNECT_BACKOFF", 5*time.Second),
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("SLAVE_NAME is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("SLAVE_TOKEN is required")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
