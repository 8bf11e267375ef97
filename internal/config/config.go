package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fan-out modes
const (
	FanOutSingle  = "single"
	FanOutCluster = "cluster"
	FanOutPubSub  = "pubsub"
	FanOutQueue   = "queue"
)

// Config holds all application configuration
type Config struct {
	// Node Configuration
	NodeAddress string
	NodeRoles   []string
	FanOutMode  string

	// MongoDB Configuration
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// Redis Configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Worker Pool Configuration
	WorkerPoolSize  int
	WorkerQueueSize int

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Lock Configuration
	LockVerifyTimeout time.Duration
	UnlockDelay       time.Duration
	RelayLockTTL      time.Duration

	// Tick Configuration
	QueuePollInterval time.Duration
	ClockRenewEvery   time.Duration

	// Membership Configuration
	MemberHeartbeat   time.Duration
	MemberUnreachable time.Duration
	MemberRemove      time.Duration
	MemberResync      time.Duration

	// Job Definition Configuration
	JobDefinitionsEnabled bool
	JobSyncInterval       time.Duration
	WebhookTimeout        time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// Node
		NodeAddress: getEnv("NODE_ADDRESS", defaultNodeAddress()),
		NodeRoles:   getListEnv("NODE_ROLES", nil),
		FanOutMode:  strings.ToLower(getEnv("FANOUT_MODE", FanOutCluster)),

		// MongoDB
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/metronome?authSource=admin"),
		MongoDatabase: getEnv("MONGO_DATABASE", "metronome"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 30) * time.Second,

		// Worker Pool
		WorkerPoolSize:  getIntEnv("WORKER_POOL_SIZE", 10),
		WorkerQueueSize: getIntEnv("WORKER_QUEUE_SIZE", 1000),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Locks
		LockVerifyTimeout: getDurationEnv("LOCK_VERIFY_TIMEOUT_MS", 10000) * time.Millisecond,
		UnlockDelay:       getDurationEnv("UNLOCK_DELAY_MS", 1000) * time.Millisecond,
		RelayLockTTL:      getDurationEnv("RELAY_LOCK_TTL_MS", 5000) * time.Millisecond,

		// Ticks
		QueuePollInterval: getDurationEnv("QUEUE_POLL_INTERVAL_MS", 1000) * time.Millisecond,
		ClockRenewEvery:   getDurationEnv("CLOCK_RENEW_HOURS", 24) * time.Hour,

		// Membership
		MemberHeartbeat:   getDurationEnv("MEMBER_HEARTBEAT_SEC", 2) * time.Second,
		MemberUnreachable: getDurationEnv("MEMBER_UNREACHABLE_SEC", 10) * time.Second,
		MemberRemove:      getDurationEnv("MEMBER_REMOVE_SEC", 30) * time.Second,
		MemberResync:      getDurationEnv("MEMBER_RESYNC_SEC", 60) * time.Second,

		// Job definitions
		JobDefinitionsEnabled: getBoolEnv("JOB_DEFINITIONS_ENABLED", true),
		JobSyncInterval:       getDurationEnv("JOB_SYNC_INTERVAL_SEC", 15) * time.Second,
		WebhookTimeout:        getDurationEnv("WEBHOOK_TIMEOUT_SEC", 30) * time.Second,
	}
}

// defaultNodeAddress uses the hostname, falling back to a random id
func defaultNodeAddress() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping blanks
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
